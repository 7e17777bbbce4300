package descriptor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"dyntools/internal/domain"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// scanEntryPoints statically extracts top-level function definitions from
// Python source. It never executes the artifact; introspection is purely
// lexical. Underscore-prefixed functions are private and skipped, matching
// the discovery convention of the tool format.
func scanEntryPoints(src []byte) ([]domain.EntryPoint, error) {
	lines := strings.Split(string(src), "\n")
	var out []domain.EntryPoint

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimRight(line, "\r")

		switch {
		case strings.HasPrefix(trimmed, "async def "):
			name := headerName(strings.TrimPrefix(trimmed, "async "))
			if strings.HasPrefix(name, "_") {
				continue
			}
			return nil, fmt.Errorf("entry point %q is async: %w", name, domain.ErrUnsupportedSignature)
		case strings.HasPrefix(trimmed, "def "):
		default:
			continue
		}

		header, consumed, err := collectHeader(lines, i)
		if err != nil {
			return nil, err
		}
		i += consumed - 1

		ep, skip, err := parseHeader(header)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		ep.Doc = docstringAfter(lines, i+1)
		out = append(out, ep)
	}
	return out, nil
}

// collectHeader joins the lines of one def header until the colon that closes
// it at paren depth zero. Returns the joined header and the number of lines
// consumed.
func collectHeader(lines []string, start int) (string, int, error) {
	var (
		sb      strings.Builder
		depth   int
		quote   byte
		escaped bool
	)
	for offset := 0; start+offset < len(lines); offset++ {
		line := strings.TrimRight(lines[start+offset], "\r")
		for i := 0; i < len(line); i++ {
			ch := line[i]
			if quote != 0 {
				if escaped {
					escaped = false
					continue
				}
				switch ch {
				case '\\':
					escaped = true
				case quote:
					quote = 0
				}
				continue
			}
			switch ch {
			case '\'', '"':
				quote = ch
			case '(', '[', '{':
				depth++
			case ')', ']', '}':
				depth--
			case '#':
				line = line[:i]
				i = len(line)
			case ':':
				if depth == 0 {
					sb.WriteString(line[:i])
					return sb.String(), offset + 1, nil
				}
			}
		}
		sb.WriteString(line)
		sb.WriteByte(' ')
	}
	return "", 0, fmt.Errorf("unterminated function header at line %d: %w", start+1, domain.ErrSyntax)
}

func headerName(header string) string {
	rest := strings.TrimPrefix(header, "def ")
	if idx := strings.IndexByte(rest, '('); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.TrimSpace(rest)
}

func parseHeader(header string) (domain.EntryPoint, bool, error) {
	name := headerName(header)
	if !identifierPattern.MatchString(name) {
		return domain.EntryPoint{}, false, fmt.Errorf("invalid function name %q: %w", name, domain.ErrSyntax)
	}
	if strings.HasPrefix(name, "_") {
		return domain.EntryPoint{}, true, nil
	}

	open := strings.IndexByte(header, '(')
	closing := strings.LastIndexByte(header, ')')
	if open < 0 || closing < open {
		return domain.EntryPoint{}, false, fmt.Errorf("function %q has no parameter list: %w", name, domain.ErrSyntax)
	}

	ep := domain.EntryPoint{Name: name}
	if arrow := strings.Index(header[closing:], "->"); arrow >= 0 {
		ep.ReturnType = strings.TrimSpace(header[closing+arrow+2:])
	}

	params, err := parseParams(header[open+1 : closing])
	if err != nil {
		return domain.EntryPoint{}, false, fmt.Errorf("function %q: %w", name, err)
	}
	ep.Params = params
	return ep, false, nil
}

func parseParams(list string) ([]domain.Parameter, error) {
	parts, err := splitTopLevel(list)
	if err != nil {
		return nil, err
	}
	var out []domain.Parameter
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "self" || part == "cls" {
			continue
		}
		if part == "*" || part == "/" || strings.HasPrefix(part, "*") {
			return nil, fmt.Errorf("parameter %q: %w", part, domain.ErrUnsupportedSignature)
		}

		param := domain.Parameter{}
		rest := part
		if eq := indexTopLevel(rest, '='); eq >= 0 {
			param.HasDefault = true
			param.Default = parseLiteral(strings.TrimSpace(rest[eq+1:]))
			rest = rest[:eq]
		}
		if colon := indexTopLevel(rest, ':'); colon >= 0 {
			param.Type = strings.TrimSpace(rest[colon+1:])
			rest = rest[:colon]
		}
		param.Name = strings.TrimSpace(rest)
		if !identifierPattern.MatchString(param.Name) {
			return nil, fmt.Errorf("invalid parameter %q: %w", part, domain.ErrSyntax)
		}
		out = append(out, param)
	}
	return out, nil
}

// splitTopLevel splits a parameter list at commas outside brackets/quotes.
func splitTopLevel(list string) ([]string, error) {
	var (
		parts   []string
		depth   int
		quote   byte
		escaped bool
		start   int
	)
	for i := 0; i < len(list); i++ {
		ch := list[i]
		if quote != 0 {
			if escaped {
				escaped = false
				continue
			}
			switch ch {
			case '\\':
				escaped = true
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced brackets in parameter list: %w", domain.ErrSyntax)
			}
		case ',':
			if depth == 0 {
				parts = append(parts, list[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 || quote != 0 {
		return nil, fmt.Errorf("unbalanced parameter list: %w", domain.ErrSyntax)
	}
	parts = append(parts, list[start:])
	return parts, nil
}

func indexTopLevel(s string, target byte) int {
	var (
		depth   int
		quote   byte
		escaped bool
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if escaped {
				escaped = false
				continue
			}
			switch ch {
			case '\\':
				escaped = true
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case target:
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// parseLiteral converts simple Python default literals into Go values. Complex
// defaults stay nil; HasDefault already tells callers the parameter is
// optional.
func parseLiteral(raw string) any {
	switch raw {
	case "None":
		return nil
	case "True":
		return true
	case "False":
		return false
	}
	if len(raw) >= 2 {
		first, last := raw[0], raw[len(raw)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return raw[1 : len(raw)-1]
		}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return nil
}

// docstringAfter extracts the docstring that immediately follows a function
// header, if present.
func docstringAfter(lines []string, start int) string {
	for i := start; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		marker := ""
		switch {
		case strings.HasPrefix(trimmed, `"""`):
			marker = `"""`
		case strings.HasPrefix(trimmed, "'''"):
			marker = "'''"
		default:
			return ""
		}
		body := strings.TrimPrefix(trimmed, marker)
		if idx := strings.Index(body, marker); idx >= 0 {
			return strings.TrimSpace(body[:idx])
		}
		var collected []string
		if body != "" {
			collected = append(collected, body)
		}
		for j := i + 1; j < len(lines); j++ {
			line := strings.TrimRight(lines[j], "\r")
			if idx := strings.Index(line, marker); idx >= 0 {
				collected = append(collected, strings.TrimSpace(line[:idx]))
				return firstNonEmpty(collected)
			}
			collected = append(collected, strings.TrimSpace(line))
		}
		return firstNonEmpty(collected)
	}
	return ""
}

// moduleDocstring returns the first line of a module-level docstring, used as
// the tool description when no manifest overrides it.
func moduleDocstring(src []byte) string {
	return docstringAfter(strings.Split(string(src), "\n"), 0)
}

func firstNonEmpty(lines []string) string {
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

// Package descriptor turns tool source artifacts into structured descriptors
// by static introspection only. No artifact code runs in the host process;
// execution is deferred to the boundary package inside an isolated
// environment.
package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"dyntools/internal/domain"
)

const (
	sourceFile       = domain.ArtifactSourceFile
	requirementsFile = "requirements.txt"
	manifestFile     = "tool.toml"
)

type Store struct {
	logger *zap.Logger
}

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger.Named("descriptor")}
}

// toolManifest is the optional tool.toml sidecar.
type toolManifest struct {
	Description    string   `toml:"description"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	EntryPoints    []string `toml:"entry_points"`
}

// Parse builds a descriptor for the tool directory at dir. Identical artifact
// bytes always yield identical descriptor fields apart from SourcePath and
// ParsedAt.
func (s *Store) Parse(dir string) (domain.ToolDescriptor, error) {
	const op = "descriptor.parse"
	name := filepath.Base(filepath.Clean(dir))

	src, err := os.ReadFile(filepath.Join(dir, sourceFile))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ToolDescriptor{}, domain.E(domain.CodeParseFailed, op,
				fmt.Sprintf("tool %q has no %s", name, sourceFile), domain.ErrMissingMetadata)
		}
		return domain.ToolDescriptor{}, domain.E(domain.CodeParseFailed, op,
			fmt.Sprintf("read %s", sourceFile), err)
	}

	files := map[string][]byte{sourceFile: src}
	reqs, err := readOptional(filepath.Join(dir, requirementsFile))
	if err != nil {
		return domain.ToolDescriptor{}, domain.E(domain.CodeParseFailed, op,
			fmt.Sprintf("read %s", requirementsFile), err)
	}
	if reqs != nil {
		files[requirementsFile] = reqs
	}
	manifestRaw, err := readOptional(filepath.Join(dir, manifestFile))
	if err != nil {
		return domain.ToolDescriptor{}, domain.E(domain.CodeParseFailed, op,
			fmt.Sprintf("read %s", manifestFile), err)
	}
	if manifestRaw != nil {
		files[manifestFile] = manifestRaw
	}

	entryPoints, err := scanEntryPoints(src)
	if err != nil {
		return domain.ToolDescriptor{}, domain.E(domain.CodeParseFailed, op,
			fmt.Sprintf("tool %q: %v", name, err), err)
	}

	desc := domain.ToolDescriptor{
		Name:         name,
		SourcePath:   dir,
		Description:  moduleDocstring(src),
		EntryPoints:  entryPoints,
		Dependencies: domain.NormalizeDependencies(parseRequirements(reqs)),
		ContentHash:  HashArtifact(files),
		ParsedAt:     time.Now(),
	}

	if manifestRaw != nil {
		var manifest toolManifest
		if err := toml.Unmarshal(manifestRaw, &manifest); err != nil {
			return domain.ToolDescriptor{}, domain.E(domain.CodeParseFailed, op,
				fmt.Sprintf("tool %q: invalid %s: %v", name, manifestFile, err), domain.ErrSyntax)
		}
		applyManifest(&desc, manifest)
	}

	if len(desc.EntryPoints) == 0 {
		return domain.ToolDescriptor{}, domain.E(domain.CodeParseFailed, op,
			fmt.Sprintf("tool %q declares no entry points", name), domain.ErrMissingMetadata)
	}

	s.logger.Debug("parsed artifact",
		zap.String("tool", desc.Name),
		zap.String("hash", desc.ContentHash),
		zap.Int("entryPoints", len(desc.EntryPoints)),
		zap.Int("dependencies", len(desc.Dependencies)),
	)
	return desc, nil
}

func applyManifest(desc *domain.ToolDescriptor, manifest toolManifest) {
	if manifest.Description != "" {
		desc.Description = manifest.Description
	}
	if manifest.TimeoutSeconds > 0 {
		desc.Timeout = time.Duration(manifest.TimeoutSeconds) * time.Second
	}
	if len(manifest.EntryPoints) > 0 {
		allowed := make(map[string]struct{}, len(manifest.EntryPoints))
		for _, name := range manifest.EntryPoints {
			allowed[name] = struct{}{}
		}
		kept := desc.EntryPoints[:0]
		for _, ep := range desc.EntryPoints {
			if _, ok := allowed[ep.Name]; ok {
				kept = append(kept, ep)
			}
		}
		desc.EntryPoints = kept
	}
}

// HashArtifact digests the artifact files into a content hash. The encoding
// is canonical: file names sorted, each entry framed so that concatenation
// ambiguity cannot produce hash collisions between different file sets.
func HashArtifact(files map[string][]byte) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{'\n'})
		h.Write(files[name])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashArtifactDir hashes the artifact files under dir without parsing them.
// The tracker uses this for cheap change detection before re-parsing.
func HashArtifactDir(dir string) (string, error) {
	files := make(map[string][]byte, 3)
	for _, name := range []string{sourceFile, requirementsFile, manifestFile} {
		data, err := readOptional(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		if data != nil {
			files[name] = data
		}
	}
	if len(files) == 0 {
		return "", os.ErrNotExist
	}
	return HashArtifact(files), nil
}

// IsToolDir reports whether dir looks like a tool artifact directory.
func IsToolDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, sourceFile))
	return err == nil && !info.IsDir()
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

var constraintOperators = []string{"==", ">=", "<=", "~=", "!=", ">", "<", "==="}

// parseRequirements reads a requirements.txt-style dependency declaration.
func parseRequirements(data []byte) []domain.Dependency {
	if len(data) == 0 {
		return nil
	}
	var out []domain.Dependency
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		pkg, constraint := line, ""
		opIdx := len(line)
		for _, operator := range constraintOperators {
			if idx := strings.Index(line, operator); idx >= 0 && idx < opIdx {
				opIdx = idx
			}
		}
		if opIdx < len(line) {
			pkg = line[:opIdx]
			constraint = line[opIdx:]
		}
		out = append(out, domain.Dependency{
			Package:    strings.TrimSpace(pkg),
			Constraint: strings.TrimSpace(constraint),
		})
	}
	return out
}

package domain

import "time"

// ArtifactSourceFile is the entry file every tool artifact must contain.
const ArtifactSourceFile = "tool.py"

// Parameter describes one declared parameter of a tool entry point.
type Parameter struct {
	Name       string `json:"name"`
	Type       string `json:"type,omitempty"`
	HasDefault bool   `json:"hasDefault,omitempty"`
	Default    any    `json:"default,omitempty"`
}

// EntryPoint is one callable exposed by a tool artifact.
type EntryPoint struct {
	Name       string      `json:"name"`
	Doc        string      `json:"doc,omitempty"`
	Params     []Parameter `json:"params,omitempty"`
	ReturnType string      `json:"returnType,omitempty"`
}

// Dependency is one declared package requirement of a tool.
type Dependency struct {
	Package    string `json:"package"`
	Constraint string `json:"constraint,omitempty"`
}

// ToolDescriptor is the parsed identity and callable surface of one tool.
// Descriptors are immutable; a content change produces a replacement, never
// an in-place mutation.
type ToolDescriptor struct {
	Name         string        `json:"name"`
	SourcePath   string        `json:"sourcePath"`
	Description  string        `json:"description,omitempty"`
	EntryPoints  []EntryPoint  `json:"entryPoints"`
	Dependencies []Dependency  `json:"dependencies,omitempty"`
	ContentHash  string        `json:"contentHash"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	ParsedAt     time.Time     `json:"parsedAt"`
}

// EntryPoint returns the named entry point, if declared.
func (d ToolDescriptor) EntryPoint(name string) (EntryPoint, bool) {
	for _, ep := range d.EntryPoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EntryPoint{}, false
}

// EntryPointNames returns the declared entry point names in order.
func (d ToolDescriptor) EntryPointNames() []string {
	out := make([]string, 0, len(d.EntryPoints))
	for _, ep := range d.EntryPoints {
		out = append(out, ep.Name)
	}
	return out
}

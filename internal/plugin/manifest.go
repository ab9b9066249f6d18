package plugin

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parameter describes one argument a plugin function accepts. Types follow
// JSON Schema scalar names; the engine passes arguments through verbatim and
// uses this only for listing and doctor checks.
type Parameter struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// Function declares one callable a plugin exposes through execute.
type Function struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Parameters  []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Functions is the manifest's function list.
//
// Accepted formats:
//   - string array: functions: [count_to, health]
//   - object array: functions: [{name: count_to, parameters: [...]}]
type Functions []Function

func (f *Functions) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*f = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("functions must be a sequence")
	}

	out := make([]Function, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, Function{Name: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var tmp Function
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid function object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid function entry (must be string or object)")
		}
	}

	*f = out
	return nil
}

// Manifest defines the structure of a plugin's manifest.yaml file.
type Manifest struct {
	Name        string    `yaml:"name"`
	Version     string    `yaml:"version"`
	Description string    `yaml:"description,omitempty"`
	Protocol    string    `yaml:"protocol"`
	Executable  string    `yaml:"executable"`
	Persistent  bool      `yaml:"persistent,omitempty"`
	Passthrough bool      `yaml:"passthrough,omitempty"`
	Functions   Functions `yaml:"functions"`
	Tags        []string  `yaml:"tags,omitempty"`
}

// Plugin represents a discovered and validated plugin.
type Plugin struct {
	Name        string   // Plugin name from manifest
	Path        string   // Absolute path to plugin directory
	Executable  string   // Absolute path to the executable
	Protocol    string   // Protocol version ("2.0")
	Version     string   // Plugin version
	Description string   // Human-readable description
	Persistent  bool     // Keep the session alive between executes
	Passthrough bool     // May hold the session for conversational input
	Functions   Functions
	Tags        []string
}

// HasFunction checks if the plugin declares a given function.
func (p *Plugin) HasFunction(name string) bool {
	_, ok := p.Function(name)
	return ok
}

// Function returns the declaration for a named function.
func (p *Plugin) Function(name string) (Function, bool) {
	for _, fn := range p.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return Function{}, false
}

// FunctionNames returns the declared function names in manifest order.
func (p *Plugin) FunctionNames() []string {
	out := make([]string, 0, len(p.Functions))
	for _, fn := range p.Functions {
		out = append(out, fn.Name)
	}
	return out
}

// RequiredParameters returns the names of a function's required parameters,
// in manifest order.
func (p *Plugin) RequiredParameters(function string) []string {
	fn, ok := p.Function(function)
	if !ok {
		return nil
	}
	var out []string
	for _, param := range fn.Parameters {
		if param.Required {
			out = append(out, param.Name)
		}
	}
	return out
}

package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/tether/internal/protocol"
)

const manifestFilename = "manifest.yaml"

// paramTypes is the closed set of JSON Schema scalar/compound names a
// manifest parameter may declare.
var paramTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"object":  true,
	"array":   true,
}

// Failure records a plugin directory that failed discovery. Doctor and the
// control API surface these instead of silently dropping broken plugins.
type Failure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Registry holds discovered plugins indexed by name, plus the function→plugin
// routing table. Duplicate function names across plugins are a discovery
// error: routing must be unambiguous.
type Registry struct {
	plugins   map[string]*Plugin
	functions map[string]string
	failures  []Failure
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins:   make(map[string]*Plugin),
		functions: make(map[string]string),
	}
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// Resolve maps a function name to the plugin providing it.
func (r *Registry) Resolve(function string) (*Plugin, bool) {
	name, ok := r.functions[function]
	if !ok {
		return nil, false
	}
	return r.plugins[name], true
}

// All returns all registered plugins.
func (r *Registry) All() map[string]*Plugin {
	return r.plugins
}

// Names returns registered plugin names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Functions returns a copy of the function→plugin routing table.
func (r *Registry) Functions() map[string]string {
	out := make(map[string]string, len(r.functions))
	for fn, plugin := range r.functions {
		out[fn] = plugin
	}
	return out
}

// Failures returns the discovery failures recorded while building this
// registry.
func (r *Registry) Failures() []Failure {
	return r.failures
}

// Add registers a plugin and claims its function names. It fails without
// side effects when the plugin name or any function name is already taken.
func (r *Registry) Add(plugin *Plugin) error {
	if _, exists := r.plugins[plugin.Name]; exists {
		return fmt.Errorf("plugin %q already registered", plugin.Name)
	}
	for _, fn := range plugin.Functions {
		if owner, exists := r.functions[fn.Name]; exists {
			return fmt.Errorf("function %q already provided by plugin %q", fn.Name, owner)
		}
	}
	r.plugins[plugin.Name] = plugin
	for _, fn := range plugin.Functions {
		r.functions[fn.Name] = plugin.Name
	}
	return nil
}

func (r *Registry) recordFailure(path string, err error) {
	r.failures = append(r.failures, Failure{Path: path, Error: err.Error()})
}

// Discover scans pluginsDir for immediate subdirectories carrying a
// manifest.yaml and validates each. Invalid plugins are logged and recorded
// as failures but are not fatal to discovery.
func Discover(pluginsDir string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absDir, err := filepath.Abs(pluginsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugins dir %q: %w", pluginsDir, err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plugins dir does not exist: %s", absDir)
		}
		return nil, fmt.Errorf("failed to stat plugins dir %s: %w", absDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugins dir is not a directory: %s", absDir)
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins dir %s: %w", absDir, err)
	}

	registry := NewRegistry()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginPath := filepath.Join(absDir, entry.Name())
		if _, err := os.Stat(filepath.Join(pluginPath, manifestFilename)); err != nil {
			continue // not a plugin directory
		}

		plugin, err := loadPlugin(pluginPath)
		if err != nil {
			registry.recordFailure(pluginPath, err)
			logger("warn", "failed to load plugin", "path", pluginPath, "error", err.Error())
			continue
		}

		if err := registry.Add(plugin); err != nil {
			registry.recordFailure(pluginPath, err)
			if existing, ok := registry.Get(plugin.Name); ok {
				logger(
					"warn",
					"duplicate plugin ignored (keeping first discovered)",
					"plugin", plugin.Name,
					"ignored_path", plugin.Path,
					"kept_path", existing.Path,
				)
			} else {
				logger("warn", "plugin rejected", "plugin", plugin.Name, "error", err.Error())
			}
			continue
		}

		logger("info", "loaded plugin",
			"plugin", plugin.Name, "path", plugin.Path,
			"version", plugin.Version, "functions", len(plugin.Functions))
	}

	return registry, nil
}

// loadPlugin reads and validates a single plugin directory.
func loadPlugin(pluginPath string) (*Plugin, error) {
	manifestPath := filepath.Join(pluginPath, manifestFilename)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	executablePath := filepath.Join(pluginPath, manifest.Executable)
	if err := validateTrust(executablePath, pluginPath); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Plugin{
		Name:        manifest.Name,
		Path:        pluginPath,
		Executable:  executablePath,
		Protocol:    manifest.Protocol,
		Version:     manifest.Version,
		Description: manifest.Description,
		Persistent:  manifest.Persistent,
		Passthrough: manifest.Passthrough,
		Functions:   manifest.Functions,
		Tags:        manifest.Tags,
	}, nil
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}

	if m.Protocol == "" {
		return fmt.Errorf("protocol version is required")
	}
	if m.Protocol != protocol.ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %q (supported: %q)", m.Protocol, protocol.ProtocolVersion)
	}

	if m.Executable == "" {
		return fmt.Errorf("executable is required")
	}
	// Check for path traversal in the executable path
	if strings.Contains(m.Executable, "..") {
		return fmt.Errorf("executable contains path traversal: %s", m.Executable)
	}

	if len(m.Functions) == 0 {
		return fmt.Errorf("at least one function must be declared")
	}

	seen := make(map[string]bool, len(m.Functions))
	for _, fn := range m.Functions {
		if fn.Name == "" {
			return fmt.Errorf("function name is required")
		}
		if seen[fn.Name] {
			return fmt.Errorf("function %q declared twice", fn.Name)
		}
		seen[fn.Name] = true
		for _, param := range fn.Parameters {
			if param.Name == "" {
				return fmt.Errorf("function %q has a parameter without a name", fn.Name)
			}
			if param.Type != "" && !paramTypes[param.Type] {
				return fmt.Errorf("function %q parameter %q has invalid type %q", fn.Name, param.Name, param.Type)
			}
		}
	}

	return nil
}

// validateTrust enforces filesystem constraints on the plugin executable: it
// must resolve under its plugin directory, be executable, and the directory
// must not be world-writable.
func validateTrust(executablePath, pluginPath string) error {
	resolvedExecutable, err := filepath.EvalSymlinks(executablePath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}

	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path: %w", err)
	}

	if !strings.HasPrefix(resolvedExecutable, resolvedPluginPath+string(os.PathSeparator)) {
		return fmt.Errorf("executable %s is not under plugin directory %s", resolvedExecutable, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedExecutable)
	if err != nil {
		return fmt.Errorf("executable not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("file is not executable: %s", resolvedExecutable)
	}

	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if pluginInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}

	return nil
}

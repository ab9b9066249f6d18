package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/tether/internal/log"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a single YAML file. A directory
// path is accepted and resolves to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Apply environment variable interpolation before parsing so secrets
	// (API tokens) can stay out of the file.
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DiscoverConfigPath locates a configuration file when no --config flag was
// given. Checks, in order: $TETHER_CONFIG, ~/.config/tether, /etc/tether,
// ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("TETHER_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "tether")
		if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/tether"
	if _, err := os.Stat(filepath.Join(systemConfigDir, "config.yaml")); err == nil {
		return systemConfigDir, nil
	}

	localConfigPath := "./config.yaml"
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $TETHER_CONFIG, ~/.config/tether, /etc/tether, ./config.yaml)")
}

// applyDefaults merges default values into cfg where not explicitly set.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.PidFile == "" {
		cfg.Service.PidFile = defaults.Service.PidFile
	}

	if cfg.Protocol.MaxMessageSize == 0 {
		cfg.Protocol.MaxMessageSize = defaults.Protocol.MaxMessageSize
	}
	if cfg.Protocol.PingDeadline == 0 {
		cfg.Protocol.PingDeadline = defaults.Protocol.PingDeadline
	}
	if cfg.Protocol.InputAckDeadline == 0 {
		cfg.Protocol.InputAckDeadline = defaults.Protocol.InputAckDeadline
	}
	if cfg.Protocol.ExecuteDeadline == 0 {
		cfg.Protocol.ExecuteDeadline = defaults.Protocol.ExecuteDeadline
	}
	if cfg.Protocol.InitializeDeadline == 0 {
		cfg.Protocol.InitializeDeadline = defaults.Protocol.InitializeDeadline
	}
	if cfg.Protocol.ShutdownGrace == 0 {
		cfg.Protocol.ShutdownGrace = defaults.Protocol.ShutdownGrace
	}

	if cfg.Watchdog.Interval == 0 {
		cfg.Watchdog.Interval = defaults.Watchdog.Interval
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Watch.Interval == 0 {
		cfg.Watch.Interval = defaults.Watch.Interval
	}

	if cfg.Limits.ExecuteBurst == 0 {
		cfg.Limits.ExecuteBurst = defaults.Limits.ExecuteBurst
	}

	if cfg.PluginsDir == "" {
		cfg.PluginsDir = defaults.PluginsDir
	}
	if cfg.Plugins == nil {
		cfg.Plugins = make(map[string]PluginConf)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (and fail validation where required).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if _, err := log.ParseLevel(cfg.Service.LogLevel); err != nil {
		return fmt.Errorf("service.log_level: %w", err)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.PluginsDir == "" {
		return fmt.Errorf("plugins_dir is required")
	}

	if cfg.Protocol.MaxMessageSize < 4096 {
		return fmt.Errorf("protocol.max_message_size must be at least 4096 bytes (got %d)", cfg.Protocol.MaxMessageSize)
	}
	if cfg.Protocol.PingDeadline <= 0 {
		return fmt.Errorf("protocol.ping_deadline must be positive")
	}
	if cfg.Protocol.InputAckDeadline <= 0 {
		return fmt.Errorf("protocol.input_ack_deadline must be positive")
	}
	if cfg.Protocol.ExecuteDeadline <= 0 {
		return fmt.Errorf("protocol.execute_deadline must be positive")
	}
	if cfg.Protocol.ShutdownGrace <= 0 {
		return fmt.Errorf("protocol.shutdown_grace must be positive")
	}

	// An interval shorter than the per-ping deadline would overlap probes on
	// the same session.
	if cfg.Watchdog.Interval < cfg.Protocol.PingDeadline {
		return fmt.Errorf("watchdog.interval (%s) must not be shorter than protocol.ping_deadline (%s)",
			cfg.Watchdog.Interval, cfg.Protocol.PingDeadline)
	}

	if cfg.Watch.IsEnabled() && cfg.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be positive when watch.enabled")
	}

	if cfg.Limits.ExecuteRate < 0 {
		return fmt.Errorf("limits.execute_rate must not be negative")
	}

	if cfg.API.Enabled {
		if envVarPattern.MatchString(cfg.API.Auth.Token) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.Token)
			if len(matches) > 1 {
				return fmt.Errorf("api.auth.token: environment variable ${%s} is not set", matches[1])
			}
			return fmt.Errorf("api.auth.token: unresolved environment variable")
		}
	}

	return nil
}

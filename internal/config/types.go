package config

import (
	"time"

	"github.com/mattjoyce/tether/internal/protocol"
)

// Config represents the complete tether configuration.
type Config struct {
	Service    ServiceConfig         `yaml:"service"`
	Protocol   ProtocolConfig        `yaml:"protocol"`
	Watchdog   WatchdogConfig        `yaml:"watchdog"`
	State      StateConfig           `yaml:"state"`
	API        APIConfig             `yaml:"api,omitempty"`
	Watch      WatchConfig           `yaml:"watch"`
	Limits     LimitsConfig          `yaml:"limits"`
	PluginsDir string                `yaml:"plugins_dir"`
	Plugins    map[string]PluginConf `yaml:"plugins,omitempty"`
}

// ServiceConfig defines core engine settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	PidFile  string `yaml:"pid_file"`
}

// ProtocolConfig defines wire limits and per-method reply deadlines.
// A reply missing any of these deadlines is fatal to that plugin session.
type ProtocolConfig struct {
	MaxMessageSize     uint32        `yaml:"max_message_size"`
	PingDeadline       time.Duration `yaml:"ping_deadline"`
	InputAckDeadline   time.Duration `yaml:"input_ack_deadline"`
	ExecuteDeadline    time.Duration `yaml:"execute_deadline"`
	InitializeDeadline time.Duration `yaml:"initialize_deadline"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
}

// WatchdogConfig defines the liveness probe loop. The missed-ping threshold
// is fixed at two by the protocol; only the probe interval is tunable.
type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// StateConfig defines where the engine keeps its SQLite database.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP control API settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication. An empty token leaves the API
// open; the protocol channel itself is a trusted local pipe and carries none.
type APIAuthConfig struct {
	Token string `yaml:"token"`
}

// WatchConfig defines the plugins-directory watcher.
type WatchConfig struct {
	// Enabled defaults to true when omitted.
	Enabled  *bool         `yaml:"enabled,omitempty"`
	Interval time.Duration `yaml:"interval"`
}

// IsEnabled resolves the tri-state Enabled flag.
func (w WatchConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// LimitsConfig throttles execute dispatch per plugin. A zero rate disables
// limiting; a rejected execute reports code -3 without touching the session.
type LimitsConfig struct {
	ExecuteRate  float64 `yaml:"execute_rate"`
	ExecuteBurst int     `yaml:"execute_burst"`
}

// PluginConf is engine-side per-plugin policy, keyed by manifest name.
type PluginConf struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty"`
	// Persistent overrides the manifest's persistent flag.
	Persistent *bool `yaml:"persistent,omitempty"`
	// ExecuteRate/ExecuteBurst override the global limits for this plugin.
	ExecuteRate  float64 `yaml:"execute_rate,omitempty"`
	ExecuteBurst int     `yaml:"execute_burst,omitempty"`
}

// IsEnabled resolves the tri-state Enabled flag.
func (p PluginConf) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Defaults returns a Config with the protocol's stock values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "tether",
			LogLevel: "info",
			PidFile:  "./data/tether.pid",
		},
		Protocol: ProtocolConfig{
			MaxMessageSize:     protocol.DefaultMaxMessageSize,
			PingDeadline:       protocol.PingDeadline,
			InputAckDeadline:   protocol.InputAckDeadline,
			ExecuteDeadline:    protocol.ExecuteDeadline,
			InitializeDeadline: protocol.InitializeDeadline,
			ShutdownGrace:      5 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Interval: 5 * time.Second,
		},
		State: StateConfig{
			Path: "./data/tether.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Watch: WatchConfig{
			Interval: 2 * time.Second,
		},
		Limits: LimitsConfig{
			ExecuteRate:  0,
			ExecuteBurst: 1,
		},
		PluginsDir: "./plugins",
		Plugins:    make(map[string]PluginConf),
	}
}

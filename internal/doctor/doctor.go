// Package doctor validates tether configuration and plugin setup.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/tether/internal/config"
	"github.com/mattjoyce/tether/internal/plugin"
	"github.com/mattjoyce/tether/internal/session"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool          `json:"valid"`
	Errors   []Issue       `json:"errors,omitempty"`
	Warnings []Issue       `json:"warnings,omitempty"`
	Probes   []ProbeResult `json:"probes,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// ProbeResult records one live handshake attempt against a plugin.
type ProbeResult struct {
	Plugin  string        `json:"plugin"`
	OK      bool          `json:"ok"`
	RTT     time.Duration `json:"rtt_ns,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Doctor validates configuration against discovered plugins.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
}

// New creates a Doctor from a loaded config and plugin registry.
func New(cfg *config.Config, registry *plugin.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all static checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateProtocolConfig(r)
	d.validateWatchdog(r)
	d.validateLimits(r)
	d.validateAPIConfig(r)
	d.validateWatchConfig(r)
	d.validatePluginRefs(r)
	d.surfaceDiscoveryFailures(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.PluginsDir == "" {
		d.addError(r, "service", "plugins_dir", "plugins_dir is required")
	}
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
}

// validateProtocolConfig checks frame limits and reply deadlines. Deadline
// misses are session-fatal, so a zero or negative deadline would kill every
// session on its first request.
func (d *Doctor) validateProtocolConfig(r *Result) {
	if d.cfg.Protocol.MaxMessageSize == 0 {
		d.addError(r, "protocol", "protocol.max_message_size",
			"max_message_size must be positive")
	}
	if d.cfg.Protocol.MaxMessageSize > 64<<20 {
		d.addWarning(r, "protocol", "protocol.max_message_size",
			fmt.Sprintf("max_message_size %d is very large (> 64MiB)", d.cfg.Protocol.MaxMessageSize))
	}

	deadlines := []struct {
		field string
		value time.Duration
	}{
		{"protocol.ping_deadline", d.cfg.Protocol.PingDeadline},
		{"protocol.input_ack_deadline", d.cfg.Protocol.InputAckDeadline},
		{"protocol.execute_deadline", d.cfg.Protocol.ExecuteDeadline},
		{"protocol.initialize_deadline", d.cfg.Protocol.InitializeDeadline},
	}
	for _, dl := range deadlines {
		if dl.value <= 0 {
			d.addError(r, "protocol", dl.field, "deadline must be positive")
		}
	}

	if d.cfg.Protocol.ShutdownGrace <= 0 {
		d.addWarning(r, "protocol", "protocol.shutdown_grace",
			"zero grace period; plugin processes are killed immediately on shutdown")
	}
}

// validateWatchdog checks the liveness probe loop settings.
func (d *Doctor) validateWatchdog(r *Result) {
	if d.cfg.Watchdog.Interval <= 0 {
		d.addError(r, "watchdog", "watchdog.interval", "interval must be positive")
		return
	}
	if d.cfg.Watchdog.Interval < d.cfg.Protocol.PingDeadline {
		d.addWarning(r, "watchdog", "watchdog.interval",
			"interval is shorter than ping_deadline; liveness probes may overlap")
	}
	if d.cfg.Watchdog.Interval > time.Minute {
		d.addWarning(r, "watchdog", "watchdog.interval",
			fmt.Sprintf("interval %s is long; a hung plugin survives up to twice that before the kill", d.cfg.Watchdog.Interval))
	}
}

// validateLimits checks the global execute rate limits.
func (d *Doctor) validateLimits(r *Result) {
	if d.cfg.Limits.ExecuteRate < 0 {
		d.addError(r, "limits", "limits.execute_rate", "execute_rate must not be negative")
	}
	if d.cfg.Limits.ExecuteRate > 0 && d.cfg.Limits.ExecuteBurst < 1 {
		d.addError(r, "limits", "limits.execute_burst",
			"execute_burst must be at least 1 when rate limiting is enabled")
	}
}

// validateAPIConfig checks control API settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.Token == "" {
		d.addWarning(r, "api", "api.auth.token",
			"API enabled without a bearer token; every request will be accepted")
	}
}

// validateWatchConfig checks the plugins-directory watcher settings.
func (d *Doctor) validateWatchConfig(r *Result) {
	if !d.cfg.Watch.IsEnabled() {
		return
	}
	if d.cfg.Watch.Interval <= 0 {
		d.addError(r, "watch", "watch.interval",
			"interval must be positive while the watcher is enabled")
		return
	}
	if d.cfg.Watch.Interval < time.Second {
		d.addWarning(r, "watch", "watch.interval",
			fmt.Sprintf("interval %s rescans the plugins directory very aggressively", d.cfg.Watch.Interval))
	}
}

// validatePluginRefs checks that plugins named in config are discoverable and
// that their per-plugin overrides are sane.
func (d *Doctor) validatePluginRefs(r *Result) {
	for name, pc := range d.cfg.Plugins {
		if !pc.IsEnabled() {
			continue
		}
		if _, ok := d.registry.Get(name); !ok {
			d.addError(r, "plugin_refs", fmt.Sprintf("plugins.%s", name),
				fmt.Sprintf("plugin %q in config but not found in plugins_dir", name))
		}
		if pc.ExecuteRate < 0 {
			d.addError(r, "plugin_refs", fmt.Sprintf("plugins.%s.execute_rate", name),
				"execute_rate must not be negative")
		}
		if pc.ExecuteRate > 0 && pc.ExecuteBurst < 1 {
			d.addError(r, "plugin_refs", fmt.Sprintf("plugins.%s.execute_burst", name),
				"execute_burst must be at least 1 when rate limiting is enabled")
		}
	}
}

// surfaceDiscoveryFailures reports plugin directories that failed discovery.
// Discovery itself skips them so the engine can still start; doctor treats
// them as errors because a broken manifest is never intentional.
func (d *Doctor) surfaceDiscoveryFailures(r *Result) {
	for _, f := range d.registry.Failures() {
		d.addError(r, "manifest", f.Path, f.Error)
	}
}

// Probe spawns each enabled plugin, performs the initialize handshake, pings
// it once, and asks it to shut down. Failures are appended to r as errors so
// a plugin that cannot hold a session fails doctor even when every static
// check passes.
func (d *Doctor) Probe(ctx context.Context, r *Result, engineVersion string) {
	for _, name := range d.registry.Names() {
		if pc, ok := d.cfg.Plugins[name]; ok && !pc.IsEnabled() {
			continue
		}
		p, _ := d.registry.Get(name)
		pr := d.probeOne(ctx, p, engineVersion)
		r.Probes = append(r.Probes, pr)
		if !pr.OK {
			d.addError(r, "probe", fmt.Sprintf("plugins.%s", name), pr.Message)
		}
	}
	r.Valid = len(r.Errors) == 0
}

func (d *Doctor) probeOne(ctx context.Context, p *plugin.Plugin, engineVersion string) ProbeResult {
	s, err := session.Spawn(session.Params{
		Plugin:        p.Name,
		Command:       []string{p.Executable},
		Dir:           p.Path,
		EngineVersion: engineVersion,
		Protocol:      d.cfg.Protocol,
	})
	if err != nil {
		return ProbeResult{Plugin: p.Name, Message: err.Error()}
	}
	defer func() {
		// The probe context may already be spent when the handshake failed,
		// so the farewell gets its own bound.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Protocol.ShutdownGrace+time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	if _, err := s.Initialize(ctx); err != nil {
		return ProbeResult{Plugin: p.Name, Message: fmt.Sprintf("initialize: %v", err)}
	}
	rtt, err := s.Ping(ctx)
	if err != nil {
		return ProbeResult{Plugin: p.Name, Message: fmt.Sprintf("ping: %v", err)}
	}
	return ProbeResult{Plugin: p.Name, OK: true, RTT: rtt}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0 && len(r.Probes) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}
	for _, p := range r.Probes {
		if p.OK {
			fmt.Fprintf(&b, "  PROBE %s ok (ping %s)\n", p.Plugin, p.RTT)
		} else {
			fmt.Fprintf(&b, "  PROBE %s failed: %s\n", p.Plugin, p.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattjoyce/tether/internal/api"
	"github.com/mattjoyce/tether/internal/config"
	"github.com/mattjoyce/tether/internal/doctor"
	"github.com/mattjoyce/tether/internal/events"
	"github.com/mattjoyce/tether/internal/history"
	"github.com/mattjoyce/tether/internal/inspect"
	"github.com/mattjoyce/tether/internal/lock"
	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/manager"
	"github.com/mattjoyce/tether/internal/metrics"
	"github.com/mattjoyce/tether/internal/plugin"
	"github.com/mattjoyce/tether/internal/session"
	"github.com/mattjoyce/tether/internal/state"
	"github.com/mattjoyce/tether/internal/storage"
	"github.com/mattjoyce/tether/internal/tui"
	"github.com/mattjoyce/tether/internal/tui/picker"
	"github.com/mattjoyce/tether/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return 0
		}
		return runServe(args)
	case "exec":
		if hasHelpFlag(args) {
			printExecHelp()
			return 0
		}
		return runExec(args)
	case "plugin":
		return runPluginNoun(args)
	case "history":
		return runHistoryNoun(args)
	case "doctor":
		if hasHelpFlag(args) {
			printDoctorHelp()
			return 0
		}
		return runDoctor(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "chat":
		if hasHelpFlag(args) {
			printChatHelp()
			return 0
		}
		return runChat(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

// --- VERSION ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: tether version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("tether %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	builtAt := strings.TrimSpace(buildDate)
	if builtAt == "" || builtAt == "unknown" {
		builtAt = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, builtAt); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

// --- HELP ---

func printUsage() {
	fmt.Print(`tether - Plugin host engine speaking framed JSON-RPC over stdio

Usage:
  tether <command> [flags]

Engine:
  serve             Run the engine in the foreground (sessions, watchdog, API)
  exec              Execute a function through an embedded engine
  doctor            Validate configuration and plugin setup

Plugins:
  plugin list       Show discovered plugins and their functions

History:
  history list      List journaled executions
  history show <id> Show one execution with its event trail
  history export    Dump executions with event trails as JSON

Terminal UIs:
  watch             Live view of plugins, sessions, and executions
  chat              Converse with a passthrough plugin

General:
  version           Show version information
  help              Show this help message

Use 'tether <command> --help' for command-specific flags.
`)
}

func printServeHelp() {
	fmt.Println("Usage: tether serve [--config PATH]")
	fmt.Println("Run the engine in the foreground: plugin sessions, watchdog,")
	fmt.Println("directory watcher, and the control API when enabled.")
}

func printExecHelp() {
	fmt.Println("Usage: tether exec -function NAME [-args JSON] [-interactive] [--config PATH]")
	fmt.Println()
	fmt.Println("Execute one function through an embedded engine. Stream chunks print")
	fmt.Println("to stdout as they arrive; logs go to stderr.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -function NAME   Function to execute (required)")
	fmt.Println("  -args JSON       Arguments as a JSON object")
	fmt.Println("  -interactive     Keep the terminal attached when the plugin")
	fmt.Println("                   holds the session open for conversation")
}

func printDoctorHelp() {
	fmt.Println("Usage: tether doctor [--config PATH] [--probe] [--json] [--strict]")
	fmt.Println()
	fmt.Println("Validate configuration and plugin setup.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --probe    Spawn each enabled plugin and run a handshake probe")
	fmt.Println("  --json     Output the report as JSON")
	fmt.Println("  --strict   Treat warnings as failures (exit 2)")
	fmt.Println()
	fmt.Println("Exit codes:")
	fmt.Println("  0  Valid")
	fmt.Println("  1  Errors found (or a probe failed)")
	fmt.Println("  2  Warnings found with --strict")
}

func printPluginNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: tether plugin <action>")
	fmt.Fprintln(w, "Actions: list")
}

func printPluginListHelp() {
	fmt.Println("Usage: tether plugin list [--config PATH] [--json]")
	fmt.Println("Show discovered plugins, their functions, and discovery failures.")
}

func printHistoryNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: tether history <action>")
	fmt.Fprintln(w, "Actions: list, show, export")
}

func printHistoryListHelp() {
	fmt.Println("Usage: tether history list [--config PATH] [--plugin NAME] [--status STATUS] [--limit N] [--json]")
	fmt.Println("List journaled executions, newest first.")
}

func printHistoryShowHelp() {
	fmt.Println("Usage: tether history show <execution_id> [--config PATH] [--json]")
	fmt.Println("Show one execution: arguments, event trail, and outcome.")
}

func printHistoryExportHelp() {
	fmt.Println("Usage: tether history export [--config PATH] [--plugin NAME] [--status STATUS] [--limit N]")
	fmt.Println("Write executions with their full event trails to stdout as JSON.")
}

func printWatchHelp() {
	fmt.Println("Usage: tether watch [flags]")
	fmt.Println()
	fmt.Println("Live terminal view of a running engine: health, plugins, sessions,")
	fmt.Println("executions, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Engine API URL (default: http://localhost:8080)")
	fmt.Println("  --token TOKEN    API bearer token (or TETHER_TOKEN env var;")
	fmt.Println("                   leave empty when the API is open)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate plugins")
}

func printChatHelp() {
	fmt.Println("Usage: tether chat [-function NAME] [flags]")
	fmt.Println()
	fmt.Println("Converse with a passthrough plugin on a running engine. Without")
	fmt.Println("-function, a picker lists every available function.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -function NAME   Function to start the conversation with")
	fmt.Println("  --api-url URL    Engine API URL (default: http://localhost:8080)")
	fmt.Println("  --token TOKEN    API bearer token (or TETHER_TOKEN env var)")
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- NOUN DISPATCHERS ---

func runPluginNoun(args []string) int {
	if len(args) < 1 {
		printPluginNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPluginNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printPluginListHelp()
			return 0
		}
		return runPluginList(actionArgs)
	case "help":
		printPluginNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", action)
		return 1
	}
}

func runHistoryNoun(args []string) int {
	if len(args) < 1 {
		printHistoryNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printHistoryNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printHistoryListHelp()
			return 0
		}
		return runHistoryList(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printHistoryShowHelp()
			return 0
		}
		return runHistoryShow(actionArgs)
	case "export":
		if hasHelpFlag(actionArgs) {
			printHistoryExportHelp()
			return 0
		}
		return runHistoryExport(actionArgs)
	case "help":
		printHistoryNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown history action: %s\n", action)
		return 1
	}
}

// --- SERVE ---

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolvedPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("tether starting", "version", version, "config", resolvedPath)

	pidLock, err := lock.Acquire(cfg.Service.PidFile)
	if err != nil {
		logger.Error("failed to acquire engine lock (another engine may be running)",
			"path", cfg.Service.PidFile, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired engine lock", "path", cfg.Service.PidFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open state database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("state database opened", "path", cfg.State.Path)

	journal := history.New(db)
	snaps := state.NewStore(db)
	hub := events.NewHub(256)
	metrics.Register(prometheus.DefaultRegisterer)

	registry, err := plugin.Discover(cfg.PluginsDir, discoveryLogger(logger))
	if err != nil {
		logger.Error("plugin discovery failed", "plugins_dir", cfg.PluginsDir, "error", err)
		return 1
	}
	logger.Info("plugin discovery complete",
		"plugins", len(registry.All()), "failures", len(registry.Failures()))

	mgr := manager.New(cfg, registry, journal, snaps, hub, version)

	wd := session.NewWatchdog(mgr, cfg.Watchdog.Interval)
	wd.OnMiss = func(pluginName, sessionID string, misses int) {
		hub.Publish(events.TypeWatchdogMissed, pluginName, map[string]any{
			"session_id": sessionID,
			"misses":     misses,
		})
	}
	wd.OnKill = func(pluginName, sessionID string) {
		hub.Publish(events.TypeWatchdogKilled, pluginName, map[string]any{
			"session_id": sessionID,
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 3)

	go func() {
		if err := wd.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("watchdog: %w", err)
		}
	}()

	if cfg.Watch.IsEnabled() {
		watcher := plugin.NewWatcher(cfg.PluginsDir, cfg.Watch.Interval, func(ch plugin.Change) {
			mgr.HandleChange(ctx, ch)
		})
		if known, err := watcher.Scan(); err == nil {
			// Seed so the first sweep only fires for changes after boot, and
			// persist boot-time fingerprints for the status surface.
			watcher.Seed(known)
			for name, fp := range known {
				if err := snaps.RecordFingerprint(ctx, name, fp.ManifestHash, fp.ExecutableHash); err != nil {
					logger.Warn("failed to record plugin fingerprint", "plugin", name, "error", err)
				}
			}
		} else {
			logger.Warn("initial plugin scan failed", "error", err)
		}
		go func() {
			if err := watcher.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("watcher: %w", err)
			}
		}()
		logger.Info("plugin watcher enabled", "interval", cfg.Watch.Interval)
	}

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			Token:  cfg.API.Auth.Token,
		}, mgr, journal, hub, version)
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	go mgr.StartPersistent(ctx)

	logger.Info("tether running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Protocol.ShutdownGrace+2*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)

	logger.Info("tether stopped")
	return exitCode
}

func discoveryLogger(logger *slog.Logger) func(level, msg string, args ...any) {
	return func(level, msg string, args ...any) {
		l, err := log.ParseLevel(level)
		if err != nil {
			l = slog.LevelInfo
		}
		logger.Log(context.Background(), l, msg, args...)
	}
}

// loadConfig resolves the config path (discovering one when empty) and loads
// it. Returns the resolved path for logging.
func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

// --- EXEC ---

func runExec(args []string) int {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	function := fs.String("function", "", "Function to execute")
	argsJSON := fs.String("args", "", "Function arguments as a JSON object")
	interactive := fs.Bool("interactive", false, "Keep the terminal attached for passthrough input")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *function == "" {
		fmt.Fprintln(os.Stderr, "Usage: tether exec -function NAME [-args JSON] [-interactive]")
		return 1
	}

	var arguments map[string]any
	if *argsJSON != "" {
		if err := json.Unmarshal([]byte(*argsJSON), &arguments); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -args JSON: %v\n", err)
			return 1
		}
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)

	// Same lock as serve: two engines must not share one state database.
	pidLock, err := lock.Acquire(cfg.Service.PidFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to acquire engine lock (is tether serve running?): %v\n", err)
		return 1
	}
	defer pidLock.Release()

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()

	registry, err := plugin.Discover(cfg.PluginsDir, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery failed: %v\n", err)
		return 1
	}

	hub := events.NewHub(64)
	mgr := manager.New(cfg, registry, history.New(db), state.NewStore(db), hub, version)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(),
			cfg.Protocol.ShutdownGrace+2*time.Second)
		defer cancel()
		mgr.Shutdown(sctx)
	}()

	resp, err := mgr.Execute(ctx, manager.ExecuteRequest{
		Function:  *function,
		Arguments: arguments,
		OnStream:  func(data string) { fmt.Println(data) },
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Execute failed: %v\n", err)
		return 1
	}

	result := resp.Result
	if result.Data != "" {
		fmt.Println(result.Data)
	}
	if !result.Success {
		return 1
	}

	if result.KeepSession && !*interactive {
		fmt.Fprintln(os.Stderr, "Plugin held the session open; pass -interactive to continue the conversation.")
		return 0
	}

	scanner := bufio.NewScanner(os.Stdin)
	for result.KeepSession {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			break
		}
		content := strings.TrimSpace(scanner.Text())
		if content == "" {
			continue
		}
		inResp, err := mgr.SendInput(ctx, content, func(data string) { fmt.Println(data) })
		if err != nil {
			fmt.Fprintf(os.Stderr, "Input failed: %v\n", err)
			return 1
		}
		result = inResp.Result
		if result.Data != "" {
			fmt.Println(result.Data)
		}
		if !result.Success {
			return 1
		}
	}
	return 0
}

// --- PLUGIN LIST ---

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	registry, err := plugin.Discover(cfg.PluginsDir, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		type pluginRow struct {
			Name        string   `json:"name"`
			Version     string   `json:"version,omitempty"`
			Description string   `json:"description,omitempty"`
			Functions   []string `json:"functions"`
			Persistent  bool     `json:"persistent"`
			Passthrough bool     `json:"passthrough"`
			Enabled     bool     `json:"enabled"`
		}
		out := struct {
			Plugins  []pluginRow      `json:"plugins"`
			Failures []plugin.Failure `json:"failures,omitempty"`
		}{Plugins: make([]pluginRow, 0), Failures: registry.Failures()}
		for _, name := range registry.Names() {
			p, _ := registry.Get(name)
			out.Plugins = append(out.Plugins, pluginRow{
				Name:        p.Name,
				Version:     p.Version,
				Description: p.Description,
				Functions:   p.FunctionNames(),
				Persistent:  p.Persistent,
				Passthrough: p.Passthrough,
				Enabled:     cfg.Plugins[p.Name].IsEnabled(),
			})
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	names := registry.Names()
	if len(names) == 0 && len(registry.Failures()) == 0 {
		fmt.Printf("No plugins found in %s\n", cfg.PluginsDir)
		return 0
	}

	for _, name := range names {
		p, _ := registry.Get(name)
		var marks []string
		if p.Persistent {
			marks = append(marks, "persistent")
		}
		if p.Passthrough {
			marks = append(marks, "passthrough")
		}
		if !cfg.Plugins[p.Name].IsEnabled() {
			marks = append(marks, "disabled")
		}
		suffix := ""
		if len(marks) > 0 {
			suffix = " [" + strings.Join(marks, ", ") + "]"
		}
		fmt.Printf("%-18s %-10s %s%s\n", name, p.Version, strings.Join(p.FunctionNames(), ", "), suffix)
		if p.Description != "" {
			fmt.Printf("%-18s %-10s %s\n", "", "", p.Description)
		}
	}
	for _, f := range registry.Failures() {
		fmt.Printf("FAILED  %s: %s\n", f.Path, f.Error)
	}
	return 0
}

// --- DOCTOR ---

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	probe := fs.Bool("probe", false, "Spawn each enabled plugin and run a handshake probe")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	strict := fs.Bool("strict", false, "Treat warnings as failures")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration failed to load: %v\n", err)
		return 1
	}

	registry, derr := plugin.Discover(cfg.PluginsDir, nil)
	if derr != nil {
		registry = plugin.NewRegistry()
	}

	d := doctor.New(cfg, registry)
	report := d.Validate()
	if derr != nil {
		report.Errors = append(report.Errors, doctor.Issue{
			Category: "plugins",
			Field:    "plugins_dir",
			Message:  derr.Error(),
		})
		report.Valid = false
	}

	if *probe {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		d.Probe(ctx, report, version)
	}

	if *jsonOut {
		out, err := doctor.FormatJSON(report)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(report))
	}

	switch {
	case !report.Valid:
		return 1
	case *strict && len(report.Warnings) > 0:
		return 2
	default:
		return 0
	}
}

// --- HISTORY ---

func runHistoryList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	pluginFilter := fs.String("plugin", "", "Only executions of this plugin")
	statusFilter := fs.String("status", "", "Only executions with this status (running, ok, error, timeout)")
	limit := fs.Int("limit", 20, "Maximum rows")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()

	store := history.New(db)
	executions, err := store.List(ctx, history.Filter{
		Plugin: *pluginFilter,
		Status: history.Status(*statusFilter),
		Limit:  *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list executions: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(executions, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(executions) == 0 {
		fmt.Println("No executions recorded.")
		return 0
	}

	fmt.Printf("%-36s  %-14s %-16s %-8s %-19s %s\n",
		"ID", "PLUGIN", "FUNCTION", "STATUS", "STARTED", "DURATION")
	for _, e := range executions {
		duration := "-"
		if e.DurationMS != nil {
			duration = (time.Duration(*e.DurationMS) * time.Millisecond).String()
		}
		fmt.Printf("%-36s  %-14s %-16s %-8s %-19s %s\n",
			e.ID, e.Plugin, e.Function, string(e.Status),
			e.StartedAt.Local().Format("2006-01-02 15:04:05"), duration)
	}
	return 0
}

func runHistoryExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	pluginFilter := fs.String("plugin", "", "Only executions of this plugin")
	statusFilter := fs.String("status", "", "Only executions with this status (running, ok, error, timeout)")
	limit := fs.Int("limit", 0, "Maximum executions (0 uses the store default)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()

	store := history.New(db)
	if err := store.Export(ctx, os.Stdout, history.Filter{
		Plugin: *pluginFilter,
		Status: history.Status(*statusFilter),
		Limit:  *limit,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to export executions: %v\n", err)
		return 1
	}
	return 0
}

func runHistoryShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the raw record as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: tether history show <execution_id> [--json]")
		return 1
	}
	executionID := fs.Arg(0)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()

	store := history.New(db)
	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, store, executionID)
	} else {
		out, err = inspect.BuildReport(ctx, store, executionID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

// --- TUI ---

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Engine API URL")
	token := fs.String("token", os.Getenv("TETHER_TOKEN"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(*apiURL, *token)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runChat(args []string) int {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Engine API URL")
	token := fs.String("token", os.Getenv("TETHER_TOKEN"), "API bearer token")
	function := fs.String("function", "", "Function to start the conversation with")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	statuses, err := fetchPluginList(*apiURL, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Engine unreachable at %s: %v\n", *apiURL, err)
		return 1
	}

	chosen := *function
	if chosen == "" {
		entries := pickerEntries(statuses)
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No functions available.")
			return 1
		}
		final, err := tea.NewProgram(picker.New(entries), tea.WithAltScreen()).Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			return 1
		}
		pm, ok := final.(picker.Model)
		if !ok || pm.Choice() == "" {
			return 0
		}
		chosen = pm.Choice()
	}

	owner := ""
	for _, ps := range statuses {
		for _, fn := range ps.Functions {
			if fn == chosen {
				owner = ps.Name
			}
		}
	}
	if owner == "" {
		fmt.Fprintf(os.Stderr, "Unknown function: %s\n", chosen)
		return 1
	}

	m := tui.NewChat(*apiURL, *token, chosen, owner)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func fetchPluginList(apiURL, token string) ([]manager.PluginStatus, error) {
	req, err := http.NewRequest(http.MethodGet, apiURL+"/v1/plugins", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine returned %s", resp.Status)
	}
	var out api.PluginsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}

func pickerEntries(statuses []manager.PluginStatus) []picker.Entry {
	entries := make([]picker.Entry, 0)
	for _, ps := range statuses {
		if !ps.Enabled {
			continue
		}
		descriptions := make(map[string]string, len(ps.Declarations))
		for _, fn := range ps.Declarations {
			descriptions[fn.Name] = fn.Description
		}
		for _, fn := range ps.Functions {
			entries = append(entries, picker.Entry{
				Function:    fn,
				Plugin:      ps.Name,
				Description: descriptions[fn],
			})
		}
	}
	return entries
}

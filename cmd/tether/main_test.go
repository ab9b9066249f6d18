package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/tether/internal/history"
	"github.com/mattjoyce/tether/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeEngineFixture creates a minimal valid config with every path pointed
// inside dir, plus an empty plugins directory.
func writeEngineFixture(t *testing.T, dir, extraYAML string) string {
	t.Helper()

	pluginsDir := filepath.Join(dir, "plugins")
	if err := os.MkdirAll(pluginsDir, 0o755); err != nil {
		t.Fatal(err)
	}

	configYAML := `
service:
  log_level: error
  pid_file: ` + filepath.Join(dir, "tether.pid") + `
state:
  path: ` + filepath.Join(dir, "tether.db") + `
plugins_dir: ` + pluginsDir + `
` + extraYAML
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func writePluginFixture(t *testing.T, pluginsDir, name, manifest string) {
	t.Helper()

	pluginDir := filepath.Join(pluginsDir, name)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestRunCLINoArgsShowsUsage(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI(nil)
	})
	if code != 1 {
		t.Fatalf("runCLI() code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "Usage:") {
		t.Fatalf("stdout missing usage: %s", stdout)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("runCLI() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr missing unknown command: %s", stderr)
	}
}

func TestPrintUsageListsCommands(t *testing.T) {
	_, stdout, _ := captureOutputWithExitCode(t, func() int {
		printUsage()
		return 0
	})
	for _, want := range []string{"serve", "exec", "doctor", "plugin list", "history list", "watch", "chat", "version"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("usage missing %q: %s", want, stdout)
		}
	}
}

func TestRunCLICommandHelp(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"serve", "--help"}, "Usage: tether serve"},
		{[]string{"exec", "--help"}, "Usage: tether exec"},
		{[]string{"doctor", "--help"}, "Usage: tether doctor"},
		{[]string{"plugin", "list", "--help"}, "Usage: tether plugin list"},
		{[]string{"history", "list", "--help"}, "Usage: tether history list"},
		{[]string{"history", "show", "--help"}, "Usage: tether history show"},
		{[]string{"watch", "--help"}, "Usage: tether watch"},
		{[]string{"chat", "--help"}, "Usage: tether chat"},
	}
	for _, tt := range tests {
		code, stdout, stderr := captureOutputWithExitCode(t, func() int {
			return runCLI(tt.args)
		})
		if code != 0 {
			t.Fatalf("runCLI(%v) code = %d, stderr: %s", tt.args, code, stderr)
		}
		if !strings.Contains(stdout, tt.want) {
			t.Fatalf("runCLI(%v) stdout missing %q: %s", tt.args, tt.want, stdout)
		}
	}
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc1234567890", "2026-02-12T11:30:00Z")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("runCLI() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "tether 1.2.3") {
		t.Fatalf("stdout missing semantic version: %s", stdout)
	}
	if !strings.Contains(stdout, "commit: abc123456789") {
		t.Fatalf("stdout missing short commit: %s", stdout)
	}
	if !strings.Contains(stdout, "built_at: 2026-02-12T11:30:00Z") {
		t.Fatalf("stdout missing build time: %s", stdout)
	}
}

func TestRunVersionJSONNormalizesBuildTime(t *testing.T) {
	setVersionMetadataForTest(t, "2.0.0-rc.1", "aabbccddeeff001122334455", "2026-02-12T11:30:00-05:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion() code = %d, stderr: %s", code, stderr)
	}

	var out struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildTime string `json:"build_time"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse version JSON: %v\noutput=%s", err, stdout)
	}

	if out.Version != "2.0.0-rc.1" {
		t.Fatalf("version = %q, want %q", out.Version, "2.0.0-rc.1")
	}
	if out.Commit != "aabbccddeeff" {
		t.Fatalf("commit = %q, want %q", out.Commit, "aabbccddeeff")
	}
	if out.BuildTime != "2026-02-12T16:30:00Z" {
		t.Fatalf("build_time = %q, want %q", out.BuildTime, "2026-02-12T16:30:00Z")
	}
}

func TestRunPluginListShowsDiscoveredPlugin(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeEngineFixture(t, tmpDir, "")
	writePluginFixture(t, filepath.Join(tmpDir, "plugins"), "counter", `name: counter
version: 1.0.0
protocol: "2.0"
executable: run.sh
persistent: true
functions:
  - name: count_to
    description: counts upward
`)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runPluginList([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runPluginList() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "counter") {
		t.Fatalf("stdout missing plugin name: %s", stdout)
	}
	if !strings.Contains(stdout, "count_to") {
		t.Fatalf("stdout missing function name: %s", stdout)
	}
	if !strings.Contains(stdout, "persistent") {
		t.Fatalf("stdout missing persistent marker: %s", stdout)
	}
}

func TestRunPluginListJSONIncludesFailures(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeEngineFixture(t, tmpDir, "")
	pluginsDir := filepath.Join(tmpDir, "plugins")
	writePluginFixture(t, pluginsDir, "counter", `name: counter
version: 1.0.0
protocol: "2.0"
executable: run.sh
functions:
  - name: count_to
`)
	// Unsupported protocol version lands in failures, not plugins.
	writePluginFixture(t, pluginsDir, "legacy", `name: legacy
protocol: "1.0"
executable: run.sh
functions:
  - name: old_stuff
`)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runPluginList([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runPluginList() code = %d, stderr: %s", code, stderr)
	}

	var out struct {
		Plugins []struct {
			Name      string   `json:"name"`
			Functions []string `json:"functions"`
			Enabled   bool     `json:"enabled"`
		} `json:"plugins"`
		Failures []struct {
			Path  string `json:"path"`
			Error string `json:"error"`
		} `json:"failures"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse plugin list JSON: %v\noutput=%s", err, stdout)
	}
	if len(out.Plugins) != 1 || out.Plugins[0].Name != "counter" {
		t.Fatalf("unexpected plugins: %+v", out.Plugins)
	}
	if !out.Plugins[0].Enabled {
		t.Fatal("plugin without config should default to enabled")
	}
	if len(out.Failures) != 1 || !strings.Contains(out.Failures[0].Error, "protocol") {
		t.Fatalf("unexpected failures: %+v", out.Failures)
	}
}

func TestRunDoctorValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeEngineFixture(t, tmpDir, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runDoctor() code = %d, stderr: %s stdout: %s", code, stderr, stdout)
	}
	if !strings.Contains(stdout, "Configuration valid") {
		t.Fatalf("stdout missing valid verdict: %s", stdout)
	}
}

func TestRunDoctorFailsOnUndiscoveredPlugin(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeEngineFixture(t, tmpDir, `plugins:
  ghost: {}
`)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--config", configPath})
	})
	if code != 1 {
		t.Fatalf("runDoctor() code = %d, want 1; stdout: %s", code, stdout)
	}
	if !strings.Contains(stdout, "ghost") || !strings.Contains(stdout, "not found in plugins_dir") {
		t.Fatalf("stdout missing ghost plugin error: %s", stdout)
	}
}

func TestRunDoctorStrictTreatsWarningsAsFailure(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeEngineFixture(t, tmpDir, `api:
  enabled: true
  listen: 127.0.0.1:0
`)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--config", configPath, "--strict"})
	})
	if code != 2 {
		t.Fatalf("runDoctor() code = %d, want 2; stdout: %s", code, stdout)
	}
	if !strings.Contains(stdout, "bearer token") {
		t.Fatalf("stdout missing open API warning: %s", stdout)
	}
}

func TestRunDoctorJSONOutput(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeEngineFixture(t, tmpDir, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runDoctor() code = %d, stderr: %s", code, stderr)
	}

	var report struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse doctor JSON: %v\noutput=%s", err, stdout)
	}
	if !report.Valid {
		t.Fatalf("expected valid=true: %s", stdout)
	}
}

func TestRunHistoryListEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeEngineFixture(t, tmpDir, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runHistoryList([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runHistoryList() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "No executions recorded.") {
		t.Fatalf("stdout missing empty message: %s", stdout)
	}
}

func seedExecution(t *testing.T, dbPath string) string {
	t.Helper()

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := history.New(db)
	id, err := store.Begin(ctx, history.BeginRequest{
		Plugin:    "counter",
		Function:  "count_to",
		Arguments: json.RawMessage(`{"number":2}`),
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for _, chunk := range []string{"1", "2"} {
		if err := store.AppendEvent(ctx, id, history.EventStream, chunk); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	if err := store.Finish(ctx, id, history.FinishRequest{
		Status:   history.StatusOK,
		Response: strPtr("done"),
	}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return id
}

func strPtr(s string) *string { return &s }

func TestRunHistoryListAndShow(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeEngineFixture(t, tmpDir, "")
	id := seedExecution(t, filepath.Join(tmpDir, "tether.db"))

	listCode, listStdout, listStderr := captureOutputWithExitCode(t, func() int {
		return runHistoryList([]string{"--config", configPath, "--json"})
	})
	if listCode != 0 {
		t.Fatalf("runHistoryList() code = %d, stderr: %s", listCode, listStderr)
	}

	var executions []struct {
		ID       string `json:"id"`
		Plugin   string `json:"plugin"`
		Function string `json:"function"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal([]byte(listStdout), &executions); err != nil {
		t.Fatalf("failed to parse history list JSON: %v\noutput=%s", err, listStdout)
	}
	if len(executions) != 1 || executions[0].ID != id || executions[0].Status != "ok" {
		t.Fatalf("unexpected executions: %+v", executions)
	}

	showCode, showStdout, showStderr := captureOutputWithExitCode(t, func() int {
		return runHistoryShow([]string{"--config", configPath, id})
	})
	if showCode != 0 {
		t.Fatalf("runHistoryShow() code = %d, stderr: %s", showCode, showStderr)
	}
	if !strings.Contains(showStdout, "Execution Report") {
		t.Fatalf("stdout missing report header: %s", showStdout)
	}
	if !strings.Contains(showStdout, "count_to") {
		t.Fatalf("stdout missing function: %s", showStdout)
	}
	if !strings.Contains(showStdout, "Response:") {
		t.Fatalf("stdout missing response tail: %s", showStdout)
	}
}

func TestRunHistoryExportIncludesEventTrail(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeEngineFixture(t, tmpDir, "")
	id := seedExecution(t, filepath.Join(tmpDir, "tether.db"))

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runHistoryExport([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runHistoryExport() code = %d, stderr: %s", code, stderr)
	}

	var records []struct {
		Execution struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"execution"`
		Events []struct {
			Kind    string `json:"kind"`
			Payload string `json:"payload"`
		} `json:"events"`
	}
	if err := json.Unmarshal([]byte(stdout), &records); err != nil {
		t.Fatalf("failed to parse export JSON: %v\noutput=%s", err, stdout)
	}
	if len(records) != 1 || records[0].Execution.ID != id {
		t.Fatalf("unexpected export records: %+v", records)
	}
	if len(records[0].Events) != 2 {
		t.Fatalf("exported events = %d, want 2 stream events", len(records[0].Events))
	}
	if records[0].Events[0].Payload != "1" || records[0].Events[1].Payload != "2" {
		t.Fatalf("event payloads out of order: %+v", records[0].Events)
	}
}

func TestRunHistoryShowUnknownExecution(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeEngineFixture(t, tmpDir, "")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runHistoryShow([]string{"--config", configPath, "no-such-id"})
	})
	if code != 1 {
		t.Fatalf("runHistoryShow() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "not found") {
		t.Fatalf("stderr missing not-found error: %s", stderr)
	}
}

func TestRunExecRequiresFunction(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runExec(nil)
	})
	if code != 1 {
		t.Fatalf("runExec() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage: tether exec") {
		t.Fatalf("stderr missing usage: %s", stderr)
	}
}

func TestRunExecUnknownFunction(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeEngineFixture(t, tmpDir, "")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runExec([]string{"--config", configPath, "-function", "does_not_exist"})
	})
	if code != 1 {
		t.Fatalf("runExec() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "no plugin provides this function") {
		t.Fatalf("stderr missing routing error: %s", stderr)
	}
}

func TestRunExecRejectsBadArgsJSON(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runExec([]string{"-function", "x", "-args", "{not json"})
	})
	if code != 1 {
		t.Fatalf("runExec() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Invalid -args JSON") {
		t.Fatalf("stderr missing JSON error: %s", stderr)
	}
}

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/tether/internal/log"
)

// ChangeType classifies a watcher observation.
type ChangeType string

const (
	ChangeDiscovered ChangeType = "discovered"
	ChangeUpdated    ChangeType = "updated"
	ChangeRemoved    ChangeType = "removed"
)

// Change is one plugin-directory difference between two scans.
type Change struct {
	Type   ChangeType
	Plugin string // plugin directory name
	Print  Fingerprint
}

// Fingerprint identifies a plugin directory's content: BLAKE3 hashes of its
// manifest and of the executable the manifest names. An empty executable
// hash means the manifest did not parse or the executable was absent.
type Fingerprint struct {
	ManifestHash   string `json:"manifest_hash"`
	ExecutableHash string `json:"executable_hash,omitempty"`
}

// Watcher polls the plugins directory and reports content changes, so the
// engine can re-discover without a restart. Detection is hash-based:
// touching a file without changing bytes does not fire.
type Watcher struct {
	dir      string
	interval time.Duration
	onChange func(Change)
	logger   *slog.Logger

	mu    sync.Mutex
	known map[string]Fingerprint
}

// NewWatcher creates a watcher over pluginsDir firing onChange for every
// observed difference. It does not scan until started or swept.
func NewWatcher(pluginsDir string, interval time.Duration, onChange func(Change)) *Watcher {
	return &Watcher{
		dir:      pluginsDir,
		interval: interval,
		onChange: onChange,
		logger:   log.WithComponent("watcher"),
		known:    make(map[string]Fingerprint),
	}
}

// Seed primes the watcher with fingerprints from a previous run (plugin
// snapshots or a boot-time scan), so an unchanged directory does not re-fire
// discovered events.
func (w *Watcher) Seed(known map[string]Fingerprint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.known = make(map[string]Fingerprint, len(known))
	for name, fp := range known {
		w.known[name] = fp
	}
}

// Start runs the poll loop until the context is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep performs one scan-and-diff pass, firing change callbacks and
// updating the known set.
func (w *Watcher) sweep() {
	current, err := w.Scan()
	if err != nil {
		w.logger.Error("plugin scan failed", "dir", w.dir, "error", err)
		return
	}

	w.mu.Lock()
	previous := w.known
	w.known = current
	w.mu.Unlock()

	for name, fp := range current {
		old, existed := previous[name]
		switch {
		case !existed:
			w.fire(Change{Type: ChangeDiscovered, Plugin: name, Print: fp})
		case old != fp:
			w.fire(Change{Type: ChangeUpdated, Plugin: name, Print: fp})
		}
	}
	for name := range previous {
		if _, still := current[name]; !still {
			w.fire(Change{Type: ChangeRemoved, Plugin: name})
		}
	}
}

func (w *Watcher) fire(c Change) {
	w.logger.Debug("plugin change", "type", string(c.Type), "plugin", c.Plugin)
	if w.onChange != nil {
		w.onChange(c)
	}
}

// Scan fingerprints every plugin directory currently on disk. It is also
// used at boot to seed the watcher and to persist hashes into snapshots.
func (w *Watcher) Scan() (map[string]Fingerprint, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	out := make(map[string]Fingerprint)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginPath := filepath.Join(w.dir, entry.Name())
		manifestPath := filepath.Join(pluginPath, manifestFilename)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		fp, err := fingerprintDir(pluginPath)
		if err != nil {
			w.logger.Warn("failed to fingerprint plugin", "plugin", entry.Name(), "error", err)
			continue
		}
		out[entry.Name()] = fp
	}
	return out, nil
}

// fingerprintDir hashes a plugin directory's manifest and, when the manifest
// parses and names an existing file, its executable.
func fingerprintDir(pluginPath string) (Fingerprint, error) {
	manifestPath := filepath.Join(pluginPath, manifestFilename)

	manifestHash, err := HashFile(manifestPath)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("hash manifest: %w", err)
	}
	fp := Fingerprint{ManifestHash: manifestHash}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fp, nil
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil || manifest.Executable == "" {
		// A broken manifest still has a fingerprint; the executable half
		// stays empty until discovery can make sense of it.
		return fp, nil
	}

	executablePath := filepath.Join(pluginPath, manifest.Executable)
	if hash, err := HashFile(executablePath); err == nil {
		fp.ExecutableHash = hash
	}
	return fp, nil
}

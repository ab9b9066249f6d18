package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	os.WriteFile(path, []byte("one"), 0644)

	h1, err := HashFile(path)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, _ := HashFile(path)
	if h1 != h2 {
		t.Error("hash not deterministic")
	}

	os.WriteFile(path, []byte("two"), 0644)
	h3, _ := HashFile(path)
	if h3 == h1 {
		t.Error("hash unchanged after content change")
	}

	if _, err := HashFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatcherSweepDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "counter", `name: counter
protocol: "2.0"
executable: run.sh
functions: [count_to]
`)

	var changes []Change
	w := NewWatcher(dir, 50*time.Millisecond, func(c Change) { changes = append(changes, c) })

	scan, err := w.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	fp, ok := scan["counter"]
	if !ok {
		t.Fatal("counter not fingerprinted")
	}
	if fp.ManifestHash == "" || fp.ExecutableHash == "" {
		t.Fatalf("incomplete fingerprint: %+v", fp)
	}

	// Seeded with the current state, a sweep is quiet.
	w.Seed(scan)
	w.sweep()
	if len(changes) != 0 {
		t.Fatalf("unexpected changes after seed: %v", changes)
	}

	// Editing the manifest fires updated.
	manifestPath := filepath.Join(dir, "counter", "manifest.yaml")
	data, _ := os.ReadFile(manifestPath)
	os.WriteFile(manifestPath, append(data, []byte("tags: [demo]\n")...), 0644)
	w.sweep()
	if len(changes) != 1 || changes[0].Type != ChangeUpdated || changes[0].Plugin != "counter" {
		t.Fatalf("changes = %v, want one updated for counter", changes)
	}

	// A new plugin directory fires discovered.
	changes = nil
	writePlugin(t, dir, "chatty", `name: chatty
protocol: "2.0"
executable: run.sh
functions: [echo_chat]
`)
	w.sweep()
	if len(changes) != 1 || changes[0].Type != ChangeDiscovered || changes[0].Plugin != "chatty" {
		t.Fatalf("changes = %v, want one discovered for chatty", changes)
	}

	// Removing a directory fires removed.
	changes = nil
	os.RemoveAll(filepath.Join(dir, "counter"))
	w.sweep()
	if len(changes) != 1 || changes[0].Type != ChangeRemoved || changes[0].Plugin != "counter" {
		t.Fatalf("changes = %v, want one removed for counter", changes)
	}
}

func TestWatcherTracksExecutableContent(t *testing.T) {
	dir := t.TempDir()
	pluginDir := writePlugin(t, dir, "counter", `name: counter
protocol: "2.0"
executable: run.sh
functions: [count_to]
`)

	var changes []Change
	w := NewWatcher(dir, 50*time.Millisecond, func(c Change) { changes = append(changes, c) })
	scan, _ := w.Scan()
	w.Seed(scan)

	// Same manifest, new executable bytes: still an update.
	os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte("#!/bin/sh\necho rebuilt"), 0755)
	w.sweep()
	if len(changes) != 1 || changes[0].Type != ChangeUpdated {
		t.Fatalf("changes = %v, want one updated", changes)
	}
}

func TestWatcherScanSkipsNonPluginEntries(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0644)
	os.Mkdir(filepath.Join(dir, "empty"), 0755)

	w := NewWatcher(dir, 50*time.Millisecond, nil)
	scan, err := w.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(scan) != 0 {
		t.Errorf("scan = %v, want empty", scan)
	}
}

func TestWatcherStartLoop(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var seen []Change
	w := NewWatcher(dir, 20*time.Millisecond, func(c Change) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	writePlugin(t, dir, "late", `name: late
protocol: "2.0"
executable: run.sh
functions: [poll]
`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher loop never reported the new plugin")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	first := seen[0]
	mu.Unlock()
	if first.Type != ChangeDiscovered || first.Plugin != "late" {
		t.Errorf("first change = %+v, want discovered late", first)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Start returned %v, want %v", err, context.Canceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

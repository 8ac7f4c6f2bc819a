package templates

import (
	"path/filepath"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startWatcher(t *testing.T, registry *TemplateRegistry, dir string, reloads chan error) {
	t.Helper()
	w, err := NewWatcher(registry, dir)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.WithReloadDelay(20 * time.Millisecond)
	if reloads != nil {
		w.WithReloadCallback(func(path string, err error) { reloads <- err })
	}
	w.Start()
	t.Cleanup(func() { w.Close() })
}

func TestWatcherReloadsDefinitions(t *testing.T) {
	dir := t.TempDir()
	defs := filepath.Join(dir, "templates.yaml")
	writeText(t, defs, "templates:\n  - name: ok_button\n    path: ok.png\n")

	registry := NewTemplateRegistry(dir, newCache(t, 0))
	if err := registry.LoadFromFile(defs); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan error, 16)
	startWatcher(t, registry, dir, reloads)

	writeText(t, defs, "templates:\n  - name: ok_button\n    path: ok.png\n  - name: close\n    path: close.png\n")
	waitFor(t, "new template", func() bool { return registry.Has("close") })

	select {
	case err := <-reloads:
		if err != nil {
			t.Errorf("reload reported error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("reload callback not called")
	}
}

func TestWatcherKeepsTemplatesOnBadEdit(t *testing.T) {
	dir := t.TempDir()
	defs := filepath.Join(dir, "templates.yaml")
	writeText(t, defs, "templates:\n  - name: ok_button\n    path: ok.png\n")

	registry := NewTemplateRegistry(dir, nil)
	if err := registry.LoadFromFile(defs); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan error, 16)
	startWatcher(t, registry, dir, reloads)

	writeText(t, defs, "templates:\n  - name: broken\n")
	// a truncated intermediate file may reload cleanly first
	deadline := time.After(3 * time.Second)
	for failed := false; !failed; {
		select {
		case err := <-reloads:
			failed = err != nil
		case <-deadline:
			t.Fatal("no failed reload reported")
		}
	}
	if !registry.Has("ok_button") || registry.Has("broken") {
		t.Errorf("registry changed after a failed reload: %v", registry.List())
	}
}

func TestWatcherInvalidatesImages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ok.png")
	writePNG(t, path, noiseRGBA(8, 8, 1))

	cache := newCache(t, 0)
	registry := NewTemplateRegistry(dir, cache)
	if _, err := cache.Load(path, 1, false); err != nil {
		t.Fatal(err)
	}
	startWatcher(t, registry, dir, nil)

	writePNG(t, path, noiseRGBA(8, 8, 2))
	waitFor(t, "cache invalidation", func() bool { return cache.Len() == 0 })
}

func TestNewWatcherMissingDir(t *testing.T) {
	registry := NewTemplateRegistry("", nil)
	if _, err := NewWatcher(registry, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected an error for a missing directory")
	}
}

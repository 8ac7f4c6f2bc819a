package templates

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"jordanella.com/screen-vision/internal/logging"
)

// DefaultReloadDelay lets an editor finish writing before a file is reread
const DefaultReloadDelay = 250 * time.Millisecond

// ReloadCallback is called after a definition file was reloaded, with the
// load error if there was one
type ReloadCallback func(path string, err error)

// Watcher reloads YAML definitions and drops cached images when files change
// in the watched directories
type Watcher struct {
	registry *TemplateRegistry
	fs       *fsnotify.Watcher
	delay    time.Duration
	onReload ReloadCallback
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher watches dirs (not recursively) on behalf of registry
func NewWatcher(registry *TemplateRegistry, dirs ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		registry: registry,
		fs:       fw,
		delay:    DefaultReloadDelay,
		logger:   logging.NewLogger("TemplateWatcher"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// WithReloadDelay sets how long a file must stay quiet before it is reread
func (w *Watcher) WithReloadDelay(d time.Duration) *Watcher {
	w.delay = d
	return w
}

// WithReloadCallback sets the callback run after each definition reload
func (w *Watcher) WithReloadCallback(cb ReloadCallback) *Watcher {
	w.onReload = cb
	return w
}

// WithLogger replaces the watcher logger
func (w *Watcher) WithLogger(l *logging.Logger) *Watcher {
	if l != nil {
		w.logger = l
	}
	return w
}

// Start begins watching
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Close stops watching and waits for a pending reload to finish
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()

	pending := make(map[string]fsnotify.Op)
	timer := time.NewTimer(w.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if kindOf(event.Name) == fileOther || event.Op == fsnotify.Chmod {
				continue
			}
			pending[event.Name] |= event.Op
			timer.Reset(w.delay)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error: " + err.Error())

		case <-timer.C:
			for path, op := range pending {
				w.apply(path, op)
			}
			pending = make(map[string]fsnotify.Op)
		}
	}
}

type fileKind int

const (
	fileOther fileKind = iota
	fileDefinition
	fileImage
)

func kindOf(path string) fileKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return fileDefinition
	case ".png", ".jpg", ".jpeg", ".bmp":
		return fileImage
	}
	return fileOther
}

func (w *Watcher) apply(path string, op fsnotify.Op) {
	switch kindOf(path) {
	case fileImage:
		if cache := w.registry.ImageCache(); cache != nil {
			if n := cache.Invalidate(path); n > 0 {
				w.logger.InfoWithContext("Template image changed", map[string]interface{}{
					"path":    path,
					"dropped": n,
				})
			}
		}

	case fileDefinition:
		// removed definitions keep their templates until the next restart
		if !op.Has(fsnotify.Write) && !op.Has(fsnotify.Create) {
			return
		}
		err := w.registry.LoadFromFile(path)
		if err != nil {
			w.logger.ErrorWithContext("Template reload failed", err, map[string]interface{}{"path": path})
		} else {
			w.logger.InfoWithContext("Templates reloaded", map[string]interface{}{
				"path":      path,
				"templates": w.registry.Count(),
			})
		}
		if w.onReload != nil {
			w.onReload(path, err)
		}
	}
}

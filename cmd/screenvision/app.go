package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"jordanella.com/screen-vision/internal/adb"
	"jordanella.com/screen-vision/internal/config"
	"jordanella.com/screen-vision/internal/cv"
	"jordanella.com/screen-vision/internal/database"
	"jordanella.com/screen-vision/internal/events"
	"jordanella.com/screen-vision/internal/logging"
	"jordanella.com/screen-vision/internal/monitor"
	"jordanella.com/screen-vision/internal/stream"
	"jordanella.com/screen-vision/pkg/templates"
)

// globalOptions are the flags every device subcommand accepts
type globalOptions struct {
	configPath string
	iniPath    string
	serial     string
	adbPath    string
	noStream   bool
	format     string
	logLevel   string
}

func addGlobalFlags(fs *flag.FlagSet) *globalOptions {
	opts := &globalOptions{}
	fs.StringVar(&opts.configPath, "config", config.DefaultPath, "Path to YAML config file")
	fs.StringVar(&opts.iniPath, "ini", "", "Legacy Settings.ini applied over the config")
	fs.StringVar(&opts.serial, "serial", "", "Device serial (default: config or the only online device)")
	fs.StringVar(&opts.adbPath, "adb", "", "Path to adb (default: config or auto-detect)")
	fs.BoolVar(&opts.noStream, "no-stream", false, "Use discrete screenshots instead of the capture stream")
	fs.StringVar(&opts.format, "format", "", "Stream format: auto, elementary or framed")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level override")
	return opts
}

// loadConfig resolves the config file, INI overrides and flags
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.iniPath != "" {
		if err := cfg.ApplyINI(o.iniPath); err != nil {
			return nil, err
		}
	}

	if o.serial != "" {
		cfg.Device.Serial = o.serial
	}
	if o.adbPath != "" {
		cfg.Device.ADBPath = o.adbPath
	}
	if o.noStream {
		cfg.Stream.Enabled = false
	}
	if o.format != "" {
		cfg.Stream.Format = o.format
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

// app holds the wired pipeline for one CLI invocation
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	bus      *events.DefaultEventBus
	reporter *logging.ErrorReporter

	controller *adb.Controller
	stream     *stream.Stream
	health     *monitor.HealthChecker
	vision     *cv.Service
	cache      *templates.ImageCache
	registry   *templates.TemplateRegistry
	watcher    *templates.Watcher

	eventLog *logging.EventLogger
	db       *database.DB
	journal  *database.Journal
}

// newApp connects to the device and wires capture, matching, events and the journal
func newApp(ctx context.Context, opts *globalOptions) (*app, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	logging.SetDefaultLevel(cfg.LogLevel())

	a := &app{
		cfg:      cfg,
		logger:   logging.NewLogger("CLI"),
		bus:      events.NewEventBus(256),
		reporter: logging.NewErrorReporter(500),
	}
	a.reporter.SetRepeatWindow(cfg.Logging.RepeatWindow)

	if err := a.openJournal(); err != nil {
		a.Close()
		return nil, err
	}

	a.controller, err = adb.ConnectADB(ctx, cfg.Device.ADBPath, cfg.Device.Serial)
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.wireVision(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openJournal() error {
	cfg := a.cfg
	if cfg.Logging.EventLog {
		var opts []logging.EventLoggerOption
		if cfg.LogLevel() != logging.LogLevelDebug {
			opts = append(opts, logging.WithoutEvents(events.EventTypeScreenChanged))
		}
		el, err := logging.NewEventLogger(a.bus, cfg.Logging.Dir, opts...)
		if err != nil {
			return err
		}
		a.eventLog = el
		a.logger.InfoWithContext("Event log enabled", map[string]interface{}{"path": el.Path()})
	}

	if !cfg.Journal.Enabled {
		return nil
	}
	db, err := database.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	a.db = db
	if err := db.RunMigrations(); err != nil {
		return fmt.Errorf("failed to migrate journal: %w", err)
	}
	a.journal = database.NewJournal(db, a.bus)
	a.journal.AttachReporter(a.reporter)
	return nil
}

func (a *app) wireVision() error {
	cfg := a.cfg

	var capturer cv.Capturer
	var frames monitor.FrameSource
	if cfg.Stream.Enabled {
		streamOpts, err := cfg.StreamOptions()
		if err != nil {
			return err
		}
		streamOpts = append(streamOpts,
			stream.WithDevice(a.controller.Serial()),
			stream.WithEventBus(a.bus),
			stream.WithErrorReporter(a.reporter),
		)
		a.stream = stream.New(a.controller, streamOpts...)
		if err := a.stream.Start(); err != nil {
			return fmt.Errorf("failed to start stream: %w", err)
		}
		capturer = stream.NewCapturer(a.stream, a.controller)
		frames = a.stream
	} else {
		capturer = stream.NewCapturer(nil, a.controller)
	}

	a.health = monitor.NewHealthChecker(a.controller, frames).
		WithUnhealthyCallback(a.reportUnhealthy)
	if a.stream != nil && a.stream.Format() == stream.ElementaryStream {
		a.health.WithSessionLimit(cfg.Stream.TimeLimit)
	}
	a.health.Start()

	matcher, err := cv.NewMatcher(cfg.Matching.Backend, cfg.MatcherOptions()...)
	if err != nil {
		return err
	}

	a.cache, err = templates.NewImageCache(cfg.Templates.CacheMaxEntries)
	if err != nil {
		return err
	}
	a.registry = templates.NewTemplateRegistry(cfg.Templates.Dir, a.cache)
	if cfg.Templates.Registry != "" {
		if _, statErr := os.Stat(cfg.Templates.Registry); statErr == nil {
			if err := a.registry.Load(cfg.Templates.Registry); err != nil {
				a.reporter.ReportError(logging.ErrorCategoryTemplate, logging.ErrorSeverityMedium,
					"templates", "failed to load template definitions", err, nil)
			}
		}
	}

	if cfg.Templates.Watch {
		if err := a.watchTemplates(); err != nil {
			a.reporter.ReportError(logging.ErrorCategoryTemplate, logging.ErrorSeverityLow,
				"templates", "template watching disabled", err, nil)
		}
	}

	a.vision = cv.NewServiceWithConfig(capturer, matcher, a.cache, cfg.ServiceConfig()).
		WithTemplateRegistry(a.registry).
		WithEventBus(a.bus)
	if n := cfg.Logging.DebugSaveScreenshots; n > 0 {
		a.vision.WithDebugRecorder(cv.NewDebugRecorder(cfg.Logging.DebugDir, n, nil))
	}
	return nil
}

// watchTemplates follows the image directory and the definitions location
func (a *app) watchTemplates() error {
	dirs := []string{}
	add := func(dir string) {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return
		}
		for _, d := range dirs {
			if filepath.Clean(d) == filepath.Clean(dir) {
				return
			}
		}
		dirs = append(dirs, dir)
	}
	add(a.cfg.Templates.Dir)
	if reg := a.cfg.Templates.Registry; reg != "" {
		if info, err := os.Stat(reg); err == nil && !info.IsDir() {
			reg = filepath.Dir(reg)
		}
		add(reg)
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no template directory to watch")
	}

	w, err := templates.NewWatcher(a.registry, dirs...)
	if err != nil {
		return err
	}
	a.watcher = w.WithReloadCallback(func(path string, err error) {
		if err != nil {
			a.reporter.ReportError(logging.ErrorCategoryTemplate, logging.ErrorSeverityMedium,
				"templates", "failed to reload template definitions", err, map[string]interface{}{"path": path})
		}
	})
	a.watcher.Start()
	return nil
}

func (a *app) reportUnhealthy(reason string, err error) {
	category := logging.ErrorCategoryStream
	if reason == monitor.ReasonDeviceUnresponsive {
		category = logging.ErrorCategoryTransport
	}
	a.reporter.ReportError(category, logging.ErrorSeverityHigh, "monitor", reason, err, nil)
}

// template resolves a registered name, or an image path when the argument is a file
func (a *app) template(arg string, flags *templateFlags) (cv.Template, error) {
	var t cv.Template
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		name := filepath.Base(arg)
		t = cv.Template{Name: name[:len(name)-len(filepath.Ext(name))], Path: arg}
	} else {
		t = a.registry.GetOrDefault(arg)
	}
	return flags.apply(t)
}

// Close stops capture and flushes events before closing the journal
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.health != nil {
		a.health.Stop()
	}
	if a.stream != nil {
		a.stream.Stop()
	}
	a.bus.Stop()
	if a.journal != nil {
		a.journal.Close()
	}
	if a.eventLog != nil {
		if err := a.eventLog.Close(); err != nil {
			a.logger.Error("Failed to close event log", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Failed to close journal", err)
		}
	}
	if a.controller != nil {
		if err := a.controller.Disconnect(); err != nil {
			a.logger.Error("Failed to disconnect", err)
		}
	}
}

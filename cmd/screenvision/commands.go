package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"os"
	"strings"
	"time"

	"jordanella.com/screen-vision/internal/adb"
	"jordanella.com/screen-vision/internal/config"
	"jordanella.com/screen-vision/internal/cv"
	"jordanella.com/screen-vision/internal/database"
)

// errNotFound makes the process exit with status 1 without a log line
var errNotFound = errors.New("not found")

// templateFlags override a template's matching settings
type templateFlags struct {
	confidence string
	mode       string
	scale      float64
	grayscale  bool
	cropLeft   string
	cropRight  string
	cropTop    string
	cropBottom string
}

func addTemplateFlags(fs *flag.FlagSet) *templateFlags {
	f := &templateFlags{}
	fs.StringVar(&f.confidence, "confidence", "", `Match threshold, e.g. "0.9" or "85%"`)
	fs.StringVar(&f.mode, "mode", "", "Tie-break mode: best, top_left, right_bottom, ...")
	fs.Float64Var(&f.scale, "scale", 0, "Scale factor for the template image")
	fs.BoolVar(&f.grayscale, "gray", false, "Match in grayscale")
	fs.StringVar(&f.cropLeft, "crop-left", "", `Crop from the left of the frame, e.g. "10%" or "40px"`)
	fs.StringVar(&f.cropRight, "crop-right", "", "Crop from the right of the frame")
	fs.StringVar(&f.cropTop, "crop-top", "", "Crop from the top of the frame")
	fs.StringVar(&f.cropBottom, "crop-bottom", "", "Crop from the bottom of the frame")
	return f
}

func (f *templateFlags) apply(t cv.Template) (cv.Template, error) {
	if f.confidence != "" {
		c, err := cv.NewConfidence(f.confidence)
		if err != nil {
			return t, err
		}
		t = t.WithConfidence(c)
	}
	if f.mode != "" {
		m, err := cv.ParseMatchMode(f.mode)
		if err != nil {
			return t, err
		}
		t = t.WithMode(m)
	}
	if f.scale != 0 {
		t = t.WithScale(f.scale)
	}
	if f.grayscale {
		t = t.InGrayscale()
	}

	sides := []string{f.cropLeft, f.cropRight, f.cropTop, f.cropBottom}
	var values [4]any
	crop := false
	for i, s := range sides {
		if s != "" {
			values[i] = s
			crop = true
		}
	}
	if crop {
		r, err := cv.NewCropRegions(values[0], values[1], values[2], values[3])
		if err != nil {
			return t, err
		}
		t = t.WithCrop(r)
	}
	return t, nil
}

// runLocate finds one template, optionally waiting for it to appear
func runLocate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("locate", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	tflags := addTemplateFlags(fs)
	timeout := fs.Duration("timeout", 0, "Keep polling until the template appears or this much time passes")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: screenvision locate [flags] <template>")
	}

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.template(fs.Arg(0), tflags)
	if err != nil {
		return err
	}

	var result *cv.MatchResult
	if *timeout > 0 {
		result, err = a.vision.WaitForTemplate(ctx, t, *timeout)
		if errors.Is(err, cv.ErrTimeout) {
			fmt.Printf("%s: not found within %s\n", t.Name, *timeout)
			return errNotFound
		}
	} else {
		result, err = a.vision.Locate(ctx, t)
	}
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Printf("%s: not found\n", t.Name)
		return errNotFound
	}

	fmt.Println(result)
	return nil
}

// runLocateAll lists every occurrence of a template
func runLocateAll(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("locate-all", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	tflags := addTemplateFlags(fs)
	minDistance := fs.Int("min-distance", 0, "Minimum distance between matches (default: config)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: screenvision locate-all [flags] <template>")
	}

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.template(fs.Arg(0), tflags)
	if err != nil {
		return err
	}

	results, err := a.vision.LocateAll(ctx, t, *minDistance)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Printf("%s: not found\n", t.Name)
		return errNotFound
	}
	for _, r := range results {
		fmt.Println(r)
	}
	return nil
}

// runWorst prints the placement that differs most from the template
func runWorst(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worst", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	tflags := addTemplateFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: screenvision worst [flags] <template>")
	}

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.template(fs.Arg(0), tflags)
	if err != nil {
		return err
	}

	result, err := a.vision.LocateWorst(ctx, t)
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Printf("%s: no placement passes the cutoff\n", t.Name)
		return errNotFound
	}
	fmt.Println(result)
	return nil
}

// runStream runs the capture stream and reports its counters
func runStream(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	duration := fs.Duration("duration", 10*time.Second, "How long to stream")
	interval := fs.Duration("interval", time.Second, "How often to print stats")
	out := fs.String("out", "", "Save the last frame as PNG")
	fs.Parse(args)

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.stream == nil {
		return fmt.Errorf("stream is disabled in config")
	}

	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return saveFrame(a, *out)
		case <-ticker.C:
			s := a.stream.Stats()
			fmt.Printf("format=%s session=%s frames=%d evicted=%d sessions=%d failures=%d available=%t\n",
				a.stream.Format(), s.SessionID, s.Frames, s.Evicted, s.Sessions, s.Failures, a.stream.Available())
		}
	}
}

func saveFrame(a *app, path string) error {
	if path == "" {
		return nil
	}
	frame := a.stream.GetLatestFrame()
	if frame == nil {
		return fmt.Errorf("no frame to save")
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, frame); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	fmt.Printf("saved %dx%d frame to %s\n", frame.Bounds().Dx(), frame.Bounds().Dy(), path)
	return nil
}

// runWatch prints every perceptual screen change
func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	distance := fs.Int("distance", -1, "Hash distance that counts as a change (default: config)")
	timeout := fs.Duration("timeout", time.Minute, "Stop after this long without a change")
	fs.Parse(args)

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	maxDistance := a.cfg.Matching.ChangeDistance
	if *distance >= 0 {
		maxDistance = *distance
	}
	detector := cv.NewChangeDetector(maxDistance)

	for {
		frame, err := a.vision.WaitForChange(ctx, detector, *timeout)
		if errors.Is(err, cv.ErrTimeout) {
			fmt.Printf("no change within %s\n", *timeout)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s changed (%dx%d)\n", time.Now().Format("15:04:05.000"), frame.Bounds().Dx(), frame.Bounds().Dy())
	}
}

// runDevices lists adb devices and their display sizes
func runDevices(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	adbPath := fs.String("adb", "", "Path to adb (default: auto-detect)")
	fs.Parse(args)

	path, err := adb.FindADB(*adbPath)
	if err != nil {
		return err
	}
	devices, err := adb.Devices(ctx, path)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no devices")
		return nil
	}

	for _, d := range devices {
		size := "-"
		if d.Online() {
			if w, h, err := adb.NewController(path, d.Serial).DisplaySize(ctx); err == nil {
				size = fmt.Sprintf("%dx%d", w, h)
			}
		}
		fmt.Printf("%-24s %-12s %-10s %s\n", d.Serial, d.State, size, d.Model)
	}
	return nil
}

// runJournal prints recent sessions, failures and template hit rates
func runJournal(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to YAML config file")
	dbPath := fs.String("db", "", "Journal database (default: config)")
	limit := fs.Int("limit", 10, "Rows per section")
	backup := fs.String("backup", "", "Write a copy of the journal to this path")
	prune := fs.Duration("prune", 0, "Delete rows older than this age before printing")
	fs.Parse(args)

	path := *dbPath
	if path == "" {
		cfg, err := config.LoadOptional(*configPath)
		if err != nil {
			return err
		}
		path = cfg.Journal.Path
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("journal not found: %w", err)
	}

	db, err := database.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.RunMigrations(); err != nil {
		return err
	}

	if *backup != "" {
		if err := db.Backup(*backup); err != nil {
			return err
		}
		fmt.Printf("backup written to %s\n", *backup)
	}

	if *prune > 0 {
		removed, err := db.Prune(time.Now().Add(-*prune))
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d sessions, %d failures, %d matches, %d errors\n", removed["stream_sessions"],
			removed["stream_failures"], removed["match_log"], removed["error_log"])
	}

	sessions, err := db.ListSessions("", *limit)
	if err != nil {
		return err
	}
	fmt.Println("Sessions:")
	for _, s := range sessions {
		ended := "-"
		if s.EndedAt != nil {
			ended = s.EndedAt.Local().Format("15:04:05")
		}
		fmt.Printf("  %s %-16s %-10s %-8s %s..%s frames=%d\n", shortID(s.SessionID), s.Device, s.Format,
			s.Status, s.StartedAt.Local().Format("2006-01-02 15:04:05"), ended, s.Frames)
	}

	failures, err := db.GetFailures("", *limit)
	if err != nil {
		return err
	}
	fmt.Println("Failures:")
	for _, f := range failures {
		msg := ""
		if f.ErrorMessage != nil {
			msg = *f.ErrorMessage
		}
		state := "retrying"
		if f.Unavailable {
			state = "unavailable"
		}
		fmt.Printf("  %s %-16s #%d %-11s %s\n", f.OccurredAt.Local().Format("2006-01-02 15:04:05"),
			f.Device, f.ConsecutiveFailures, state, msg)
	}

	stats, err := db.GetTemplateStats()
	if err != nil {
		return err
	}
	fmt.Println("Templates:")
	for _, s := range stats {
		avg := "-"
		if s.AvgConfidence != nil {
			avg = fmt.Sprintf("%.1f%%", *s.AvgConfidence*100)
		}
		fmt.Printf("  %-24s found=%d missed=%d avg=%s\n", s.Template, s.FoundCount, s.MissedCount, avg)
	}

	errs, err := db.GetRecentErrors("", *limit)
	if err != nil {
		return err
	}
	fmt.Println("Errors:")
	for _, e := range errs {
		detail := ""
		if e.ErrorText != nil {
			detail = ": " + *e.ErrorText
		}
		fmt.Printf("  %s %-9s %-8s %s%s\n", e.OccurredAt.Local().Format("2006-01-02 15:04:05"),
			e.Category, e.Severity, e.Message, detail)
	}
	return nil
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

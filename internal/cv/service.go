package cv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"sync"
	"time"

	"jordanella.com/screen-vision/internal/events"
	"jordanella.com/screen-vision/internal/logging"
)

// ErrTimeout is returned by the Wait helpers when their deadline passes
var ErrTimeout = errors.New("timed out")

// Vision captures frames and locates templates in them
type Vision interface {
	Capture(ctx context.Context) (image.Image, error)
	Locate(ctx context.Context, t Template) (*MatchResult, error)
	LocateAll(ctx context.Context, t Template, minDistance int) ([]MatchResult, error)
	LocateWorst(ctx context.Context, t Template) (*MatchResult, error)
}

// TemplateLoader decodes template images, usually through a cache
type TemplateLoader interface {
	Load(path string, scale float64, grayscale bool) (image.Image, error)
}

// TemplateRegistry resolves template definitions by name
type TemplateRegistry interface {
	Get(name string) (Template, bool)
}

// ServiceConfig holds the tunables of a Service
type ServiceConfig struct {
	DefaultConfidence  ConfidenceValue
	MinDistance        int
	PollInterval       time.Duration
	FrameCacheDuration time.Duration
}

// DefaultServiceConfig returns the standard tunables
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DefaultConfidence:  DefaultConfidence,
		MinDistance:        DefaultMinDistance,
		PollInterval:       500 * time.Millisecond,
		FrameCacheDuration: 100 * time.Millisecond,
	}
}

// Service handles all computer vision operations
type Service struct {
	capturer Capturer
	matcher  Matcher
	loader   TemplateLoader
	registry TemplateRegistry // Optional: lookups by name
	cfg      ServiceConfig
	logger   *logging.Logger
	debug    *DebugRecorder
	bus      events.EventBus // Optional: match and change events

	// Frame caching for rapid consecutive checks
	cachedFrame     image.Image
	cachedFrameTime time.Time

	mu sync.RWMutex
}

var _ Vision = (*Service)(nil)

// NewService creates a CV service with default tunables
func NewService(capturer Capturer, matcher Matcher, loader TemplateLoader) *Service {
	return NewServiceWithConfig(capturer, matcher, loader, DefaultServiceConfig())
}

// NewServiceWithConfig creates a CV service with custom tunables
func NewServiceWithConfig(capturer Capturer, matcher Matcher, loader TemplateLoader, cfg ServiceConfig) *Service {
	if matcher == nil {
		matcher = NewNCCMatcher()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultServiceConfig().PollInterval
	}
	return &Service{
		capturer: capturer,
		matcher:  matcher,
		loader:   loader,
		cfg:      cfg,
		logger:   logging.NewLogger("Vision"),
	}
}

// WithTemplateRegistry enables name lookups
func (s *Service) WithTemplateRegistry(registry TemplateRegistry) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = registry
	return s
}

// WithLogger replaces the service logger
func (s *Service) WithLogger(logger *logging.Logger) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithDebugRecorder saves every fresh capture through r
func (s *Service) WithDebugRecorder(r *DebugRecorder) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debug = r
	return s
}

// WithEventBus publishes match, timeout and screen change events to bus
func (s *Service) WithEventBus(bus events.EventBus) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
	return s
}

func (s *Service) publish(e events.Event) {
	s.mu.RLock()
	bus := s.bus
	s.mu.RUnlock()
	if bus != nil {
		bus.Publish(e)
	}
}

func (s *Service) reportMatch(result *MatchResult) {
	if result == nil {
		return
	}
	c := result.Center()
	s.publish(events.NewMatchFoundEvent(result.Template, c.X, c.Y, result.Confidence.Value()))
}

func (s *Service) reportTimeout(err error, template string, timeout time.Duration) {
	if errors.Is(err, ErrTimeout) {
		s.publish(events.NewMatchTimeoutEvent(template, timeout))
	}
}

// Matcher returns the matching backend
func (s *Service) Matcher() Matcher {
	return s.matcher
}

// CaptureFrame returns a frame, reusing a recent one when useCache is set
func (s *Service) CaptureFrame(ctx context.Context, useCache bool) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if useCache && s.cachedFrame != nil {
		if time.Since(s.cachedFrameTime) < s.cfg.FrameCacheDuration {
			return s.cachedFrame, nil
		}
	}

	if s.capturer == nil {
		return nil, errors.New("no capturer configured")
	}

	frame, err := s.capturer.CaptureFrame(ctx)
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, ErrEmptyImage
	}

	s.cachedFrame = frame
	s.cachedFrameTime = time.Now()
	s.debug.Save(frame)

	return frame, nil
}

// Capture returns a fresh frame
func (s *Service) Capture(ctx context.Context) (image.Image, error) {
	return s.CaptureFrame(ctx, false)
}

// InvalidateCache forces next capture to get fresh frame
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedFrame = nil
}

// Template returns a registered template by name
func (s *Service) Template(name string) (Template, error) {
	s.mu.RLock()
	registry := s.registry
	s.mu.RUnlock()

	if registry == nil {
		return Template{}, fmt.Errorf("template '%s' not found: no registry configured", name)
	}
	t, ok := registry.Get(name)
	if !ok {
		return Template{}, fmt.Errorf("template '%s' not found in registry", name)
	}
	return t, nil
}

func (s *Service) confidenceFor(t Template) ConfidenceValue {
	if t.Confidence != nil {
		return *t.Confidence
	}
	return s.cfg.DefaultConfidence
}

// images builds the matcher inputs for t searched in frame
func (s *Service) images(frame image.Image, t Template) (Image, Image, error) {
	if s.loader == nil {
		return Image{}, Image{}, errors.New("no template loader configured")
	}

	tmpl, err := s.loader.Load(t.Path, t.Scale, t.Grayscale)
	if err != nil {
		return Image{}, Image{}, fmt.Errorf("failed to load template: %w", err)
	}

	base := Image{Frame: frame}
	if !t.Crop.IsZero() || t.Grayscale {
		base.Preprocessing = &Preprocessing{Crop: t.Crop, Grayscale: t.Grayscale}
	}

	return base, Image{Frame: tmpl, ID: t.id()}, nil
}

// LocateInFrame finds t in frame; fails when the template is larger than the frame
func (s *Service) LocateInFrame(frame image.Image, t Template) (*MatchResult, error) {
	base, tmpl, err := s.images(frame, t)
	if err != nil {
		return nil, err
	}
	return s.matcher.Locate(base, tmpl, t.Mode, s.confidenceFor(t))
}

// FindInFrame is LocateInFrame returning nil when the template does not fit
func (s *Service) FindInFrame(frame image.Image, t Template) (*MatchResult, error) {
	base, tmpl, err := s.images(frame, t)
	if err != nil {
		return nil, err
	}
	return s.matcher.Probe(base, tmpl, t.Mode, s.confidenceFor(t))
}

// Locate finds t in the current screen
func (s *Service) Locate(ctx context.Context, t Template) (*MatchResult, error) {
	frame, err := s.CaptureFrame(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to capture frame: %w", err)
	}
	result, err := s.LocateInFrame(frame, t)
	if err != nil {
		return nil, err
	}
	s.reportMatch(result)
	return result, nil
}

// Find is Locate with probe semantics
func (s *Service) Find(ctx context.Context, t Template) (*MatchResult, error) {
	frame, err := s.CaptureFrame(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to capture frame: %w", err)
	}
	result, err := s.FindInFrame(frame, t)
	if err != nil {
		return nil, err
	}
	s.reportMatch(result)
	return result, nil
}

// LocateByName finds a registered template in the current screen
func (s *Service) LocateByName(ctx context.Context, name string) (*MatchResult, error) {
	t, err := s.Template(name)
	if err != nil {
		return nil, err
	}
	return s.Locate(ctx, t)
}

// LocateAll finds every occurrence of t. A minDistance of 0 uses the configured default.
func (s *Service) LocateAll(ctx context.Context, t Template, minDistance int) ([]MatchResult, error) {
	frame, err := s.CaptureFrame(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to capture frame: %w", err)
	}
	return s.LocateAllInFrame(frame, t, minDistance)
}

// LocateAllInFrame finds every occurrence of t in frame
func (s *Service) LocateAllInFrame(frame image.Image, t Template, minDistance int) ([]MatchResult, error) {
	if minDistance == 0 {
		minDistance = s.cfg.MinDistance
	}
	base, tmpl, err := s.images(frame, t)
	if err != nil {
		return nil, err
	}
	return s.matcher.LocateAll(base, tmpl, s.confidenceFor(t), minDistance)
}

// LocateWorst finds the placement of t that differs most from the screen
func (s *Service) LocateWorst(ctx context.Context, t Template) (*MatchResult, error) {
	frame, err := s.CaptureFrame(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to capture frame: %w", err)
	}
	base, tmpl, err := s.images(frame, t)
	if err != nil {
		return nil, err
	}
	return s.matcher.LocateWorst(base, tmpl)
}

// FindAny returns the first template found, checking all against one frame
func (s *Service) FindAny(ctx context.Context, templates []Template) (*MatchResult, error) {
	frame, err := s.CaptureFrame(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to capture frame: %w", err)
	}

	for _, t := range templates {
		result, err := s.FindInFrame(frame, t)
		if err != nil {
			return nil, err
		}
		if result != nil {
			s.reportMatch(result)
			return result, nil
		}
	}
	return nil, nil
}

// FindMultiple checks several templates against one frame. Templates that
// fail to load are logged and skipped.
func (s *Service) FindMultiple(ctx context.Context, templates []Template) (map[string]*MatchResult, error) {
	frame, err := s.CaptureFrame(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to capture frame: %w", err)
	}

	results := make(map[string]*MatchResult, len(templates))
	for _, t := range templates {
		result, err := s.FindInFrame(frame, t)
		if err != nil {
			s.logger.WarnWithContext("Skipping template", map[string]interface{}{
				"template": t.id(),
				"error":    err.Error(),
			})
			continue
		}
		results[t.id()] = result
	}

	return results, nil
}

// Similar reports whether two images correlate at or above confidence
func (s *Service) Similar(a, b image.Image, confidence *ConfidenceValue, grayscale bool) (bool, error) {
	conf := s.cfg.DefaultConfidence
	if confidence != nil {
		conf = *confidence
	}
	var pre *Preprocessing
	if grayscale {
		pre = &Preprocessing{Grayscale: true}
	}
	return s.matcher.Similar(Image{Frame: a, Preprocessing: pre}, Image{Frame: b, Preprocessing: pre}, conf)
}

// poll runs check every PollInterval until it reports done, fails, or timeout passes
func (s *Service) poll(ctx context.Context, timeout time.Duration, what string, check func() (bool, error)) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s after %s", ErrTimeout, what, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForTemplate waits until t appears
func (s *Service) WaitForTemplate(ctx context.Context, t Template, timeout time.Duration) (*MatchResult, error) {
	var found *MatchResult
	err := s.poll(ctx, timeout, fmt.Sprintf("could not find template '%s'", t.id()), func() (bool, error) {
		result, err := s.findFresh(ctx, t)
		if err != nil {
			return false, err
		}
		found = result
		return result != nil, nil
	})
	if err != nil {
		s.reportTimeout(err, t.id(), timeout)
		return nil, err
	}

	s.logger.DebugWithContext("Template found", map[string]interface{}{"template": t.id()})
	return found, nil
}

// WaitUntilTemplateDisappears waits until t is no longer visible
func (s *Service) WaitUntilTemplateDisappears(ctx context.Context, t Template, timeout time.Duration) error {
	return s.poll(ctx, timeout, fmt.Sprintf("template '%s' is still visible", t.id()), func() (bool, error) {
		result, err := s.findFresh(ctx, t)
		if err != nil {
			return false, err
		}
		return result == nil, nil
	})
}

// WaitForAnyTemplate waits until one of templates appears and returns the
// first match in list order
func (s *Service) WaitForAnyTemplate(ctx context.Context, templates []Template, timeout time.Duration) (*MatchResult, error) {
	var found *MatchResult
	err := s.poll(ctx, timeout, fmt.Sprintf("none of %d templates were found", len(templates)), func() (bool, error) {
		s.InvalidateCache()
		result, err := s.FindAny(ctx, templates)
		if err != nil {
			return false, err
		}
		found = result
		return result != nil, nil
	})
	if err != nil {
		names := make([]string, len(templates))
		for i, t := range templates {
			names[i] = t.id()
		}
		s.reportTimeout(err, strings.Join(names, ","), timeout)
		return nil, err
	}
	return found, nil
}

// WaitForROIChange waits until the cropped region of the screen stops being
// similar to the same region of start
func (s *Service) WaitForROIChange(ctx context.Context, start image.Image, crop CropRegions, confidence *ConfidenceValue, grayscale bool, timeout time.Duration) error {
	initial, err := Crop(start, crop)
	if err != nil {
		return err
	}

	return s.poll(ctx, timeout, "region of interest has not changed", func() (bool, error) {
		frame, err := s.Capture(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to capture frame: %w", err)
		}
		current, err := Crop(frame, crop)
		if err != nil {
			return false, err
		}
		similar, err := s.Similar(initial.Image, current.Image, confidence, grayscale)
		if err != nil {
			return false, err
		}
		return !similar, nil
	})
}

// WaitForChange waits until detector reports a perceptual change in the screen
func (s *Service) WaitForChange(ctx context.Context, detector *ChangeDetector, timeout time.Duration) (image.Image, error) {
	var changed image.Image
	err := s.poll(ctx, timeout, "screen has not changed", func() (bool, error) {
		frame, err := s.Capture(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to capture frame: %w", err)
		}
		diff, distance, err := detector.Observe(frame)
		if err != nil {
			return false, err
		}
		if diff {
			changed = frame
			s.publish(events.NewScreenChangedEvent(distance))
		}
		return diff, nil
	})
	return changed, err
}

func (s *Service) findFresh(ctx context.Context, t Template) (*MatchResult, error) {
	s.InvalidateCache()
	return s.Find(ctx, t)
}

// CheckColor checks if a specific pixel has expected color
func (s *Service) CheckColor(ctx context.Context, p image.Point, expected color.Color, tolerance uint8) (bool, error) {
	actual, err := s.PixelColor(ctx, p)
	if err != nil {
		return false, err
	}

	r1, g1, b1, _ := actual.RGBA()
	r2, g2, b2, _ := expected.RGBA()

	distance := colorDistance(uint8(r1>>8), uint8(g1>>8), uint8(b1>>8), uint8(r2>>8), uint8(g2>>8), uint8(b2>>8))
	return distance <= tolerance, nil
}

// PixelColor returns color at specific pixel
func (s *Service) PixelColor(ctx context.Context, p image.Point) (color.Color, error) {
	frame, err := s.CaptureFrame(ctx, true)
	if err != nil {
		return nil, err
	}

	bounds := frame.Bounds()
	pt := p.Add(bounds.Min)
	if !pt.In(bounds) {
		return nil, fmt.Errorf("coordinates (%d, %d) out of bounds", p.X, p.Y)
	}

	return frame.At(pt.X, pt.Y), nil
}

// colorDistance is the largest per-channel difference
func colorDistance(r1, g1, b1, r2, g2, b2 uint8) uint8 {
	d := math.Max(absDiff(r1, r2), math.Max(absDiff(g1, g2), absDiff(b1, b2)))
	return uint8(d)
}

func absDiff(a, b uint8) float64 {
	return math.Abs(float64(a) - float64(b))
}

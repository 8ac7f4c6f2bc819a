package cv

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"
)

// ErrTemplateTooLarge is returned by the strict entry points when the
// template does not fit inside the base image
var ErrTemplateTooLarge = errors.New("template is larger than base image")

// Matching defaults
const (
	DefaultMinDistance      = 10
	DefaultWorstMatchCutoff = 10000.0

	// scoreTolerance absorbs float error so identical regions pass a 1.0 threshold
	scoreTolerance = 1e-6
)

// DefaultConfidence is the threshold used when callers do not pass one
var DefaultConfidence = MustConfidence(0.9)

// MatchMode picks one location when several pass the threshold
type MatchMode string

const (
	MatchModeBest        MatchMode = "best"
	MatchModeTopLeft     MatchMode = "top_left"
	MatchModeTopRight    MatchMode = "top_right"
	MatchModeBottomLeft  MatchMode = "bottom_left"
	MatchModeBottomRight MatchMode = "bottom_right"
	MatchModeLeftTop     MatchMode = "left_top"
	MatchModeLeftBottom  MatchMode = "left_bottom"
	MatchModeRightTop    MatchMode = "right_top"
	MatchModeRightBottom MatchMode = "right_bottom"
)

// MatchModes lists every supported mode
var MatchModes = []MatchMode{
	MatchModeBest,
	MatchModeTopLeft, MatchModeTopRight, MatchModeBottomLeft, MatchModeBottomRight,
	MatchModeLeftTop, MatchModeLeftBottom, MatchModeRightTop, MatchModeRightBottom,
}

// ParseMatchMode accepts names like "TOP_LEFT", "top-left" or "best"
func ParseMatchMode(s string) (MatchMode, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	if norm == "" {
		return MatchModeBest, nil
	}
	for _, m := range MatchModes {
		if string(m) == norm {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown match mode %q", s)
}

// Valid reports whether m is a known mode
func (m MatchMode) Valid() bool {
	for _, known := range MatchModes {
		if m == known {
			return true
		}
	}
	return false
}

// key orders candidate locations; the smallest key wins
func (m MatchMode) key(p image.Point) [2]int {
	switch m {
	case MatchModeTopLeft:
		return [2]int{p.Y, p.X}
	case MatchModeTopRight:
		return [2]int{p.Y, -p.X}
	case MatchModeBottomLeft:
		return [2]int{-p.Y, p.X}
	case MatchModeBottomRight:
		return [2]int{-p.Y, -p.X}
	case MatchModeLeftTop:
		return [2]int{p.X, p.Y}
	case MatchModeLeftBottom:
		return [2]int{p.X, -p.Y}
	case MatchModeRightTop:
		return [2]int{-p.X, p.Y}
	case MatchModeRightBottom:
		return [2]int{-p.X, -p.Y}
	}
	return [2]int{}
}

func keyLess(a, b [2]int) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}

// MatchResult is where a template was found
type MatchResult struct {
	Box        Box
	Confidence ConfidenceValue
	Template   string
}

// Center returns the tap point of the match
func (r MatchResult) Center() image.Point {
	return r.Box.Center()
}

// WithOffset maps a result from cropped coordinates back to the full frame
func (r MatchResult) WithOffset(offset image.Point) MatchResult {
	r.Box = r.Box.WithOffset(offset)
	return r
}

func (r MatchResult) String() string {
	c := r.Center()
	if r.Template != "" {
		return fmt.Sprintf("%s at (%d, %d) confidence=%s", r.Template, c.X, c.Y, r.Confidence)
	}
	return fmt.Sprintf("match at (%d, %d) confidence=%s", c.X, c.Y, r.Confidence)
}

// Matcher locates templates inside base images. Locate and LocateAll fail with
// ErrTemplateTooLarge when the template does not fit; Probe, ProbeAll and
// LocateWorst return nil instead.
type Matcher interface {
	Locate(base, template Image, mode MatchMode, confidence ConfidenceValue) (*MatchResult, error)
	Probe(base, template Image, mode MatchMode, confidence ConfidenceValue) (*MatchResult, error)
	LocateAll(base, template Image, confidence ConfidenceValue, minDistance int) ([]MatchResult, error)
	ProbeAll(base, template Image, confidence ConfidenceValue, minDistance int) ([]MatchResult, error)
	LocateWorst(base, template Image) (*MatchResult, error)
	Similar(base, template Image, confidence ConfidenceValue) (bool, error)
}

// surfaceBackend computes score surfaces; prepared rasters share a channel count
type surfaceBackend interface {
	correlate(base, tmpl *raster) (*surface, error)
	squaredDiff(base, tmpl *raster) (*surface, error)
}

// matcher implements Matcher on top of a surface backend
type matcher struct {
	backend     surfaceBackend
	pre         *Preprocessor
	worstCutoff float64
	opts        *matcherOptions
}

func newMatcher(backend surfaceBackend, opts ...MatcherOption) *matcher {
	o := defaultMatcherOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &matcher{
		backend:     backend,
		pre:         NewPreprocessor(o.logger),
		worstCutoff: o.worstCutoff,
		opts:        o,
	}
}

// NCCMatcher is the pure Go matcher
type NCCMatcher struct {
	*matcher
}

// NewNCCMatcher creates a matcher computing correlation surfaces in Go
func NewNCCMatcher(opts ...MatcherOption) *NCCMatcher {
	return &NCCMatcher{matcher: newMatcher(nccBackend{}, opts...)}
}

type nccBackend struct{}

func (nccBackend) correlate(base, tmpl *raster) (*surface, error) {
	return correlationSurface(base, tmpl), nil
}

func (nccBackend) squaredDiff(base, tmpl *raster) (*surface, error) {
	return squaredDiffSurface(base, tmpl), nil
}

// prepared is a base/template pair ready for a backend
type prepared struct {
	base   *raster
	tmpl   *raster
	offset image.Point
	id     string
}

func (p *prepared) result(loc image.Point, score float64) *MatchResult {
	return &MatchResult{
		Box:        NewBox(loc.X, loc.Y, p.tmpl.w, p.tmpl.h).WithOffset(p.offset),
		Confidence: ConfidenceValue{value: math.Max(0, math.Min(1, score))},
		Template:   p.id,
	}
}

// prepare runs preprocessing and validates sizes. A nil pair with a nil error
// means the template does not fit and strict is false.
func (m *matcher) prepare(base, tmpl Image, strict bool) (*prepared, error) {
	if base.Frame == nil || tmpl.Frame == nil {
		return nil, ErrEmptyImage
	}

	baseImg, offset, err := m.pre.Apply(base)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess base image: %w", err)
	}
	tmplImg, _, err := m.pre.Apply(tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess template: %w", err)
	}

	b := newRaster(baseImg)
	t := newRaster(tmplImg)

	if t.w == 0 || t.h == 0 || b.w == 0 || b.h == 0 {
		return nil, ErrEmptyImage
	}

	if t.w > b.w || t.h > b.h {
		if strict {
			return nil, fmt.Errorf("%w: template %dx%d, base %dx%d", ErrTemplateTooLarge, t.w, t.h, b.w, b.h)
		}
		m.opts.logger.DebugWithContext("Template does not fit base image", map[string]interface{}{
			"template": tmpl.ID,
			"tmpl_w":   t.w,
			"tmpl_h":   t.h,
			"base_w":   b.w,
			"base_h":   b.h,
		})
		return nil, nil
	}

	if b.c != t.c {
		m.opts.logger.DebugWithContext("Channel count mismatch, comparing in grayscale", map[string]interface{}{
			"template":      tmpl.ID,
			"base_channels": b.c,
			"tmpl_channels": t.c,
		})
		b = b.gray()
		t = t.gray()
	}

	return &prepared{base: b, tmpl: t, offset: offset, id: tmpl.ID}, nil
}

// Locate finds the template using mode; strict on template size
func (m *matcher) Locate(base, tmpl Image, mode MatchMode, confidence ConfidenceValue) (*MatchResult, error) {
	return m.locate(base, tmpl, mode, confidence, true)
}

// Probe is Locate returning nil when the template does not fit
func (m *matcher) Probe(base, tmpl Image, mode MatchMode, confidence ConfidenceValue) (*MatchResult, error) {
	return m.locate(base, tmpl, mode, confidence, false)
}

func (m *matcher) locate(base, tmpl Image, mode MatchMode, confidence ConfidenceValue, strict bool) (*MatchResult, error) {
	if mode == "" {
		mode = MatchModeBest
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown match mode %q", mode)
	}

	p, err := m.prepare(base, tmpl, strict)
	if p == nil || err != nil {
		return nil, err
	}

	s, err := m.backend.correlate(p.base, p.tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to compute correlation: %w", err)
	}

	if mode == MatchModeBest {
		loc, score := s.max()
		if !confidence.Passes(score) {
			return nil, nil
		}
		return p.result(loc, score), nil
	}

	loc, score, ok := extreme(s, mode, confidence)
	if !ok {
		return nil, nil
	}
	return p.result(loc, score), nil
}

// extreme picks the passing location with the smallest directional key
func extreme(s *surface, mode MatchMode, confidence ConfidenceValue) (image.Point, float64, bool) {
	var (
		best      image.Point
		bestKey   [2]int
		bestScore float64
		found     bool
	)

	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			score := s.at(x, y)
			if !confidence.Passes(score) {
				continue
			}
			p := image.Point{X: x, Y: y}
			k := mode.key(p)
			if !found || keyLess(k, bestKey) {
				best, bestKey, bestScore, found = p, k, score, true
			}
		}
	}

	return best, bestScore, found
}

// LocateAll returns every match above confidence with near-duplicates removed
func (m *matcher) LocateAll(base, tmpl Image, confidence ConfidenceValue, minDistance int) ([]MatchResult, error) {
	return m.locateAll(base, tmpl, confidence, minDistance, true)
}

// ProbeAll is LocateAll returning nil when the template does not fit
func (m *matcher) ProbeAll(base, tmpl Image, confidence ConfidenceValue, minDistance int) ([]MatchResult, error) {
	return m.locateAll(base, tmpl, confidence, minDistance, false)
}

func (m *matcher) locateAll(base, tmpl Image, confidence ConfidenceValue, minDistance int, strict bool) ([]MatchResult, error) {
	p, err := m.prepare(base, tmpl, strict)
	if p == nil || err != nil {
		return nil, err
	}

	s, err := m.backend.correlate(p.base, p.tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to compute correlation: %w", err)
	}

	half := image.Point{X: p.tmpl.w / 2, Y: p.tmpl.h / 2}
	kept := newSuppressor(minDistance)
	var results []MatchResult

	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			score := s.at(x, y)
			if !confidence.Passes(score) {
				continue
			}
			loc := image.Point{X: x, Y: y}
			if !kept.add(loc.Add(half)) {
				continue
			}
			results = append(results, *p.result(loc, score))
		}
	}

	m.opts.logger.DebugWithContext("Located matches", map[string]interface{}{
		"template":     p.id,
		"count":        len(results),
		"confidence":   confidence.String(),
		"min_distance": minDistance,
	})

	return results, nil
}

// suppressor keeps centers that are at least minDistance apart, in insertion order
type suppressor struct {
	minDistance int
	cells       map[image.Point][]image.Point
}

func newSuppressor(minDistance int) *suppressor {
	return &suppressor{minDistance: minDistance, cells: make(map[image.Point][]image.Point)}
}

func (s *suppressor) cell(p image.Point) image.Point {
	return image.Point{X: floorDiv(p.X, s.minDistance), Y: floorDiv(p.Y, s.minDistance)}
}

// add records c unless it lies closer than minDistance to a kept center
func (s *suppressor) add(c image.Point) bool {
	if s.minDistance <= 0 {
		return true
	}

	home := s.cell(c)
	limit := float64(s.minDistance)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			for _, k := range s.cells[home.Add(image.Point{X: dx, Y: dy})] {
				if math.Hypot(float64(c.X-k.X), float64(c.Y-k.Y)) < limit {
					return false
				}
			}
		}
	}

	s.cells[home] = append(s.cells[home], c)
	return true
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// LocateWorst returns the most dissimilar placement, or nil when every
// placement differs by less than the configured cutoff. Its confidence is the
// normalized squared difference.
func (m *matcher) LocateWorst(base, tmpl Image) (*MatchResult, error) {
	p, err := m.prepare(base, tmpl, false)
	if p == nil || err != nil {
		return nil, err
	}

	s, err := m.backend.squaredDiff(p.base, p.tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to compute squared difference: %w", err)
	}

	loc, diff := s.max()
	if diff < m.worstCutoff {
		return nil, nil
	}

	maxDiff := float64(p.tmpl.w*p.tmpl.h*p.tmpl.c) * 255 * 255
	return p.result(loc, diff/maxDiff), nil
}

// Similar reports whether the best correlation meets confidence
func (m *matcher) Similar(base, tmpl Image, confidence ConfidenceValue) (bool, error) {
	p, err := m.prepare(base, tmpl, true)
	if err != nil {
		return false, err
	}

	s, err := m.backend.correlate(p.base, p.tmpl)
	if err != nil {
		return false, fmt.Errorf("failed to compute correlation: %w", err)
	}
	_, score := s.max()
	return confidence.Passes(score), nil
}

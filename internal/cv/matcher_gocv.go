//go:build gocv
// +build gocv

package cv

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// GoCVMatcher computes surfaces with OpenCV's matchTemplate
type GoCVMatcher struct {
	*matcher
}

// NewGoCVMatcher creates an OpenCV backed matcher
func NewGoCVMatcher(opts ...MatcherOption) (*GoCVMatcher, error) {
	return &GoCVMatcher{matcher: newMatcher(&gocvBackend{}, opts...)}, nil
}

func newGoCVMatcher(opts ...MatcherOption) (Matcher, error) {
	return NewGoCVMatcher(opts...)
}

type gocvBackend struct {
	mu sync.Mutex
}

func (g *gocvBackend) correlate(base, tmpl *raster) (*surface, error) {
	return g.match(base, tmpl, gocv.TmCcoeffNormed)
}

func (g *gocvBackend) squaredDiff(base, tmpl *raster) (*surface, error) {
	return g.match(base, tmpl, gocv.TmSqdiff)
}

func (g *gocvBackend) match(base, tmpl *raster, method gocv.TemplateMatchMode) (*surface, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	baseMat, err := rasterToMat(base)
	if err != nil {
		return nil, err
	}
	defer baseMat.Close()

	tmplMat, err := rasterToMat(tmpl)
	if err != nil {
		return nil, err
	}
	defer tmplMat.Close()

	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	gocv.MatchTemplate(baseMat, tmplMat, &result, method, mask)
	if result.Empty() {
		return nil, fmt.Errorf("matchTemplate returned an empty result")
	}

	s := &surface{w: result.Cols(), h: result.Rows()}
	s.scores = make([]float64, s.w*s.h)
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			s.scores[y*s.w+x] = float64(result.GetFloatAt(y, x))
		}
	}
	return s, nil
}

func rasterToMat(r *raster) (gocv.Mat, error) {
	matType := gocv.MatTypeCV8UC3
	if r.c == 1 {
		matType = gocv.MatTypeCV8UC1
	}
	mat, err := gocv.NewMatFromBytes(r.h, r.w, matType, r.pix)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to convert image to mat: %w", err)
	}
	return mat, nil
}

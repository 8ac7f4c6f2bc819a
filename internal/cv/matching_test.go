package cv

import (
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"
)

func TestLocateIdenticalSubregion(t *testing.T) {
	m := NewNCCMatcher()
	base := noiseRGBA(120, 90, 7)

	tests := []struct {
		name string
		rect image.Rectangle
	}{
		{"interior", image.Rect(37, 21, 62, 41)},
		{"top-left corner", image.Rect(0, 0, 16, 16)},
		{"bottom-right corner", image.Rect(100, 70, 120, 90)},
		{"whole image", image.Rect(0, 0, 120, 90)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := cut(base, tt.rect)

			for _, conf := range []ConfidenceValue{MustConfidence(0.5), MustConfidence("95%"), MustConfidence(1.0)} {
				result, err := m.Locate(NewImage(base), NewImage(tmpl), MatchModeBest, conf)
				if err != nil {
					t.Fatalf("Locate returned error: %v", err)
				}
				if result == nil {
					t.Fatalf("expected a match at confidence %v", conf)
				}
				if result.Box.TopLeft != tt.rect.Min {
					t.Errorf("top-left = %v, want %v", result.Box.TopLeft, tt.rect.Min)
				}
				if result.Confidence.Value() < 0.999 {
					t.Errorf("confidence = %v, want ~1.0", result.Confidence)
				}
				if result.Box.Width != tt.rect.Dx() || result.Box.Height != tt.rect.Dy() {
					t.Errorf("box size = %dx%d, want %dx%d", result.Box.Width, result.Box.Height, tt.rect.Dx(), tt.rect.Dy())
				}
			}
		})
	}
}

func TestLocateGrayscaleIdenticalSubregion(t *testing.T) {
	m := NewNCCMatcher()
	base := noiseRGBA(80, 60, 3)
	rect := image.Rect(20, 10, 45, 30)
	pre := &Preprocessing{Grayscale: true}

	result, err := m.Locate(
		Image{Frame: base, Preprocessing: pre},
		Image{Frame: cut(base, rect), Preprocessing: pre, ID: "patch"},
		MatchModeBest,
		MustConfidence(1.0),
	)
	if err != nil {
		t.Fatalf("Locate returned error: %v", err)
	}
	if result == nil || result.Box.TopLeft != rect.Min {
		t.Fatalf("result = %v, want match at %v", result, rect.Min)
	}
	if result.Template != "patch" {
		t.Errorf("template id = %q, want %q", result.Template, "patch")
	}
}

// cornerSquares builds the 200x200 black image with a 30x30 block at each corner
func cornerSquares(block image.Image) *image.RGBA {
	img := solidRGBA(200, 200, color.Black)
	for _, p := range []image.Point{{0, 0}, {170, 0}, {0, 170}, {170, 170}} {
		paste(img, block, p)
	}
	return img
}

func TestLocateDirectionalModes(t *testing.T) {
	checker := image.NewRGBA(image.Rect(0, 0, 30, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 30; x++ {
			c := color.RGBA{R: 128, G: 128, B: 128, A: 255}
			if (x/5+y/5)%2 == 0 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			checker.Set(x, y, c)
		}
	}

	blocks := []struct {
		name       string
		block      image.Image
		confidence ConfidenceValue
	}{
		{"white squares", solidRGBA(30, 30, color.White), MustConfidence(0.9)},
		{"textured squares", checker, MustConfidence(0.99)},
	}

	want := map[MatchMode]image.Point{
		MatchModeTopLeft:     {15, 15},
		MatchModeTopRight:    {185, 15},
		MatchModeBottomLeft:  {15, 185},
		MatchModeBottomRight: {185, 185},
		MatchModeLeftTop:     {15, 15},
		MatchModeLeftBottom:  {15, 185},
		MatchModeRightTop:    {185, 15},
		MatchModeRightBottom: {185, 185},
	}

	m := NewNCCMatcher()
	for _, b := range blocks {
		t.Run(b.name, func(t *testing.T) {
			base := cornerSquares(b.block)
			seen := make(map[image.Point]bool)

			for mode, center := range want {
				result, err := m.Locate(NewImage(base), NewImage(b.block), mode, b.confidence)
				if err != nil {
					t.Fatalf("%s: Locate returned error: %v", mode, err)
				}
				if result == nil {
					t.Fatalf("%s: expected a match", mode)
				}
				if got := result.Center(); got != center {
					t.Errorf("%s: center = %v, want %v", mode, got, center)
				}
				seen[result.Center()] = true
			}

			if len(seen) != 4 {
				t.Errorf("directional modes covered %d corners, want 4", len(seen))
			}
		})
	}
}

func TestLocateNoMatch(t *testing.T) {
	m := NewNCCMatcher()
	base := noiseRGBA(60, 60, 1)
	tmpl := noiseRGBA(15, 15, 2)

	for _, mode := range MatchModes {
		result, err := m.Locate(NewImage(base), NewImage(tmpl), mode, MustConfidence(0.95))
		if err != nil {
			t.Fatalf("%s: Locate returned error: %v", mode, err)
		}
		if result != nil {
			t.Errorf("%s: unexpected match %v", mode, result)
		}
	}
}

func TestLocateRejectsUnknownMode(t *testing.T) {
	m := NewNCCMatcher()
	base := noiseRGBA(20, 20, 1)
	if _, err := m.Locate(NewImage(base), NewImage(cut(base, image.Rect(0, 0, 5, 5))), MatchMode("diagonal"), DefaultConfidence); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestBestModeScoreIsMaximal(t *testing.T) {
	base := noiseRGBA(50, 40, 11)
	tmpl := cut(base, image.Rect(10, 10, 22, 20))
	paste(base, tmpl, image.Point{X: 30, Y: 25})

	s := correlationSurface(newRaster(base), newRaster(tmpl))
	best, bestScore := s.max()

	threshold := MustConfidence(0.3)
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			if score := s.at(x, y); threshold.Passes(score) && score > bestScore {
				t.Fatalf("score %v at (%d,%d) exceeds best %v at %v", score, x, y, bestScore, best)
			}
		}
	}

	result, err := NewNCCMatcher().Locate(NewImage(base), NewImage(tmpl), MatchModeBest, threshold)
	if err != nil || result == nil {
		t.Fatalf("Locate = %v, %v", result, err)
	}
	if math.Abs(result.Confidence.Value()-math.Min(1, bestScore)) > 1e-9 {
		t.Errorf("confidence %v does not match best score %v", result.Confidence.Value(), bestScore)
	}
}

func TestLocateAppliesCropOffset(t *testing.T) {
	m := NewNCCMatcher()
	base := noiseRGBA(200, 150, 5)
	rect := image.Rect(150, 100, 170, 120)

	regions, err := NewCropRegions("100px", nil, "50px", nil)
	if err != nil {
		t.Fatalf("NewCropRegions returned error: %v", err)
	}

	result, err := m.Locate(
		Image{Frame: base, Preprocessing: &Preprocessing{Crop: regions}},
		NewImage(cut(base, rect)),
		MatchModeBest,
		MustConfidence(0.99),
	)
	if err != nil {
		t.Fatalf("Locate returned error: %v", err)
	}
	if result == nil {
		t.Fatal("expected a match")
	}
	if result.Box.TopLeft != rect.Min {
		t.Errorf("top-left = %v, want %v in full-frame coordinates", result.Box.TopLeft, rect.Min)
	}
}

func TestTemplateSizeValidation(t *testing.T) {
	m := NewNCCMatcher()
	base := NewImage(noiseRGBA(20, 20, 1))
	tooWide := NewImage(noiseRGBA(21, 5, 2))
	tooTall := NewImage(noiseRGBA(5, 21, 3))

	for _, tmpl := range []Image{tooWide, tooTall} {
		if _, err := m.Locate(base, tmpl, MatchModeBest, DefaultConfidence); !errors.Is(err, ErrTemplateTooLarge) {
			t.Errorf("Locate error = %v, want ErrTemplateTooLarge", err)
		}
		if _, err := m.LocateAll(base, tmpl, DefaultConfidence, DefaultMinDistance); !errors.Is(err, ErrTemplateTooLarge) {
			t.Errorf("LocateAll error = %v, want ErrTemplateTooLarge", err)
		}
		if _, err := m.Similar(base, tmpl, DefaultConfidence); !errors.Is(err, ErrTemplateTooLarge) {
			t.Errorf("Similar error = %v, want ErrTemplateTooLarge", err)
		}

		if r, err := m.Probe(base, tmpl, MatchModeTopLeft, DefaultConfidence); r != nil || err != nil {
			t.Errorf("Probe = %v, %v; want nil, nil", r, err)
		}
		if r, err := m.ProbeAll(base, tmpl, DefaultConfidence, DefaultMinDistance); r != nil || err != nil {
			t.Errorf("ProbeAll = %v, %v; want nil, nil", r, err)
		}
		if r, err := m.LocateWorst(base, tmpl); r != nil || err != nil {
			t.Errorf("LocateWorst = %v, %v; want nil, nil", r, err)
		}
	}
}

func TestLocateAllSuppression(t *testing.T) {
	patch := noiseRGBA(20, 20, 42)
	base := solidRGBA(160, 100, color.Black)
	positions := []image.Point{{10, 10}, {40, 10}, {100, 10}, {10, 60}, {120, 70}}
	for _, p := range positions {
		paste(base, patch, p)
	}

	m := NewNCCMatcher()

	t.Run("default distance keeps all", func(t *testing.T) {
		results, err := m.LocateAll(NewImage(base), NewImage(patch), MustConfidence(0.95), DefaultMinDistance)
		if err != nil {
			t.Fatalf("LocateAll returned error: %v", err)
		}
		if len(results) != len(positions) {
			t.Fatalf("got %d matches, want %d", len(results), len(positions))
		}
		// Row-major order
		for i, p := range []image.Point{{10, 10}, {40, 10}, {100, 10}, {10, 60}, {120, 70}} {
			if results[i].Box.TopLeft != p {
				t.Errorf("result %d at %v, want %v", i, results[i].Box.TopLeft, p)
			}
		}
	})

	t.Run("large distance suppresses neighbour", func(t *testing.T) {
		results, err := m.LocateAll(NewImage(base), NewImage(patch), MustConfidence(0.95), 35)
		if err != nil {
			t.Fatalf("LocateAll returned error: %v", err)
		}
		for _, r := range results {
			if r.Box.TopLeft == (image.Point{X: 40, Y: 10}) {
				t.Error("match at (40,10) is 30px from (10,10) and should be suppressed")
			}
		}
		assertSpacing(t, results, 35)
	})
}

func TestLocateAllSpacingProperty(t *testing.T) {
	// A flat template over a flat region matches everywhere; suppression has to thin it out
	base := solidRGBA(90, 70, color.White)
	tmpl := solidRGBA(8, 8, color.White)

	for _, minDistance := range []int{1, 5, 10, 17} {
		results, err := NewNCCMatcher().LocateAll(NewImage(base), NewImage(tmpl), MustConfidence(0.9), minDistance)
		if err != nil {
			t.Fatalf("LocateAll returned error: %v", err)
		}
		if len(results) == 0 {
			t.Fatalf("min distance %d: expected matches", minDistance)
		}
		assertSpacing(t, results, minDistance)
	}
}

func assertSpacing(t *testing.T, results []MatchResult, minDistance int) {
	t.Helper()
	for i := range results {
		for j := i + 1; j < len(results); j++ {
			a, b := results[i].Center(), results[j].Center()
			if d := math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y)); d < float64(minDistance) {
				t.Fatalf("centers %v and %v are %.2f apart, min distance %d", a, b, d, minDistance)
			}
		}
	}
}

func TestSuppressorMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	for _, minDistance := range []int{3, 10, 25} {
		s := newSuppressor(minDistance)
		var kept []image.Point

		for i := 0; i < 500; i++ {
			c := image.Point{X: rng.Intn(200) - 20, Y: rng.Intn(200) - 20}

			want := true
			for _, k := range kept {
				if math.Hypot(float64(c.X-k.X), float64(c.Y-k.Y)) < float64(minDistance) {
					want = false
					break
				}
			}
			if got := s.add(c); got != want {
				t.Fatalf("min distance %d: add(%v) = %v, want %v", minDistance, c, got, want)
			}
			if want {
				kept = append(kept, c)
			}
		}
	}
}

func TestLocateWorst(t *testing.T) {
	m := NewNCCMatcher()

	t.Run("identical images", func(t *testing.T) {
		img := noiseRGBA(40, 40, 8)
		result, err := m.LocateWorst(NewImage(img), NewImage(cut(img, img.Bounds())))
		if err != nil {
			t.Fatalf("LocateWorst returned error: %v", err)
		}
		if result != nil {
			t.Errorf("identical images should not report a worst match, got %v", result)
		}
	})

	t.Run("altered region", func(t *testing.T) {
		base := solidRGBA(100, 100, color.Black)
		fillRect(base, image.Rect(40, 40, 60, 60), color.White)
		tmpl := solidRGBA(20, 20, color.Black)

		result, err := m.LocateWorst(NewImage(base), NewImage(tmpl))
		if err != nil {
			t.Fatalf("LocateWorst returned error: %v", err)
		}
		if result == nil {
			t.Fatal("expected the altered region")
		}
		if got := result.Center(); got != (image.Point{X: 50, Y: 50}) {
			t.Errorf("center = %v, want (50, 50)", got)
		}
		if !result.Confidence.Equal(MustConfidence(1.0)) {
			t.Errorf("fully inverted region should have dissimilarity 1.0, got %v", result.Confidence)
		}
	})

	t.Run("cutoff is configurable", func(t *testing.T) {
		base := solidRGBA(30, 30, color.Black)
		base.Set(10, 10, color.RGBA{R: 10, A: 255})
		tmpl := solidRGBA(5, 5, color.Black)

		if r, _ := m.LocateWorst(NewImage(base), NewImage(tmpl)); r != nil {
			t.Errorf("difference of 100 is under the default cutoff, got %v", r)
		}
		strict := NewNCCMatcher(WithWorstMatchCutoff(50))
		if r, _ := strict.LocateWorst(NewImage(base), NewImage(tmpl)); r == nil {
			t.Error("difference of 100 should pass a cutoff of 50")
		}
	})
}

func TestSimilar(t *testing.T) {
	m := NewNCCMatcher()
	a := noiseRGBA(30, 30, 1)

	same, err := m.Similar(NewImage(a), NewImage(cut(a, a.Bounds())), DefaultConfidence)
	if err != nil || !same {
		t.Errorf("Similar(a, a) = %v, %v; want true", same, err)
	}

	different, err := m.Similar(NewImage(a), NewImage(noiseRGBA(30, 30, 2)), DefaultConfidence)
	if err != nil || different {
		t.Errorf("Similar(a, b) = %v, %v; want false", different, err)
	}
}

func TestChannelMismatchFallsBackToGray(t *testing.T) {
	pre := NewPreprocessor(nil)
	base := noiseRGBA(40, 40, 4)
	rect := image.Rect(5, 6, 25, 26)
	grayTmpl := pre.Grayscale(cut(base, rect))

	result, err := NewNCCMatcher().Locate(NewImage(base), NewImage(grayTmpl), MatchModeBest, MustConfidence(0.99))
	if err != nil {
		t.Fatalf("Locate returned error: %v", err)
	}
	if result == nil || result.Box.TopLeft != rect.Min {
		t.Errorf("result = %v, want match at %v", result, rect.Min)
	}
}

func TestGrayscaleUnsupportedPassesThrough(t *testing.T) {
	pre := NewPreprocessor(nil)
	alpha := image.NewAlpha(image.Rect(0, 0, 4, 4))

	if got := pre.Grayscale(alpha); got != image.Image(alpha) {
		t.Error("alpha-only image should pass through unchanged")
	}
	if _, ok := pre.Grayscale(noiseRGBA(4, 4, 1)).(*image.Gray); !ok {
		t.Error("RGBA image should convert to *image.Gray")
	}
}

func TestScaleSkipsInvalidFactors(t *testing.T) {
	pre := NewPreprocessor(nil)
	img := noiseRGBA(10, 10, 1)

	if got := pre.Scale(img, -1); got != image.Image(img) {
		t.Error("negative factor should leave the image unchanged")
	}
	if got := pre.Scale(img, 0.01); got != image.Image(img) {
		t.Error("factor producing an empty image should leave the image unchanged")
	}
	if got := pre.Scale(img, 2).Bounds().Size(); got != (image.Point{X: 20, Y: 20}) {
		t.Errorf("scaled size = %v, want 20x20", got)
	}
}

func TestParseMatchMode(t *testing.T) {
	tests := map[string]MatchMode{
		"TOP_LEFT":     MatchModeTopLeft,
		"bottom-right": MatchModeBottomRight,
		"best":         MatchModeBest,
		"":             MatchModeBest,
		"Right_Top":    MatchModeRightTop,
	}
	for in, want := range tests {
		got, err := ParseMatchMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMatchMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMatchMode("middle"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestMatchResultWithOffset(t *testing.T) {
	r := MatchResult{Box: NewBox(10, 20, 30, 40), Confidence: MustConfidence(0.9)}
	moved := r.WithOffset(image.Point{X: 5, Y: -5})

	if moved.Box.TopLeft != (image.Point{X: 15, Y: 15}) {
		t.Errorf("top-left = %v, want (15, 15)", moved.Box.TopLeft)
	}
	if moved.Center() != (image.Point{X: 30, Y: 35}) {
		t.Errorf("center = %v, want (30, 35)", moved.Center())
	}
	if r.Box.TopLeft != (image.Point{X: 10, Y: 20}) {
		t.Error("WithOffset must not modify the receiver")
	}
}

package cv

import (
	"image"
	"math"
	"runtime"
	"sync"
)

// raster is an interleaved 8-bit pixel buffer with 1 (gray) or 3 (RGB) channels
type raster struct {
	w, h, c int
	pix     []uint8
}

func (r *raster) rowOffset(y int) int {
	return y * r.w * r.c
}

// newRaster flattens img into a raster. Gray and alpha-only images keep one
// channel, everything else is reduced to RGB.
func newRaster(img image.Image) *raster {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		r := &raster{w: w, h: h, c: 1, pix: make([]uint8, w*h)}
		for y := 0; y < h; y++ {
			start := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(r.pix[y*w:(y+1)*w], src.Pix[start:start+w])
		}
		return r

	case *image.Alpha:
		r := &raster{w: w, h: h, c: 1, pix: make([]uint8, w*h)}
		for y := 0; y < h; y++ {
			start := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(r.pix[y*w:(y+1)*w], src.Pix[start:start+w])
		}
		return r

	case *image.NRGBA:
		return rasterFromRGBAPix(src.Pix, src.Stride, src.PixOffset(b.Min.X, b.Min.Y), w, h)
	}

	rgba := ToRGBA(img)
	return rasterFromRGBAPix(rgba.Pix, rgba.Stride, 0, w, h)
}

func rasterFromRGBAPix(pix []uint8, stride, origin, w, h int) *raster {
	r := &raster{w: w, h: h, c: 3, pix: make([]uint8, w*h*3)}
	for y := 0; y < h; y++ {
		src := origin + y*stride
		dst := y * w * 3
		for x := 0; x < w; x++ {
			idx := src + x*4
			r.pix[dst] = pix[idx]
			r.pix[dst+1] = pix[idx+1]
			r.pix[dst+2] = pix[idx+2]
			dst += 3
		}
	}
	return r
}

// gray collapses an RGB raster with the same luma weights as Grayscale
func (r *raster) gray() *raster {
	if r.c == 1 {
		return r
	}
	out := &raster{w: r.w, h: r.h, c: 1, pix: make([]uint8, r.w*r.h)}
	for i := range out.pix {
		p := r.pix[i*3 : i*3+3]
		out.pix[i] = uint8((uint32(p[0])*299 + uint32(p[1])*587 + uint32(p[2])*114 + 500) / 1000)
	}
	return out
}

// integral holds per-channel summed-area tables of values and squared values
type integral struct {
	w, h, c int
	sum     [][]int64
	sq      [][]int64
}

func newIntegral(r *raster) *integral {
	stride := r.w + 1
	in := &integral{w: r.w, h: r.h, c: r.c, sum: make([][]int64, r.c), sq: make([][]int64, r.c)}

	for ch := 0; ch < r.c; ch++ {
		sum := make([]int64, stride*(r.h+1))
		sq := make([]int64, stride*(r.h+1))
		for y := 0; y < r.h; y++ {
			var rowSum, rowSq int64
			base := r.rowOffset(y)
			for x := 0; x < r.w; x++ {
				v := int64(r.pix[base+x*r.c+ch])
				rowSum += v
				rowSq += v * v
				idx := (y+1)*stride + (x + 1)
				sum[idx] = sum[idx-stride] + rowSum
				sq[idx] = sq[idx-stride] + rowSq
			}
		}
		in.sum[ch] = sum
		in.sq[ch] = sq
	}

	return in
}

// window returns the sum and squared sum of channel ch over a w×h window at (x, y)
func (in *integral) window(ch, x, y, w, h int) (int64, int64) {
	stride := in.w + 1
	a := y*stride + x
	b := y*stride + x + w
	c := (y+h)*stride + x
	d := (y+h)*stride + x + w
	s := in.sum[ch]
	q := in.sq[ch]
	return s[d] - s[b] - s[c] + s[a], q[d] - q[b] - q[c] + q[a]
}

// templateStats are the per-channel sums of a template
type templateStats struct {
	n    int64
	sum  []int64
	sq   []int64
	varN int64 // Σ_c (n·Σt² - (Σt)²)
}

func newTemplateStats(t *raster) templateStats {
	st := templateStats{n: int64(t.w * t.h), sum: make([]int64, t.c), sq: make([]int64, t.c)}
	for i, v := range t.pix {
		ch := i % t.c
		st.sum[ch] += int64(v)
		st.sq[ch] += int64(v) * int64(v)
	}
	for ch := 0; ch < t.c; ch++ {
		st.varN += st.n*st.sq[ch] - st.sum[ch]*st.sum[ch]
	}
	return st
}

// surface is a score for every placement of a template inside a base image
type surface struct {
	w, h   int
	scores []float64
}

func (s *surface) at(x, y int) float64 {
	return s.scores[y*s.w+x]
}

// max returns the first location holding the highest score in row-major order
func (s *surface) max() (image.Point, float64) {
	best := math.Inf(-1)
	var loc image.Point
	for y := 0; y < s.h; y++ {
		row := s.scores[y*s.w : (y+1)*s.w]
		for x, v := range row {
			if v > best {
				best = v
				loc = image.Point{X: x, Y: y}
			}
		}
	}
	return loc, best
}

// dot returns Σ t·i for the template laid over base at (x, y)
func dot(base, tmpl *raster, x, y int) int64 {
	var acc int64
	rowLen := tmpl.w * tmpl.c
	for ty := 0; ty < tmpl.h; ty++ {
		bRow := base.pix[base.rowOffset(y+ty)+x*base.c:]
		tRow := tmpl.pix[ty*rowLen : (ty+1)*rowLen]
		for k, tv := range tRow {
			acc += int64(tv) * int64(bRow[k])
		}
	}
	return acc
}

// forEachRow spreads rows across workers; fn must only write to its own row
func forEachRow(rows int, fn func(y int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > rows {
		workers = rows
	}
	if workers <= 1 {
		for y := 0; y < rows; y++ {
			fn(y)
		}
		return
	}

	var wg sync.WaitGroup
	band := (rows + workers - 1) / workers
	for start := 0; start < rows; start += band {
		end := start + band
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(from, to int) {
			defer wg.Done()
			for y := from; y < to; y++ {
				fn(y)
			}
		}(start, end)
	}
	wg.Wait()
}

// correlationSurface computes the mean-subtracted normalized cross-correlation
// (TM_CCOEFF_NORMED) of tmpl over base. Both must share a channel count and
// tmpl must fit inside base.
//
// A flat template scores 1 only where the window is identical to it. A flat
// window scores 0 against a textured template.
func correlationSurface(base, tmpl *raster) *surface {
	s := &surface{w: base.w - tmpl.w + 1, h: base.h - tmpl.h + 1}
	s.scores = make([]float64, s.w*s.h)

	in := newIntegral(base)
	ts := newTemplateStats(tmpl)
	flatTemplate := ts.varN == 0

	forEachRow(s.h, func(y int) {
		for x := 0; x < s.w; x++ {
			var windowVarN, sumProduct int64
			identical := true
			for ch := 0; ch < base.c; ch++ {
				wsum, wsq := in.window(ch, x, y, tmpl.w, tmpl.h)
				windowVarN += ts.n*wsq - wsum*wsum
				sumProduct += ts.sum[ch] * wsum
				if wsum != ts.sum[ch] {
					identical = false
				}
			}

			var score float64
			switch {
			case flatTemplate:
				if windowVarN == 0 && identical {
					score = 1
				}
			case windowVarN == 0:
				score = 0
			default:
				num := float64(ts.n*dot(base, tmpl, x, y) - sumProduct)
				score = num / math.Sqrt(float64(ts.varN)*float64(windowVarN))
				score = math.Max(-1, math.Min(1, score))
			}
			s.scores[y*s.w+x] = score
		}
	})

	return s
}

// squaredDiffSurface computes Σ (t - i)² (TM_SQDIFF) of tmpl over base
func squaredDiffSurface(base, tmpl *raster) *surface {
	s := &surface{w: base.w - tmpl.w + 1, h: base.h - tmpl.h + 1}
	s.scores = make([]float64, s.w*s.h)

	in := newIntegral(base)
	ts := newTemplateStats(tmpl)
	var tsq int64
	for _, v := range ts.sq {
		tsq += v
	}

	forEachRow(s.h, func(y int) {
		for x := 0; x < s.w; x++ {
			var wsq int64
			for ch := 0; ch < base.c; ch++ {
				_, q := in.window(ch, x, y, tmpl.w, tmpl.h)
				wsq += q
			}
			s.scores[y*s.w+x] = float64(tsq + wsq - 2*dot(base, tmpl, x, y))
		}
	})

	return s
}

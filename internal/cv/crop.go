package cv

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	"gopkg.in/yaml.v3"
)

// Crop errors
var (
	ErrInvalidCrop = errors.New("invalid crop value")
	ErrEmptyImage  = errors.New("cannot crop empty image")
)

// CropValue is the amount removed from one edge, either a fraction of the
// dimension (0 <= v < 1) or an absolute pixel count.
type CropValue struct {
	percent float64
	pixels  int
	isPixel bool
}

// CropPercent returns a percentage-typed crop value
func CropPercent(p float64) (CropValue, error) {
	if err := validatePercent(p, p); err != nil {
		return CropValue{}, err
	}
	return CropValue{percent: p}, nil
}

// CropPixels returns a pixel-typed crop value
func CropPixels(px int) (CropValue, error) {
	if px < 0 {
		return CropValue{}, fmt.Errorf("%w: pixel values cannot be negative: %d", ErrInvalidCrop, px)
	}
	return CropValue{pixels: px, isPixel: true}, nil
}

// NewCropValue accepts ints (pixels), floats (percentage) and strings such as
// "80%", "80 %", "80px", "80 px", "0.8" or "80".
func NewCropValue(v any) (CropValue, error) {
	switch val := v.(type) {
	case CropValue:
		return val, nil
	case string:
		return ParseCropValue(val)
	case int:
		return CropPixels(val)
	case int8:
		return CropPixels(int(val))
	case int16:
		return CropPixels(int(val))
	case int32:
		return CropPixels(int(val))
	case int64:
		return CropPixels(int(val))
	case uint8:
		return CropPixels(int(val))
	case uint16:
		return CropPixels(int(val))
	case uint32:
		return CropPixels(int(val))
	case float32:
		return CropPercent(float64(val))
	case float64:
		return CropPercent(val)
	default:
		return CropValue{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidCrop, v)
	}
}

// ParseCropValue parses the string encodings of a crop value
func ParseCropValue(s string) (CropValue, error) {
	raw := strings.TrimSpace(s)

	switch {
	case strings.HasSuffix(raw, "px"):
		num := strings.TrimSpace(strings.TrimSuffix(raw, "px"))
		if strings.Contains(num, ".") {
			return CropValue{}, fmt.Errorf("%w: pixel values cannot have decimals: %q", ErrInvalidCrop, s)
		}
		px, err := strconv.Atoi(num)
		if err != nil {
			return CropValue{}, fmt.Errorf("%w: invalid pixel format: %q", ErrInvalidCrop, s)
		}
		return CropPixels(px)

	case strings.HasSuffix(raw, "%"):
		num := strings.TrimSpace(strings.TrimSuffix(raw, "%"))
		pct, err := strconv.ParseFloat(num, 64)
		if err != nil || math.IsNaN(pct) || math.IsInf(pct, 0) {
			return CropValue{}, fmt.Errorf("%w: invalid percentage format: %q", ErrInvalidCrop, s)
		}
		if pct < 0 {
			return CropValue{}, fmt.Errorf("%w: percentage values cannot be negative: %q", ErrInvalidCrop, s)
		}
		if pct >= 100 {
			return CropValue{}, fmt.Errorf("%w: percentage values must be < 100%%: %q", ErrInvalidCrop, s)
		}
		return CropValue{percent: pct / 100.0}, nil
	}

	if !numericPattern.MatchString(raw) {
		return CropValue{}, fmt.Errorf("%w: invalid crop value format: %q", ErrInvalidCrop, s)
	}

	if strings.Contains(raw, ".") {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return CropValue{}, fmt.Errorf("%w: invalid crop value format: %q", ErrInvalidCrop, s)
		}
		if err := validatePercent(f, s); err != nil {
			return CropValue{}, err
		}
		return CropValue{percent: f}, nil
	}

	px, err := strconv.Atoi(raw)
	if err != nil {
		return CropValue{}, fmt.Errorf("%w: invalid crop value format: %q", ErrInvalidCrop, s)
	}
	return CropPixels(px)
}

func validatePercent(f float64, original any) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %v is not a finite number", ErrInvalidCrop, original)
	}
	if f < 0 {
		return fmt.Errorf("%w: percentage values cannot be negative: %v", ErrInvalidCrop, original)
	}
	if f >= 1.0 {
		return fmt.Errorf("%w: percentage values must be < 1.0: %v", ErrInvalidCrop, original)
	}
	return nil
}

// IsPixels reports whether the value is an absolute pixel count
func (c CropValue) IsPixels() bool {
	return c.isPixel
}

// IsZero reports whether the value removes nothing
func (c CropValue) IsZero() bool {
	return c.pixels == 0 && c.percent == 0
}

// Percentage returns the fraction; it fails for pixel-typed values
func (c CropValue) Percentage() (float64, error) {
	if c.isPixel {
		return 0, fmt.Errorf("cannot convert pixel value %s to percentage without image dimensions", c)
	}
	return c.percent, nil
}

// Pixels returns the pixel count; it fails for percentage-typed values
func (c CropValue) Pixels() (int, error) {
	if !c.isPixel {
		return 0, fmt.Errorf("cannot convert percentage value %s to pixels without image dimensions", c)
	}
	return c.pixels, nil
}

// Resolve converts the value to pixels for a concrete dimension
func (c CropValue) Resolve(dimension int) int {
	if c.isPixel {
		return c.pixels
	}
	return int(float64(dimension) * c.percent)
}

func (c CropValue) String() string {
	if c.isPixel {
		return fmt.Sprintf("%dpx", c.pixels)
	}
	return fmt.Sprintf("%.1f%%", c.percent*100)
}

// UnmarshalYAML accepts ints, floats and strings
func (c *CropValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: expected scalar at line %d", ErrInvalidCrop, node.Line)
	}

	var (
		parsed CropValue
		err    error
	)
	switch node.Tag {
	case "!!int":
		var n int
		if err = node.Decode(&n); err == nil {
			parsed, err = CropPixels(n)
		}
	case "!!float":
		var f float64
		if err = node.Decode(&f); err == nil {
			parsed, err = CropPercent(f)
		}
	default:
		parsed, err = ParseCropValue(node.Value)
	}
	if err != nil {
		return err
	}

	*c = parsed
	return nil
}

// CropRegions describes how much to remove from each edge of an image.
// The zero value crops nothing.
type CropRegions struct {
	Left   CropValue `yaml:"left"`
	Right  CropValue `yaml:"right"`
	Top    CropValue `yaml:"top"`
	Bottom CropValue `yaml:"bottom"`
}

// NewCropRegions builds and validates crop regions from any CropValue encoding
func NewCropRegions(left, right, top, bottom any) (CropRegions, error) {
	var (
		r   CropRegions
		err error
	)

	sides := []struct {
		name string
		in   any
		out  *CropValue
	}{
		{"left", left, &r.Left},
		{"right", right, &r.Right},
		{"top", top, &r.Top},
		{"bottom", bottom, &r.Bottom},
	}
	for _, side := range sides {
		if side.in == nil {
			continue
		}
		if *side.out, err = NewCropValue(side.in); err != nil {
			return CropRegions{}, fmt.Errorf("%s: %w", side.name, err)
		}
	}

	if err := r.Validate(); err != nil {
		return CropRegions{}, err
	}
	return r, nil
}

// Validate checks that percentage-typed opposing sides leave something behind.
// Pixel-typed sides can only be checked against a real image in Crop.
func (r CropRegions) Validate() error {
	if err := validateOpposing("left", r.Left, "right", r.Right); err != nil {
		return err
	}
	return validateOpposing("top", r.Top, "bottom", r.Bottom)
}

func validateOpposing(aName string, a CropValue, bName string, b CropValue) error {
	if a.isPixel || b.isPixel {
		return nil
	}
	if a.percent+b.percent >= 1.0 {
		return fmt.Errorf("%w: %s (%s) + %s (%s) must be < 100%%", ErrInvalidCrop, aName, a, bName, b)
	}
	return nil
}

// IsZero reports whether no edge is cropped
func (r CropRegions) IsZero() bool {
	return r.Left.IsZero() && r.Right.IsZero() && r.Top.IsZero() && r.Bottom.IsZero()
}

func (r CropRegions) String() string {
	return fmt.Sprintf("CropRegions(left=%s, right=%s, top=%s, bottom=%s)", r.Left, r.Right, r.Top, r.Bottom)
}

// CropResult is a cropped image plus the position of its top-left corner in
// the source image.
type CropResult struct {
	Image  image.Image
	Offset image.Point
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop removes the configured edges from img
func Crop(img image.Image, regions CropRegions) (CropResult, error) {
	if regions.IsZero() {
		return CropResult{Image: img}, nil
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return CropResult{}, ErrEmptyImage
	}

	left, err := resolveSide("left", regions.Left, width)
	if err != nil {
		return CropResult{}, err
	}
	right, err := resolveSide("right", regions.Right, width)
	if err != nil {
		return CropResult{}, err
	}
	top, err := resolveSide("top", regions.Top, height)
	if err != nil {
		return CropResult{}, err
	}
	bottom, err := resolveSide("bottom", regions.Bottom, height)
	if err != nil {
		return CropResult{}, err
	}

	if left+right >= width {
		return CropResult{}, fmt.Errorf("%w: left crop (%dpx) + right crop (%dpx) would crop entire image width (%dpx)",
			ErrInvalidCrop, left, right, width)
	}
	if top+bottom >= height {
		return CropResult{}, fmt.Errorf("%w: top crop (%dpx) + bottom crop (%dpx) would crop entire image height (%dpx)",
			ErrInvalidCrop, top, bottom, height)
	}

	rect := image.Rect(
		bounds.Min.X+left,
		bounds.Min.Y+top,
		bounds.Max.X-right,
		bounds.Max.Y-bottom,
	)

	return CropResult{
		Image:  subImage(img, rect),
		Offset: image.Point{X: left, Y: top},
	}, nil
}

func resolveSide(name string, v CropValue, dimension int) (int, error) {
	px := v.Resolve(dimension)
	if v.isPixel && px > dimension {
		return 0, fmt.Errorf("%w: %s crop (%dpx) exceeds image dimension (%dpx)", ErrInvalidCrop, name, px, dimension)
	}
	return px, nil
}

// subImage returns a zero-origin view of rect. Types without SubImage are copied.
func subImage(img image.Image, rect image.Rectangle) image.Image {
	var view image.Image
	if si, ok := img.(subImager); ok {
		view = si.SubImage(rect)
	} else {
		dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
		draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
		return dst
	}
	return rebase(view)
}

package cv

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	"jordanella.com/screen-vision/internal/logging"
)

// Preprocessing is applied to an image before it is matched: crop, then
// scale, then grayscale.
type Preprocessing struct {
	Crop      CropRegions
	Scale     float64 // 0 or 1 leaves the size unchanged
	Grayscale bool
}

// Image is a frame or template handed to a Matcher
type Image struct {
	Frame         image.Image
	Preprocessing *Preprocessing
	ID            string // optional template identifier copied into results
}

// NewImage wraps a frame with no preprocessing
func NewImage(frame image.Image) Image {
	return Image{Frame: frame}
}

// Preprocessor runs the crop/scale/grayscale pipeline
type Preprocessor struct {
	logger *logging.Logger
}

// NewPreprocessor creates a preprocessor logging to the given logger
func NewPreprocessor(logger *logging.Logger) *Preprocessor {
	if logger == nil {
		logger = logging.NewLogger("Preprocess")
	}
	return &Preprocessor{logger: logger}
}

// Apply returns the processed image and the offset introduced by cropping
func (p *Preprocessor) Apply(img Image) (image.Image, image.Point, error) {
	frame := img.Frame
	if img.Preprocessing == nil {
		return frame, image.Point{}, nil
	}
	pre := img.Preprocessing

	var offset image.Point
	if !pre.Crop.IsZero() {
		result, err := Crop(frame, pre.Crop)
		if err != nil {
			return nil, image.Point{}, err
		}
		frame = result.Image
		offset = result.Offset
	}

	if pre.Scale != 0 && pre.Scale != 1 {
		frame = p.Scale(frame, pre.Scale)
	}

	if pre.Grayscale {
		frame = p.Grayscale(frame)
	}

	return frame, offset, nil
}

// Scale resizes img by factor with bilinear interpolation
func (p *Preprocessor) Scale(img image.Image, factor float64) image.Image {
	if factor <= 0 {
		p.logger.WarnWithContext("Ignoring non-positive scale factor", map[string]interface{}{"scale": factor})
		return img
	}

	b := img.Bounds()
	w := uint(float64(b.Dx()) * factor)
	h := uint(float64(b.Dy()) * factor)
	if w == 0 || h == 0 {
		p.logger.WarnWithContext("Scale factor produces an empty image, skipping", map[string]interface{}{
			"scale":  factor,
			"width":  b.Dx(),
			"height": b.Dy(),
		})
		return img
	}

	return resize.Resize(w, h, img, resize.Bilinear)
}

// Grayscale converts img to *image.Gray. Images without colour channels are
// returned unchanged with a warning.
func (p *Preprocessor) Grayscale(img image.Image) image.Image {
	switch src := img.(type) {
	case *image.Gray:
		return src
	case *image.Alpha, *image.Alpha16, *image.Uniform:
		p.logger.WarnWithContext("Unsupported image type for grayscale conversion, passing through", map[string]interface{}{
			"type": fmt.Sprintf("%T", img),
		})
		return img
	case *image.RGBA:
		return rgbaToGray(src)
	}

	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// rgbaToGray uses the 299/587/114 luma weights directly on Pix
func rgbaToGray(src *image.RGBA) *image.Gray {
	b := src.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	for y := 0; y < b.Dy(); y++ {
		row := y * src.Stride
		out := y * gray.Stride
		for x := 0; x < b.Dx(); x++ {
			idx := row + x*4
			r := uint32(src.Pix[idx])
			g := uint32(src.Pix[idx+1])
			bl := uint32(src.Pix[idx+2])
			gray.Pix[out+x] = uint8((r*299 + g*587 + bl*114 + 500) / 1000)
		}
	}

	return gray
}

// ToRGBA returns img as a zero-origin *image.RGBA, copying only when needed
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// rebase shifts a sub-image view back to a zero origin
func rebase(img image.Image) image.Image {
	switch v := img.(type) {
	case *image.RGBA:
		return &image.RGBA{Pix: v.Pix, Stride: v.Stride, Rect: image.Rect(0, 0, v.Rect.Dx(), v.Rect.Dy())}
	case *image.NRGBA:
		return &image.NRGBA{Pix: v.Pix, Stride: v.Stride, Rect: image.Rect(0, 0, v.Rect.Dx(), v.Rect.Dy())}
	case *image.Gray:
		return &image.Gray{Pix: v.Pix, Stride: v.Stride, Rect: image.Rect(0, 0, v.Rect.Dx(), v.Rect.Dy())}
	}

	if img.Bounds().Min == (image.Point{}) {
		return img
	}
	return ToRGBA(img)
}

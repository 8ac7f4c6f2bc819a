package cv

import (
	"context"
	"image"
)

// Capturer produces screen frames
type Capturer interface {
	CaptureFrame(ctx context.Context) (image.Image, error)
}

// CapturerFunc adapts a function to Capturer
type CapturerFunc func(ctx context.Context) (image.Image, error)

// CaptureFrame calls f
func (f CapturerFunc) CaptureFrame(ctx context.Context) (image.Image, error) {
	return f(ctx)
}

// StaticCapturer always returns the same frame
type StaticCapturer struct {
	Frame image.Image
}

// CaptureFrame returns the stored frame
func (s StaticCapturer) CaptureFrame(ctx context.Context) (image.Image, error) {
	if s.Frame == nil {
		return nil, ErrEmptyImage
	}
	return s.Frame, nil
}

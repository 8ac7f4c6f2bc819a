package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"jordanella.com/screen-vision/internal/logging"
)

// ErrNoScreenshot is returned when screencap output holds no image
var ErrNoScreenshot = errors.New("no image in screencap output")

// Capturer serves the latest streamed frame and falls back to a discrete
// screenshot when the stream has nothing
type Capturer struct {
	stream    *Stream
	transport Transport
	logger    *logging.Logger
}

// NewCapturer combines a stream (which may be nil) with the transport's screenshot
func NewCapturer(s *Stream, transport Transport) *Capturer {
	return &Capturer{
		stream:    s,
		transport: transport,
		logger:    logging.NewLogger("Capturer"),
	}
}

// WithLogger replaces the capturer logger
func (c *Capturer) WithLogger(l *logging.Logger) *Capturer {
	if l != nil {
		c.logger = l
	}
	return c
}

// CaptureFrame returns the latest streamed frame or a fresh screenshot
func (c *Capturer) CaptureFrame(ctx context.Context) (image.Image, error) {
	if c.stream != nil {
		if frame := c.stream.GetLatestFrame(); frame != nil {
			return frame, nil
		}
	}

	if c.transport == nil {
		return nil, errors.New("no transport configured")
	}

	data, err := c.transport.Screencap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", err)
	}

	img, err := DecodeScreenshot(data)
	if err != nil {
		return nil, err
	}

	c.logger.DebugWithContext("Captured screenshot", map[string]interface{}{
		"bytes":  len(data),
		"width":  img.Bounds().Dx(),
		"height": img.Bounds().Dy(),
	})
	return img, nil
}

// DecodeScreenshot decodes screencap output. Anything before the PNG
// signature (shell warnings, for example) is skipped.
func DecodeScreenshot(data []byte) (image.Image, error) {
	if idx := bytes.Index(data, pngSignature); idx >= 0 {
		return decodeImage(data[idx:])
	}
	if idx := bytes.Index(data, jpegStart); idx >= 0 {
		return decodeImage(data[idx:])
	}
	return nil, fmt.Errorf("%w (%d bytes)", ErrNoScreenshot, len(data))
}

package stream

import (
	"bytes"
	"fmt"
	"image"

	// Decoders for screencap and ffmpeg output
	_ "image/jpeg"
	_ "image/png"
)

var (
	pngSignature = []byte("\x89PNG\r\n\x1a\n")
	pngTrailer   = []byte("IEND\xAE\x42\x60\x82")
	jpegStart    = []byte{0xFF, 0xD8, 0xFF}
	jpegEnd      = []byte{0xFF, 0xD9}
)

// longest start marker, kept across writes so a split marker is not lost
const markerTail = 8

// frameScanner splits a byte stream into complete PNG or JPEG images. The
// buffer never grows past its cap; on overflow the oldest bytes are dropped.
type frameScanner struct {
	buf     []byte
	cap     int
	dropped int64

	// set while buf starts with a frame whose trailer has not been seen
	trailer    []byte
	searchFrom int
}

func newFrameScanner(capacity int) *frameScanner {
	return &frameScanner{cap: capacity}
}

// Write appends p to the buffer
func (sc *frameScanner) Write(p []byte) (int, error) {
	sc.buf = append(sc.buf, p...)
	if sc.cap > 0 && len(sc.buf) > sc.cap {
		sc.discard(len(sc.buf) - sc.cap)
		// the frame start may be gone, scan for a new one
		sc.trailer = nil
	}
	return len(p), nil
}

// Next returns the next complete image, or false when more bytes are needed.
// Garbage before a start marker is discarded.
func (sc *frameScanner) Next() ([]byte, bool) {
	if sc.trailer == nil {
		start, trailer, startLen := sc.findStart()
		if start < 0 {
			sc.keepTail()
			return nil, false
		}
		sc.discard(start)
		sc.trailer = trailer
		sc.searchFrom = startLen
	}

	end := bytes.Index(sc.buf[sc.searchFrom:], sc.trailer)
	if end < 0 {
		// resume where a split trailer could begin
		if next := len(sc.buf) - (len(sc.trailer) - 1); next > sc.searchFrom {
			sc.searchFrom = next
		}
		return nil, false
	}
	end += sc.searchFrom + len(sc.trailer)

	frame := make([]byte, end)
	copy(frame, sc.buf[:end])
	sc.buf = append(sc.buf[:0], sc.buf[end:]...)
	sc.trailer = nil
	return frame, true
}

// findStart locates the earliest PNG or JPEG start marker and returns its
// position, the matching trailer and the marker length
func (sc *frameScanner) findStart() (int, []byte, int) {
	p := bytes.Index(sc.buf, pngSignature)
	j := bytes.Index(sc.buf, jpegStart)

	switch {
	case p < 0 && j < 0:
		return -1, nil, 0
	case j < 0 || (p >= 0 && p < j):
		return p, pngTrailer, len(pngSignature)
	default:
		return j, jpegEnd, len(jpegStart)
	}
}

// keepTail drops everything but a possible partial start marker
func (sc *frameScanner) keepTail() {
	if len(sc.buf) < markerTail {
		return
	}
	sc.discard(len(sc.buf) - (markerTail - 1))
}

func (sc *frameScanner) discard(n int) {
	if n <= 0 {
		return
	}
	sc.dropped += int64(n)
	sc.buf = append(sc.buf[:0], sc.buf[n:]...)
}

// Reset discards buffered bytes
func (sc *frameScanner) Reset() {
	sc.buf = sc.buf[:0]
	sc.trailer = nil
}

// Buffered returns the number of bytes waiting for a complete frame
func (sc *frameScanner) Buffered() int {
	return len(sc.buf)
}

// decodeImage decodes a complete PNG or JPEG image
func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %d byte frame: %w", len(data), err)
	}
	return img, nil
}

// framedSource turns a framed-image byte stream into frames
type framedSource struct {
	scanner *frameScanner
}

func newFramedSource(capacity int) *framedSource {
	return &framedSource{scanner: newFrameScanner(capacity)}
}

func (s *framedSource) Feed(p []byte) ([]image.Image, error) {
	s.scanner.Write(p)

	var frames []image.Image
	for {
		data, ok := s.scanner.Next()
		if !ok {
			return frames, nil
		}
		img, err := decodeImage(data)
		if err != nil {
			return frames, err
		}
		frames = append(frames, img)
	}
}

func (s *framedSource) Flush() ([]image.Image, error) {
	return nil, nil
}

func (s *framedSource) Reset() {
	s.scanner.Reset()
}

func (s *framedSource) Close() error {
	return nil
}

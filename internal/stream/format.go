package stream

import (
	"fmt"
	"strings"
	"time"
)

// Format is the wire format produced by the capture command
type Format int

const (
	// ElementaryStream is a raw H.264 Annex-B bitstream from screenrecord
	ElementaryStream Format = iota
	// FramedImage is a back-to-back sequence of complete PNG or JPEG images
	FramedImage
)

func (f Format) String() string {
	switch f {
	case ElementaryStream:
		return "elementary"
	case FramedImage:
		return "framed"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat reads a format name. "auto" and "" select the platform default.
func ParseFormat(s, goos, goarch string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatForPlatform(goos, goarch), nil
	case "elementary", "h264":
		return ElementaryStream, nil
	case "framed", "png", "screencap":
		return FramedImage, nil
	}
	return 0, fmt.Errorf("unknown stream format %q", s)
}

// FormatForPlatform picks the format once per host. Apple Silicon hosts use
// repeated screenshots since the H.264 path is unreliable there.
func FormatForPlatform(goos, goarch string) Format {
	if goos == "darwin" && goarch == "arm64" {
		return FramedImage
	}
	return ElementaryStream
}

// Command returns the remote shell command producing f
func (f Format) Command(timeLimit time.Duration) string {
	if f == FramedImage {
		return "while true; do screencap -p; done"
	}
	secs := int(timeLimit / time.Second)
	if secs <= 0 || secs > 180 {
		secs = 180
	}
	return fmt.Sprintf("screenrecord --output-format=h264 --time-limit=%d -", secs)
}

// accumulatorCap is the default cap of the raw byte buffer for f
func (f Format) accumulatorCap() int {
	if f == FramedImage {
		return DefaultFramedAccumulatorCap
	}
	return DefaultElementaryAccumulatorCap
}

package stream

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"sync"
	"time"

	"jordanella.com/screen-vision/internal/logging"
)

// ErrDecoderClosed is returned by a decoder used after Close
var ErrDecoderClosed = errors.New("decoder closed")

// exitGrace is how long a failed write waits for ffmpeg's exit status
const exitGrace = 500 * time.Millisecond

// PictureDecoder turns H.264 NAL units into pictures. Decode may return
// pictures for units fed earlier; decoders are used from one goroutine.
type PictureDecoder interface {
	Decode(nal []byte) ([]image.Image, error)
	Reset() error
	Close() error
}

// StreamingDecoder decodes in the background. Once a sink is set, pictures go
// to it as soon as they are decoded and Decode returns none.
type StreamingDecoder interface {
	PictureDecoder
	SetSink(sink func(image.Image))
	// Drain ends the input and waits up to timeout for the remaining pictures
	Drain(timeout time.Duration) error
}

// FFmpegDecoder decodes through a long-running ffmpeg process that reads
// Annex-B on stdin and writes MJPEG pictures on stdout
type FFmpegDecoder struct {
	path    string
	logger  *logging.Logger
	pending int // pictures buffered between the stdout reader and Decode

	mu       sync.Mutex
	sink     func(image.Image)
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	pictures chan image.Image
	exited   chan error
	closed   bool
}

// NewFFmpegDecoder creates a decoder running the ffmpeg binary at path. The
// process starts on first use.
func NewFFmpegDecoder(path string, logger *logging.Logger) *FFmpegDecoder {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = logging.NewLogger("FFmpeg")
	}
	return &FFmpegDecoder{path: path, logger: logger, pending: 8}
}

var _ StreamingDecoder = (*FFmpegDecoder)(nil)

// SetSink sends every picture to sink from the stdout reader. It applies to
// processes started after the call.
func (d *FFmpegDecoder) SetSink(sink func(image.Image)) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

// FindFFmpeg resolves the ffmpeg binary from an explicit path or PATH
func FindFFmpeg(preferred string) (string, error) {
	if preferred == "" {
		preferred = "ffmpeg"
	}
	path, err := exec.LookPath(preferred)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}
	return path, nil
}

func ffmpegArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-fflags", "nobuffer", "-flags", "low_delay",
		"-f", "h264", "-i", "pipe:0",
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3",
		"pipe:1",
	}
}

// start launches ffmpeg; callers hold mu
func (d *FFmpegDecoder) start() error {
	cmd := exec.Command(d.path, ffmpegArgs()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.pictures = make(chan image.Image, d.pending)
	d.exited = make(chan error, 1)

	go d.readPictures(stdout, cmd, &stderr, d.pictures, d.sink, d.exited)

	d.logger.DebugWithContext("Started ffmpeg", map[string]interface{}{"pid": cmd.Process.Pid})
	return nil
}

// readPictures scans ffmpeg's stdout for JPEG images until the process exits
func (d *FFmpegDecoder) readPictures(stdout io.Reader, cmd *exec.Cmd, stderr *bytes.Buffer, out chan image.Image, sink func(image.Image), exited chan error) {
	scanner := newFrameScanner(DefaultFramedAccumulatorCap)
	buf := make([]byte, 64*1024)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			scanner.Write(buf[:n])
			for {
				data, ok := scanner.Next()
				if !ok {
					break
				}
				img, derr := decodeImage(data)
				if derr != nil {
					d.logger.WarnWithContext("Dropping undecodable picture", map[string]interface{}{"error": derr.Error()})
					continue
				}
				if sink != nil {
					sink(img)
				} else {
					pushLatest(out, img)
				}
			}
		}
		if err != nil {
			break
		}
	}

	werr := cmd.Wait()
	if werr == nil {
		werr = io.EOF
	}
	if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
		werr = fmt.Errorf("%w: %s", werr, msg)
	}
	exited <- werr
}

// pushLatest inserts img into ch, evicting the oldest picture when full
func pushLatest(ch chan image.Image, img image.Image) {
	for {
		select {
		case ch <- img:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Decode writes nal to ffmpeg and returns the pictures decoded so far. With a
// sink set it returns none.
func (d *FFmpegDecoder) Decode(nal []byte) ([]image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDecoderClosed
	}
	if d.cmd == nil {
		if err := d.start(); err != nil {
			return nil, err
		}
	}

	select {
	case err := <-d.exited:
		d.stdin.Close()
		d.cmd, d.stdin = nil, nil
		return nil, fmt.Errorf("ffmpeg exited: %w", err)
	default:
	}

	if _, err := d.stdin.Write(nal); err != nil {
		// a broken pipe usually means the process is already gone
		select {
		case exitErr := <-d.exited:
			d.stdin.Close()
			d.cmd, d.stdin = nil, nil
			return nil, fmt.Errorf("ffmpeg exited: %w", exitErr)
		case <-time.After(exitGrace):
		}
		d.stopLocked()
		return nil, fmt.Errorf("failed to write to ffmpeg: %w", err)
	}

	var pictures []image.Image
	for {
		select {
		case img := <-d.pictures:
			pictures = append(pictures, img)
		default:
			return pictures, nil
		}
	}
}

// Drain closes ffmpeg's stdin so it decodes what it holds and exits. Pictures
// written before the exit reach the sink or the next Decode. A process still
// running after timeout is killed. The next Decode starts a fresh process.
func (d *FFmpegDecoder) Drain(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return nil
	}
	d.stdin.Close()

	var err error
	select {
	case err = <-d.exited:
	case <-time.After(timeout):
		d.cmd.Process.Kill()
		err = <-d.exited
		err = fmt.Errorf("ffmpeg did not finish within %v: %w", timeout, err)
	}
	d.cmd, d.stdin = nil, nil

	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Reset stops the process; the next Decode starts a fresh one
func (d *FFmpegDecoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	return nil
}

// Close stops the process for good
func (d *FFmpegDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.closed = true
	return nil
}

func (d *FFmpegDecoder) stopLocked() {
	if d.cmd == nil {
		return
	}
	d.stdin.Close()
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	// the reader goroutine reaps the process
	<-d.exited
	d.cmd = nil
	d.stdin = nil
}

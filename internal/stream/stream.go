package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jordanella.com/screen-vision/internal/events"
	"jordanella.com/screen-vision/internal/logging"
)

var (
	// ErrStreamUnavailable is returned once the stream has given up restarting
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrNoFrames marks a capture session that ended without producing a frame
	ErrNoFrames = errors.New("capture session produced no frames")
)

// Transport opens capture commands on a device
type Transport interface {
	OpenStream(ctx context.Context, command string) (io.ReadCloser, error)
	Screencap(ctx context.Context) ([]byte, error)
}

// source turns raw capture bytes into frames
type source interface {
	Feed(p []byte) ([]image.Image, error)
	Flush() ([]image.Image, error)
	Reset()
	Close() error
}

// Stats is a snapshot of stream counters
type Stats struct {
	Frames    int64
	Bytes     int64 // read from the transport
	Evicted   int64
	Sessions  int64
	Failures  int // consecutive
	SessionID string
}

// Stream keeps a continuously refreshed latest frame from a device
type Stream struct {
	transport Transport
	opts      *options
	logger    *logging.Logger
	slot      *frameSlot

	mu          sync.Mutex
	running     bool
	unavailable bool
	latest      image.Image
	cancel      context.CancelFunc
	conn        io.ReadCloser
	done        chan struct{}
	sessionID   string
	failures    int

	frames        atomic.Int64
	sessionFrames atomic.Int64 // frames of the current session
	bytes         atomic.Int64
	sessions      atomic.Int64
}

// New creates a stream reading from transport. The wire format is fixed here.
func New(transport Transport, opts ...Option) *Stream {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.newDecoder == nil {
		WithFFmpeg("")(o)
	}

	return &Stream{
		transport: transport,
		opts:      o,
		logger:    o.logger,
		slot:      newFrameSlot(o.slotCapacity),
	}
}

// Format returns the wire format chosen at construction
func (s *Stream) Format() Format {
	return s.opts.format
}

// Start begins the background capture loop. It is a no-op while running; a
// stream that became unavailable starts over with a fresh failure budget.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.transport == nil {
		return errors.New("no transport configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.running = true
	s.unavailable = false
	s.failures = 0
	s.cancel = cancel
	s.done = done

	s.logger.InfoWithContext("Starting stream", map[string]interface{}{
		"device": s.opts.device,
		"format": s.opts.format.String(),
	})

	go s.loop(ctx, done)
	return nil
}

// Stop ends the capture loop, closes the open connection and drains buffered
// frames. It waits at most the stop timeout and is safe to call repeatedly.
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel, conn, done := s.cancel, s.conn, s.done
	wasRunning := s.running
	s.running = false
	s.cancel, s.conn, s.done = nil, nil, nil
	if cancel != nil {
		cancel()
	}
	sessionID := s.sessionID
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(s.opts.stopTimeout):
			s.logger.WarnWithContext("Capture loop did not exit in time", map[string]interface{}{
				"device":  s.opts.device,
				"timeout": s.opts.stopTimeout.String(),
			})
		}
	}

	s.slot.drain()

	if wasRunning {
		s.logger.InfoWithContext("Stream stopped", map[string]interface{}{
			"device": s.opts.device,
			"frames": s.frames.Load(),
		})
		s.publish(events.NewStreamStoppedEvent(s.opts.device, sessionID, s.frames.Load()))
	}
}

// GetLatestFrame drains buffered frames and returns the newest, or the last
// frame seen when none are pending. It never blocks and returns nil once the
// stream is unavailable.
func (s *Stream) GetLatestFrame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return nil
	}
	if img, ok := s.slot.latest(); ok {
		s.latest = img
	}
	return s.latest
}

// WaitForFrame polls until a frame is available, the stream becomes
// unavailable or ctx is done
func (s *Stream) WaitForFrame(ctx context.Context, interval time.Duration) (image.Image, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if img := s.GetLatestFrame(); img != nil {
			return img, nil
		}
		if !s.Available() {
			return nil, ErrStreamUnavailable
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Available reports whether the stream has not given up
func (s *Stream) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unavailable
}

// Running reports whether the capture loop is active
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns the stream counters
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Frames:    s.frames.Load(),
		Bytes:     s.bytes.Load(),
		Evicted:   s.slot.evicted.Load(),
		Sessions:  s.sessions.Load(),
		Failures:  s.failures,
		SessionID: s.sessionID,
	}
}

func (s *Stream) newSource() source {
	capacity := s.opts.accumulatorCap
	if capacity <= 0 {
		capacity = s.opts.format.accumulatorCap()
	}
	if s.opts.format == FramedImage {
		return newFramedSource(capacity)
	}
	return newElementarySource(capacity, s.opts.newDecoder, s.deliver)
}

// loop runs capture sessions until cancelled or out of retries
func (s *Stream) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	src := s.newSource()
	defer src.Close()

	log := s.logger.WithContext(map[string]interface{}{"device": s.opts.device})
	failures := 0

	for ctx.Err() == nil {
		sessionID := uuid.NewString()
		frames, err := s.session(ctx, src, sessionID)
		if ctx.Err() != nil {
			return
		}

		if frames > 0 {
			failures = 0
		}
		if err == nil && frames > 0 {
			log.DebugWith("Capture session ended, restarting", map[string]interface{}{
				"session_id": sessionID,
				"frames":     frames,
			})
			s.setFailures(done, failures)
			continue
		}
		if err == nil {
			err = ErrNoFrames
		}

		failures++
		src.Reset()
		s.setFailures(done, failures)

		log.WarnWith("Capture session failed", map[string]interface{}{
			"session_id": sessionID,
			"failures":   failures,
			"error":      err.Error(),
		})
		s.publish(events.NewStreamFailedEvent(s.opts.device, sessionID, failures, err))
		if s.opts.reporter != nil {
			s.opts.reporter.ReportError(logging.ErrorCategoryStream, logging.ErrorSeverityMedium, "Stream",
				"Capture session failed", err, map[string]interface{}{"session_id": sessionID, "failures": failures})
		}

		if failures >= s.opts.maxFailures {
			s.markUnavailable(done, failures)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.backoff.Delay(failures - 1)):
		}
	}
}

// session runs one capture command until it ends and returns the frames it produced
func (s *Stream) session(ctx context.Context, src source, sessionID string) (int64, error) {
	rc, err := s.transport.OpenStream(ctx, s.opts.format.Command(s.opts.timeLimit))
	if err != nil {
		return 0, fmt.Errorf("failed to open capture stream: %w", err)
	}
	conn := &onceCloser{ReadCloser: rc}
	defer conn.Close()

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return 0, ctx.Err()
	}
	s.conn = conn
	s.sessionID = sessionID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	s.sessionFrames.Store(0)
	s.sessions.Add(1)
	s.publish(events.NewStreamStartedEvent(s.opts.device, sessionID, s.opts.format.String()))

	deliver := func(imgs []image.Image) {
		for _, img := range imgs {
			s.deliver(img)
		}
	}

	buf := make([]byte, s.opts.readSize)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			s.bytes.Add(int64(n))
			imgs, derr := src.Feed(buf[:n])
			deliver(imgs)
			if derr != nil {
				return s.sessionFrames.Load(), fmt.Errorf("decode failed: %w", derr)
			}
		}

		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			imgs, derr := src.Flush()
			deliver(imgs)
			if derr != nil {
				return s.sessionFrames.Load(), fmt.Errorf("decode failed: %w", derr)
			}
			return s.sessionFrames.Load(), nil
		}
		return s.sessionFrames.Load(), fmt.Errorf("read failed: %w", rerr)
	}
}

// deliver pushes a decoded frame to the slot. Streaming decoders call it from
// their own goroutine.
func (s *Stream) deliver(img image.Image) {
	s.slot.push(img)
	s.frames.Add(1)
	s.sessionFrames.Add(1)
}

func (s *Stream) setFailures(done chan struct{}, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done {
		s.failures = n
	}
}

// markUnavailable records that the loop behind done gave up
func (s *Stream) markUnavailable(done chan struct{}, failures int) {
	s.mu.Lock()
	current := s.done == done
	if current {
		s.running = false
		s.unavailable = true
		s.failures = failures
		s.cancel()
		s.cancel, s.done = nil, nil
	}
	s.mu.Unlock()

	if !current {
		return
	}

	s.slot.drain()
	s.logger.ErrorWithContext("Stream unavailable, falling back to screenshots", ErrStreamUnavailable, map[string]interface{}{
		"device":   s.opts.device,
		"failures": failures,
	})
	s.publish(events.NewStreamUnavailableEvent(s.opts.device, failures))
	if s.opts.reporter != nil {
		s.opts.reporter.ReportError(logging.ErrorCategoryStream, logging.ErrorSeverityHigh, "Stream",
			"Stream unavailable", ErrStreamUnavailable, map[string]interface{}{"failures": failures})
	}
}

func (s *Stream) publish(e events.Event) {
	if s.opts.bus != nil {
		s.opts.bus.Publish(e)
	}
}

// onceCloser lets Stop and the capture loop both close a connection
type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() {
		c.err = c.ReadCloser.Close()
	})
	return c.err
}

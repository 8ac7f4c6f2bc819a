package stream

import (
	"runtime"
	"time"

	"jordanella.com/screen-vision/internal/events"
	"jordanella.com/screen-vision/internal/logging"
)

// Stream defaults
const (
	DefaultSlotCapacity             = 2
	DefaultMaxFailures              = 5
	DefaultStopTimeout              = 5 * time.Second
	DefaultTimeLimit                = 180 * time.Second
	DefaultElementaryAccumulatorCap = 1 << 20
	DefaultFramedAccumulatorCap     = 32 << 20
	DefaultReadSize                 = 64 * 1024
)

// Option configures a Stream
type Option func(*options)

type options struct {
	format         Format
	slotCapacity   int
	maxFailures    int
	backoff        Backoff
	stopTimeout    time.Duration
	timeLimit      time.Duration
	accumulatorCap int // 0 uses the format default
	readSize       int
	device         string
	logger         *logging.Logger
	bus            events.EventBus
	reporter       *logging.ErrorReporter
	newDecoder     func() (PictureDecoder, error)
}

func defaultOptions() *options {
	return &options{
		format:       FormatForPlatform(runtime.GOOS, runtime.GOARCH),
		slotCapacity: DefaultSlotCapacity,
		maxFailures:  DefaultMaxFailures,
		backoff:      DefaultBackoff(),
		stopTimeout:  DefaultStopTimeout,
		timeLimit:    DefaultTimeLimit,
		readSize:     DefaultReadSize,
		logger:       logging.NewLogger("Stream"),
	}
}

// WithFormat overrides the platform format choice
func WithFormat(f Format) Option {
	return func(o *options) {
		o.format = f
	}
}

// WithSlotCapacity sets how many undelivered frames are kept
func WithSlotCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.slotCapacity = n
		}
	}
}

// WithMaxFailures sets how many consecutive failed sessions mark the stream unavailable
func WithMaxFailures(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFailures = n
		}
	}
}

// WithBackoff sets the restart delay policy
func WithBackoff(b Backoff) Option {
	return func(o *options) {
		o.backoff = b
	}
}

// WithStopTimeout bounds how long Stop waits for the capture loop
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

// WithTimeLimit sets the screenrecord session length
func WithTimeLimit(d time.Duration) Option {
	return func(o *options) {
		o.timeLimit = d
	}
}

// WithAccumulatorCap caps the raw byte buffer
func WithAccumulatorCap(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.accumulatorCap = n
		}
	}
}

// WithReadSize sets the transport read chunk size
func WithReadSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readSize = n
		}
	}
}

// WithDevice names the device in logs and events
func WithDevice(serial string) Option {
	return func(o *options) {
		o.device = serial
	}
}

// WithLogger sets the stream logger
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEventBus publishes lifecycle events to bus
func WithEventBus(bus events.EventBus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithErrorReporter records session failures in r
func WithErrorReporter(r *logging.ErrorReporter) Option {
	return func(o *options) {
		o.reporter = r
	}
}

// WithDecoder sets the picture decoder factory for the elementary format
func WithDecoder(newDecoder func() (PictureDecoder, error)) Option {
	return func(o *options) {
		o.newDecoder = newDecoder
	}
}

// WithFFmpeg decodes the elementary format with the ffmpeg binary at path
func WithFFmpeg(path string) Option {
	return func(o *options) {
		o.newDecoder = func() (PictureDecoder, error) {
			resolved, err := FindFFmpeg(path)
			if err != nil {
				return nil, err
			}
			return NewFFmpegDecoder(resolved, o.logger), nil
		}
	}
}

package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jordanella.com/screen-vision/internal/logging"
	"jordanella.com/screen-vision/internal/stream"
)

// Reasons passed to the unhealthy callback
const (
	ReasonStreamStalled      = "stream_stalled"
	ReasonStreamUnavailable  = "stream_unavailable"
	ReasonDeviceUnresponsive = "device_unresponsive"
)

// Device is the part of the transport the checker probes
type Device interface {
	Shell(ctx context.Context, command string) (string, error)
	DisplaySize(ctx context.Context) (int, int, error)
}

// FrameSource reports stream progress
type FrameSource interface {
	Stats() stream.Stats
	Available() bool
}

// UnhealthyCallback is called when the stream or device looks unhealthy
type UnhealthyCallback func(reason string, err error)

// HealthChecker watches a capture stream for stalls and probes the device
type HealthChecker struct {
	device Device      // Optional
	frames FrameSource // Optional
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastProgress    time.Time
	last            progress
	stallCount      int
	stallThreshold  int
	stallTimeout    time.Duration
	stallInterval   time.Duration
	checkInterval   time.Duration
	probeTimeout    time.Duration
	reportedOffline bool
	onUnhealthy     UnhealthyCallback
	mu              sync.Mutex
}

// NewHealthChecker creates a checker; either argument may be nil to skip its checks
func NewHealthChecker(device Device, frames FrameSource) *HealthChecker {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthChecker{
		device:         device,
		frames:         frames,
		logger:         logging.NewLogger("Health"),
		ctx:            ctx,
		cancel:         cancel,
		lastProgress:   time.Now(),
		stallThreshold: 3,
		stallTimeout:   30 * time.Second,
		stallInterval:  5 * time.Second,
		checkInterval:  10 * time.Second,
		probeTimeout:   5 * time.Second,
	}
}

// WithUnhealthyCallback sets the callback for unhealthy events
func (hc *HealthChecker) WithUnhealthyCallback(callback UnhealthyCallback) *HealthChecker {
	hc.onUnhealthy = callback
	return hc
}

// WithCheckInterval sets the device probe interval
func (hc *HealthChecker) WithCheckInterval(interval time.Duration) *HealthChecker {
	hc.checkInterval = interval
	return hc
}

// WithStallDetection sets how long the stream may show no progress and how
// many consecutive checks, taken every interval, must see that before
// reporting. An elementary stream sends nothing while the screen is unchanged,
// so its timeout should exceed the capture time limit: each new capture
// session counts as progress.
func (hc *HealthChecker) WithStallDetection(timeout, interval time.Duration, threshold int) *HealthChecker {
	hc.stallTimeout = timeout
	hc.stallInterval = interval
	if threshold > 0 {
		hc.stallThreshold = threshold
	}
	return hc
}

// sessionMargin is added to the capture time limit when deriving a stall timeout
const sessionMargin = 30 * time.Second

// WithSessionLimit raises the stall timeout past the capture time limit, for
// streams that stay silent while the screen is unchanged. A zero limit means
// the stream default.
func (hc *HealthChecker) WithSessionLimit(limit time.Duration) *HealthChecker {
	if limit <= 0 {
		limit = stream.DefaultTimeLimit
	}
	if floor := limit + sessionMargin; hc.stallTimeout < floor {
		hc.stallTimeout = floor
	}
	return hc
}

// WithLogger replaces the checker logger
func (hc *HealthChecker) WithLogger(l *logging.Logger) *HealthChecker {
	if l != nil {
		hc.logger = l
	}
	return hc
}

// Start begins health monitoring
func (hc *HealthChecker) Start() {
	hc.wg.Add(2)
	go hc.monitorStall()
	go hc.monitorDevice()
}

// Stop stops health monitoring
func (hc *HealthChecker) Stop() {
	hc.cancel()
	hc.wg.Wait()
}

func (hc *HealthChecker) unhealthy(reason string, err error) {
	hc.logger.WarnWithContext("Unhealthy", map[string]interface{}{
		"reason": reason,
		"error":  err.Error(),
	})
	if hc.onUnhealthy != nil {
		hc.onUnhealthy(reason, err)
	}
}

func (hc *HealthChecker) monitorStall() {
	defer hc.wg.Done()

	if hc.frames == nil {
		return
	}

	ticker := time.NewTicker(hc.stallInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hc.ctx.Done():
			return
		case <-ticker.C:
			hc.checkStalled()
		}
	}
}

// progress is what the stall check compares between ticks
type progress struct {
	frames   int64
	bytes    int64
	sessions int64
}

func progressOf(st stream.Stats) progress {
	return progress{frames: st.Frames, bytes: st.Bytes, sessions: st.Sessions}
}

// checkStalled reports a stream that stopped making progress, and a stream
// that gave up reconnecting. Frames, bytes read and new sessions all count as
// progress.
func (hc *HealthChecker) checkStalled() {
	now := progressOf(hc.frames.Stats())
	available := hc.frames.Available()

	hc.mu.Lock()
	var reason string
	var err error

	switch {
	case !available:
		if !hc.reportedOffline {
			hc.reportedOffline = true
			reason, err = ReasonStreamUnavailable, fmt.Errorf("stream stopped retrying after %d frames", now.frames)
		}
	case now != hc.last:
		hc.last = now
		hc.lastProgress = time.Now()
		hc.stallCount = 0
		hc.reportedOffline = false
	default:
		idle := time.Since(hc.lastProgress)
		if idle > hc.stallTimeout {
			hc.stallCount++
			if hc.stallCount >= hc.stallThreshold {
				reason, err = ReasonStreamStalled, fmt.Errorf("no stream progress for %v", idle.Round(time.Millisecond))
				hc.stallCount = 0
			}
		} else {
			hc.stallCount = 0
		}
	}
	hc.mu.Unlock()

	if reason != "" {
		hc.unhealthy(reason, err)
	}
}

// monitorDevice performs periodic device probes
func (hc *HealthChecker) monitorDevice() {
	defer hc.wg.Done()

	if hc.device == nil {
		return
	}

	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hc.ctx.Done():
			return
		case <-ticker.C:
			if err := hc.CheckDevice(); err != nil {
				hc.unhealthy(ReasonDeviceUnresponsive, err)
			}
		}
	}
}

// CheckDevice verifies the device answers shell commands and reports its display
func (hc *HealthChecker) CheckDevice() error {
	if hc.device == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(hc.ctx, hc.probeTimeout)
	defer cancel()

	if _, err := hc.device.Shell(ctx, "echo ok"); err != nil {
		return fmt.Errorf("shell check failed: %w", err)
	}
	// a frozen device often still answers echo but not the window manager
	if _, _, err := hc.device.DisplaySize(ctx); err != nil {
		return fmt.Errorf("display check failed: %w", err)
	}
	return nil
}

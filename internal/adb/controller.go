package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"jordanella.com/screen-vision/internal/logging"
)

// ErrDeviceNotFound is returned when no online device matches
var ErrDeviceNotFound = errors.New("device not found")

// Controller runs adb commands against one device
type Controller struct {
	path      string
	serial    string // "emulator-5554", "127.0.0.1:16384", ...
	logger    *logging.Logger
	mu        sync.Mutex
	connected bool
	streams   map[*processStream]struct{}
}

// NewController creates a controller for the device with the given serial
func NewController(adbPath, serial string) *Controller {
	return &Controller{
		path:    adbPath,
		serial:  serial,
		logger:  logging.NewLogger("ADB"),
		streams: make(map[*processStream]struct{}),
	}
}

// WithLogger replaces the controller logger
func (c *Controller) WithLogger(logger *logging.Logger) *Controller {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Serial returns the device serial
func (c *Controller) Serial() string {
	return c.serial
}

// isNetworkSerial reports whether serial names a TCP device that needs "adb connect"
func isNetworkSerial(serial string) bool {
	return strings.Contains(serial, ":")
}

// Connect runs "adb connect" for network devices. USB and emulator serials
// only need to be listed as online.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if isNetworkSerial(c.serial) {
		output, err := exec.CommandContext(ctx, c.path, "connect", c.serial).CombinedOutput()
		if err != nil {
			return fmt.Errorf("failed to connect to device %s: %w, output: %s", c.serial, err, output)
		}
		if !strings.Contains(string(output), "connected") {
			return fmt.Errorf("unexpected connect output: %s", strings.TrimSpace(string(output)))
		}
	}

	devices, err := listDevices(ctx, c.path)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.Serial == c.serial && d.Online() {
			c.connected = true
			c.logger.InfoWithContext("Device connected", map[string]interface{}{"serial": c.serial, "model": d.Model})
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrDeviceNotFound, c.serial)
}

// Disconnect closes every open stream and forgets the connection
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	streams := make([]*processStream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.connected = false
	c.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	return nil
}

// IsConnected returns whether the controller is connected
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Controller) args(rest ...string) []string {
	return append([]string{"-s", c.serial}, rest...)
}

// OpenStream runs command through "exec-out" and returns its stdout. Closing
// the reader kills the process.
func (c *Controller) OpenStream(ctx context.Context, command string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, c.path, c.args("exec-out", command)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start adb exec-out: %w", err)
	}

	s := &processStream{ReadCloser: stdout, cmd: cmd, stderr: &stderr, owner: c}

	c.mu.Lock()
	c.streams[s] = struct{}{}
	c.mu.Unlock()

	c.logger.DebugWithContext("Opened stream", map[string]interface{}{"serial": c.serial, "command": command})
	return s, nil
}

// Screencap returns the raw "screencap -p" output
func (c *Controller) Screencap(ctx context.Context) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.path, c.args("exec-out", "screencap", "-p")...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("screencap failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Shell runs a one-shot shell command and returns its output
func (c *Controller) Shell(ctx context.Context, command string) (string, error) {
	output, err := exec.CommandContext(ctx, c.path, c.args("shell", command)...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("shell command %q failed: %w, output: %s", command, err, output)
	}
	return string(output), nil
}

// DisplaySize returns the screen size reported by "wm size"
func (c *Controller) DisplaySize(ctx context.Context) (int, int, error) {
	out, err := c.Shell(ctx, "wm size")
	if err != nil {
		return 0, 0, err
	}
	return parseDisplaySize(out)
}

func (c *Controller) forget(s *processStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, s)
}

// processStream is the stdout of a running adb process
type processStream struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	owner  *Controller
	once   sync.Once
	err    error
}

// Close kills the process and reaps it
func (s *processStream) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		s.ReadCloser.Close()
		if err := s.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				s.err = err
			}
		}
		s.owner.forget(s)
	})
	return s.err
}

package stream

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(8, 6, c)); err != nil {
		t.Fatalf("png.Encode returned error: %v", err)
	}
	return buf.Bytes()
}

func sameColor(img image.Image, c color.Color) bool {
	if img == nil {
		return false
	}
	r1, g1, b1, a1 := img.At(0, 0).RGBA()
	r2, g2, b2, a2 := c.RGBA()
	return r1 == r2 && g1 == g2 && b1 == b2 && a1 == a2
}

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
)

// session describes what one OpenStream call yields
type session struct {
	data    []byte
	block   bool  // after data, block until closed instead of EOF
	openErr error // OpenStream fails
	deaf    bool  // ignores Close while blocked
}

type fakeTransport struct {
	mu        sync.Mutex
	sessions  []session
	opens     int
	commands  []string
	screencap []byte
	shots     int
}

func (f *fakeTransport) OpenStream(ctx context.Context, command string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.opens
	if i >= len(f.sessions) {
		i = len(f.sessions) - 1
	}
	f.opens++
	f.commands = append(f.commands, command)

	s := f.sessions[i]
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &fakeConn{r: bytes.NewReader(s.data), block: s.block, deaf: s.deaf, closed: make(chan struct{})}, nil
}

func (f *fakeTransport) Screencap(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shots++
	if f.screencap == nil {
		return nil, errors.New("screencap failed")
	}
	return f.screencap, nil
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

type fakeConn struct {
	r      *bytes.Reader
	block  bool
	deaf   bool
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if c.r.Len() > 0 {
		return c.r.Read(p)
	}
	if !c.block {
		return 0, io.EOF
	}
	if c.deaf {
		select {}
	}
	<-c.closed
	return 0, errors.New("use of closed connection")
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// eventually polls cond until it holds or the deadline passes
func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastBackoff() Option {
	return WithBackoff(Backoff{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond})
}

// sliceDecoder records unit types and emits one picture per slice unit
type sliceDecoder struct {
	mu     sync.Mutex
	types  []int
	resets int
	closed bool
}

func (d *sliceDecoder) Decode(nal []byte) ([]image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	typ := nalType(nal)
	d.types = append(d.types, typ)
	if typ == 1 || typ == 5 {
		return []image.Image{solid(4, 4, green)}, nil
	}
	return nil, nil
}

func (d *sliceDecoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return nil
}

func (d *sliceDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// nalStream builds an Annex-B stream with one small unit per type
func nalStream(types ...int) []byte {
	var out []byte
	for i, typ := range types {
		out = append(out, 0x00, 0x00, 0x00, 0x01, byte(0x60|typ), byte(0x80+i), 0x11)
	}
	return out
}

func (f *fakeTransport) command(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.commands) {
		return ""
	}
	return f.commands[i]
}

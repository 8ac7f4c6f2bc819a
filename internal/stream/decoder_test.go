package stream

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// spsUnit ends in a newline so the fake ffmpeg can read it with read(1)
var spsUnit = []byte{0x00, 0x00, 0x00, 0x01, 0x67, '\n'}

// fakeFFmpeg writes a shell script standing in for ffmpeg. The script sees
// $PICTURE, an 8x6 JPEG, and $STATE, a scratch directory.
func fakeFFmpeg(t *testing.T, body string) (path, state string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	state = t.TempDir()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solid(8, 6, red), nil); err != nil {
		t.Fatalf("jpeg.Encode returned error: %v", err)
	}
	picture := filepath.Join(state, "picture.jpg")
	if err := os.WriteFile(picture, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write picture: %v", err)
	}

	script := "#!/bin/sh\nPICTURE='" + picture + "'\nSTATE='" + state + "'\n" + body + "\n"
	path = filepath.Join(state, "ffmpeg")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path, state
}

func collectPictures(d *FFmpegDecoder) chan image.Image {
	got := make(chan image.Image, 8)
	d.SetSink(func(img image.Image) { got <- img })
	return got
}

func wantPicture(t *testing.T, got chan image.Image, timeout time.Duration) {
	t.Helper()
	select {
	case img := <-got:
		if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 6 {
			t.Errorf("Expected an 8x6 picture, got %v", b)
		}
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a picture")
	}
}

func TestFFmpegDecoderDeliversWithoutFollowUp(t *testing.T) {
	path, _ := fakeFFmpeg(t, `read -r line
cat "$PICTURE"
while read -r line; do :; done`)

	d := NewFFmpegDecoder(path, nil)
	defer d.Close()
	got := collectPictures(d)

	pics, err := d.Decode(spsUnit)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if len(pics) != 0 {
		t.Errorf("Decode with a sink should return no pictures, got %d", len(pics))
	}

	// no further unit is written; the picture must still arrive
	wantPicture(t, got, 3*time.Second)
}

func TestFFmpegDecoderDrainDeliversLatePictures(t *testing.T) {
	path, _ := fakeFFmpeg(t, `while read -r line; do :; done
cat "$PICTURE"`)

	d := NewFFmpegDecoder(path, nil)
	defer d.Close()
	got := collectPictures(d)

	if _, err := d.Decode(spsUnit); err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if err := d.Drain(3 * time.Second); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	select {
	case <-got:
	default:
		t.Fatal("Drain returned before the final picture was delivered")
	}

	d.mu.Lock()
	running := d.cmd != nil
	d.mu.Unlock()
	if running {
		t.Error("Drain should leave no process behind")
	}
}

func TestFFmpegDecoderRestartsAfterExit(t *testing.T) {
	path, state := fakeFFmpeg(t, `echo run >> "$STATE/runs"
exit 3`)
	runs := func() int {
		data, _ := os.ReadFile(filepath.Join(state, "runs"))
		return strings.Count(string(data), "run")
	}

	d := NewFFmpegDecoder(path, nil)
	defer d.Close()

	var err error
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, err = d.Decode(spsUnit)
		if err != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err == nil || !strings.Contains(err.Error(), "ffmpeg exited") {
		t.Fatalf("Expected an ffmpeg exited error, got %v", err)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
		t.Errorf("Expected exit status 3 in %v", err)
	}

	before := runs()
	d.Decode(spsUnit)
	eventually(t, 3*time.Second, "a restarted process", func() bool {
		return runs() > before
	})
}

func TestFFmpegDecoderResetReapsProcess(t *testing.T) {
	path, _ := fakeFFmpeg(t, `while read -r line; do :; done`)

	d := NewFFmpegDecoder(path, nil)
	defer d.Close()

	if _, err := d.Decode(spsUnit); err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	d.mu.Lock()
	first := d.cmd
	d.mu.Unlock()
	if first == nil {
		t.Fatal("Decode should start a process")
	}

	if err := d.Reset(); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if first.ProcessState == nil {
		t.Error("Reset returned before the process was reaped")
	}

	if _, err := d.Decode(spsUnit); err != nil {
		t.Fatalf("Decode after Reset returned error: %v", err)
	}
	d.mu.Lock()
	second := d.cmd
	d.mu.Unlock()
	if second == nil || second == first {
		t.Error("Decode after Reset should start a fresh process")
	}
}

func TestFFmpegDecoderClose(t *testing.T) {
	path, _ := fakeFFmpeg(t, `while read -r line; do :; done`)

	d := NewFFmpegDecoder(path, nil)
	if _, err := d.Decode(spsUnit); err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if _, err := d.Decode(spsUnit); !errors.Is(err, ErrDecoderClosed) {
		t.Errorf("Expected ErrDecoderClosed, got %v", err)
	}
}

func TestStreamElementaryDeliversStaticScreen(t *testing.T) {
	path, _ := fakeFFmpeg(t, `read -r line
cat "$PICTURE"
while read -r line; do :; done`)

	// one complete SPS, then the stream goes quiet
	data := append(append([]byte{}, spsUnit...), 0x00, 0x00, 0x00, 0x01, 0x68, '\n')
	tr := &fakeTransport{sessions: []session{{data: data, block: true}}}

	s := New(tr, WithFormat(ElementaryStream), WithFFmpeg(path), fastBackoff())
	if err := s.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer s.Stop()

	eventually(t, 3*time.Second, "a frame from the quiet stream", func() bool {
		img := s.GetLatestFrame()
		return img != nil && img.Bounds().Dx() == 8
	})
	if got := s.Stats().Frames; got != 1 {
		t.Errorf("Expected 1 frame, got %d", got)
	}
}

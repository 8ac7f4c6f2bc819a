package cv

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"jordanella.com/screen-vision/internal/logging"
)

// DebugRecorder keeps the last N captured frames as numbered PNG files
type DebugRecorder struct {
	dir      string
	keep     int
	next     int
	disabled bool
	logger   *logging.Logger
	mu       sync.Mutex
}

// NewDebugRecorder returns nil when keep is not positive
func NewDebugRecorder(dir string, keep int, logger *logging.Logger) *DebugRecorder {
	if keep <= 0 {
		return nil
	}
	if logger == nil {
		logger = logging.NewLogger("DebugRecorder")
	}
	return &DebugRecorder{dir: dir, keep: keep, logger: logger}
}

// Save writes img to <dir>/<index>.png, cycling through keep slots. The first
// write failure disables the recorder.
func (r *DebugRecorder) Save(img image.Image) {
	if r == nil || img == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disabled {
		return
	}

	index := r.next % r.keep
	path := filepath.Join(r.dir, fmt.Sprintf("%d.png", index))
	if err := writePNG(path, img); err != nil {
		r.logger.WarnWithContext("Cannot save debug screenshot, disabling", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		r.disabled = true
		return
	}

	if index == 0 {
		r.logger.DebugWithContext("Saved debug screenshot", map[string]interface{}{"path": path})
	}
	r.next = index + 1
}

func writePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

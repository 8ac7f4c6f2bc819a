package cv

import (
	"fmt"
	"image"
	"sync"

	"github.com/corona10/goimagehash"
)

// DefaultMaxHashDistance is the largest perceptual hash distance still
// treated as the same screen
const DefaultMaxHashDistance = 3

// ChangeDetector tracks the perceptual hash of the last frame it saw
type ChangeDetector struct {
	maxDistance int
	last        *goimagehash.ImageHash
	mu          sync.Mutex
}

// NewChangeDetector creates a detector; distances above maxDistance count as a change
func NewChangeDetector(maxDistance int) *ChangeDetector {
	if maxDistance < 0 {
		maxDistance = DefaultMaxHashDistance
	}
	return &ChangeDetector{maxDistance: maxDistance}
}

// Observe hashes img and reports whether it differs from the previous frame.
// The first frame is never a change.
func (d *ChangeDetector) Observe(img image.Image) (bool, int, error) {
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return false, 0, fmt.Errorf("failed to hash frame: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.last == nil {
		d.last = hash
		return false, 0, nil
	}

	dist, err := d.last.Distance(hash)
	if err != nil {
		d.last = hash
		return false, 0, fmt.Errorf("failed to compare hashes: %w", err)
	}
	d.last = hash

	return dist > d.maxDistance, dist, nil
}

// Reset forgets the previous frame
func (d *ChangeDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = nil
}

package templates

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "golang.org/x/image/bmp"

	"jordanella.com/screen-vision/internal/cv"
	"jordanella.com/screen-vision/internal/logging"
)

// DefaultExtension is appended to template paths that have none
const DefaultExtension = ".png"

// cacheKey identifies one decoded variant of a template image
type cacheKey struct {
	path      string
	scale     float64
	grayscale bool
}

// ImageCache decodes template images from disk and memoizes them per
// (path, scale, grayscale). It implements cv.TemplateLoader.
type ImageCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]image.Image         // unbounded mode
	lru     *lru.Cache[cacheKey, image.Image] // bounded mode

	// bumped by Invalidate and Purge; a load that saw an older value
	// does not cache its result
	generations map[string]uint64
	epoch       uint64

	pre    *cv.Preprocessor
	logger *logging.Logger

	hits          atomic.Int64
	misses        atomic.Int64
	loads         atomic.Int64
	evictions     atomic.Int64
	invalidations atomic.Int64
}

// CacheStats tracks cache performance
type CacheStats struct {
	Hits          int64 // Served from memory
	Misses        int64 // Had to go to disk
	Loads         int64 // Successful decodes
	Evictions     int64 // Dropped to respect MaxEntries
	Invalidations int64 // Dropped by Invalidate or Purge
	Entries       int   // Currently cached variants
}

var _ cv.TemplateLoader = (*ImageCache)(nil)

// NewImageCache creates a cache holding at most maxEntries decoded images.
// maxEntries 0 keeps every image for the lifetime of the cache.
func NewImageCache(maxEntries int) (*ImageCache, error) {
	logger := logging.NewLogger("TemplateCache")
	ic := &ImageCache{
		generations: make(map[string]uint64),
		pre:         cv.NewPreprocessor(logger),
		logger:      logger,
	}

	switch {
	case maxEntries < 0:
		return nil, fmt.Errorf("template cache size must not be negative, got %d", maxEntries)
	case maxEntries == 0:
		ic.entries = make(map[cacheKey]image.Image)
	default:
		cache, err := lru.New[cacheKey, image.Image](maxEntries)
		if err != nil {
			return nil, fmt.Errorf("failed to create template cache: %w", err)
		}
		ic.lru = cache
	}

	return ic, nil
}

// WithLogger replaces the cache logger
func (ic *ImageCache) WithLogger(l *logging.Logger) *ImageCache {
	if l != nil {
		ic.logger = l
		ic.pre = cv.NewPreprocessor(l)
	}
	return ic
}

// NormalizePath appends DefaultExtension when path has no extension
func NormalizePath(path string) string {
	if filepath.Ext(path) == "" {
		return path + DefaultExtension
	}
	return path
}

// Load returns the decoded template at path, resized by scale (0 and 1 keep
// the original size) and optionally converted to grayscale
func (ic *ImageCache) Load(path string, scale float64, grayscale bool) (image.Image, error) {
	if scale == 0 {
		scale = 1
	}
	if scale < 0 {
		return nil, fmt.Errorf("invalid scale %g for template %s", scale, path)
	}
	key := cacheKey{path: NormalizePath(path), scale: scale, grayscale: grayscale}

	if img, ok := ic.get(key); ok {
		ic.hits.Add(1)
		return img, nil
	}
	ic.misses.Add(1)

	gen := ic.generation(key.path)
	img, err := ic.decode(key)
	if err != nil {
		return nil, err
	}
	ic.loads.Add(1)
	return ic.store(key, img, gen), nil
}

// loadGeneration identifies the invalidation state a load started from
type loadGeneration struct {
	epoch, path uint64
}

func (ic *ImageCache) generation(path string) loadGeneration {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return loadGeneration{epoch: ic.epoch, path: ic.generations[path]}
}

// store caches img unless path was invalidated since gen was taken, and
// returns the image callers should use
func (ic *ImageCache) store(key cacheKey, img image.Image, gen loadGeneration) image.Image {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	if gen != (loadGeneration{epoch: ic.epoch, path: ic.generations[key.path]}) {
		return img
	}
	// a concurrent load may have won; keep the first so callers share one image
	if existing, ok := ic.peekLocked(key); ok {
		return existing
	}
	if ic.lru != nil {
		if evicted := ic.lru.Add(key, img); evicted {
			ic.evictions.Add(1)
		}
	} else {
		ic.entries[key] = img
	}

	ic.logger.DebugWithContext("Template loaded", map[string]interface{}{
		"path":      key.path,
		"scale":     key.scale,
		"grayscale": key.grayscale,
	})
	return img
}

func (ic *ImageCache) get(key cacheKey) (image.Image, bool) {
	if ic.lru != nil {
		// the lru has its own lock
		return ic.lru.Get(key)
	}
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	img, ok := ic.entries[key]
	return img, ok
}

func (ic *ImageCache) peekLocked(key cacheKey) (image.Image, bool) {
	if ic.lru != nil {
		return ic.lru.Peek(key)
	}
	img, ok := ic.entries[key]
	return img, ok
}

func (ic *ImageCache) decode(key cacheKey) (image.Image, error) {
	file, err := os.Open(key.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("template image not found: %s", key.path)
		}
		return nil, fmt.Errorf("failed to open template: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode template %s: %w", key.path, err)
	}

	if key.scale != 1 {
		img = ic.pre.Scale(img, key.scale)
	}
	if key.grayscale {
		return ic.pre.Grayscale(img), nil
	}
	return cv.ToRGBA(img), nil
}

// Invalidate drops every cached variant of path
func (ic *ImageCache) Invalidate(path string) int {
	path = NormalizePath(path)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.generations[path]++

	dropped := 0
	if ic.lru != nil {
		for _, key := range ic.lru.Keys() {
			if key.path == path && ic.lru.Remove(key) {
				dropped++
			}
		}
	} else {
		for key := range ic.entries {
			if key.path == path {
				delete(ic.entries, key)
				dropped++
			}
		}
	}

	ic.invalidations.Add(int64(dropped))
	return dropped
}

// Purge drops every cached image
func (ic *ImageCache) Purge() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.epoch++

	var dropped int
	if ic.lru != nil {
		dropped = ic.lru.Len()
		ic.lru.Purge()
	} else {
		dropped = len(ic.entries)
		ic.entries = make(map[cacheKey]image.Image)
	}
	ic.invalidations.Add(int64(dropped))
}

// Len returns the number of cached variants
func (ic *ImageCache) Len() int {
	if ic.lru != nil {
		return ic.lru.Len()
	}
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return len(ic.entries)
}

// Stats returns cache statistics
func (ic *ImageCache) Stats() CacheStats {
	return CacheStats{
		Hits:          ic.hits.Load(),
		Misses:        ic.misses.Load(),
		Loads:         ic.loads.Load(),
		Evictions:     ic.evictions.Load(),
		Invalidations: ic.invalidations.Load(),
		Entries:       ic.Len(),
	}
}

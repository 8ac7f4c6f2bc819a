package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"jordanella.com/screen-vision/internal/cv"
	"jordanella.com/screen-vision/internal/logging"
)

// ErrTemplateNotFound is returned for names missing from a registry
var ErrTemplateNotFound = errors.New("template not found")

// DefaultConfidence applies to registry templates that set no confidence
var DefaultConfidence = cv.MustConfidence(0.8)

// TemplateRegistry manages a dynamic collection of templates loaded from YAML files
type TemplateRegistry struct {
	mu         sync.RWMutex
	templates  map[string]cv.Template
	basePath   string      // Base path for template image files
	imageCache *ImageCache // Optional: preloading and invalidation
	logger     *logging.Logger
}

// TemplateDefinition represents a template in the YAML file
type TemplateDefinition struct {
	Name       string              `yaml:"name"`
	Path       string              `yaml:"path"`
	Confidence *cv.ConfidenceValue `yaml:"confidence,omitempty"`
	Threshold  float64             `yaml:"threshold,omitempty"` // older files; confidence wins
	Mode       string              `yaml:"mode,omitempty"`
	Crop       cv.CropRegions      `yaml:"crop,omitempty"`
	Scale      float64             `yaml:"scale,omitempty"`
	Grayscale  bool                `yaml:"grayscale,omitempty"`
	Preload    bool                `yaml:"preload,omitempty"` // Load image at startup
}

// TemplateFile represents the structure of a template YAML file
type TemplateFile struct {
	Templates []TemplateDefinition `yaml:"templates"`
}

// NewTemplateRegistry creates a new template registry
// basePath is the root directory where template image files are stored
func NewTemplateRegistry(basePath string, cache *ImageCache) *TemplateRegistry {
	return &TemplateRegistry{
		templates:  make(map[string]cv.Template),
		basePath:   basePath,
		imageCache: cache,
		logger:     logging.NewLogger("Templates"),
	}
}

// WithLogger replaces the registry logger
func (tr *TemplateRegistry) WithLogger(l *logging.Logger) *TemplateRegistry {
	if l != nil {
		tr.logger = l
	}
	return tr
}

// toTemplate validates def and resolves its path against the base path
func (tr *TemplateRegistry) toTemplate(def TemplateDefinition) (cv.Template, error) {
	if def.Name == "" {
		return cv.Template{}, fmt.Errorf("name cannot be empty")
	}
	if def.Path == "" {
		return cv.Template{}, fmt.Errorf("%s: path cannot be empty", def.Name)
	}

	mode, err := cv.ParseMatchMode(def.Mode)
	if err != nil {
		return cv.Template{}, fmt.Errorf("%s: %w", def.Name, err)
	}
	if err := def.Crop.Validate(); err != nil {
		return cv.Template{}, fmt.Errorf("%s: crop: %w", def.Name, err)
	}
	if def.Scale < 0 {
		return cv.Template{}, fmt.Errorf("%s: scale must not be negative, got %g", def.Name, def.Scale)
	}

	confidence := DefaultConfidence
	switch {
	case def.Confidence != nil:
		confidence = *def.Confidence
	case def.Threshold != 0:
		if confidence, err = cv.NewConfidence(def.Threshold); err != nil {
			return cv.Template{}, fmt.Errorf("%s: threshold: %w", def.Name, err)
		}
	}

	path := def.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(tr.basePath, path)
	}

	return cv.Template{
		Name:      def.Name,
		Path:      NormalizePath(path),
		Mode:      mode,
		Crop:      def.Crop,
		Scale:     def.Scale,
		Grayscale: def.Grayscale,
	}.WithConfidence(confidence), nil
}

// LoadFromFile loads templates from a YAML file. Nothing is registered when any
// definition in the file is invalid.
func (tr *TemplateRegistry) LoadFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read template file %s: %w", filePath, err)
	}

	var templateFile TemplateFile
	if err := yaml.Unmarshal(data, &templateFile); err != nil {
		return fmt.Errorf("failed to unmarshal template YAML: %w", err)
	}

	loaded := make([]cv.Template, 0, len(templateFile.Templates))
	for i, def := range templateFile.Templates {
		template, err := tr.toTemplate(def)
		if err != nil {
			return fmt.Errorf("template %d: %w", i+1, err)
		}
		loaded = append(loaded, template)
	}

	tr.mu.Lock()
	for _, template := range loaded {
		if _, exists := tr.templates[template.Name]; exists {
			tr.logger.DebugWithContext("Template redefined", map[string]interface{}{
				"name": template.Name,
				"file": filePath,
			})
		}
		tr.templates[template.Name] = template
	}
	tr.mu.Unlock()

	// preload failures are not fatal; the image is loaded again on first use
	for i, def := range templateFile.Templates {
		if !def.Preload || tr.imageCache == nil {
			continue
		}
		t := loaded[i]
		if _, err := tr.imageCache.Load(t.Path, t.Scale, t.Grayscale); err != nil {
			tr.logger.WarnWithContext("Failed to preload template", map[string]interface{}{
				"name":  t.Name,
				"error": err.Error(),
			})
		}
	}

	tr.logger.DebugWithContext("Template file loaded", map[string]interface{}{
		"file":      filePath,
		"templates": len(loaded),
	})
	return nil
}

// LoadFromDirectory loads all YAML files from a directory
func (tr *TemplateRegistry) LoadFromDirectory(dirPath string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("failed to read template directory %s: %w", dirPath, err)
	}

	var loadErrors []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		// Only process .yaml and .yml files
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		fullPath := filepath.Join(dirPath, entry.Name())
		if err := tr.LoadFromFile(fullPath); err != nil {
			loadErrors = append(loadErrors, fmt.Errorf("file %s: %w", entry.Name(), err))
		}
	}

	if len(loadErrors) > 0 {
		return fmt.Errorf("failed to load %d template files: %w", len(loadErrors), errors.Join(loadErrors...))
	}

	return nil
}

// Load reads definitions from a YAML file or a directory of them
func (tr *TemplateRegistry) Load(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat template definitions: %w", err)
	}
	if info.IsDir() {
		return tr.LoadFromDirectory(path)
	}
	return tr.LoadFromFile(path)
}

// Get retrieves a template by name
// Returns the template and true if found, or an empty template and false if not found
func (tr *TemplateRegistry) Get(name string) (cv.Template, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	template, ok := tr.templates[name]
	return template, ok
}

// Lookup is Get returning ErrTemplateNotFound for unknown names
func (tr *TemplateRegistry) Lookup(name string) (cv.Template, error) {
	template, ok := tr.Get(name)
	if !ok {
		return cv.Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return template, nil
}

// MustGet retrieves a template by name and panics if not found
// Use this only during initialization or when the template is guaranteed to exist
func (tr *TemplateRegistry) MustGet(name string) cv.Template {
	template, err := tr.Lookup(name)
	if err != nil {
		panic(err.Error())
	}
	return template
}

// GetOrDefault retrieves a template by name, or treats name as an image path
// under the base directory
func (tr *TemplateRegistry) GetOrDefault(name string) cv.Template {
	if template, ok := tr.Get(name); ok {
		return template
	}
	return cv.Template{
		Name: name,
		Path: NormalizePath(filepath.Join(tr.basePath, name)),
	}.WithConfidence(DefaultConfidence)
}

// Register adds a template to the registry programmatically
func (tr *TemplateRegistry) Register(template cv.Template) error {
	if template.Name == "" {
		return fmt.Errorf("template name cannot be empty")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.templates[template.Name] = template
	return nil
}

// Has checks if a template exists in the registry
func (tr *TemplateRegistry) Has(name string) bool {
	_, ok := tr.Get(name)
	return ok
}

// List returns all template names in the registry, sorted
func (tr *TemplateRegistry) List() []string {
	tr.mu.RLock()
	names := make([]string, 0, len(tr.templates))
	for name := range tr.templates {
		names = append(names, name)
	}
	tr.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Count returns the number of templates in the registry
func (tr *TemplateRegistry) Count() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	return len(tr.templates)
}

// Remove removes a template and drops its cached images
func (tr *TemplateRegistry) Remove(name string) bool {
	tr.mu.Lock()
	template, ok := tr.templates[name]
	if ok {
		delete(tr.templates, name)
	}
	tr.mu.Unlock()

	if ok && tr.imageCache != nil {
		tr.imageCache.Invalidate(template.Path)
	}
	return ok
}

// ImageCache returns the image cache (if enabled)
func (tr *TemplateRegistry) ImageCache() *ImageCache {
	return tr.imageCache
}

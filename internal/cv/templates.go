package cv

// Template describes a reference image and how to search for it
type Template struct {
	Name       string
	Path       string
	Confidence *ConfidenceValue // nil uses the service default
	Mode       MatchMode
	Crop       CropRegions // applied to the captured frame
	Scale      float64     // applied to the template image on load
	Grayscale  bool
}

// Builder methods

// WithConfidence sets the matching threshold
func (t Template) WithConfidence(c ConfidenceValue) Template {
	t.Confidence = &c
	return t
}

// WithMode sets the tie-break mode
func (t Template) WithMode(m MatchMode) Template {
	t.Mode = m
	return t
}

// WithCrop limits the search to a cropped part of the frame
func (t Template) WithCrop(r CropRegions) Template {
	t.Crop = r
	return t
}

// WithScale sets the scale factor
func (t Template) WithScale(scale float64) Template {
	t.Scale = scale
	return t
}

// InGrayscale compares frame and template in grayscale
func (t Template) InGrayscale() Template {
	t.Grayscale = true
	return t
}

// id identifies the template in results
func (t Template) id() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Path
}

package cv

import "fmt"

// Backend names accepted by NewMatcher
const (
	BackendNCC  = "ncc"
	BackendGoCV = "gocv"
)

// NewMatcher returns the matcher for a backend name. An empty name selects the
// pure Go backend.
func NewMatcher(backend string, opts ...MatcherOption) (Matcher, error) {
	switch backend {
	case "", BackendNCC:
		return NewNCCMatcher(opts...), nil
	case BackendGoCV:
		return newGoCVMatcher(opts...)
	}
	return nil, fmt.Errorf("unknown matcher backend %q", backend)
}

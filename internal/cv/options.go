package cv

import "jordanella.com/screen-vision/internal/logging"

// MatcherOption configures a matcher
type MatcherOption func(*matcherOptions)

type matcherOptions struct {
	logger      *logging.Logger
	worstCutoff float64
}

func defaultMatcherOptions() *matcherOptions {
	return &matcherOptions{
		logger:      logging.NewLogger("Matcher"),
		worstCutoff: DefaultWorstMatchCutoff,
	}
}

// WithMatcherLogger sets the logger used for warnings and debug output
func WithMatcherLogger(l *logging.Logger) MatcherOption {
	return func(opts *matcherOptions) {
		if l != nil {
			opts.logger = l
		}
	}
}

// WithWorstMatchCutoff sets the minimum squared difference LocateWorst reports
func WithWorstMatchCutoff(cutoff float64) MatcherOption {
	return func(opts *matcherOptions) {
		opts.worstCutoff = cutoff
	}
}

//go:build !gocv
// +build !gocv

package cv

import "errors"

func newGoCVMatcher(opts ...MatcherOption) (Matcher, error) {
	_ = opts
	return nil, errors.New("gocv build tag is not enabled")
}

package cv

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfidence is wrapped by every confidence construction error
var ErrInvalidConfidence = errors.New("invalid confidence value")

// confidenceTolerance is used for equality between normalized values
const confidenceTolerance = 1e-9

var numericPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// ConfidenceValue is a match score normalized into [0, 1].
// The zero value is a valid confidence of 0.
type ConfidenceValue struct {
	value float64
}

// NewConfidence builds a ConfidenceValue from any supported encoding:
//   - strings: "80%", "80 %", "0.8", "80"
//   - integers: 0-100, read as a percentage
//   - floats: 0.0-1.0
//   - bools: true is 1.0, false is 0.0
func NewConfidence(v any) (ConfidenceValue, error) {
	var (
		f   float64
		err error
	)

	switch val := v.(type) {
	case ConfidenceValue:
		return val, nil
	case string:
		f, err = parseConfidenceString(val)
	case bool:
		if val {
			f = 1.0
		}
	case int:
		f, err = confidenceFromInt(int64(val))
	case int8:
		f, err = confidenceFromInt(int64(val))
	case int16:
		f, err = confidenceFromInt(int64(val))
	case int32:
		f, err = confidenceFromInt(int64(val))
	case int64:
		f, err = confidenceFromInt(val)
	case uint:
		f, err = confidenceFromInt(int64(val))
	case uint8:
		f, err = confidenceFromInt(int64(val))
	case uint16:
		f, err = confidenceFromInt(int64(val))
	case uint32:
		f, err = confidenceFromInt(int64(val))
	case float32:
		f, err = confidenceFromFloat(float64(val))
	case float64:
		f, err = confidenceFromFloat(val)
	default:
		return ConfidenceValue{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidConfidence, v)
	}

	if err != nil {
		return ConfidenceValue{}, err
	}
	return ConfidenceValue{value: f}, nil
}

// MustConfidence is NewConfidence for package-level defaults; it panics on error
func MustConfidence(v any) ConfidenceValue {
	c, err := NewConfidence(v)
	if err != nil {
		panic(err)
	}
	return c
}

func parseConfidenceString(s string) (float64, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidConfidence)
	}

	if strings.HasSuffix(raw, "%") {
		num := strings.TrimSpace(strings.TrimSuffix(raw, "%"))
		pct, err := strconv.ParseFloat(num, 64)
		if err != nil || !numericPattern.MatchString(num) {
			return 0, fmt.Errorf("%w: malformed percentage %q", ErrInvalidConfidence, s)
		}
		if pct < 0 || pct > 100 {
			return 0, fmt.Errorf("%w: percentage %q must be between 0%% and 100%%", ErrInvalidConfidence, s)
		}
		return pct / 100.0, nil
	}

	if !numericPattern.MatchString(raw) {
		return 0, fmt.Errorf("%w: malformed string %q", ErrInvalidConfidence, s)
	}

	if strings.Contains(raw, ".") {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: malformed float %q", ErrInvalidConfidence, s)
		}
		return confidenceFromFloat(f)
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed integer %q", ErrInvalidConfidence, s)
	}
	return confidenceFromInt(n)
}

func confidenceFromInt(n int64) (float64, error) {
	if n < 0 || n > 100 {
		return 0, fmt.Errorf("%w: %d must be between 0 and 100", ErrInvalidConfidence, n)
	}
	return float64(n) / 100.0, nil
}

func confidenceFromFloat(f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v is not a finite number", ErrInvalidConfidence, f)
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("%w: %v must be between 0.0 and 1.0", ErrInvalidConfidence, f)
	}
	return f, nil
}

// Value returns the normalized score
func (c ConfidenceValue) Value() float64 {
	return c.value
}

// Percentage returns the score scaled to 0-100
func (c ConfidenceValue) Percentage() float64 {
	return c.value * 100.0
}

// Equal compares normalized values within a small tolerance
func (c ConfidenceValue) Equal(other ConfidenceValue) bool {
	return math.Abs(c.value-other.value) < confidenceTolerance
}

// Compare returns -1, 0 or 1
func (c ConfidenceValue) Compare(other ConfidenceValue) int {
	switch {
	case c.Equal(other):
		return 0
	case c.value < other.value:
		return -1
	default:
		return 1
	}
}

// Less reports whether c is strictly below other
func (c ConfidenceValue) Less(other ConfidenceValue) bool {
	return c.Compare(other) < 0
}

// Passes reports whether a raw correlation score meets this threshold
func (c ConfidenceValue) Passes(score float64) bool {
	return score+scoreTolerance >= c.value
}

func (c ConfidenceValue) String() string {
	return fmt.Sprintf("%.1f%%", c.Percentage())
}

// UnmarshalYAML accepts any scalar encoding NewConfidence understands
func (c *ConfidenceValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: expected scalar at line %d", ErrInvalidConfidence, node.Line)
	}

	var parsed ConfidenceValue
	var err error
	switch node.Tag {
	case "!!int":
		var n int64
		if err = node.Decode(&n); err == nil {
			parsed, err = NewConfidence(n)
		}
	case "!!float":
		var f float64
		if err = node.Decode(&f); err == nil {
			parsed, err = NewConfidence(f)
		}
	case "!!bool":
		var b bool
		if err = node.Decode(&b); err == nil {
			parsed, err = NewConfidence(b)
		}
	default:
		parsed, err = NewConfidence(node.Value)
	}
	if err != nil {
		return err
	}

	*c = parsed
	return nil
}

// MarshalYAML writes the normalized float
func (c ConfidenceValue) MarshalYAML() (interface{}, error) {
	return c.value, nil
}

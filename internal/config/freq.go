package config

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/spf13/cast"
)

var freqPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?\s*(Hz|kHz|MHz|GHz)?$`)

// NormalizeFrequency converts a reference frequency into the quantity string
// the imager accepts. Strings may carry a unit; bare numbers are Hz. A nil
// value yields "", which leaves the choice to the imager.
func NormalizeFrequency(v interface{}) (string, error) {
	switch vv := v.(type) {
	case nil:
		return "", nil
	case bool:
		return "", fmt.Errorf("%w: frequency cannot be a boolean", ErrConfiguration)
	case string:
		s := strings.TrimSpace(vv)
		if s == "" || freqPattern.MatchString(s) {
			return s, nil
		}
		return "", fmt.Errorf("%w: invalid frequency %q", ErrConfiguration, vv)
	}

	hz, err := cast.ToFloat64E(v)
	if err != nil {
		return "", fmt.Errorf("%w: invalid frequency %v: %v", ErrConfiguration, v, err)
	}
	if hz <= 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return "", fmt.Errorf("%w: frequency must be positive, got %v", ErrConfiguration, v)
	}
	return cast.ToString(hz) + "Hz", nil
}

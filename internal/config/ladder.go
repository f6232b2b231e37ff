package config

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/spf13/cast"
)

// solintPattern matches the explicit interval forms the gain solver accepts.
var solintPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?(ms|s|min|h)?$`)

// NormalizeSolint converts one ladder entry into the solver's interval string.
// Strings pass through after validation; bare numbers are seconds.
func NormalizeSolint(v interface{}) (string, error) {
	switch vv := v.(type) {
	case nil:
		return "", fmt.Errorf("%w: empty solution interval", ErrConfiguration)
	case bool:
		return "", fmt.Errorf("%w: solution interval cannot be a boolean", ErrConfiguration)
	case string:
		s := strings.TrimSpace(vv)
		if s == "inf" || s == "int" || solintPattern.MatchString(s) {
			return s, nil
		}
		return "", fmt.Errorf("%w: invalid solution interval %q", ErrConfiguration, vv)
	}

	secs, err := cast.ToFloat64E(v)
	if err != nil {
		return "", fmt.Errorf("%w: invalid solution interval %v: %v", ErrConfiguration, v, err)
	}
	if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return "", fmt.Errorf("%w: solution interval must be positive, got %v", ErrConfiguration, v)
	}
	if secs == math.Trunc(secs) {
		return fmt.Sprintf("%ds", int64(secs)), nil
	}
	return fmt.Sprintf("%ss", cast.ToString(secs)), nil
}

// NormalizeLadder normalises every entry of a solution-interval ladder. An
// empty ladder is a configuration error, never a zero-iteration run.
func NormalizeLadder(raw []interface{}) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: solution-interval ladder is empty", ErrConfiguration)
	}
	out := make([]string, 0, len(raw))
	for i, v := range raw {
		s, err := NormalizeSolint(v)
		if err != nil {
			return nil, fmt.Errorf("solint[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

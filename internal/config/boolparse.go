package config

import (
	"fmt"
	"strings"
)

// ParseBool accepts only the defined true/false tokens. Anything else,
// including expressions, is rejected with ErrConfiguration.
func ParseBool(token string) (bool, error) {
	switch strings.TrimSpace(token) {
	case "true", "True", "TRUE", "1", "yes":
		return true, nil
	case "false", "False", "FALSE", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean (use true or false)", ErrConfiguration, token)
}

package config

import "errors"

// ErrConfiguration marks every configuration fault: an empty solution-interval
// ladder, a missing dataset path, an unknown mode, or an invalid parameter
// combination. Callers test for it with errors.Is.
var ErrConfiguration = errors.New("configuration error")

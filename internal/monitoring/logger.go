// Package monitoring holds the package-level diagnostic logger shared by the
// self-calibration pipeline.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Debug adapts Logf to components that log through a Debugf method, such as
// the command executor. The prefix is prepended to every line.
type Debug struct {
	Prefix string
}

// Debugf logs through the current Logf.
func (d Debug) Debugf(format string, args ...interface{}) {
	if d.Prefix != "" {
		format = d.Prefix + " " + format
	}
	Logf(format, args...)
}

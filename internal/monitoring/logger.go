package monitoring

import (
	"io"
	"log"
	"os"
)

// Logf is the shared diagnostic logger. It defaults to log.Printf; tests
// mute it with SetLogger(nil).
var Logf func(format string, v ...interface{}) = log.Printf

// Debugf logs only when verbose output is enabled.
var Debugf func(format string, v ...interface{}) = func(string, ...interface{}) {}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetVerbose routes Debugf to Logf.
func SetVerbose(on bool) {
	if on {
		Debugf = func(format string, v ...interface{}) { Logf(format, v...) }
		return
	}
	Debugf = func(string, ...interface{}) {}
}

// OpenLogFile sends the standard logger to path. An empty path keeps
// stderr. The returned closer must be closed on exit.
func OpenLogFile(path string) (io.Closer, error) {
	if path == "" {
		return io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(f)
	return f, nil
}

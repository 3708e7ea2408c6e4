// Package monitoring holds the progress logger of a preprocessing run. The
// pipeline reports each step through Logf, the visflag command mutes it with
// -quiet and tests mute it in TestMain.
package monitoring

import (
	"log"
	"os"
)

// Logf reports pipeline progress. By default it writes to stderr with a
// "visflag: " prefix, leaving stdout to the command's summary.
var Logf func(format string, v ...interface{}) = log.New(os.Stderr, "visflag: ", log.LstdFlags).Printf

// SetLogger routes progress messages to f, or discards them when f is nil.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

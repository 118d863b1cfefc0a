package sniproxy

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the package-wide diagnostic logger. Applications embedding this
// package can replace it, or adjust its level/output, before starting a
// Reactor. It defaults to logging to stderr at Info level, same as the
// teacher library's package-global Log.
var Log = logrus.New()

func init() {
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.InfoLevel)
}

// AccessLogger writes one line per closed Connection in the stable access
// log format described by the access log spec. The standard log.Logger
// satisfies this interface, as does Silent for discarding output.
type AccessLogger interface {
	Println(v ...interface{})
	Printf(format string, v ...interface{})
}

// Silent is an AccessLogger that discards everything written to it. It is
// the default for Listeners with no AccessLogPath configured.
type Silent struct{}

// Println is a NOP, needed to implement the AccessLogger interface.
func (Silent) Println(...interface{}) {}

// Printf is a NOP, needed to implement the AccessLogger interface.
func (Silent) Printf(string, ...interface{}) {}

package bptreekv

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
)

// Logging levels, least to most verbose.
const (
	logInfo = iota
	logDebug
)

// logger is a tiny wrapper over the standard library's log.Logger,
// shaped after daicang-mk's pkg/log.go (same level-prefix convention),
// but built directly on stdlib log.Logger rather than go-logr/logr: no
// operation in this store needs a structured sink, just an occasional
// line when Open falls back to the older half of the meta pair.
type logger struct {
	level int
	out   *stdlog.Logger
}

func newLogger(level int, w *os.File) *logger {
	if w == nil {
		return &logger{level: level, out: stdlog.New(io.Discard, "", stdlog.LstdFlags)}
	}
	return &logger{level: level, out: stdlog.New(w, "", stdlog.LstdFlags)}
}

func (l *logger) infof(format string, args ...interface{}) {
	if l == nil || l.out == nil {
		return
	}
	l.out.Print("INFO  " + fmt.Sprintf(format, args...))
}

func (l *logger) debugf(format string, args ...interface{}) {
	if l == nil || l.out == nil || l.level < logDebug {
		return
	}
	l.out.Print("DEBUG " + fmt.Sprintf(format, args...))
}

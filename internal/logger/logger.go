// Package logger gives every component of the engine a named logger
// writing to one process-wide handler.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cenkalti/log"
)

const timeFormat = "2006-01-02 15:04:05.000"

type handlerBox struct{ h log.Handler }

var current atomic.Pointer[handlerBox]

func init() {
	SetHandler(log.NewFileHandler(os.Stderr))
}

// SetHandler replaces the handler that all loggers write to, including loggers created before the call.
func SetHandler(h log.Handler) {
	h.SetFormatter(logFormatter{})
	current.Store(&handlerBox{h})
}

// Handler returns the current handler, so it can be wrapped before passing to SetHandler.
func Handler() log.Handler {
	return current.Load().h
}

// SetLevel sets the most verbose level written by the handler.
func SetLevel(l log.Level) {
	Handler().SetLevel(l)
}

// Logger is the logging interface used across the engine.
type Logger log.Logger

// New returns a logger named after a component, like "engine" or "peer 1.2.3.4:6881".
func New(name string) Logger {
	l := log.NewLogger(name)
	// Filtering is done by the handler.
	l.SetLevel(log.DEBUG)
	l.SetHandler(forwarder{})
	return l
}

// ForSession returns a logger for a component that works on a single torrent session.
func ForSession(component, session string) Logger {
	return New(component + " " + strconv.Quote(session))
}

// forwarder sends records to the handler that is current at the time of logging.
type forwarder struct{}

func (forwarder) Handle(rec *log.Record)     { Handler().Handle(rec) }
func (forwarder) SetFormatter(log.Formatter) {}
func (forwarder) SetLevel(log.Level)         {}
func (forwarder) Close() error               { return nil }

type logFormatter struct{}

// Format outputs a line like "2024-05-01 10:20:30.123 INFO  [engine] engine.go:81 loaded 3 blocklist rules".
func (logFormatter) Format(rec *log.Record) string {
	return fmt.Sprintf("%s %-5s [%s] %s:%d %s",
		rec.Time.Format(timeFormat),
		strings.TrimSpace(rec.Level.String()),
		rec.LoggerName,
		filepath.Base(rec.Filename),
		rec.Line,
		rec.Message)
}

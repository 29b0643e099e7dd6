package logger

import (
	"testing"
	"time"

	"github.com/cenkalti/log"
	"github.com/stretchr/testify/assert"
)

type nopHandler struct{ handled int }

func (h *nopHandler) SetFormatter(log.Formatter) {}
func (h *nopHandler) SetLevel(log.Level)         {}
func (h *nopHandler) Handle(*log.Record)         { h.handled++ }
func (h *nopHandler) Close() error               { return nil }

func TestBufferHandlerKeepsLastLines(t *testing.T) {
	next := &nopHandler{}
	h := NewBufferHandler(next, 2)
	for _, msg := range []string{"one", "two", "three"} {
		h.Handle(&log.Record{Time: time.Now(), Level: log.INFO, LoggerName: "test", Filename: "x.go", Line: 1, Message: msg})
	}
	assert.Equal(t, 3, next.handled)
	lines := h.Lines()
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "two")
	assert.Contains(t, lines[1], "three")
}

func TestBufferHandlerFiltersLevel(t *testing.T) {
	h := NewBufferHandler(&nopHandler{}, 4)
	h.SetLevel(log.WARNING)
	h.Handle(&log.Record{Time: time.Now(), Level: log.DEBUG, Message: "hidden"})
	h.Handle(&log.Record{Time: time.Now(), Level: log.ERROR, Message: "shown"})
	lines := h.Lines()
	assert.Len(t, lines, 1)
	assert.Contains(t, lines[0], "shown")
}

func TestFormat(t *testing.T) {
	rec := &log.Record{
		Time:       time.Date(2024, 5, 1, 10, 20, 30, 123e6, time.UTC),
		Level:      log.INFO,
		LoggerName: "engine",
		Filename:   "/src/drizzle/torrent/engine.go",
		Line:       81,
		Message:    "loaded 3 blocklist rules",
	}
	assert.Equal(t, "2024-05-01 10:20:30.123 INFO  [engine] engine.go:81 loaded 3 blocklist rules", logFormatter{}.Format(rec))
}

func TestLoggersFollowHandler(t *testing.T) {
	old := Handler()
	defer SetHandler(old)

	l := ForSession("announcer", "file.bin")
	next := &nopHandler{}
	SetHandler(next)
	l.Info("hello")
	assert.Equal(t, 1, next.handled)
}

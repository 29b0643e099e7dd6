package logger

import (
	"sync"

	"github.com/cenkalti/log"
)

// BufferHandler forwards records to another handler and keeps the most recent formatted lines in memory.
type BufferHandler struct {
	next      log.Handler
	formatter log.Formatter
	level     log.Level

	m     sync.Mutex
	lines []string
	start int
	size  int
}

var _ log.Handler = (*BufferHandler)(nil)

// NewBufferHandler returns a handler that remembers the last capacity lines.
func NewBufferHandler(next log.Handler, capacity int) *BufferHandler {
	if capacity < 1 {
		capacity = 1
	}
	return &BufferHandler{
		next:      next,
		formatter: logFormatter{},
		level:     log.DEBUG,
		lines:     make([]string, capacity),
	}
}

func (h *BufferHandler) SetFormatter(f log.Formatter) {
	h.formatter = f
	h.next.SetFormatter(f)
}

func (h *BufferHandler) SetLevel(l log.Level) {
	h.level = l
	h.next.SetLevel(l)
}

func (h *BufferHandler) Handle(rec *log.Record) {
	h.next.Handle(rec)
	// DEBUG is the highest level.
	if rec.Level > h.level {
		return
	}
	line := h.formatter.Format(rec)
	h.m.Lock()
	h.lines[(h.start+h.size)%len(h.lines)] = line
	if h.size < len(h.lines) {
		h.size++
	} else {
		h.start = (h.start + 1) % len(h.lines)
	}
	h.m.Unlock()
}

func (h *BufferHandler) Close() error {
	return h.next.Close()
}

// Lines returns buffered log lines, oldest first.
func (h *BufferHandler) Lines() []string {
	h.m.Lock()
	defer h.m.Unlock()
	ret := make([]string, h.size)
	for i := 0; i < h.size; i++ {
		ret[i] = h.lines[(h.start+i)%len(h.lines)]
	}
	return ret
}

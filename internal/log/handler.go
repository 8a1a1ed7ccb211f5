package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// debugTimeLayout renders timestamps as "2006-01-02 15:04:05,000".
const debugTimeLayout = "2006-01-02 15:04:05,000"

// threadName labels the single execution thread of a job run.
const threadName = "MainThread"

// DebugHandler writes records in the two-line debug log layout:
//
//	[timestamp][threadName:threadId][loggerName:LEVEL(line)]
//	[module:function]:message
//
// The thread ID is the process ID. Record attributes follow the message as
// space separated key=value pairs.
type DebugHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	name   string
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
	pid    int
}

var _ slog.Handler = (*DebugHandler)(nil)

// NewDebugHandler creates a handler named loggerName that writes to w.
func NewDebugHandler(w io.Writer, loggerName string, level slog.Leveler) *DebugHandler {
	if level == nil {
		level = slog.LevelDebug
	}
	return &DebugHandler{
		mu:    &sync.Mutex{},
		w:     w,
		name:  loggerName,
		level: level,
		pid:   os.Getpid(),
	}
}

func (h *DebugHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *DebugHandler) Handle(_ context.Context, r slog.Record) error {
	module, function, line := "?", "?", 0
	if r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		module = strings.TrimSuffix(filepath.Base(f.File), ".go")
		function = f.Function
		if i := strings.LastIndex(function, "."); i >= 0 {
			function = function[i+1:]
		}
		line = f.Line
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[%s][%s:%d][%s:%s(%d)]\n[%s:%s]:%s",
		ts.Format(debugTimeLayout),
		threadName, h.pid,
		h.name, levelName(r.Level), line,
		module, function, r.Message,
	)
	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.prefix, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *DebugHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *DebugHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

func writeAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		group := prefix
		if a.Key != "" {
			group += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(buf, group, ga)
		}
		return
	}
	fmt.Fprintf(buf, " %s%s=%v", prefix, a.Key, a.Value.Any())
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

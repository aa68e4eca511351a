package mirror

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the engine's structured logger. It discards everything until
// InitLogger runs, so library callers and tests stay quiet.
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// logFile describes one rotated log file and the level band it receives.
type logFile struct {
	name       string
	min, max   slog.Level
	maxSizeMB  int
	maxBackups int
}

var logFiles = []logFile{
	{name: "treemirror.log", min: slog.LevelDebug, max: slog.LevelError, maxSizeMB: 20, maxBackups: 3},
	{name: "treemirror-error.log", min: slog.LevelWarn, max: slog.LevelError, maxSizeMB: 50, maxBackups: 5},
}

// InitLogger routes engine logs to stderr at level, keeping stdout free for
// reports. With a logDir the records are also written to rotated files:
// treemirror.log gets everything at level and above, treemirror-error.log
// only warnings and errors. Errors are additionally kept in a small ring
// that run reports print.
func InitLogger(logDir string, level slog.Level) {
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		recent,
	}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0750); err != nil {
			slog.Warn("log dir unavailable, file logging disabled", "dir", logDir, "err", err)
		} else {
			for _, f := range logFiles {
				floor := max(f.min, level)
				w := &lumberjack.Logger{
					Filename:   filepath.Join(logDir, f.name),
					MaxSize:    f.maxSizeMB,
					MaxBackups: f.maxBackups,
				}
				handlers = append(handlers, &bandHandler{
					min:   floor,
					max:   f.max,
					inner: slog.NewTextHandler(w, &slog.HandlerOptions{Level: floor}),
				})
			}
		}
	}

	logger = slog.New(&teeHandler{handlers: handlers})
}

// sub returns a child logger tagged with the given component name.
func sub(component string) *slog.Logger {
	return logger.With("comp", component)
}

// Logger returns a component logger for callers outside the engine.
func Logger(component string) *slog.Logger { return sub(component) }

func logEnabled(level slog.Level) bool {
	return logger.Enabled(context.Background(), level)
}

// LogEntry is one captured error record.
type LogEntry struct {
	Time    time.Time `json:"time" yaml:"time"`
	Comp    string    `json:"comp" yaml:"comp"`
	Message string    `json:"message" yaml:"message"`
	Op      string    `json:"op,omitempty" yaml:"op,omitempty"`
	Path    string    `json:"path,omitempty" yaml:"path,omitempty"`
	Error   string    `json:"error,omitempty" yaml:"error,omitempty"`
}

const recentErrorCap = 16

// errorRing keeps the last recentErrorCap error records.
type errorRing struct {
	mu      sync.Mutex
	entries [recentErrorCap]LogEntry
	total   int
}

func (r *errorRing) push(e LogEntry) {
	r.mu.Lock()
	r.entries[r.total%recentErrorCap] = e
	r.total++
	r.mu.Unlock()
}

// snapshot returns the kept entries, newest first.
func (r *errorRing) snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(r.total, recentErrorCap)
	out := make([]LogEntry, n)
	for i := range out {
		out[i] = r.entries[(r.total-1-i)%recentErrorCap]
	}
	return out
}

var recent = &ringHandler{ring: &errorRing{}}

// RecentErrors returns the most recent error records, newest first.
func RecentErrors() []LogEntry { return recent.ring.snapshot() }

// ringHandler feeds error records into an errorRing. Attributes added with
// With are carried along so the component tag survives.
type ringHandler struct {
	ring  *errorRing
	attrs []slog.Attr
}

func (h *ringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *ringHandler) Handle(_ context.Context, r slog.Record) error {
	e := LogEntry{Time: r.Time, Message: r.Message}
	fill := func(a slog.Attr) bool {
		v := a.Value.String()
		switch a.Key {
		case "comp":
			e.Comp = v
		case "op":
			e.Op = v
		case "path", "from":
			if e.Path == "" {
				e.Path = v
			}
		case "err":
			e.Error = v
		}
		return true
	}
	for _, a := range h.attrs {
		fill(a)
	}
	r.Attrs(fill)
	h.ring.push(e)
	return nil
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ringHandler{ring: h.ring, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *ringHandler) WithGroup(string) slog.Handler { return h }

// bandHandler passes records with min <= level <= max to inner.
type bandHandler struct {
	min, max slog.Level
	inner    slog.Handler
}

func (h *bandHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min && level <= h.max
}

func (h *bandHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *bandHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &bandHandler{min: h.min, max: h.max, inner: h.inner.WithAttrs(attrs)}
}

func (h *bandHandler) WithGroup(name string) slog.Handler {
	return &bandHandler{min: h.min, max: h.max, inner: h.inner.WithGroup(name)}
}

// teeHandler fans each record out to every handler that wants it. The first
// handler error is returned after all handlers ran.
type teeHandler struct {
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.each(func(hh slog.Handler) slog.Handler { return hh.WithAttrs(attrs) })
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return h.each(func(hh slog.Handler) slog.Handler { return hh.WithGroup(name) })
}

func (h *teeHandler) each(fn func(slog.Handler) slog.Handler) *teeHandler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = fn(hh)
	}
	return &teeHandler{handlers: hs}
}

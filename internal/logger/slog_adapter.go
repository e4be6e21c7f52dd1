package logger

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"
)

// StdLogger returns a *log.Logger whose output is routed through l at the
// given level. net/http uses it for connection-level errors.
func StdLogger(l *Logger, level slog.Level) *log.Logger {
	if l == nil {
		return nil
	}
	return slog.NewLogLogger(NewSlogHandler(l), level)
}

// NewSlogHandler returns a slog.Handler writing through l. Attributes are
// rendered as key=value after the message; groups become dotted key prefixes.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogHandler{log: l}
}

type slogHandler struct {
	log   *Logger
	group string // dotted prefix for keys, with trailing dot
	bound string // attrs from WithAttrs, already rendered
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return levelFromSlog(level) >= h.log.GetLevel()
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	if h.bound != "" {
		b.WriteByte(' ')
		b.WriteString(h.bound)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.group, a)
		return true
	})

	msg := strings.TrimSpace(b.String())
	switch levelFromSlog(r.Level) {
	case LevelError:
		h.log.Error("%s", msg)
	case LevelWarn:
		h.log.Warn("%s", msg)
	case LevelInfo:
		h.log.Info("%s", msg)
	default:
		h.log.Debug("%s", msg)
	}
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.bound)
	for _, a := range attrs {
		appendAttr(&b, h.group, a)
	}
	return &slogHandler{log: h.log, group: h.group, bound: strings.TrimSpace(b.String())}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogHandler{log: h.log, group: h.group + name + ".", bound: h.bound}
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := prefix
		if a.Key != "" {
			sub += a.Key + "."
		}
		for _, nested := range a.Value.Group() {
			appendAttr(b, sub, nested)
		}
		return
	}
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	fmt.Fprintf(b, "%s%s=%v", prefix, a.Key, a.Value)
}

func levelFromSlog(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

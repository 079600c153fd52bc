package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

type consoleHandler struct {
	mu     sync.Mutex
	writer io.Writer
	level  *slog.LevelVar
	attrs  []slog.Attr
	groups []string
	color  bool
}

func newConsoleHandler(w io.Writer, lvl *slog.LevelVar) slog.Handler {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &consoleHandler{writer: w, level: lvl, color: color}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	var buf bytes.Buffer
	buf.Grow(256)

	buf.WriteString(record.Time.Format("15:04:05"))
	buf.WriteByte(' ')
	buf.WriteString(h.levelLabel(record.Level))
	buf.WriteByte(' ')

	component := ""
	kvs := make([]slog.Attr, 0, record.NumAttrs()+len(h.attrs))
	kvs = append(kvs, h.attrs...)
	record.Attrs(func(attr slog.Attr) bool {
		kvs = append(kvs, attr)
		return true
	})
	filtered := kvs[:0]
	for _, attr := range kvs {
		if attr.Key == FieldComponent && component == "" {
			component = attr.Value.String()
			continue
		}
		filtered = append(filtered, attr)
	}
	if component != "" {
		fmt.Fprintf(&buf, "[%s] ", component)
	}
	buf.WriteString(record.Message)
	for _, attr := range filtered {
		key := attr.Key
		for i := len(h.groups) - 1; i >= 0; i-- {
			key = h.groups[i] + "." + key
		}
		fmt.Fprintf(&buf, " %s=%v", key, attr.Value)
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *consoleHandler) levelLabel(level slog.Level) string {
	label := level.String()
	if !h.color {
		return label
	}
	switch {
	case level >= slog.LevelError:
		return "\x1b[31m" + label + "\x1b[0m"
	case level >= slog.LevelWarn:
		return "\x1b[33m" + label + "\x1b[0m"
	case level <= slog.LevelDebug:
		return "\x1b[90m" + label + "\x1b[0m"
	default:
		return "\x1b[36m" + label + "\x1b[0m"
	}
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := &consoleHandler{writer: h.writer, level: h.level, color: h.color}
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	clone.groups = append([]string{}, h.groups...)
	return clone
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	clone := &consoleHandler{writer: h.writer, level: h.level, color: h.color}
	clone.attrs = append([]slog.Attr{}, h.attrs...)
	clone.groups = append(append([]string{}, h.groups...), name)
	return clone
}

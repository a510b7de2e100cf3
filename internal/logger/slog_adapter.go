package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// NewSlogHandler bridges the standard library's slog to a Logger, so
// dependencies that log through slog end up in the same file. Returns
// nil when l is nil.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogBridge{log: l}
}

type slogBridge struct {
	log    *Logger
	groups []string
	attrs  []slog.Attr
}

func (b *slogBridge) Enabled(_ context.Context, level slog.Level) bool {
	return b.log != nil && bridgeLevel(level) >= b.log.GetLevel()
}

func (b *slogBridge) Handle(_ context.Context, record slog.Record) error {
	if b.log == nil {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(record.Message)
	for _, attr := range b.attrs {
		appendAttr(&sb, b.groups, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(&sb, b.groups, attr)
		return true
	})

	line := strings.TrimSpace(sb.String())
	switch bridgeLevel(record.Level) {
	case LevelError:
		b.log.Error("%s", line)
	case LevelWarn:
		b.log.Warn("%s", line)
	case LevelInfo:
		b.log.Info("%s", line)
	default:
		b.log.Debug("%s", line)
	}
	return nil
}

func (b *slogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := b.clone()
	clone.attrs = append(clone.attrs, attrs...)
	return clone
}

func (b *slogBridge) WithGroup(name string) slog.Handler {
	clone := b.clone()
	if name != "" {
		clone.groups = append(clone.groups, name)
	}
	return clone
}

func (b *slogBridge) clone() *slogBridge {
	return &slogBridge{
		log:    b.log,
		groups: append([]string(nil), b.groups...),
		attrs:  append([]slog.Attr(nil), b.attrs...),
	}
}

func bridgeLevel(level slog.Level) Level {
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

// appendAttr renders attr as " key=value", flattening groups into
// dotted key paths.
func appendAttr(sb *strings.Builder, groups []string, attr slog.Attr) {
	if attr.Equal(slog.Attr{}) {
		return
	}

	if attr.Value.Kind() == slog.KindGroup {
		nested := groups
		if attr.Key != "" {
			nested = append(append([]string(nil), groups...), attr.Key)
		}
		for _, member := range attr.Value.Group() {
			appendAttr(sb, nested, member)
		}
		return
	}

	key := attr.Key
	if key == "" {
		key = "attr"
	}
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	fmt.Fprintf(sb, " %s=%v", key, attr.Value)
}

package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	Level     slog.Level
	Format    string
	Output    io.Writer
	AddSource bool
}

func DefaultConfig() Config {
	return Config{
		Level:     slog.LevelInfo,
		Format:    "text",
		Output:    os.Stderr,
		AddSource: false,
	}
}

// ParseLevel maps config strings ("debug", "info", "warn", "error") to slog
// levels. Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func FromStrings(level, format string) Config {
	cfg := DefaultConfig()
	cfg.Level = ParseLevel(level)
	if format != "" {
		cfg.Format = strings.ToLower(format)
	}
	return cfg
}

func Init(cfg Config) {
	var handler slog.Handler

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func Debug(msg string, args ...any) { slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
func Error(msg string, args ...any) { slog.Error(msg, args...) }

// ForComponent returns a logger that resolves the default handler lazily, so
// package-level loggers declared before Init still honour its settings.
func ForComponent(component string) *slog.Logger {
	return slog.New(componentHandler{}.with(handlerOp{attrs: []slog.Attr{slog.String("component", component)}}))
}

func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// handlerOp is one WithAttrs or WithGroup call, replayed in order on the
// current default handler.
type handlerOp struct {
	group string
	attrs []slog.Attr
}

type componentHandler struct {
	ops []handlerOp
}

func (h componentHandler) with(op handlerOp) componentHandler {
	ops := make([]handlerOp, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return componentHandler{ops: append(ops, op)}
}

func (h componentHandler) target() slog.Handler {
	base := slog.Default().Handler()
	for _, op := range h.ops {
		if op.group != "" {
			base = base.WithGroup(op.group)
		} else {
			base = base.WithAttrs(op.attrs)
		}
	}
	return base
}

func (h componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, level)
}

func (h componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(handlerOp{attrs: append([]slog.Attr(nil), attrs...)})
}

func (h componentHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(handlerOp{group: name})
}

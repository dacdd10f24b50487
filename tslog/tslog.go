// Package tslog provides a tinted structured logging implementation.
package tslog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/database64128/tcprelay-go/logging"
	"github.com/lmittmann/tint"
	"go.uber.org/zap/exp/zapslog"
)

// Handler kinds accepted by [Config.Kind].
const (
	KindTint = "tint"
	KindText = "text"
	KindJSON = "json"
	KindZap  = "zap"
)

// Config is a set of options for a [*Logger].
type Config struct {
	// Level is the minimum level of log messages to write.
	Level slog.Level `json:"level"`

	// NoColor disables color in log messages.
	NoColor bool `json:"no_color"`

	// NoTime disables timestamps in log messages.
	NoTime bool `json:"no_time"`

	// Kind selects the handler.
	//
	//  - "tint" (default): colored human-readable output.
	//  - "text": [*slog.TextHandler].
	//  - "json": [*slog.JSONHandler].
	//  - "zap": a zap core built from ZapPreset, bridged into slog.
	Kind string `json:"kind,omitzero"`

	// ZapPreset is the zap preset name or path to a zap JSON config file.
	// Only used when Kind is "zap". See [logging.NewZapLogger].
	ZapPreset string `json:"zap_preset,omitzero"`
}

// NewLogger creates a new [*Logger] that writes to w.
func (c *Config) NewLogger(w io.Writer) (*Logger, error) {
	handler, sync, err := c.newHandler(w)
	if err != nil {
		return nil, err
	}
	return &Logger{
		level:   c.Level,
		noTime:  c.NoTime,
		handler: handler,
		sync:    sync,
	}, nil
}

func (c *Config) newHandler(w io.Writer) (slog.Handler, func() error, error) {
	switch c.Kind {
	case KindTint, "":
		return tint.NewHandler(w, &tint.Options{
			Level:   c.Level,
			NoColor: c.NoColor,
		}), nil, nil
	case KindText:
		return slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: c.Level,
		}), nil, nil
	case KindJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: c.Level,
		}), nil, nil
	case KindZap:
		zl, err := logging.NewZapLogger(w, c.ZapPreset, logging.ZapLevel(c.Level))
		if err != nil {
			return nil, nil, err
		}
		return zapslog.NewHandler(zl.Core()), zl.Sync, nil
	default:
		return nil, nil, fmt.Errorf("unknown log handler kind: %q", c.Kind)
	}
}

// NewLoggerWithHandler creates a new [*Logger] with the given handler.
func (c *Config) NewLoggerWithHandler(handler slog.Handler) *Logger {
	return &Logger{
		level:   c.Level,
		noTime:  c.NoTime,
		handler: handler,
	}
}

// Logger is an opinionated logging implementation that writes structured log messages,
// tinted with color by default, to its handler.
type Logger struct {
	level   slog.Level
	noTime  bool
	handler slog.Handler
	sync    func() error
}

// Handler returns the logger's handler.
func (l *Logger) Handler() slog.Handler {
	return l.handler
}

// Sync flushes buffered log messages, if the handler buffers any.
func (l *Logger) Sync() error {
	if l.sync == nil {
		return nil
	}
	return l.sync()
}

// WithAttrs returns a new [*Logger] with the given attributes included in every log message.
func (l *Logger) WithAttrs(attrs ...slog.Attr) *Logger {
	return &Logger{
		level:   l.level,
		noTime:  l.noTime,
		handler: l.handler.WithAttrs(attrs),
		sync:    l.sync,
	}
}

// WithGroup returns a new [*Logger] that scopes all log messages under the given group.
func (l *Logger) WithGroup(group string) *Logger {
	return &Logger{
		level:   l.level,
		noTime:  l.noTime,
		handler: l.handler.WithGroup(group),
		sync:    l.sync,
	}
}

// Debug logs the given message at [slog.LevelDebug].
func (l *Logger) Debug(msg string, attrs ...slog.Attr) {
	l.Log(slog.LevelDebug, msg, attrs...)
}

// Info logs the given message at [slog.LevelInfo].
func (l *Logger) Info(msg string, attrs ...slog.Attr) {
	l.Log(slog.LevelInfo, msg, attrs...)
}

// Warn logs the given message at [slog.LevelWarn].
func (l *Logger) Warn(msg string, attrs ...slog.Attr) {
	l.Log(slog.LevelWarn, msg, attrs...)
}

// Error logs the given message at [slog.LevelError].
func (l *Logger) Error(msg string, attrs ...slog.Attr) {
	l.Log(slog.LevelError, msg, attrs...)
}

// Enabled returns whether logging at the given level is enabled.
func (l *Logger) Enabled(level slog.Level) bool {
	return level >= l.level
}

// Log logs the given message at the given level.
func (l *Logger) Log(level slog.Level, msg string, attrs ...slog.Attr) {
	if !l.Enabled(level) {
		return
	}
	l.log(level, msg, attrs...)
}

// log implements the actual logging logic, so that its callers (the exported log methods)
// become eligible for mid-stack inlining.
func (l *Logger) log(level slog.Level, msg string, attrs ...slog.Attr) {
	var t time.Time
	if !l.noTime {
		t = time.Now()
	}
	r := slog.NewRecord(t, level, msg, 0)
	r.AddAttrs(attrs...)
	if err := l.handler.Handle(context.Background(), r); err != nil {
		fmt.Fprintf(os.Stderr, "tslog: failed to write log message: %v\n", err)
	}
}

// Err is a convenience wrapper for [tint.Err].
func Err(err error) slog.Attr {
	return tint.Err(err)
}

// Int returns a [slog.Attr] for a signed integer of any size.
func Int[V ~int | ~int8 | ~int16 | ~int32 | ~int64](key string, value V) slog.Attr {
	return slog.Int64(key, int64(value))
}

// Uint returns a [slog.Attr] for an unsigned integer of any size.
func Uint[V ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr](key string, value V) slog.Attr {
	return slog.Uint64(key, uint64(value))
}

// AddrPort returns a [slog.Attr] for a [netip.AddrPort].
//
// If addrPort is the zero value, the value is the empty string.
func AddrPort(key string, addrPort netip.AddrPort) slog.Attr {
	var s string
	if addrPort.IsValid() {
		s = addrPort.String()
	}
	return slog.String(key, s)
}

// NetAddr returns a [slog.Attr] for a [net.Addr].
//
// If addr is nil, the value is the empty string.
func NetAddr(key string, addr net.Addr) slog.Attr {
	var s string
	if addr != nil {
		s = addr.String()
	}
	return slog.String(key, s)
}

// Package logging builds zap loggers from presets.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/database64128/tcprelay-go/jsonhelper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ConsoleOptions controls the output of a console zap logger.
type ConsoleOptions struct {
	NoColor   bool
	NoTime    bool
	AddCaller bool
}

// NewZapLogger returns a new [*zap.Logger] with the given preset and log level.
// Console presets write to w.
//
// The available presets are:
//
//   - "console" (default): Reasonable defaults for production console environments.
//   - "console-nocolor": Same as "console", but without color.
//   - "console-notime": Same as "console", but without timestamps.
//   - "systemd": Reasonable defaults for running as a systemd service. Same as "console", but without color and timestamps.
//   - "production": Zap's built-in production preset.
//   - "development": Zap's built-in development preset.
//
// If the preset is not recognized, it is treated as a path to a JSON configuration file.
//
// The log level does not apply to the "production", "development", or custom presets.
func NewZapLogger(w io.Writer, preset string, level zapcore.Level) (*zap.Logger, error) {
	switch preset {
	case "console", "":
		return NewConsoleZapLogger(w, level, ConsoleOptions{}), nil
	case "console-nocolor":
		return NewConsoleZapLogger(w, level, ConsoleOptions{NoColor: true}), nil
	case "console-notime":
		return NewConsoleZapLogger(w, level, ConsoleOptions{NoTime: true}), nil
	case "systemd":
		return NewConsoleZapLogger(w, level, ConsoleOptions{NoColor: true, NoTime: true}), nil
	}

	var cfg zap.Config
	switch preset {
	case "production":
		cfg = zap.NewProductionConfig()
	case "development":
		cfg = zap.NewDevelopmentConfig()
	default:
		if err := jsonhelper.OpenAndDecodeDisallowUnknownFields(preset, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load zap logger config from file %q: %w", preset, err)
		}
	}
	return cfg.Build()
}

// NewConsoleZapLogger creates a new [*zap.Logger] that writes human-readable lines to w.
//
// See [NewConsoleEncoderConfig] for information on the encoder configuration.
func NewConsoleZapLogger(w io.Writer, level zapcore.Level, opts ConsoleOptions) *zap.Logger {
	enc := zapcore.NewConsoleEncoder(NewConsoleEncoderConfig(opts.NoColor, opts.NoTime))
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), level)
	var zopts []zap.Option
	if opts.NoTime {
		zopts = append(zopts, zap.WithClock(zeroClock{})) // The sampler needs a real clock. We don't sample.
	}
	if opts.AddCaller {
		zopts = append(zopts, zap.AddCaller())
	}
	return zap.New(core, zopts...)
}

// NewConsoleEncoderConfig returns an opinionated [zapcore.EncoderConfig] for console output.
func NewConsoleEncoderConfig(noColor, noTime bool) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		TimeKey:          "T",
		LevelKey:         "L",
		NameKey:          "N",
		CallerKey:        "C",
		FunctionKey:      zapcore.OmitKey,
		MessageKey:       "M",
		StacktraceKey:    "S",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalColorLevelEncoder,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	}

	if noColor {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	if noTime {
		ec.TimeKey = zapcore.OmitKey
		ec.EncodeTime = nil
	}

	return ec
}

// ZapLevel converts a [slog.Level] to the closest [zapcore.Level].
func ZapLevel(level slog.Level) zapcore.Level {
	switch {
	case level < slog.LevelInfo:
		return zapcore.DebugLevel
	case level < slog.LevelWarn:
		return zapcore.InfoLevel
	case level < slog.LevelError:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// zeroClock always returns the zero time.
//
// zeroClock implements [zapcore.Clock].
type zeroClock struct{}

// Now implements [zapcore.Clock.Now].
func (zeroClock) Now() time.Time {
	return time.Time{}
}

// NewTicker implements [zapcore.Clock.NewTicker].
func (zeroClock) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

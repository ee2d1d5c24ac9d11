// Package zlog adapts zerolog to beacon.Logger.
package zlog

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/velmie/beacon"
)

// Logger implements beacon.Logger on a zerolog.Logger.
type Logger struct {
	zl zerolog.Logger
}

var _ beacon.Logger = (*Logger)(nil)

// New wraps zl.
func New(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

// ParseLevel maps a level name to a zerolog level. Empty means info and
// "warning" is accepted for warn.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("beacon zlog: %w", err)
	}

	return lvl, nil
}

// NewWriter builds a timestamped logger writing JSON lines to w, or human
// readable lines when pretty is set.
func NewWriter(w io.Writer, level string, pretty bool) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return New(zerolog.New(w).Level(lvl).With().Timestamp().Logger()), nil
}

// Zerolog returns the wrapped logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// With returns a logger that adds the key/value args to every line.
func (l *Logger) With(args ...any) *Logger {
	ctx := l.zl.With()
	for i := 0; i < len(args); i += 2 {
		key, value := pair(args, i)
		ctx = ctx.Interface(key, value)
	}

	return &Logger{zl: ctx.Logger()}
}

// Debug implements beacon.Logger.
func (l *Logger) Debug(msg string, args ...any) {
	write(l.zl.Debug(), msg, args)
}

// Info implements beacon.Logger.
func (l *Logger) Info(msg string, args ...any) {
	write(l.zl.Info(), msg, args)
}

// Warn implements beacon.Logger.
func (l *Logger) Warn(msg string, args ...any) {
	write(l.zl.Warn(), msg, args)
}

// Error implements beacon.Logger.
func (l *Logger) Error(msg string, args ...any) {
	write(l.zl.Error(), msg, args)
}

func write(ev *zerolog.Event, msg string, args []any) {
	// nil when the level is disabled
	if ev == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key, value := pair(args, i)
		switch v := value.(type) {
		case error:
			ev = ev.AnErr(key, v)
		case string:
			ev = ev.Str(key, v)
		case int:
			ev = ev.Int(key, v)
		case bool:
			ev = ev.Bool(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		case fmt.Stringer:
			ev = ev.Stringer(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

// pair returns the key and value starting at args[i]. A trailing value
// without a key is logged under "!BADKEY", like log/slog does.
func pair(args []any, i int) (string, any) {
	if i+1 >= len(args) {
		return "!BADKEY", args[i]
	}
	key, ok := args[i].(string)
	if !ok {
		key = fmt.Sprint(args[i])
	}

	return key, args[i+1]
}

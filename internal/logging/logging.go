// Package logging builds the zerolog loggers used across the
// application: an ANSI console stream for the operator plus a rotated
// file, with field helpers that keep account and order context on
// every line an adapter writes.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls destinations, level and file rotation.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig logs info and above to the console and to a rotated
// file under the standard config directory.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "mcube", "logs", "mcube.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

var levelNames = map[string]zerolog.Level{
	"debug": zerolog.DebugLevel,
	"info":  zerolog.InfoLevel,
	"warn":  zerolog.WarnLevel,
	"error": zerolog.ErrorLevel,
}

// NewLoggerWithConfig assembles the configured writers into one
// logger. An unusable file destination degrades to console-only
// rather than failing startup.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter())
	}
	if cfg.File {
		if w := fileWriter(cfg); w != nil {
			writers = append(writers, w)
		}
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = os.Stdout
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	level, ok := levelNames[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(out).With().Timestamp().Caller().Logger()
}

func consoleWriter() zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		FormatLevel: func(i any) string {
			switch i {
			case "debug":
				return "\033[36mDBG\033[0m"
			case "info":
				return "\033[32mINF\033[0m"
			case "warn":
				return "\033[33mWRN\033[0m"
			case "error":
				return "\033[31mERR\033[0m"
			}
			if s, ok := i.(string); ok {
				return s
			}
			return "???"
		},
	}
}

func fileWriter(cfg LogConfig) io.Writer {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}
}

// SetDebugLevel drops the global level to debug, for the --debug flag.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithBroker returns logger with the broker id on every line.
func WithBroker(logger zerolog.Logger, broker string) zerolog.Logger {
	return logger.With().Str("broker", broker).Logger()
}

// WithAccount returns logger with the account id on every line.
func WithAccount(logger zerolog.Logger, account string) zerolog.Logger {
	return logger.With().Str("account", account).Logger()
}

// WithOrderID returns logger with the order id on every line.
func WithOrderID(logger zerolog.Logger, orderID string) zerolog.Logger {
	return logger.With().Str("order_id", orderID).Logger()
}

// LogOrderPlaced writes the one structured event downstream tooling
// greps for. The price goes out as a string to keep its exact decimal
// form.
func LogOrderPlaced(logger zerolog.Logger, broker, orderID, symbol, side string, qty int, price decimal.Decimal) {
	logger.Info().
		Str("event", "order_placed").
		Str("broker", broker).
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Int("quantity", qty).
		Str("price", price.String()).
		Msg("Order placed")
}

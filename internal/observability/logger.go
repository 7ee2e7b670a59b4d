// Package observability holds the process loggers and the metrics exporter.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

var (
	// CLILogger writes human-oriented progress for foreground commands.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the HTTP server and the job manager.
	ServerLogger = zap.NewNop()
)

// InitCLILogger configures CLILogger as a console logger on stderr.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = build(name, level, ProfileConsole, zapcore.Lock(os.Stderr))
}

// InitServerLogger configures ServerLogger from the logging config.
func InitServerLogger(name, level, profile string) error {
	l, err := NewLogger(name, level, profile)
	if err != nil {
		return err
	}
	ServerLogger = l
	return nil
}

// NewLogger builds a logger writing to stderr. profile is "structured"
// (JSON) or "console"; level is any zap level name.
func NewLogger(name, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	p := strings.ToUpper(strings.TrimSpace(profile))
	switch p {
	case "", ProfileStructured, ProfileConsole:
	default:
		return nil, fmt.Errorf("invalid log profile %q", profile)
	}
	return build(name, lvl, p, zapcore.Lock(os.Stderr)), nil
}

func build(name string, level zapcore.Level, profile string, out zapcore.WriteSyncer) *zap.Logger {
	var enc zapcore.Encoder
	if profile == ProfileConsole {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		enc = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	}
	core := zapcore.NewCore(enc, out, zap.NewAtomicLevelAt(level))
	l := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if name != "" {
		l = l.Named(name)
	}
	return l
}

// Sync flushes both loggers, ignoring the errors stderr returns on some
// platforms.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}

// Package applog builds the router's structured logger. Grounded on the
// teacher's logging.go, which backs its default log with go.uber.org/zap
// and chooses an encoder/level from configuration rather than hardcoding
// one; this package keeps that shape without the module-registration
// machinery Caddy wraps around it, since the router has no plugin system.
package applog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config mirrors the logging block of the router's YAML configuration.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

// New builds a *zap.Logger from cfg. Unknown levels fall back to info,
// matching the teacher's tolerance for a missing/invalid log level rather
// than refusing to start.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	logger := zap.New(core, zap.AddCaller())
	return logger, nil
}

// Nop returns a logger that discards everything, used by tests and
// components built without an explicit logger.
func Nop() *zap.Logger { return zap.NewNop() }

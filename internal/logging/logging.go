// Package logging builds the process-wide slog logger, optionally teeing
// output into a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/allssai/voxcpm-kazakh-tts/internal/config"
)

// ParseLevel maps a config level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", level)
	}
}

// New returns a JSON logger writing to stdout, and to cfg.LogFile when set.
// The returned closer releases the log file and is safe to call when no
// file is configured.
func New(cfg config.TelemetryConfig, stdout io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	var (
		output io.Writer = stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    positive(cfg.LogMaxSizeMB, 64),
			MaxBackups: positive(cfg.LogMaxBackups, 3),
			MaxAge:     positive(cfg.LogMaxAgeDays, 7),
			Compress:   true,
		}
		output = io.MultiWriter(stdout, file)
		closer = file
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// Error formats err as a log attribute.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func positive(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

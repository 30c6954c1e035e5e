// Package log sets up the console and file logging sinks shared by every
// factory_mode command.
package log

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Setup installs the default slog logger, writing structured text lines to
// stderr and, when logDir is non-empty, mirroring them into
// factory_flow_orchestrator.log under that directory.
func Setup(logLevel string, logDir string) (*slog.Logger, error) {
	level := parseLevel(logLevel)

	writer := io.Writer(os.Stderr)

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, err
		}

		file, err := os.OpenFile(
			filepath.Join(logDir, "factory_flow_orchestrator.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND,
			0o644,
		)
		if err != nil {
			return nil, err
		}

		writer = io.MultiWriter(os.Stderr, file)
	}

	logger := slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return logger, nil
}

func parseLevel(logLevel string) slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithModule returns a child logger tagged with the given module name.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

// DeviceLogWriter opens (creating if needed) the per-device-type operation
// log named "<device_type>_factory_flow.log" under logDir.
func DeviceLogWriter(logDir, deviceType string) (io.WriteCloser, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	return os.OpenFile(
		filepath.Join(logDir, deviceType+"_factory_flow.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
}

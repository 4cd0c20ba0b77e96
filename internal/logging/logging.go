// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eddiefleurent/rollchain/internal/config"
)

// New returns a text logger at the configured level writing to stdout and, when a log
// file is configured, to a rotating file as well. The returned closer flushes the file.
func New(cfg config.EnvironmentConfig, stdout io.Writer) (*logrus.Logger, io.Closer, error) {
	if stdout == nil {
		stdout = os.Stdout
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(level)

	var closer io.Closer = nopCloser{}
	writer := stdout
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
		writer = io.MultiWriter(stdout, file)
		closer = file
	}
	logger.SetOutput(writer)
	return logger, closer, nil
}

// ParseLevel maps the configured level name; empty means info.
func ParseLevel(name string) (logrus.Level, error) {
	switch name {
	case "":
		return logrus.InfoLevel, nil
	case "debug", "info", "warn", "error":
		return logrus.ParseLevel(name)
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Package logging is a small leveled logger with rotating file output. Every
// decision the pipeline makes (parse, size, veto, place, cancel) is logged
// with enough context to reconstruct it after the fact.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level filters what gets written.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// ParseLevel maps a config string to a Level, defaulting to Info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

type Logger struct {
	logger *log.Logger
	level  Level
	closer io.Closer
}

// New writes to stdout and, when file is non-empty, to a size-rotated log
// file kept for maxAge days.
func New(level Level, file string, maxSizeMB, maxBackups, maxAgeDays int) (*Logger, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer

	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, lj)
		closer = lj
	}

	return &Logger{
		logger: log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		level:  level,
		closer: closer,
	}, nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{
		logger: log.New(io.Discard, "", 0),
		level:  Error + 1,
	}
}

func (l *Logger) SetLevel(level Level) {
	l.level = level
}

func (l *Logger) Debugf(format string, v ...any) {
	if l.level <= Debug {
		l.logger.Output(2, fmt.Sprintf("[DEBUG] "+format, v...))
	}
}

func (l *Logger) Infof(format string, v ...any) {
	if l.level <= Info {
		l.logger.Output(2, fmt.Sprintf("[INFO]  "+format, v...))
	}
}

func (l *Logger) Warnf(format string, v ...any) {
	if l.level <= Warn {
		l.logger.Output(2, fmt.Sprintf("[WARN]  "+format, v...))
	}
}

func (l *Logger) Errorf(format string, v ...any) {
	if l.level <= Error {
		l.logger.Output(2, fmt.Sprintf("[ERROR] "+format, v...))
	}
}

// Close flushes and closes the file writer, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

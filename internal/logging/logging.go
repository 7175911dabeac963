// Package logging builds the process-wide loggers: stderr always, plus a
// size-rotated log file when one is configured.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup returns a logger writing to stderr and, when filePath is non-empty,
// to a rotating file as well. The returned closer flushes the file sink;
// call it on shutdown.
func Setup(prefix, filePath string) (*log.Logger, func() error) {
	var sink io.Writer = os.Stderr
	closer := func() error { return nil }

	if filePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		sink = io.MultiWriter(os.Stderr, rotator)
		closer = rotator.Close
	}

	return log.New(sink, prefix, log.LstdFlags), closer
}

// ForComponent derives a component logger sharing the parent's sink.
func ForComponent(parent *log.Logger, prefix string) *log.Logger {
	return log.New(parent.Writer(), prefix, parent.Flags())
}

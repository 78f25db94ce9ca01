// Package logging configures the process-wide logrus logger for mogfs.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Mount log levels. The numeric values are part of the configuration
// surface; OFF suppresses all output.
const (
	LevelOff          = -1
	LevelNotice       = 0
	LevelError        = 1
	LevelDebug        = 2
	LevelDebugBackend = 3
	LevelDebugFuse    = 4
)

// Setup configures the standard logrus logger: stderr output, plain text
// with full timestamps, level mapped from the mount's integer loglevel.
func Setup(level int) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.SetLevel(logrusLevel(level))
	if level <= LevelOff {
		logrus.SetOutput(io.Discard)
	}
}

func logrusLevel(level int) logrus.Level {
	switch {
	case level <= LevelOff:
		return logrus.PanicLevel
	case level == LevelNotice:
		return logrus.InfoLevel
	case level == LevelError:
		return logrus.WarnLevel
	case level == LevelDebug:
		return logrus.DebugLevel
	default:
		// DEBUG_BACKEND and DEBUG_FUSE include wire-level detail.
		return logrus.TraceLevel
	}
}

// Valid reports whether the integer level is one of the defined levels.
func Valid(level int) bool {
	return level >= LevelOff && level <= LevelDebugFuse
}

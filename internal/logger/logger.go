// Package logger bootstraps the process-wide zerolog logger used by every
// component in this module.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the shared base logger. Components derive their own via
// Logger.With().Str("component", "...").Logger() rather than reading
// package state directly from hot paths.
var Logger zerolog.Logger

func init() {
	Init()
}

// Init (re)configures Logger from the environment. Safe to call multiple
// times; the last call wins.
func Init() {
	InitWithWriter(os.Stdout)
}

// InitWithWriter configures Logger to write to w, honoring LOG_LEVEL,
// LOG_FORMAT ("json" or "console") and LOG_TIME_FORMAT.
func InitWithWriter(w io.Writer) {
	levelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if levelStr == "" {
		levelStr = "info"
	}
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "console"
	}

	timeFormat := strings.TrimSpace(os.Getenv("LOG_TIME_FORMAT"))
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	var base zerolog.Logger
	if format == "json" {
		base = zerolog.New(w)
	} else {
		cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
		if strings.TrimSpace(os.Getenv("LOG_COLOR")) == "0" {
			cw.NoColor = true
		}
		base = zerolog.New(cw)
	}

	l := base.With().Timestamp().Logger().Level(level)
	if strings.TrimSpace(os.Getenv("LOG_CALLER")) == "1" {
		l = l.With().Caller().Logger()
	}

	Logger = l
}

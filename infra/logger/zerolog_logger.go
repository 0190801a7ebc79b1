package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	outMu  sync.RWMutex
	output io.Writer = os.Stdout
	pretty           = strings.ToLower(os.Getenv("APP_ENV")) == "dev"
)

// Setup applies the process-wide level and format. Format "console" (or
// APP_ENV=dev) selects the human readable writer, anything else JSON.
func Setup(level, format string) error {
	if level != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		zerolog.SetGlobalLevel(lvl)
	}
	outMu.Lock()
	defer outMu.Unlock()
	switch strings.ToLower(format) {
	case "console":
		pretty = true
	case "json":
		pretty = false
	}
	return nil
}

// SetOutput redirects every logger created afterwards.
func SetOutput(w io.Writer) {
	outMu.Lock()
	output = w
	outMu.Unlock()
}

// ZerologLogger implements Logger using rs/zerolog.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger creates a ZerologLogger carrying the component field.
func NewZerologLogger(component string) Logger {
	outMu.RLock()
	w, console := output, pretty
	outMu.RUnlock()
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	z := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	return &ZerologLogger{log: z}
}

func (l *ZerologLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l *ZerologLogger) Debugw(msg string, fields map[string]any) {
	l.log.Debug().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Infof(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Warnf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}

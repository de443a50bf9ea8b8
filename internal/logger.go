package internal

import (
	"log"
	"os"

	"github.com/rs/zerolog"
)

type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

func NopLogger() Logger {
	return nopLogger{}
}

type ConsoleLogger struct {
	logger *log.Logger
}

func NewConsoleLogger() Logger {
	return &ConsoleLogger{
		logger: log.New(os.Stdout, "", log.LstdFlags),
	}
}

func (l *ConsoleLogger) Debugf(format string, args ...any) {
	l.logger.Printf("[DEBUG] "+format, args...)
}

func (l *ConsoleLogger) Infof(format string, args ...any) {
	l.logger.Printf("[INFO]  "+format, args...)
}

func (l *ConsoleLogger) Warnf(format string, args ...any) {
	l.logger.Printf("[WARN]  "+format, args...)
}

func (l *ConsoleLogger) Errorf(format string, args ...any) {
	l.logger.Printf("[ERROR] "+format, args...)
}

// ZerologLogger adapts a zerolog.Logger so embedding applications with
// structured logging can capture mesh events.
type ZerologLogger struct {
	logger zerolog.Logger
}

func NewZerologLogger(zl zerolog.Logger) Logger {
	return &ZerologLogger{logger: zl}
}

// NewDefaultZerologLogger returns a Logger writing console-formatted
// structured output to stderr at the given level.
func NewDefaultZerologLogger(level zerolog.Level) Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
	return &ZerologLogger{logger: zl}
}

func (l *ZerologLogger) Debugf(format string, args ...any) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *ZerologLogger) Infof(format string, args ...any) {
	l.logger.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Warnf(format string, args ...any) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(format, args...)
}

package uploader

import (
	"os"

	"github.com/charmbracelet/log"
)

// Logger interface allows for dependency injection of logging
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type DefaultLogger struct {
	log *log.Logger
}

func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{
		log: log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "uploader",
			ReportTimestamp: true,
			TimeFormat:      "2006-01-02 15:04:05",
		}),
	}
}

func (l *DefaultLogger) logger() *log.Logger {
	if l.log == nil {
		l.log = log.Default()
	}
	return l.log
}

func (l *DefaultLogger) Debug(msg string, args ...any) {
	l.logger().Debug(msg, args...)
}

func (l *DefaultLogger) Info(msg string, args ...any) {
	l.logger().Info(msg, args...)
}

func (l *DefaultLogger) Error(msg string, args ...any) {
	l.logger().Error(msg, args...)
}

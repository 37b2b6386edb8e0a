// internal/utils/logger.go
package utils

import (
	"sync"

	"go.uber.org/zap"
)

// Logger is a thin facade over zap kept call-site compatible with the
// field-map style the rest of the codebase logs with:
// utils.GetLogger().Warn(msg, map[string]interface{}{...}).
type Logger struct {
	z *zap.SugaredLogger
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger returns the global logger instance, building a production zap
// logger on first use.
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		z, err := zap.NewProduction()
		if err != nil {
			z = zap.NewNop()
		}
		globalLogger = &Logger{z: z.Sugar()}
	})
	return globalLogger
}

// InitLogger swaps the global logger for one writing at the given level to
// the given file path, in addition to stderr. Safe to call once at process
// startup; a no-op logFile keeps the default production logger.
func InitLogger(logFile string, development bool) error {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	if logFile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logFile)
	}
	z, err := cfg.Build()
	if err != nil {
		return err
	}
	loggerOnce.Do(func() {}) // ensure Once is spent so GetLogger never rebuilds
	globalLogger = &Logger{z: z.Sugar()}
	return nil
}

func (l *Logger) with(fields map[string]interface{}) *zap.SugaredLogger {
	if len(fields) == 0 {
		return l.z
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.z.With(args...)
}

func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.with(fields).Debug(message)
}

func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.with(fields).Info(message)
}

func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.with(fields).Warn(message)
}

func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.with(fields).Error(message)
}

func (l *Logger) Fatal(message string, fields map[string]interface{}) {
	l.with(fields).Fatal(message)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.z.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.z.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.z.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.z.Errorf(format, args...) }

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// pkg/logger/global.go
package logger

import "time"

var globalLogger *Logger

func InitGlobal(logPath, logLevel string, debug bool) error {
	var err error
	globalLogger, err = NewLogger(logPath, logLevel, debug)
	return err
}

func GetLogger() *Logger {
	return globalLogger
}

// Глобальные методы для удобства
func Debug(format string, v ...interface{}) {
	if globalLogger != nil {
		globalLogger.Debug(format, v...)
	}
}

func Info(format string, v ...interface{}) {
	if globalLogger != nil {
		globalLogger.Info(format, v...)
	}
}

func Warn(format string, v ...interface{}) {
	if globalLogger != nil {
		globalLogger.Warn(format, v...)
	}
}

func Error(format string, v ...interface{}) {
	if globalLogger != nil {
		globalLogger.Error(format, v...)
	}
}

func Status(title string, stats map[string]string) {
	if globalLogger != nil {
		globalLogger.Status(title, stats)
	}
}

func Sync(symbol, timeframe string, merged int, elapsed time.Duration) {
	if globalLogger != nil {
		globalLogger.Sync(symbol, timeframe, merged, elapsed)
	}
}

package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Global logger instance
var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
	component     string
)

// Initialize default logger instance
func init() {
	logger, err := New(DefaultConfig())
	if err != nil {
		// If initialization fails, use standard log
		log.Printf("Failed to initialize default logger: %v, using standard log", err)
		return
	}

	defaultLogger = logger
}

func current() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// InitFromConfig initializes the logger from configuration
func InitFromConfig(level, format, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()

	logger, err := New(LoggerConfig{
		Level:      logLevel,
		Format:     format,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
		Component:  component,
	})
	if err != nil {
		return err
	}

	if defaultLogger != nil {
		defaultLogger.Close()
	}
	defaultLogger = logger
	return nil
}

// SetComponent tags all output of the default logger with a component identifier
func SetComponent(id string) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	component = id
	if defaultLogger != nil {
		defaultLogger.SetComponent(id)
	}
}

// SetLevel changes the level of the default logger
func SetLevel(level string) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	if l := current(); l != nil {
		l.SetLevel(logLevel)
	}
	return nil
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s, using default level INFO", level)
	}
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Debug(format, args...)
	} else {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Info(format, args...)
	} else {
		log.Printf("[INFO] "+format, args...)
	}
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Warn(format, args...)
	} else {
		log.Printf("[WARN] "+format, args...)
	}
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Error(format, args...)
	} else {
		log.Printf("[ERROR] "+format, args...)
	}
}

// Close closes the logger
func Close() error {
	if l := current(); l != nil {
		return l.Close()
	}
	return nil
}

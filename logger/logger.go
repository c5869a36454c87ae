package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the log level
type LogLevel int

const (
	// DEBUG level
	DEBUG LogLevel = iota
	// INFO level
	INFO
	// WARN level
	WARN
	// ERROR level
	ERROR
)

// String representation of log levels
var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger represents the logger
type Logger struct {
	zl    zerolog.Logger
	level LogLevel
	file  *rotatingFile
	mu    sync.Mutex
}

// LoggerConfig represents the configuration for the logger
type LoggerConfig struct {
	// Log level
	Level LogLevel
	// Output format for the console: "console" or "json"
	Format string
	// Log file path, empty disables file output
	FilePath string
	// Maximum log file size in MB
	MaxSize int
	// Maximum number of backups
	MaxBackups int
	// Whether to log to console
	Console bool
	// Component identifier attached to every line
	Component string
}

// DefaultConfig returns default logger configuration
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      INFO,
		Format:     "console",
		MaxSize:    10, // 10MB
		MaxBackups: 5,
		Console:    true,
	}
}

// New creates a new logger
func New(config LoggerConfig) (*Logger, error) {
	var writers []io.Writer

	if config.Console {
		if config.Format == "json" {
			writers = append(writers, os.Stdout)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: "2006-01-02 15:04:05.000",
			})
		}
	}

	var file *rotatingFile
	if config.FilePath != "" {
		var err error
		file, err = openRotatingFile(config.FilePath, config.MaxSize, config.MaxBackups)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	var output io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		output = writers[0]
	default:
		output = zerolog.MultiLevelWriter(writers...)
	}

	zctx := zerolog.New(output).Level(config.Level.zerolog()).With().Timestamp()
	if config.Component != "" {
		zctx = zctx.Str("component", config.Component)
	}

	return &Logger{
		zl:    zctx.Logger(),
		level: config.Level,
		file:  file,
	}, nil
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.zl = l.zl.Level(level.zerolog())
}

// Level returns the current log level
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetComponent tags every subsequent line with the component identifier
func (l *Logger) SetComponent(component string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.zl = l.zl.With().Str("component", component).Logger()
}

// log is the internal method for logging
func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	if level < l.level {
		l.mu.Unlock()
		return
	}
	zl := l.zl
	l.mu.Unlock()

	// frames: log, Logger.<Level>, package-level <Level>, caller
	zl.WithLevel(level.zerolog()).Caller(3).Msgf(format, args...)
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs info level messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs error level messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Close closes the logger
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// rotatingFile is a size-bounded log file that rolls over to timestamped backups
type rotatingFile struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	maxSize     int64 // Unit: bytes
	maxBackups  int
	currentSize int64
}

func openRotatingFile(path string, maxSizeMB, maxBackups int) (*rotatingFile, error) {
	// Ensure log directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to get log file info: %v", err)
	}

	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}

	return &rotatingFile{
		file:        file,
		path:        path,
		maxSize:     int64(maxSizeMB) * 1024 * 1024,
		maxBackups:  maxBackups,
		currentSize: info.Size(),
	}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}

	n, err := r.file.Write(p)
	r.currentSize += int64(n)
	if err != nil {
		return n, err
	}

	if r.currentSize >= r.maxSize {
		r.rotate()
	}
	return n, nil
}

// rotate rotates the log file, must be called with r.mu held
func (r *rotatingFile) rotate() {
	r.file.Close()

	timestamp := time.Now().Format("20060102-150405")
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.%s%s", name, timestamp, ext))

	os.Rename(r.path, backupPath)
	r.cleanOldLogs()

	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create new log file: %v\n", err)
		r.file = nil
		return
	}

	r.file = file
	r.currentSize = 0
}

// cleanOldLogs removes the oldest backups beyond maxBackups
func (r *rotatingFile) cleanOldLogs() {
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]

	matches, err := filepath.Glob(filepath.Join(dir, name+".*"+ext))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to find old log files: %v\n", err)
		return
	}
	if len(matches) <= r.maxBackups {
		return
	}

	type fileInfo struct {
		path string
		time time.Time
	}
	files := make([]fileInfo, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{match, info.ModTime()})
	}

	// oldest first
	sort.Slice(files, func(i, j int) bool { return files[i].time.Before(files[j].time) })

	for i := 0; i < len(files)-r.maxBackups; i++ {
		os.Remove(files[i].path)
	}
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

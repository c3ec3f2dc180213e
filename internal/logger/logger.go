package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// ********************************************************
// ********* LOGGING **************************************
// ********************************************************

type LogLevel int

const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorOrange  = "\033[38;5;208m"
)

const (
	DEBUG LogLevel = iota
	INFO
	INFORM
	HIGHLIGHT
	WARN
	ERROR
	FATAL
)

type Logger struct {
	mu          sync.Mutex
	infoLogger  *log.Logger
	errorLogger *log.Logger
	level       LogLevel
	colour      bool
	logFile     *os.File
}

var (
	defaultLogger = NewLogger(INFO)
	showDateTime  bool
)

func NewLogger(level LogLevel) *Logger {
	return &Logger{
		infoLogger:  log.New(os.Stdout, "", 0),
		errorLogger: log.New(os.Stderr, "", 0),
		level:       level,
		colour:      true,
	}
}

func flags() int {
	if showDateTime {
		return log.Ldate | log.Ltime
	}
	return 0
}

// SetShowDateTime toggles the date/time prefix on every line
func SetShowDateTime(value bool) {
	showDateTime = value
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.infoLogger.SetFlags(flags())
	defaultLogger.errorLogger.SetFlags(flags())
}

// SetLevel sets the minimum level that will be written
func SetLevel(level LogLevel) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
}

// GetLevel returns the current minimum level
func GetLevel() LogLevel {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.level
}

// SetOutput sends every level to w and disables colour codes.
// Used by tests and by the stdio server, whose stdout belongs to the protocol.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.closeFile()
	defaultLogger.infoLogger = log.New(w, "", flags())
	defaultLogger.errorLogger = log.New(w, "", flags())
	defaultLogger.colour = false
}

// SetLogFile appends all log output to the file at path
func SetLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.closeFile()
	defaultLogger.logFile = f
	defaultLogger.infoLogger = log.New(f, "", flags())
	defaultLogger.errorLogger = log.New(f, "", flags())
	defaultLogger.colour = false
	return nil
}

func (l *Logger) closeFile() {
	if l.logFile != nil {
		l.logFile.Close()
		l.logFile = nil
	}
}

// ParseLevel converts a config string such as "warn" into a LogLevel
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "INFORM":
		return INFORM, nil
	case "HIGHLIGHT":
		return HIGHLIGHT, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

func (l *Logger) log(level LogLevel, format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file = "unknown"
		line = 0
	}
	file = filepath.Base(file)

	msg := format
	var jsonObjects []string
	if len(v) > 0 {
		var primitives []string
		primitives, jsonObjects = processArgs(v...)
		if len(primitives) > 0 {
			msg = fmt.Sprintf(format+" %s", strings.Join(primitives, " "))
		}
	}

	start, end := "", ""
	if l.colour {
		start, end = level.colour(), colorReset
	}

	out := l.infoLogger
	if level >= ERROR {
		out = l.errorLogger
	}
	out.Printf("[%s] %s:%d: %s%s%s", level.String(), file, line, start, msg, end)
	for _, obj := range jsonObjects {
		out.Printf("[%s] %s:%d: %s%s%s", level.String(), file, line, start, obj, end)
	}
}

func (l LogLevel) colour() string {
	switch l {
	case DEBUG:
		return colorBlue
	case INFO:
		return colorGreen
	case INFORM:
		return colorMagenta
	case HIGHLIGHT:
		return colorCyan
	case WARN:
		return colorYellow
	case ERROR:
		return colorOrange
	case FATAL:
		return colorRed
	default:
		return colorReset
	}
}

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case INFORM:
		return "INFORM"
	case HIGHLIGHT:
		return "HIGHLIGHT"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// processArgs formats primitive arguments inline and marshals anything else
// to indented JSON, printed on its own line after the message
func processArgs(args ...any) ([]string, []string) {
	var primitives []string
	var jsonObjects []string

	for _, arg := range args {
		if isPrimitive(arg) {
			primitives = append(primitives, formatPrimitive(arg))
			continue
		}
		jsonBytes, err := json.MarshalIndent(arg, "", "  ")
		if err != nil {
			primitives = append(primitives, fmt.Sprintf("%v", arg))
			continue
		}
		primitives = append(primitives, fmt.Sprintf("[Object of type %s]", reflect.TypeOf(arg)))
		jsonObjects = append(jsonObjects, string(jsonBytes))
	}
	return primitives, jsonObjects
}

func formatPrimitive(arg any) string {
	switch v := arg.(type) {
	case float32:
		return fmt.Sprintf("%.4f", v)
	case float64:
		return fmt.Sprintf("%.4f", v)
	case string:
		return v
	case error:
		return v.Error()
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func isPrimitive(v any) bool {
	if v == nil {
		return true
	}
	switch v.(type) {
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, error:
		return true
	default:
		return false
	}
}

// Convenience methods using the default logger
func Debug(format string, v ...any) {
	defaultLogger.log(DEBUG, format, v...)
}

func Info(format string, v ...any) {
	defaultLogger.log(INFO, format, v...)
}

func Inform(format string, v ...any) {
	defaultLogger.log(INFORM, format, v...)
}

func Highlight(format string, v ...any) {
	defaultLogger.log(HIGHLIGHT, format, v...)
}

func Warn(format string, v ...any) {
	defaultLogger.log(WARN, format, v...)
}

func Error(format string, v ...any) {
	defaultLogger.log(ERROR, format, v...)
}

func Fatal(format string, v ...any) {
	defaultLogger.log(FATAL, format, v...)
	os.Exit(1)
}

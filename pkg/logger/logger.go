// Package logger provides a small leveled logger with per-component tagging.
//
// Log lines go to stderr and, when EnableFile is called, to a daily rotated
// file under the configured directory (logs/2026-08-27.log style).
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	mu       sync.Mutex
	minLevel = INFO
	fileDir  string
	file     *os.File
	fileDay  string
)

// SetLevel sets the minimum level that will be emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// EnableFile turns on the daily file sink under dir. File logging is
// best-effort; a failure to open the file only disables the sink.
func EnableFile(dir string) {
	mu.Lock()
	defer mu.Unlock()
	fileDir = dir
}

// Close releases the file sink, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
	}
	fileDir = ""
}

func DebugC(component, msg string)                     { log(DEBUG, component, msg, nil) }
func InfoC(component, msg string)                      { log(INFO, component, msg, nil) }
func WarnC(component, msg string)                      { log(WARN, component, msg, nil) }
func ErrorC(component, msg string)                     { log(ERROR, component, msg, nil) }
func DebugCF(component, msg string, f map[string]any)  { log(DEBUG, component, msg, f) }
func InfoCF(component, msg string, f map[string]any)   { log(INFO, component, msg, f) }
func WarnCF(component, msg string, f map[string]any)   { log(WARN, component, msg, f) }
func ErrorCF(component, msg string, f map[string]any)  { log(ERROR, component, msg, f) }

func log(l Level, component, msg string, fields map[string]any) {
	mu.Lock()
	defer mu.Unlock()
	if l < minLevel {
		return
	}

	now := time.Now()
	line := fmt.Sprintf("%s [%s] [%s] %s%s",
		now.Format("2006-01-02 15:04:05"), l, component, msg, formatFields(fields))

	fmt.Fprintln(os.Stderr, line)

	if fileDir == "" {
		return
	}
	day := now.Format("2006-01-02")
	if file == nil || day != fileDay {
		if file != nil {
			file.Close()
			file = nil
		}
		if err := os.MkdirAll(fileDir, 0o755); err != nil {
			fileDir = ""
			return
		}
		f, err := os.OpenFile(filepath.Join(fileDir, day+".log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fileDir = ""
			return
		}
		file = f
		fileDay = day
	}
	fmt.Fprintln(file, line)
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(" {")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", k, fields[k])
	}
	b.WriteString("}")
	return b.String()
}

package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a log severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// Format represents the output format for log messages.
type Format int

const (
	FormatNormal Format = iota
	FormatJSON
)

const redactedMark = "****"

// ParseLevel converts a string to a Level. Case-insensitive. Defaults to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// ParseFormat converts a string to a Format. Case-insensitive. Defaults to FormatNormal.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON
	default:
		return FormatNormal
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "???"
	}
}

func (l Level) jsonString() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// KV is an ordered key-value pair for structured event logging.
type KV struct {
	Key   string
	Value string
}

// sink is the state shared by a logger and all of its named children.
type sink struct {
	mu      sync.Mutex
	level   Level
	format  Format
	file    io.Writer // nil if no log file
	stdout  io.Writer
	stderr  io.Writer
	secrets []string
}

// Logger provides leveled, dual-output logging.
//
// Without a log file:
//   - DEBUG/INFO messages → stdout
//   - WARN/ERROR/FATAL messages → stderr
//   - Event messages → stdout
//
// With a log file:
//   - All messages (at or above level) → file
//   - Event messages additionally → stdout
//   - WARN/ERROR/FATAL additionally → stderr
//
// Registered secrets are masked in every message and event value.
type Logger struct {
	sink      *sink
	component string
}

// New creates a Logger at the given level with no file output.
func New(level Level) *Logger {
	return &Logger{sink: &sink{level: level, stdout: os.Stdout, stderr: os.Stderr}}
}

// Discard returns a Logger that drops everything, events included.
func Discard() *Logger {
	return &Logger{sink: &sink{level: LevelFatal + 1, stdout: io.Discard, stderr: io.Discard}}
}

// Named returns a child logger that tags its messages with component.
// Children share level, format, outputs and secrets with the parent.
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{sink: l.sink, component: name}
}

// SetFormat sets the output format (normal or JSON).
func (l *Logger) SetFormat(f Format) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.format = f
}

// SetFile sets the log file writer. Pass nil to disable file logging.
func (l *Logger) SetFile(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.file = w
}

// SetOutput replaces the console writers (stdout and stderr by default).
func (l *Logger) SetOutput(stdout, stderr io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.stdout = stdout
	l.sink.stderr = stderr
}

// HasFile reports whether a log file is configured.
func (l *Logger) HasFile() bool {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.file != nil
}

// Redact registers a secret that must never be printed. Empty strings are ignored.
func (l *Logger) Redact(secret string) {
	if secret == "" {
		return
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	for _, s := range l.sink.secrets {
		if s == secret {
			return
		}
	}
	l.sink.secrets = append(l.sink.secrets, secret)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(format string, args ...any) { l.emit(LevelDebug, format, args...) }

// Info logs at INFO level.
func (l *Logger) Info(format string, args ...any) { l.emit(LevelInfo, format, args...) }

// Warn logs at WARN level.
func (l *Logger) Warn(format string, args ...any) { l.emit(LevelWarn, format, args...) }

// Error logs at ERROR level.
func (l *Logger) Error(format string, args ...any) { l.emit(LevelError, format, args...) }

// Fatal logs at FATAL level then exits.
func (l *Logger) Fatal(format string, args ...any) {
	l.emit(LevelFatal, format, args...)
	os.Exit(1)
}

// Event emits a structured lifecycle event with ordered key-value pairs.
// Events always emit regardless of log level.
//
// Normal format: 2006/01/02 15:04:05 [EVENT] RUN START run=4f1c... source=https://...
// JSON format:   {"time":"...","event":"RUN START","run":"4f1c...","source":"https://..."}
func (l *Logger) Event(event string, kvs ...KV) {
	now := time.Now()

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	var line string
	if l.sink.format == FormatJSON {
		obj := map[string]any{
			"time":  now.Format(time.RFC3339),
			"event": event,
		}
		if l.component != "" {
			obj["component"] = l.component
		}
		for _, kv := range kvs {
			obj[kv.Key] = l.sink.mask(kv.Value)
		}
		b, _ := json.Marshal(obj)
		line = string(b)
	} else {
		var sb strings.Builder
		sb.WriteString(now.Format("2006/01/02 15:04:05"))
		sb.WriteString(" [EVENT] ")
		sb.WriteString(event)
		for _, kv := range kvs {
			sb.WriteByte(' ')
			sb.WriteString(kv.Key)
			sb.WriteByte('=')
			sb.WriteString(l.sink.mask(kv.Value))
		}
		line = sb.String()
	}

	if l.sink.file != nil {
		fmt.Fprintln(l.sink.file, line)
	}
	fmt.Fprintln(l.sink.stdout, line)
}

// Writer returns a line-buffered writer that logs each complete line at the
// given level. Carriage returns also terminate a line, so ffmpeg progress
// output is logged line by line. Close flushes a trailing partial line.
func (l *Logger) Writer(level Level) *LineWriter {
	return &LineWriter{logger: l, level: level}
}

func (l *Logger) emit(level Level, format string, args ...any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if level < l.sink.level {
		return
	}

	msg := l.sink.mask(fmt.Sprintf(format, args...))
	now := time.Now()

	var line string
	if l.sink.format == FormatJSON {
		obj := map[string]any{
			"time":    now.Format(time.RFC3339),
			"level":   level.jsonString(),
			"message": msg,
		}
		if l.component != "" {
			obj["component"] = l.component
		}
		b, _ := json.Marshal(obj)
		line = string(b)
	} else {
		ts := now.Format("2006/01/02 15:04:05")
		if l.component != "" {
			line = fmt.Sprintf("%s [%s] %s: %s", ts, level, l.component, msg)
		} else {
			line = fmt.Sprintf("%s [%s] %s", ts, level, msg)
		}
	}

	if l.sink.file != nil {
		fmt.Fprintln(l.sink.file, line)
		if level >= LevelWarn {
			fmt.Fprintln(l.sink.stderr, line)
		}
		return
	}
	if level >= LevelWarn {
		fmt.Fprintln(l.sink.stderr, line)
	} else {
		fmt.Fprintln(l.sink.stdout, line)
	}
}

// mask must be called with s.mu held.
func (s *sink) mask(msg string) string {
	for _, secret := range s.secrets {
		msg = strings.ReplaceAll(msg, secret, redactedMark)
	}
	return msg
}

// LineWriter adapts a Logger to io.Writer for subprocess output.
type LineWriter struct {
	logger *Logger
	level  Level

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(data[:i]))
		w.buf.Next(i + 1)
		if line != "" {
			w.logger.emit(w.level, "%s", line)
		}
	}
	return len(p), nil
}

// Close logs whatever partial line is still buffered.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if line := strings.TrimSpace(w.buf.String()); line != "" {
		w.logger.emit(w.level, "%s", line)
	}
	w.buf.Reset()
	return nil
}

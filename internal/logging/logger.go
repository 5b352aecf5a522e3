// Package logging provides the leveled logger used by the ldcstream
// binaries. Library packages take a plain *log.Logger; the commands
// build one of these for operator-facing output.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

// Level is a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ParseLevel converts a string to a Level. An empty string means Info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	}
	return Level(0), fmt.Errorf("unsupported log level %q", s)
}

// Format controls how entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
)

// ParseFormat converts a string to a Format. An empty string means Text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return Text, nil
	case "json":
		return JSON, nil
	}
	return Format(0), fmt.Errorf("unsupported log format %q", s)
}

// Field is one structured key/value pair.
type Field struct {
	Key   string
	Value any
}

// Logger defines leveled structured logging operations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

type baseLogger struct {
	level  Level
	format Format
	fields []Field
	out    *log.Logger
}

// New constructs a Logger writing entries at or above level to out.
func New(level Level, format Format, out io.Writer) Logger {
	return &baseLogger{
		level:  level,
		format: format,
		out:    log.New(out, "", log.LstdFlags),
	}
}

func (l *baseLogger) With(fields ...Field) Logger {
	combined := make([]Field, 0, len(l.fields)+len(fields))
	combined = append(combined, l.fields...)
	combined = append(combined, fields...)
	return &baseLogger{level: l.level, format: l.format, fields: combined, out: l.out}
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.emit(Debug, msg, fields) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.emit(Info, msg, fields) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.emit(Warn, msg, fields) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.emit(Error, msg, fields) }

func (l *baseLogger) emit(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	all := append(append([]Field{}, l.fields...), fields...)
	if l.format == JSON {
		payload := map[string]any{
			"time":  time.Now().Format(time.RFC3339Nano),
			"level": level.String(),
			"msg":   msg,
		}
		for _, f := range all {
			if f.Key != "" {
				payload[f.Key] = f.Value
			}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			l.out.Printf("[ERROR] marshal log payload: %v", err)
			return
		}
		l.out.Print(string(data))
		return
	}

	if len(all) == 0 {
		l.out.Printf("[%s] %s", level, msg)
		return
	}
	var b strings.Builder
	for _, f := range all {
		if f.Key == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", f.Key, f.Value)
	}
	l.out.Printf("[%s] %s %s", level, msg, b.String())
}

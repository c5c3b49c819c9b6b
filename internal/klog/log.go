// Package klog is the kernel's structured logger. It supports the two wire
// formats observed in the source material: a syslog-like
// "MMM dd HH:MM:SS LEVEL COMPONENT : message" line and a compact bracketed
// "[HH:MM:SS|LEVEL|COMPONENT] message" line. Neither format is load-bearing;
// callers that only care about diagnostics can ignore the distinction.
package klog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Fatal
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Format selects the wire format used by Logger.Printf.
type Format int

const (
	// Syslog renders "MMM dd HH:MM:SS LEVEL COMPONENT : message".
	Syslog Format = iota
	// Bracket renders "[HH:MM:SS|LEVEL|COMPONENT] message".
	Bracket
)

// Logger writes leveled, componentized log lines to a sink. The zero value
// is not usable; construct one with New.
type Logger struct {
	mu        sync.Mutex
	sink      io.Writer
	format    Format
	component string
	now       func() time.Time
}

// New returns a Logger that tags every line with component (conventionally
// the source package name, upper-cased) and writes to sink using format.
func New(sink io.Writer, component string, format Format) *Logger {
	return &Logger{
		sink:      sink,
		format:    format,
		component: strings.ToUpper(component),
		now:       time.Now,
	}
}

// Default returns a Logger writing to os.Stderr in Bracket format, tagged
// with component.
func Default(component string) *Logger {
	return New(os.Stderr, component, Bracket)
}

// Printf writes one formatted log line at the given level.
func (l *Logger) Printf(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.format {
	case Syslog:
		fmt.Fprintf(l.sink, "%s %s %s : %s\n", now.Format("Jan 02 15:04:05"), level, l.component, msg)
	default:
		fmt.Fprintf(l.sink, "[%s|%s|%s] %s\n", now.Format("15:04:05"), level, l.component, msg)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.Printf(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.Printf(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.Printf(Warn, format, args...) }

// Fatalf logs at Fatal and panics. Kernel policy (§7) is that
// programmer errors and unhandled hardware anomalies are fatal: the panic
// handler masks interrupts, logs, and halts each CPU. In this host-side
// simulation, panic is the halt.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.Printf(Fatal, format, args...)
	panic(fmt.Sprintf("%s: %s", l.component, fmt.Sprintf(format, args...)))
}

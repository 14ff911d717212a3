package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a leveled key/value logger. Arguments after the message are
// read as alternating keys and values.
type Logger struct {
	entry *logrus.Entry
}

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

func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "warn":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case DEBUG:
		return logrus.DebugLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

type Options struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

func NewLogger(level string) *Logger {
	return New(Options{Level: level})
}

func New(opts Options) *Logger {
	base := logrus.New()
	base.SetLevel(ParseLevel(opts.Level).logrus())
	if opts.Output != nil {
		base.SetOutput(opts.Output)
	} else {
		base.SetOutput(os.Stderr)
	}
	if opts.Format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return &Logger{entry: logrus.NewEntry(base)}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(base)}
}

// With returns a child logger that adds the given key/value pairs to every entry.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(fields(args))}
}

func fields(args []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 < len(args) {
			f[key] = args[i+1]
		} else {
			f["extra"] = args[i]
		}
	}
	return f
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if l == nil {
		return
	}
	e := l.entry
	if len(args) > 0 {
		e = e.WithFields(fields(args))
	}
	e.Log(level.logrus(), msg)
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(DEBUG, msg, args...)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(INFO, msg, args...)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(WARN, msg, args...)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(ERROR, msg, args...)
}

func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log(ERROR, msg, args...)
	os.Exit(1)
}

// Package log provides logging services. All logging goes through this layer so that we can
// easily change the logging implementation.
//
// There is no package level logger. Components get a *Logger handed to them when they are
// constructed and fall back to Discard() when they don't.
package log

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type LogLevel int32

const (
	TraceLevel LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (level LogLevel) String() string {
	if level < TraceLevel || level > FatalLevel {
		return "unknown"
	}
	return [...]string{"trace", "debug", "info", "warn", "error", "fatal"}[level]
}

// Logger writes trace, debug and info to one writer and warn, error and fatal to another.
// Derived loggers (WithField) share the level with their parent.
type Logger struct {
	level  *int32
	info   *logrus.Logger
	err    *logrus.Logger
	fields logrus.Fields
}

func newBackend(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.TraceLevel) // filtering happens in Logger.
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
	return l
}

func NewLogger(infoOutput, errorOutput io.Writer) *Logger {
	level := int32(InfoLevel)
	return &Logger{
		level:  &level,
		info:   newBackend(infoOutput),
		err:    newBackend(errorOutput),
		fields: logrus.Fields{},
	}
}

func NewWithPrefix(infoOutput, errorOutput io.Writer, prefix string) *Logger {
	return NewLogger(infoOutput, errorOutput).WithField("module", prefix)
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewLogger(io.Discard, io.Discard)
}

// WithField returns a child logger that adds key=value to every line.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	fields := make(logrus.Fields, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Logger{
		level:  l.level,
		info:   l.info,
		err:    l.err,
		fields: fields,
	}
}

func (l *Logger) enabled(level LogLevel) bool {
	return LogLevel(atomic.LoadInt32(l.level)) <= level
}

func (l *Logger) entry(level LogLevel) *logrus.Entry {
	if level >= WarnLevel {
		return l.err.WithFields(l.fields)
	}
	return l.info.WithFields(l.fields)
}

func (l *Logger) log(level LogLevel, msg string) {
	if !l.enabled(level) {
		return
	}
	e := l.entry(level)
	switch level {
	case TraceLevel:
		e.Trace(msg)
	case DebugLevel:
		e.Debug(msg)
	case InfoLevel:
		e.Info(msg)
	case WarnLevel:
		e.Warn(msg)
	default:
		e.Error(msg)
	}
}

func (l *Logger) Printf(format string, v ...interface{}) {
	l.log(InfoLevel, fmt.Sprintf(format, v...))
}

func (l *Logger) Tracef(format string, v ...interface{}) {
	l.log(TraceLevel, fmt.Sprintf(format, v...))
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.log(DebugLevel, fmt.Sprintf(format, v...))
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.log(InfoLevel, fmt.Sprintf(format, v...))
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.log(WarnLevel, fmt.Sprintf(format, v...))
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.log(ErrorLevel, fmt.Sprintf(format, v...))
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.entry(FatalLevel).Fatalf(format, v...)
}

func (l *Logger) Trace(v ...interface{}) {
	l.log(TraceLevel, fmt.Sprint(v...))
}

func (l *Logger) Debug(v ...interface{}) {
	l.log(DebugLevel, fmt.Sprint(v...))
}

func (l *Logger) Info(v ...interface{}) {
	l.log(InfoLevel, fmt.Sprint(v...))
}

func (l *Logger) Warn(v ...interface{}) {
	l.log(WarnLevel, fmt.Sprint(v...))
}

func (l *Logger) Error(v ...interface{}) {
	l.log(ErrorLevel, fmt.Sprint(v...))
}

func (l *Logger) Fatal(v ...interface{}) {
	l.entry(FatalLevel).Fatal(v...)
}

func (l *Logger) SetLevelFromString(level string) error {
	switch level {
	case "": // Default choice.
		l.SetLevel(InfoLevel)
	case "trace":
		l.SetLevel(TraceLevel)
	case "debug":
		l.SetLevel(DebugLevel)
	case "info":
		l.SetLevel(InfoLevel)
	case "warn":
		l.SetLevel(WarnLevel)
	case "error":
		l.SetLevel(ErrorLevel)
	default:
		return fmt.Errorf("unknown loglevel: %s", level)
	}
	return nil
}

func (l *Logger) SetLevel(level LogLevel) {
	atomic.StoreInt32(l.level, int32(level))
}

func (l *Logger) Level() LogLevel {
	return LogLevel(atomic.LoadInt32(l.level))
}

// Printer adapts the logger to the Printf/Println shape that paho's package loggers
// and kafka-go's Logger expect. Everything is written at the given level.
func (l *Logger) Printer(level LogLevel) Printer {
	return Printer{logger: l, level: level}
}

type Printer struct {
	logger *Logger
	level  LogLevel
}

func (p Printer) Printf(format string, v ...interface{}) {
	p.logger.log(p.level, fmt.Sprintf(format, v...))
}

func (p Printer) Println(v ...interface{}) {
	p.logger.log(p.level, fmt.Sprint(v...))
}

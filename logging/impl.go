package logging

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger writes entries to a set of appenders shared with its subloggers.
type logger struct {
	name      string
	level     AtomicLevel
	utc       bool
	appenders *appenderSet
}

func newLogger(name string, level Level, utc bool, appenders ...Appender) *logger {
	set := &appenderSet{}
	for _, a := range appenders {
		set.add(a)
	}
	return &logger{name: name, level: NewAtomicLevelAt(level), utc: utc, appenders: set}
}

func (l *logger) Sublogger(subname string) Logger {
	name := subname
	if l.name != "" {
		name = l.name + "." + subname
	}
	return &logger{name: name, level: l.level, utc: l.utc, appenders: l.appenders}
}

func (l *logger) AddAppender(appender Appender) {
	l.appenders.add(appender)
}

func (l *logger) SetLevel(level Level) {
	l.level.Set(level)
}

func (l *logger) Level() Level {
	return l.level.Get()
}

func (l *logger) enabled(level Level) bool {
	return level >= l.level.Get()
}

// write must be called directly by the exported logging methods so the caller lookup lands on
// the line that logged.
func (l *logger) write(level Level, msg string, keysAndValues []interface{}) {
	entry := zapcore.Entry{
		Level:      level.AsZap(),
		Time:       time.Now(),
		LoggerName: l.name,
		Message:    msg,
		Caller:     caller(2),
	}
	if l.utc {
		entry.Time = entry.Time.UTC()
	}
	fields := toFields(keysAndValues)
	for _, appender := range l.appenders.list() {
		if err := appender.Write(entry, fields); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

// toFields pairs up keys and values. A key without a value is kept with a marker value.
func toFields(keysAndValues []interface{}) []zapcore.Field {
	if len(keysAndValues) == 0 {
		return nil
	}
	fields := make([]zapcore.Field, 0, (len(keysAndValues)+1)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 == len(keysAndValues) {
			fields = append(fields, zap.String(key, "unpaired log key"))
			break
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}

// caller returns the location skip frames above its own caller.
func caller(skip int) zapcore.EntryCaller {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return zapcore.EntryCaller{}
	}
	c := zapcore.EntryCaller{Defined: true, PC: pc, File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		c.Function = fn.Name()
	}
	return c
}

func (l *logger) Debug(args ...interface{}) {
	if l.enabled(DEBUG) {
		l.write(DEBUG, fmt.Sprint(args...), nil)
	}
}

func (l *logger) Debugf(template string, args ...interface{}) {
	if l.enabled(DEBUG) {
		l.write(DEBUG, fmt.Sprintf(template, args...), nil)
	}
}

func (l *logger) Debugw(msg string, keysAndValues ...interface{}) {
	if l.enabled(DEBUG) {
		l.write(DEBUG, msg, keysAndValues)
	}
}

func (l *logger) Info(args ...interface{}) {
	if l.enabled(INFO) {
		l.write(INFO, fmt.Sprint(args...), nil)
	}
}

func (l *logger) Infof(template string, args ...interface{}) {
	if l.enabled(INFO) {
		l.write(INFO, fmt.Sprintf(template, args...), nil)
	}
}

func (l *logger) Infow(msg string, keysAndValues ...interface{}) {
	if l.enabled(INFO) {
		l.write(INFO, msg, keysAndValues)
	}
}

func (l *logger) Warn(args ...interface{}) {
	if l.enabled(WARN) {
		l.write(WARN, fmt.Sprint(args...), nil)
	}
}

func (l *logger) Warnf(template string, args ...interface{}) {
	if l.enabled(WARN) {
		l.write(WARN, fmt.Sprintf(template, args...), nil)
	}
}

func (l *logger) Warnw(msg string, keysAndValues ...interface{}) {
	if l.enabled(WARN) {
		l.write(WARN, msg, keysAndValues)
	}
}

func (l *logger) Error(args ...interface{}) {
	if l.enabled(ERROR) {
		l.write(ERROR, fmt.Sprint(args...), nil)
	}
}

func (l *logger) Errorf(template string, args ...interface{}) {
	if l.enabled(ERROR) {
		l.write(ERROR, fmt.Sprintf(template, args...), nil)
	}
}

func (l *logger) Errorw(msg string, keysAndValues ...interface{}) {
	if l.enabled(ERROR) {
		l.write(ERROR, msg, keysAndValues)
	}
}

package logx

import (
	"io"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
)

// callerSkip hides Logger.<Level> and Logger.write from the caller field.
const callerSkip = 2

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}
}

// sink yields the zerolog logger a Logger writes through. A Service is a
// sink whose logger changes on Apply.
type sink interface {
	current() *zerolog.Logger
}

type static struct{ zl zerolog.Logger }

func (s *static) current() *zerolog.Logger { return &s.zl }

// Logger is a cheap value handle. The zero value discards everything, so
// components can take a Logger without a nil check.
type Logger struct {
	sink   sink
	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{sink: &static{zl: zerolog.Nop()}} }

// NewWriter writes JSON lines to w. Tests use it to capture output.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(parseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger()
	return Logger{sink: &static{zl: zl}}
}

func (l Logger) IsZero() bool { return l.sink == nil && len(l.fields) == 0 }

// With returns a logger that adds fields to every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return l
}

// Component tags every line with comp=name.
func (l Logger) Component(name string) Logger { return l.With(String("comp", name)) }

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	if l.sink == nil {
		return
	}
	e := l.sink.current().WithLevel(level)
	if e == nil {
		return
	}
	e = e.Caller(callerSkip)
	for _, group := range [2][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

package libmux

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// zerologLogger adapts a zerolog.Logger to the logger interface. Fields
// added through WithField become structured zerolog fields.
type zerologLogger struct {
	zl zerolog.Logger
}

func NewZerologLogger(zl zerolog.Logger) logger {
	return &zerologLogger{zl: zl}
}

func (l *zerologLogger) WithField(key string, value any) logger {
	return &zerologLogger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l *zerologLogger) emit(ev *zerolog.Event, msg string) {
	ev.Msg(strings.TrimRight(msg, "\n"))
}

func (l *zerologLogger) Debug(args ...any) { l.emit(l.zl.Debug(), fmt.Sprint(args...)) }

func (l *zerologLogger) Debugf(format string, args ...any) {
	l.emit(l.zl.Debug(), fmt.Sprintf(format, args...))
}

func (l *zerologLogger) Debugln(args ...any) { l.emit(l.zl.Debug(), fmt.Sprintln(args...)) }

func (l *zerologLogger) Info(args ...any) { l.emit(l.zl.Info(), fmt.Sprint(args...)) }

func (l *zerologLogger) Infof(format string, args ...any) {
	l.emit(l.zl.Info(), fmt.Sprintf(format, args...))
}

func (l *zerologLogger) Infoln(args ...any) { l.emit(l.zl.Info(), fmt.Sprintln(args...)) }

func (l *zerologLogger) Warn(args ...any) { l.emit(l.zl.Warn(), fmt.Sprint(args...)) }

func (l *zerologLogger) Warnf(format string, args ...any) {
	l.emit(l.zl.Warn(), fmt.Sprintf(format, args...))
}

func (l *zerologLogger) Warnln(args ...any) { l.emit(l.zl.Warn(), fmt.Sprintln(args...)) }

func (l *zerologLogger) Error(args ...any) { l.emit(l.zl.Error(), fmt.Sprint(args...)) }

func (l *zerologLogger) Errorf(format string, args ...any) {
	l.emit(l.zl.Error(), fmt.Sprintf(format, args...))
}

func (l *zerologLogger) Errorln(args ...any) { l.emit(l.zl.Error(), fmt.Sprintln(args...)) }

// ZerologLevel maps a LogLevel to its zerolog counterpart.
func ZerologLevel(l LogLevel) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

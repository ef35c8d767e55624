package group

import (
	"github.com/mkerrin/gconsume/logger"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kgoLogger adapts logger.Logger to kgo.Logger so the client's internal
// protocol logging flows through the same structured logger as the rest
// of the consumer.
type kgoLogger struct {
	l logger.Logger
}

func newKgoLogger(l logger.Logger) kgo.Logger {
	return &kgoLogger{l: l.With("component", "kgo")}
}

func (k *kgoLogger) Level() kgo.LogLevel {
	switch k.l.Level() {
	case logger.DebugLevel:
		return kgo.LogLevelDebug
	case logger.InfoLevel:
		return kgo.LogLevelInfo
	case logger.WarnLevel:
		return kgo.LogLevelWarn
	case logger.ErrorLevel:
		return kgo.LogLevelError
	default:
		return kgo.LogLevelNone
	}
}

func (k *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelDebug:
		k.l.Debug(msg, keyvals...)
	case kgo.LogLevelInfo:
		k.l.Info(msg, keyvals...)
	case kgo.LogLevelWarn:
		k.l.Warn(msg, keyvals...)
	case kgo.LogLevelError:
		k.l.Error(msg, keyvals...)
	}
}

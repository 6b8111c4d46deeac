// Package pushutil provides small PushSubscriber building blocks:
// a func adapter so callers can subscribe with a bare function, and a
// logging wrapper for debugging push streams.
package pushutil

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/amrlink/amrlink/pkg/amrlink"
)

// LoggingSubscriber logs every delivery, optionally forwarding to a
// wrapped subscriber. With a nil wrapped subscriber it acts as a
// standalone tap on the push stream.
type LoggingSubscriber struct {
	wrapped amrlink.PushSubscriber
	logger  *zap.Logger
	level   zapcore.Level
}

// NewLoggingSubscriber creates a LoggingSubscriber around wrapped,
// which may be nil.
func NewLoggingSubscriber(wrapped amrlink.PushSubscriber, logger *zap.Logger, level zapcore.Level) *LoggingSubscriber {
	return &LoggingSubscriber{
		wrapped: wrapped,
		logger:  logger,
		level:   level,
	}
}

// OnPush logs the frame and forwards it to the wrapped subscriber if
// one is present.
func (l *LoggingSubscriber) OnPush(ctx context.Context, code uint16, payload []byte) error {
	l.logger.Log(l.level, "push frame",
		zap.Uint16("code", code),
		zap.Int("bytes", len(payload)),
		zap.ByteString("payload", payload))

	if l.wrapped != nil {
		return l.wrapped.OnPush(ctx, code, payload)
	}
	return nil
}

// OnStreamEnd logs the termination and forwards it.
func (l *LoggingSubscriber) OnStreamEnd(err error) {
	l.logger.Log(l.level, "push stream ended", zap.Error(err))

	if l.wrapped != nil {
		l.wrapped.OnStreamEnd(err)
	}
}

package microvm

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blacktop/go-microvm/internal/wire"
)

var (
	logger   = zap.NewNop()
	loggerMu sync.RWMutex
)

// SetLogger replaces the package logger. Sandboxes created afterwards log
// through it unless WithLogger overrides it. A nil logger disables logging.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// Logger returns the package logger.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// guestLevel maps a guest log level onto a zap level.
func guestLevel(l wire.LogLevel) zapcore.Level {
	switch l {
	case wire.LogTrace, wire.LogDebug:
		return zapcore.DebugLevel
	case wire.LogInfo:
		return zapcore.InfoLevel
	case wire.LogWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func logGuestRecord(log *zap.Logger, rec wire.GuestLogData) {
	if ce := log.Check(guestLevel(rec.Level), rec.Message); ce != nil {
		ce.Write(
			zap.String("source", "guest"),
			zap.Stringer("guest_level", rec.Level),
			zap.String("guest_source", rec.Source),
			zap.String("caller", rec.Caller),
			zap.String("file", rec.File),
			zap.Uint32("line", rec.Line),
		)
	}
}

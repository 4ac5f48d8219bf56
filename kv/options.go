package kv

import (
	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
)

// engineLogger wraps the structured logger an Engine was configured
// with, translating lifecycle events into the teacher's level/field
// conventions. A nil *zap.Logger is never stored; newEngineLogger
// replaces it with zap.NewNop() so call sites never have to nil-check.
type engineLogger struct {
	z *zap.Logger
}

func newEngineLogger(z *zap.Logger) *engineLogger {
	if z == nil {
		z = zap.NewNop()
	}
	return &engineLogger{z: z}
}

func (l *engineLogger) indexCreated(name string, keySize int) {
	l.z.Info("index created",
		zap.String("index", name),
		zap.Stringer("key_size", datasize.ByteSize(keySize)),
	)
}

func (l *engineLogger) indexDeleted(name string) {
	l.z.Info("index deleted", zap.String("index", name))
}

func (l *engineLogger) txBegin(id uint32) {
	l.z.Debug("transaction begin", zap.Uint32("tx", id))
}

func (l *engineLogger) txCommitted(id uint32) {
	l.z.Debug("transaction committed", zap.Uint32("tx", id))
}

func (l *engineLogger) txAborted(id uint32, reason string) {
	l.z.Debug("transaction aborted", zap.Uint32("tx", id), zap.String("reason", reason))
}

func (l *engineLogger) deadlockVictim(id uint32) {
	l.z.Warn("deadlock detected, victim chosen", zap.Uint32("tx", id))
}

// Option configures an Engine at construction time.
type Option func(*engineConfig)

type engineConfig struct {
	logger         *zap.Logger
	boundCacheSize int
}

func defaultConfig() *engineConfig {
	return &engineConfig{
		logger:         zap.NewNop(),
		boundCacheSize: 256,
	}
}

// WithLogger attaches a zap logger to the engine; all lifecycle events
// (index create/delete, transaction begin/commit/abort, deadlock
// victims) are logged through it. The default is a no-op logger.
func WithLogger(z *zap.Logger) Option {
	return func(c *engineConfig) { c.logger = z }
}

// WithBoundCacheSize sets how many distinct (schema, wildcard-pattern,
// side) bound-template shapes the Codec caches. The default is 256.
func WithBoundCacheSize(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.boundCacheSize = n
		}
	}
}

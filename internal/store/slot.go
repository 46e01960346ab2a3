package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/youruser/newsgpt/internal/config"
	"github.com/youruser/newsgpt/internal/logging"
)

// Sentinel errors for expected conditions.
var (
	ErrSlotEmpty   = errors.New("slot is empty")
	ErrSlotLocked  = errors.New("transcript store is locked by another process")
	ErrInvalidKey  = errors.New("invalid slot key")
	ErrCorrupt     = errors.New("persisted transcript is corrupt")
	ErrUnsupported = errors.New("unsupported store backend")
	log            = logging.Get()
)

// Slot is a durable key-value slot holding one serialized value per key.
type Slot interface {
	// Get returns ErrSlotEmpty when the key has no value.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type noSyncKey struct{}

// WithoutSync marks a Put as interim: backends that fsync may skip it, the
// next synced Put makes the value durable.
func WithoutSync(ctx context.Context) context.Context {
	return context.WithValue(ctx, noSyncKey{}, true)
}

func syncRequested(ctx context.Context) bool {
	skip, _ := ctx.Value(noSyncKey{}).(bool)
	return !skip
}

// Open returns the slot backend selected by cfg.
func Open(cfg config.StoreConfig) (Slot, error) {
	switch cfg.Backend {
	case config.StoreFile, "":
		return OpenFileSlot(cfg.Dir)
	case config.StoreSQLite:
		return OpenSQLiteSlot(cfg.SQLitePath)
	case config.StoreRedis:
		return NewRedisSlot(cfg.RedisAddr, cfg.RedisPrefix, 2*time.Second), nil
	default:
		return nil, errors.Wrap(ErrUnsupported, cfg.Backend)
	}
}

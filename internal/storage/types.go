package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled and Open returns a
// memory store so callers never need a nil check.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	BusyTimeout time.Duration // sqlite only; 0 means default

	// redis
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store is a minimal key/value store.
//
// PutBatch writes all keys or none of them.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	PutBatch(ctx context.Context, kv map[string][]byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

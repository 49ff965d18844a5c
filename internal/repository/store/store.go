// Package store holds fetched tile payloads below the in-memory cache so
// that several loader instances can share one warm copy of upstream data.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/config"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/metrics"
)

type TileStore interface {
	Get(ctx context.Context, key tile.Key) ([]byte, bool, error)
	Set(ctx context.Context, key tile.Key, data []byte) error
	Close() error
}

// New builds the store named by cfg.Type. A "none" type yields a nil store
// and no error.
func New(cfg config.Store, l logger.Logger) (TileStore, error) {
	var (
		s   TileStore
		err error
	)

	switch cfg.Type {
	case "", "none":
		l.Info("shared tile store disabled")
		return nil, nil
	case "memory":
		s = NewMapStore()
	case "sqlite":
		s, err = NewSQLiteStore(cfg.SQLite.DSN, l)
	case "redis":
		s, err = NewRedisStore(RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
	case "filesystem":
		s, err = NewFilesystemStore(cfg.Filesystem.Dir)
	default:
		return nil, fmt.Errorf("unknown store type: %s (supported: none, memory, sqlite, redis, filesystem)", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", cfg.Type, err)
	}

	l.Info("shared tile store initialized", "type", cfg.Type)
	return Instrument(cfg.Type, s), nil
}

type instrumented struct {
	name string
	next TileStore
}

// Instrument records operation latency and errors for s under name.
func Instrument(name string, s TileStore) TileStore {
	return &instrumented{name: name, next: s}
}

func (s *instrumented) Get(ctx context.Context, key tile.Key) ([]byte, bool, error) {
	start := time.Now()
	data, ok, err := s.next.Get(ctx, key)
	s.observe("get", start, err)
	return data, ok, err
}

func (s *instrumented) Set(ctx context.Context, key tile.Key, data []byte) error {
	start := time.Now()
	err := s.next.Set(ctx, key, data)
	s.observe("set", start, err)
	return err
}

func (s *instrumented) Close() error {
	return s.next.Close()
}

func (s *instrumented) observe(op string, start time.Time, err error) {
	metrics.StoreOperationDuration.WithLabelValues(s.name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreErrors.WithLabelValues(s.name, op).Inc()
	}
}

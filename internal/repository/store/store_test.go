package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/config"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
)

func stores(t *testing.T) map[string]TileStore {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tiles.db"), logger.Nop())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	fsStore, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}

	out := map[string]TileStore{
		"map":        NewMapStore(),
		"sqlite":     sqlite,
		"filesystem": fsStore,
	}

	if addr := os.Getenv("TILELOADER_TEST_REDIS_ADDR"); addr != "" {
		redis, err := NewRedisStore(RedisConfig{Addr: addr, TTL: time.Minute})
		if err != nil {
			t.Fatalf("NewRedisStore: %v", err)
		}
		out["redis"] = redis
	}

	for _, s := range out {
		t.Cleanup(func() { s.Close() })
	}
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	key := tile.Key{X: 3, Y: 5, Z: 7, Source: "osm", Layer: "base"}
	other := tile.Key{X: 3, Y: 5, Z: 7, Source: "osm", Layer: "labels"}

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.Get(ctx, key); err != nil || ok {
				t.Fatalf("empty store Get = ok:%v err:%v", ok, err)
			}

			if err := s.Set(ctx, key, []byte("first")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := s.Set(ctx, key, []byte("second")); err != nil {
				t.Fatalf("overwrite Set: %v", err)
			}

			data, ok, err := s.Get(ctx, key)
			if err != nil || !ok || !bytes.Equal(data, []byte("second")) {
				t.Fatalf("Get = %q ok:%v err:%v", data, ok, err)
			}

			if _, ok, _ := s.Get(ctx, other); ok {
				t.Fatal("layer must be part of the stored identity")
			}
		})
	}
}

func TestFilesystemStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFilesystemStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	key := tile.Key{X: 1, Y: 2, Z: 3, Source: "osm"}
	if err := s.Set(context.Background(), key, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "osm", "_", "3", "1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "2" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}

func TestNewFactory(t *testing.T) {
	l := logger.Nop()

	s, err := New(config.Store{Type: "none"}, l)
	if err != nil || s != nil {
		t.Fatalf("none store = %v, %v", s, err)
	}

	s, err = New(config.Store{Type: "memory"}, l)
	if err != nil || s == nil {
		t.Fatalf("memory store = %v, %v", s, err)
	}

	s, err = New(config.Store{Type: "filesystem", Filesystem: config.Filesystem{Dir: t.TempDir()}}, l)
	if err != nil || s == nil {
		t.Fatalf("filesystem store = %v, %v", s, err)
	}

	if _, err := New(config.Store{Type: "cassandra"}, l); err == nil {
		t.Fatal("expected error for unknown store type")
	}
}

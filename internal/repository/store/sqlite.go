package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewSQLiteStore(dsn string, l logger.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:     db,
		logger: l,
	}

	err = s.runMigrations()
	if err != nil {
		db.Close()
		return nil, err
	}

	l.Info("sqlite store initialized", "dsn", dsn)

	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	goose.SetBaseFS(migrations)

	err := goose.SetDialect("sqlite3")
	if err != nil {
		return err
	}

	return goose.Up(s.db, "migrations")
}

var _ TileStore = (*SQLiteStore)(nil)

func (s *SQLiteStore) Get(ctx context.Context, k tile.Key) ([]byte, bool, error) {
	query := `SELECT tile_data
	FROM tiles
	WHERE source = ? AND layer = ? AND z = ? AND x = ? AND y = ?`

	var data []byte
	err := s.db.QueryRowContext(ctx, query, k.Source, k.Layer, k.Z, k.X, k.Y).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		s.logger.Error("sqlite store get failed", "key", k.String(), "error", err)
		return nil, false, err
	}

	return data, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, k tile.Key, data []byte) error {
	query := `INSERT INTO tiles (source, layer, z, x, y, tile_data, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source, layer, z, x, y) DO UPDATE SET
		tile_data = excluded.tile_data,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, k.Source, k.Layer, k.Z, k.X, k.Y, data, time.Now().Unix())
	if err != nil {
		s.logger.Error("sqlite store set failed", "key", k.String(), "error", err)
		return err
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

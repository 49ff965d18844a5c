package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
)

// FilesystemStore lays tiles out as {dir}/{source}/{layer}/{z}/{x}/{y}.
type FilesystemStore struct {
	dir string
}

func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FilesystemStore{dir: dir}, nil
}

var _ TileStore = (*FilesystemStore)(nil)

func (s *FilesystemStore) path(k tile.Key) string {
	layer := k.Layer
	if layer == "" {
		layer = "_"
	}
	return filepath.Join(s.dir, filepath.Base(k.Source), filepath.Base(layer),
		strconv.Itoa(k.Z), strconv.Itoa(k.X), strconv.Itoa(k.Y))
}

func (s *FilesystemStore) Get(_ context.Context, k tile.Key) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(k))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set writes through a temp file and rename so readers never see a
// partially written tile.
func (s *FilesystemStore) Set(_ context.Context, k tile.Key, data []byte) error {
	p := s.path(k)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tile-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *FilesystemStore) Close() error {
	return nil
}

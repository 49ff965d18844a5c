package store

import (
	"context"
	"sync"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
)

type MapStore struct {
	m sync.Map
}

func NewMapStore() *MapStore {
	return &MapStore{}
}

var _ TileStore = (*MapStore)(nil)

func (s *MapStore) Get(_ context.Context, key tile.Key) ([]byte, bool, error) {
	v, ok := s.m.Load(key.String())
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (s *MapStore) Set(_ context.Context, key tile.Key, data []byte) error {
	s.m.Store(key.String(), data)
	return nil
}

func (s *MapStore) Close() error {
	return nil
}

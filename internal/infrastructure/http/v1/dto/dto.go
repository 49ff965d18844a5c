package dto

import "github.com/jaennil/guide_helper/backend/tileloader/internal/tile"

type TileKey struct {
	Source string `json:"source" validate:"required"`
	Layer  string `json:"layer"`
	Z      int    `json:"z" validate:"gte=0,lte=30"`
	X      int    `json:"x" validate:"gte=0"`
	Y      int    `json:"y" validate:"gte=0"`
}

func (k TileKey) ToKey() tile.Key {
	return tile.Key{X: k.X, Y: k.Y, Z: k.Z, Source: k.Source, Layer: k.Layer}
}

type PreloadRequest struct {
	Tiles []TileKey `json:"tiles" validate:"required,min=1,max=1024,dive"`
}

type PreloadResponse struct {
	Accepted int `json:"accepted"`
}

type CameraRequest struct {
	X *float64 `json:"x" validate:"required"`
	Y *float64 `json:"y" validate:"required"`
	Z *float64 `json:"z" validate:"required"`
}

type ClearCacheResponse struct {
	Cleared int `json:"cleared"`
}

// CacheLimitsRequest leaves a budget unchanged when its field is 0.
type CacheLimitsRequest struct {
	MaxTiles       int   `json:"max_tiles" validate:"gte=0"`
	MaxMemoryBytes int64 `json:"max_memory_bytes" validate:"gte=0"`
}

type DataSourcesResponse struct {
	Sources []string `json:"sources"`
}

package app

import (
	"github.com/jaennil/guide_helper/backend/tileloader/internal/datasource"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/config"
)

// loadDataSources reads the sources file when one is configured and
// otherwise builds the single default source.
func loadDataSources(cfg config.DataSources) ([]datasource.DataSource, error) {
	if cfg.File != "" {
		return datasource.LoadFile(cfg.File)
	}

	d := cfg.Default
	src, err := datasource.New(datasource.Config{
		Name:    d.Name,
		Type:    datasource.Type(d.Type),
		URL:     d.URL,
		Layer:   d.Layer,
		MinZoom: d.MinZoom,
		MaxZoom: d.MaxZoom,
		Format:  d.Format,
	})
	if err != nil {
		return nil, err
	}
	return []datasource.DataSource{src}, nil
}

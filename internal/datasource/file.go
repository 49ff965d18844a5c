package datasource

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

type fileConfig struct {
	Sources []Config `yaml:"sources"`
}

// LoadFile reads a YAML document of the form
//
//	sources:
//	  - name: osm
//	    type: xyz
//	    url: https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png
//	    subdomains: [a, b, c]
//
// and builds every source in it. An omitted max_zoom means DefaultMaxZoom.
func LoadFile(path string) ([]DataSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data sources file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) ([]DataSource, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse data sources: %w", err)
	}

	seen := make(map[string]struct{}, len(fc.Sources))
	sources := make([]DataSource, 0, len(fc.Sources))
	for _, cfg := range fc.Sources {
		if _, dup := seen[cfg.Name]; dup {
			return nil, &ConfigurationError{Name: cfg.Name, Reason: "duplicate name"}
		}
		seen[cfg.Name] = struct{}{}

		src, err := New(cfg)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

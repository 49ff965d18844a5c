package datasource

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
)

type Type string

const (
	TypeXYZ  Type = "xyz"
	TypeTMS  Type = "tms"
	TypeWMTS Type = "wmts"
)

type Config struct {
	Name          string            `json:"name" yaml:"name" validate:"required"`
	Type          Type              `json:"type" yaml:"type"`
	URL           string            `json:"url" yaml:"url" validate:"required"`
	Layer         string            `json:"layer" yaml:"layer"`
	MinZoom       int               `json:"min_zoom" yaml:"min_zoom" validate:"gte=0,lte=30"`
	MaxZoom       int               `json:"max_zoom" yaml:"max_zoom" validate:"gte=0,lte=30,gtefield=MinZoom"`
	Format        string            `json:"format" yaml:"format"`
	Headers       map[string]string `json:"headers" yaml:"headers"`
	TileSize      int               `json:"tile_size" yaml:"tile_size" validate:"omitempty,gt=0"`
	Subdomains    []string          `json:"subdomains" yaml:"subdomains" validate:"omitempty,dive,required"`
	TileMatrixSet string            `json:"tile_matrix_set" yaml:"tile_matrix_set"`
	Style         string            `json:"style" yaml:"style"`
	Version       string            `json:"version" yaml:"version"`
}

// ConfigurationError reports a data source that cannot be built from its
// configuration.
type ConfigurationError struct {
	Name   string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("invalid data source %q: %s", e.Name, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// DataSource turns a tile key into a fetchable URL. Implementations are
// stateless beyond their configuration and safe to share.
type DataSource interface {
	Name() string
	URL(key tile.Key) string
	SupportsZoom(z int) bool
	Headers() map[string]string
	Config() Config
}

// DefaultMaxZoom applies when a config leaves MaxZoom unset (zero).
const DefaultMaxZoom = 19

var validate = validator.New()

// New builds the data source variant named by cfg.Type.
func New(cfg Config) (DataSource, error) {
	cfg.Type = Type(strings.ToLower(strings.TrimSpace(string(cfg.Type))))
	if cfg.TileSize == 0 {
		cfg.TileSize = 256
	}
	if cfg.Format == "" {
		cfg.Format = "png"
	}
	if cfg.MaxZoom == 0 {
		cfg.MaxZoom = DefaultMaxZoom
	}

	switch cfg.Type {
	case TypeXYZ, TypeTMS, TypeWMTS:
	default:
		return nil, &ConfigurationError{Name: cfg.Name, Reason: fmt.Sprintf("unknown type %q (supported: xyz, tms, wmts)", cfg.Type)}
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &ConfigurationError{Name: cfg.Name, Reason: fmt.Sprintf("field %s failed %q", verrs[0].Field(), verrs[0].Tag()), Err: err}
		}
		return nil, &ConfigurationError{Name: cfg.Name, Reason: "validation failed", Err: err}
	}

	b := base{cfg: cfg}
	switch cfg.Type {
	case TypeTMS:
		return &TMS{base: b}, nil
	case TypeWMTS:
		if b.cfg.TileMatrixSet == "" {
			b.cfg.TileMatrixSet = "GoogleMapsCompatible"
		}
		if b.cfg.Style == "" {
			b.cfg.Style = "default"
		}
		if b.cfg.Version == "" {
			b.cfg.Version = "1.0.0"
		}
		return &WMTS{base: b}, nil
	default:
		return &XYZ{base: b}, nil
	}
}

type base struct {
	cfg Config
}

func (b *base) Name() string {
	return b.cfg.Name
}

func (b *base) SupportsZoom(z int) bool {
	return z >= b.cfg.MinZoom && z <= b.cfg.MaxZoom
}

func (b *base) Headers() map[string]string {
	out := make(map[string]string, len(b.cfg.Headers))
	for k, v := range b.cfg.Headers {
		out[k] = v
	}
	return out
}

func (b *base) Config() Config {
	return b.cfg
}

func (b *base) layer(key tile.Key) string {
	if key.Layer != "" {
		return key.Layer
	}
	return b.cfg.Layer
}

// subdomain picks a stable edge host for the tile so repeated requests
// for the same tile hit the same server.
func (b *base) subdomain(key tile.Key) string {
	n := len(b.cfg.Subdomains)
	if n == 0 {
		return ""
	}
	i := (key.X + key.Y + key.Z) % n
	if i < 0 {
		i += n
	}
	return b.cfg.Subdomains[i]
}

func (b *base) substitute(tmpl string, key tile.Key, y int) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(key.Z),
		"{x}", strconv.Itoa(key.X),
		"{y}", strconv.Itoa(y),
		"{-y}", strconv.Itoa(flipY(key.Z, key.Y)),
		"{s}", b.subdomain(key),
		"{layer}", b.layer(key),
		"{format}", b.cfg.Format,
	)
	return r.Replace(tmpl)
}

func flipY(z, y int) int {
	return (1 << uint(z)) - 1 - y
}

// XYZ addresses tiles with row 0 at the top.
type XYZ struct {
	base
}

var _ DataSource = (*XYZ)(nil)

func (s *XYZ) URL(key tile.Key) string {
	return s.substitute(s.cfg.URL, key, key.Y)
}

// TMS addresses tiles with row 0 at the bottom.
type TMS struct {
	base
}

var _ DataSource = (*TMS)(nil)

func (s *TMS) URL(key tile.Key) string {
	return s.substitute(s.cfg.URL, key, flipY(key.Z, key.Y))
}

// WMTS builds an OGC KVP GetTile request.
type WMTS struct {
	base
}

var _ DataSource = (*WMTS)(nil)

func (s *WMTS) URL(key tile.Key) string {
	endpoint := s.substitute(s.cfg.URL, key, key.Y)

	var q strings.Builder
	q.WriteString("SERVICE=WMTS&REQUEST=GetTile")
	q.WriteString("&VERSION=" + url.QueryEscape(s.cfg.Version))
	q.WriteString("&TILEMATRIXSET=" + url.QueryEscape(s.cfg.TileMatrixSet))
	q.WriteString("&TILEMATRIX=" + strconv.Itoa(key.Z))
	q.WriteString("&TILEROW=" + strconv.Itoa(key.Y))
	q.WriteString("&TILECOL=" + strconv.Itoa(key.X))
	q.WriteString("&LAYER=" + url.QueryEscape(s.layer(key)))
	q.WriteString("&STYLE=" + url.QueryEscape(s.cfg.Style))
	q.WriteString("&FORMAT=" + url.QueryEscape(mimeFormat(s.cfg.Format)))

	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
		if strings.HasSuffix(endpoint, "?") || strings.HasSuffix(endpoint, "&") {
			sep = ""
		}
	}
	return endpoint + sep + q.String()
}

func mimeFormat(format string) string {
	if strings.Contains(format, "/") {
		return format
	}
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "pbf", "mvt":
		return "application/vnd.mapbox-vector-tile"
	default:
		return "image/" + strings.ToLower(format)
	}
}

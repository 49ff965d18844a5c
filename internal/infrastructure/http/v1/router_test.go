package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/datasource"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/infrastructure/http/v1/handler"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/transport"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/usecase"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
)

var pngTile = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

type stubTransport struct {
	status int
}

func (s *stubTransport) Get(_ context.Context, url string, _ transport.Options) (*transport.Response, error) {
	if s.status != 0 {
		return nil, &transport.StatusError{URL: url, Status: s.status}
	}
	return &transport.Response{Data: pngTile, Status: http.StatusOK, Header: http.Header{"Content-Type": {"image/png"}}}, nil
}

func newTestRouter(t *testing.T, tr transport.Transport) (*gin.Engine, *usecase.TileLoader) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	src, err := datasource.New(datasource.Config{
		Name:    "osm",
		Type:    datasource.TypeXYZ,
		URL:     "https://tiles.test/{z}/{x}/{y}.png",
		Layer:   "base",
		MaxZoom: 19,
	})
	if err != nil {
		t.Fatal(err)
	}

	loader := usecase.NewTileLoader(tr,
		usecase.WithDataSource(src),
		usecase.WithMaxRetries(0),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		loader.Dispose(ctx)
	})

	h := handler.NewHandler(validator.New(), loader)
	return NewRouter(h, logger.Nop(), false, "test"), loader
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return e
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t, &stubTransport{})

	if w := do(r, http.MethodGet, "/api/v1/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestTileServesImage(t *testing.T) {
	r, loader := newTestRouter(t, &stubTransport{})

	w := do(r, http.MethodGet, "/api/v1/tile/osm/-/3/1/2?priority=high", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != "image/png" || !bytes.Equal(w.Body.Bytes(), pngTile) {
		t.Fatalf("unexpected body or content type %q", w.Header().Get("Content-Type"))
	}
	if loader.CacheStats().Count != 1 {
		t.Fatal("tile should be cached")
	}
}

func TestTileErrors(t *testing.T) {
	tests := []struct {
		name string
		tr   transport.Transport
		path string
		want int
	}{
		{"bad x", &stubTransport{}, "/api/v1/tile/osm/base/3/a/2", http.StatusBadRequest},
		{"bad priority", &stubTransport{}, "/api/v1/tile/osm/base/3/1/2?priority=urgent", http.StatusBadRequest},
		{"unknown source", &stubTransport{}, "/api/v1/tile/nope/base/3/1/2", http.StatusNotFound},
		{"zoom out of range", &stubTransport{}, "/api/v1/tile/osm/base/25/1/2", http.StatusBadRequest},
		{"upstream 404", &stubTransport{status: http.StatusNotFound}, "/api/v1/tile/osm/base/3/1/2", http.StatusNotFound},
		{"upstream 500", &stubTransport{status: http.StatusInternalServerError}, "/api/v1/tile/osm/base/3/1/2", http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRouter(t, tt.tr)

			w := do(r, http.MethodGet, tt.path, nil)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if decode(t, w).Success {
				t.Fatal("error response should not report success")
			}
		})
	}
}

func TestPreloadValidation(t *testing.T) {
	r, _ := newTestRouter(t, &stubTransport{})

	if w := do(r, http.MethodPost, "/api/v1/preload", map[string]any{"tiles": []any{}}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty preload status = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/v1/preload", map[string]any{"tiles": []any{map[string]any{"z": 1}}}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing source status = %d", w.Code)
	}

	w := do(r, http.MethodPost, "/api/v1/preload", map[string]any{
		"tiles": []any{map[string]any{"source": "osm", "layer": "base", "z": 1, "x": 0, "y": 0}},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestCameraRequiresAllAxes(t *testing.T) {
	r, _ := newTestRouter(t, &stubTransport{})

	if w := do(r, http.MethodPost, "/api/v1/camera", map[string]any{"x": 1.0, "y": 2.0}); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}

	w := do(r, http.MethodPost, "/api/v1/camera", map[string]any{"x": 1_500_000.0, "y": 0.0, "z": 0.0})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(string(decode(t, w).Data), `"zoom":9`) {
		t.Fatalf("camera response = %s", w.Body.String())
	}
}

func TestSourcesCRUD(t *testing.T) {
	r, loader := newTestRouter(t, &stubTransport{})

	w := do(r, http.MethodPost, "/api/v1/sources", map[string]any{
		"name": "ortho", "type": "wmts", "url": "https://wmts.test/service", "layer": "world", "max_zoom": 18,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPost, "/api/v1/sources", map[string]any{
		"name": "topo", "type": "xyz", "url": "https://topo.test/{z}/{x}/{y}.png",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create without max_zoom status = %d body = %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodGet, "/api/v1/tile/topo/-/12/5/5", nil); w.Code != http.StatusOK {
		t.Fatalf("tile from source without max_zoom status = %d body = %s", w.Code, w.Body.String())
	}
	do(r, http.MethodDelete, "/api/v1/sources/topo", nil)

	w = do(r, http.MethodPost, "/api/v1/sources", map[string]any{"name": "bad", "type": "quadkey", "url": "u"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid source status = %d", w.Code)
	}

	if names := loader.DataSources(); len(names) != 2 {
		t.Fatalf("sources = %v", names)
	}
	if w := do(r, http.MethodGet, "/api/v1/sources/ortho", nil); w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/api/v1/sources/ortho", nil); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/api/v1/sources/ortho", nil); w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", w.Code)
	}
}

func TestStatsAndClearCache(t *testing.T) {
	r, _ := newTestRouter(t, &stubTransport{})

	do(r, http.MethodGet, "/api/v1/tile/osm/base/1/0/0", nil)

	w := do(r, http.MethodGet, "/api/v1/stats", nil)
	var stats usecase.CacheStats
	if err := json.Unmarshal(decode(t, w).Data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Count != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	w = do(r, http.MethodDelete, "/api/v1/cache", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"cleared":1`) {
		t.Fatalf("clear response = %d %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodGet, "/api/v1/status", nil)
	var status usecase.Status
	if err := json.Unmarshal(decode(t, w).Data, &status); err != nil {
		t.Fatal(err)
	}
	if status.CachedTiles != 0 || status.MaxConcurrent != 6 {
		t.Fatalf("status = %+v", status)
	}
}

func TestTrimCache(t *testing.T) {
	r, loader := newTestRouter(t, &stubTransport{})

	do(r, http.MethodGet, "/api/v1/tile/osm/base/1/0/0", nil)
	do(r, http.MethodGet, "/api/v1/tile/osm/base/1/1/0", nil)

	if w := do(r, http.MethodDelete, "/api/v1/cache?percent=150", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("out of range percent status = %d", w.Code)
	}

	w := do(r, http.MethodDelete, "/api/v1/cache?percent=50", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"cleared":1`) {
		t.Fatalf("trim response = %d %s", w.Code, w.Body.String())
	}
	if n := loader.CacheStats().Count; n != 1 {
		t.Fatalf("cached tiles after trim = %d, want 1", n)
	}
}

func TestCacheLimitsAndStatsReset(t *testing.T) {
	r, loader := newTestRouter(t, &stubTransport{})

	for x := 0; x < 3; x++ {
		do(r, http.MethodGet, fmt.Sprintf("/api/v1/tile/osm/base/2/%d/0", x), nil)
	}

	if w := do(r, http.MethodPut, "/api/v1/cache/limits", map[string]any{"max_tiles": -1}); w.Code != http.StatusBadRequest {
		t.Fatalf("negative limit status = %d", w.Code)
	}

	w := do(r, http.MethodPut, "/api/v1/cache/limits", map[string]any{"max_tiles": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("limits status = %d body = %s", w.Code, w.Body.String())
	}
	stats := loader.CacheStats()
	if stats.Count != 1 || stats.MaxSize != 1 || stats.Evictions != 2 {
		t.Fatalf("stats after shrinking = %+v", stats)
	}

	if w := do(r, http.MethodDelete, "/api/v1/stats", nil); w.Code != http.StatusOK {
		t.Fatalf("reset status = %d", w.Code)
	}
	if s := loader.CacheStats(); s.Misses != 0 || s.Evictions != 0 || s.Count != 1 {
		t.Fatalf("stats after reset = %+v", s)
	}
}

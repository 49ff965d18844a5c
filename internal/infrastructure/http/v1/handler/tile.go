package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/infrastructure/http/v1/dto"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/usecase"
)

// noLayer in the layer path segment selects the source's default layer.
const noLayer = "-"

func (h *Handler) Tile(c *gin.Context) {
	l := loggerFrom(c)

	strX := c.Param("x")
	strY := c.Param("y")
	strZ := c.Param("z")

	x, err := strconv.Atoi(strX)
	if err != nil {
		l.Warn("invalid x parameter", "x", strX, "error", err)
		h.RespondWithJSON(c, http.StatusBadRequest, "x should be integer", nil)
		return
	}

	y, err := strconv.Atoi(strY)
	if err != nil {
		l.Warn("invalid y parameter", "y", strY, "error", err)
		h.RespondWithJSON(c, http.StatusBadRequest, "y should be integer", nil)
		return
	}

	z, err := strconv.Atoi(strZ)
	if err != nil {
		l.Warn("invalid z parameter", "z", strZ, "error", err)
		h.RespondWithJSON(c, http.StatusBadRequest, "z should be integer", nil)
		return
	}

	priority, err := tile.ParsePriority(c.Query("priority"))
	if err != nil {
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	layer := c.Param("layer")
	if layer == noLayer {
		layer = ""
		if src, ok := h.tileLoader.DataSource(c.Param("source")); ok {
			layer = src.Config().Layer
		}
	}

	key := tile.Key{X: x, Y: y, Z: z, Source: c.Param("source"), Layer: layer}

	t, err := h.tileLoader.LoadTile(c.Request.Context(), key, priority)
	if err != nil {
		code := statusFor(err)
		if code >= 500 {
			l.Error("failed to load tile", "key", key.String(), "error", err)
		} else {
			l.Warn("tile request rejected", "key", key.String(), "error", err)
		}
		c.Error(err)
		h.RespondWithJSON(c, code, err.Error(), nil)
		return
	}

	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, t.ContentType, t.Data)
}

func (h *Handler) Preload(c *gin.Context) {
	var req dto.PreloadRequest
	if !h.bind(c, &req) {
		return
	}

	keys := make([]tile.Key, len(req.Tiles))
	for i, k := range req.Tiles {
		keys[i] = k.ToKey()
	}
	h.tileLoader.PreloadTiles(keys)

	h.RespondWithJSON(c, http.StatusAccepted, "preload scheduled", dto.PreloadResponse{Accepted: len(keys)})
}

func (h *Handler) Camera(c *gin.Context) {
	var req dto.CameraRequest
	if !h.bind(c, &req) {
		return
	}

	h.tileLoader.UpdateCameraPosition(usecase.Vec3{X: *req.X, Y: *req.Y, Z: *req.Z})

	h.RespondWithJSON(c, http.StatusAccepted, "camera updated", h.tileLoader.Status().Camera)
}

func (h *Handler) Stats(c *gin.Context) {
	h.RespondWithJSON(c, http.StatusOK, "cache stats", h.tileLoader.CacheStats())
}

func (h *Handler) ResetStats(c *gin.Context) {
	h.tileLoader.ResetStats()
	h.RespondWithJSON(c, http.StatusOK, "cache stats reset", h.tileLoader.CacheStats())
}

func (h *Handler) SetCacheLimits(c *gin.Context) {
	var req dto.CacheLimitsRequest
	if !h.bind(c, &req) {
		return
	}

	stats := h.tileLoader.SetCacheLimits(req.MaxTiles, req.MaxMemoryBytes)
	loggerFrom(c).Info("tile cache limits changed", "max_tiles", stats.MaxSize, "max_memory_bytes", stats.MaxMemory, "tiles", stats.Count)
	h.RespondWithJSON(c, http.StatusOK, "cache limits updated", stats)
}

func (h *Handler) Status(c *gin.Context) {
	h.RespondWithJSON(c, http.StatusOK, "loader status", h.tileLoader.Status())
}

// ClearCache empties the cache, or with ?percent=N trims N percent of it.
func (h *Handler) ClearCache(c *gin.Context) {
	if raw, ok := c.GetQuery("percent"); ok {
		percent, err := strconv.ParseFloat(raw, 64)
		if err != nil || percent < 0 || percent > 100 {
			h.RespondWithJSON(c, http.StatusBadRequest, "percent must be a number between 0 and 100", nil)
			return
		}
		n := h.tileLoader.TrimCache(percent)
		loggerFrom(c).Info("tile cache trimmed", "percent", percent, "tiles", n)
		h.RespondWithJSON(c, http.StatusOK, "cache trimmed", dto.ClearCacheResponse{Cleared: n})
		return
	}

	before := h.tileLoader.CacheStats().Count
	h.tileLoader.ClearCache()

	loggerFrom(c).Info("tile cache cleared", "tiles", before)
	h.RespondWithJSON(c, http.StatusOK, "cache cleared", dto.ClearCacheResponse{Cleared: before})
}

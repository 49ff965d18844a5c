package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/datasource"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/infrastructure/http/v1/dto"
)

func (h *Handler) ListSources(c *gin.Context) {
	h.RespondWithJSON(c, http.StatusOK, "data sources", dto.DataSourcesResponse{Sources: h.tileLoader.DataSources()})
}

func (h *Handler) GetSource(c *gin.Context) {
	src, ok := h.tileLoader.DataSource(c.Param("name"))
	if !ok {
		h.RespondWithJSON(c, http.StatusNotFound, "data source not found", nil)
		return
	}
	h.RespondWithJSON(c, http.StatusOK, "data source", src.Config())
}

func (h *Handler) AddSource(c *gin.Context) {
	var cfg datasource.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		loggerFrom(c).Warn("failed to decode request body", "error", err)
		h.RespondWithJSON(c, http.StatusBadRequest, ErrFailedToDecodeRequestBody.Error(), nil)
		return
	}

	src, err := datasource.New(cfg)
	if err != nil {
		loggerFrom(c).Warn("rejected data source", "name", cfg.Name, "error", err)
		h.RespondWithJSON(c, statusFor(err), err.Error(), nil)
		return
	}

	h.tileLoader.AddDataSource(src.Name(), src)
	h.RespondWithJSON(c, http.StatusCreated, "data source added", src.Config())
}

func (h *Handler) RemoveSource(c *gin.Context) {
	if !h.tileLoader.RemoveDataSource(c.Param("name")) {
		h.RespondWithJSON(c, http.StatusNotFound, "data source not found", nil)
		return
	}
	h.RespondWithJSON(c, http.StatusOK, "data source removed", nil)
}

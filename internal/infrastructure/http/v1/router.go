package v1

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/infrastructure/http/v1/handler"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(handler *handler.Handler, l logger.Logger, telemetryEnabled bool, serviceName string) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())

	if telemetryEnabled {
		r.Use(telemetry.GinMiddleware(serviceName))
	}

	r.Use(ginZapLogger(l))

	api := r.Group("/api")
	v1 := api.Group("/v1")

	v1.GET("/healthz", handler.Healthz)
	v1.GET("/tile/:source/:layer/:z/:x/:y", handler.Tile)
	v1.POST("/preload", handler.Preload)
	v1.POST("/camera", handler.Camera)
	v1.GET("/stats", handler.Stats)
	v1.DELETE("/stats", handler.ResetStats)
	v1.GET("/status", handler.Status)
	v1.DELETE("/cache", handler.ClearCache)
	v1.PUT("/cache/limits", handler.SetCacheLimits)

	sources := v1.Group("/sources")
	sources.GET("", handler.ListSources)
	sources.POST("", handler.AddSource)
	sources.GET("/:name", handler.GetSource)
	sources.DELETE("/:name", handler.RemoveSource)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func ginZapLogger(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("logger", l)

		start := time.Now()

		c.Next()

		latency := time.Since(start)

		l.Info("request",
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"latency", latency,
			"size", c.Writer.Size(),
		)
	}
}

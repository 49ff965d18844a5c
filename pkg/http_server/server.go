package http_server

import (
	"context"
	"net"
	"net/http"

	"github.com/jaennil/guide_helper/backend/tileloader/pkg/config"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
)

// NewServer builds the HTTP server; request contexts derive from ctx so
// handlers can reach the logger stored in it.
func NewServer(ctx context.Context, cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// Shutdown stops srv, logging the outcome.
func Shutdown(ctx context.Context, srv *http.Server) error {
	l := logger.FromContext(ctx)

	l.Info("shutting down http server...", "address", srv.Addr)
	if err := srv.Shutdown(ctx); err != nil {
		l.Error("http server shutdown failed", "error", err)
		return err
	}
	l.Info("http server shutdown completed", "address", srv.Addr)
	return nil
}

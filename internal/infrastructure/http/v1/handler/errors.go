package handler

import (
	"errors"
	"net/http"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/datasource"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/transport"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/usecase"
)

var (
	ErrFailedToDecodeRequestBody = errors.New("failed to decode request body")
)

// statusFor maps a tile loader error onto the response status.
func statusFor(err error) int {
	var (
		notFound  *usecase.DataSourceNotFoundError
		zoomErr   *usecase.ZoomOutOfRangeError
		cfgErr    *datasource.ConfigurationError
		statusErr *transport.StatusError
	)

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &zoomErr), errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, usecase.ErrLoaderDisposed), errors.Is(err, usecase.ErrNetworkAborted):
		return http.StatusServiceUnavailable
	case errors.Is(err, usecase.ErrNetworkTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound:
		return http.StatusNotFound
	case errors.Is(err, usecase.ErrNetworkTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

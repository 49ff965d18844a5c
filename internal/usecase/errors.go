package usecase

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
)

var (
	ErrNetworkTimeout   = errors.New("network timeout")
	ErrNetworkAborted   = errors.New("network request aborted")
	ErrNetworkTransport = errors.New("network transport error")

	ErrLoaderDisposed = errors.New("tile loader disposed")
)

// FetchError is the terminal failure of a tile fetch. Kind is one of the
// ErrNetwork sentinels; Err is the last underlying cause.
type FetchError struct {
	Key      tile.Key
	URL      string
	Attempts int
	Kind     error
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to load tile %s after %d attempt(s): %v: %v", e.Key, e.Attempts, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

type DataSourceNotFoundError struct {
	Name string
}

func (e *DataSourceNotFoundError) Error() string {
	return fmt.Sprintf("data source %q not found", e.Name)
}

type ZoomOutOfRangeError struct {
	Source  string
	Zoom    int
	MinZoom int
	MaxZoom int
}

func (e *ZoomOutOfRangeError) Error() string {
	return fmt.Sprintf("zoom %d outside %d..%d for data source %q", e.Zoom, e.MinZoom, e.MaxZoom, e.Source)
}

// classify maps a failed attempt to its error kind. A cancelled task
// context always means abort, whatever the transport reported.
func classify(taskCtx context.Context, err error) error {
	if taskCtx.Err() != nil {
		return ErrNetworkAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrNetworkTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrNetworkAborted
	}
	return ErrNetworkTransport
}

func outcomeLabel(kind error) string {
	switch kind {
	case ErrNetworkTimeout:
		return "timeout"
	case ErrNetworkAborted:
		return "aborted"
	default:
		return "error"
	}
}

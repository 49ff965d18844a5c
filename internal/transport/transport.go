// Package transport performs upstream tile HTTP requests behind a shared
// concurrency gate.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/pkg/clock"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/jaennil/guide_helper/backend/tileloader/transport"

const (
	DefaultMaxBodySize = 16 << 20
	// drained from error responses so the connection can be reused
	maxDiscard = 64 << 10
)

var ErrBodyTooLarge = errors.New("response body exceeds size limit")

type Options struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Headers    map[string]string
}

type Response struct {
	Data   []byte
	Status int
	Header http.Header
}

type Transport interface {
	Get(ctx context.Context, url string, opts Options) (*Response, error)
}

// StatusError is returned for any non-2xx upstream response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.Status)
}

type HTTPTransport struct {
	client    *http.Client
	sem       chan struct{}
	userAgent string
	referer   string
	maxBody   int64
	clock     clock.Clock
	logger    logger.Logger
	tracer    trace.Tracer
}

var _ Transport = (*HTTPTransport)(nil)

type Option func(*HTTPTransport)

func WithClient(c *http.Client) Option {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

func WithMaxConcurrent(n int) Option {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.sem = make(chan struct{}, n)
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(t *HTTPTransport) {
		t.userAgent = ua
	}
}

func WithReferer(ref string) Option {
	return func(t *HTTPTransport) {
		t.referer = ref
	}
}

// WithMaxBodySize limits how many bytes of a tile response are read.
func WithMaxBodySize(n int64) Option {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.maxBody = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(t *HTTPTransport) {
		if c != nil {
			t.clock = c
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(t *HTTPTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

func NewHTTPTransport(opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		sem:     make(chan struct{}, 16),
		maxBody: DefaultMaxBodySize,
		clock:   clock.Real(),
		logger:  logger.Nop(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get fetches url, retrying up to opts.Retries times with a doubling delay.
// Every attempt holds a slot of the concurrency gate for its duration only.
func (t *HTTPTransport) Get(ctx context.Context, url string, opts Options) (*Response, error) {
	var lastErr error
	delay := opts.RetryDelay

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.clock.After(delay):
				delay *= 2
			}
		}

		resp, err := t.fetch(ctx, url, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		t.logger.Debug("transport attempt failed", "url", url, "attempt", attempt, "error", err)
	}

	return nil, lastErr
}

func (t *HTTPTransport) fetch(ctx context.Context, url string, opts Options) (*Response, error) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	metrics.TransportInFlight.Inc()
	defer func() {
		<-t.sem
		metrics.TransportInFlight.Dec()
	}()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ctx, span := t.tracer.Start(ctx, "GET tile",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(http.MethodGet),
			semconv.URLFull(url),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if t.referer != "" {
		req.Header.Set("Referer", t.referer)
	}
	req.Header.Set("Accept", "image/webp,image/apng,image/*,*/*;q=0.8")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := t.clock.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to fetch tile: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDiscard))
		err := &StatusError{URL: url, Status: resp.StatusCode}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read tile data: %w", err)
	}
	if int64(len(data)) > t.maxBody {
		err := fmt.Errorf("%w: %s is larger than %d bytes", ErrBodyTooLarge, url, t.maxBody)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("http.response.size", len(data)),
		attribute.Int64("tile.fetch_ms", t.clock.Now().Sub(start).Milliseconds()),
	)
	span.SetStatus(codes.Ok, "")

	return &Response{
		Data:   data,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
	}, nil
}

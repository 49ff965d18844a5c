package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/datasource"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/queue"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/repository/store"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/transport"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/clock"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/metrics"
	"github.com/paulmach/orb/maptile"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/jaennil/guide_helper/backend/tileloader/usecase"

type settings struct {
	maxConcurrent   int
	maxRetries      int
	retryDelay      time.Duration
	maxRetryDelay   time.Duration
	requestTimeout  time.Duration
	prefetchRadius  int
	maxBackground   int
	globeRadius     float64
	validatePayload bool
	cacheMaxSize    int
	cacheMaxMemory  int64
}

type Option func(*TileLoader)

func WithMaxConcurrentLoads(n int) Option {
	return func(l *TileLoader) {
		if n > 0 {
			l.cfg.maxConcurrent = n
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(l *TileLoader) {
		if n >= 0 {
			l.cfg.maxRetries = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(l *TileLoader) {
		if d >= 0 {
			l.cfg.retryDelay = d
		}
	}
}

// WithMaxRetryDelay caps the exponential backoff. Zero disables the cap.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(l *TileLoader) {
		if d >= 0 {
			l.cfg.maxRetryDelay = d
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(l *TileLoader) {
		if d >= 0 {
			l.cfg.requestTimeout = d
		}
	}
}

func WithPrefetchRadius(r int) Option {
	return func(l *TileLoader) {
		if r >= 0 {
			l.cfg.prefetchRadius = r
		}
	}
}

func WithMaxBackgroundTasks(n int) Option {
	return func(l *TileLoader) {
		if n > 0 {
			l.cfg.maxBackground = n
		}
	}
}

// WithGlobeRadius sets the distance from the origin to the surface used
// when deriving prefetch zoom from the camera.
func WithGlobeRadius(r float64) Option {
	return func(l *TileLoader) {
		if r >= 0 {
			l.cfg.globeRadius = r
		}
	}
}

func WithPayloadValidation(enabled bool) Option {
	return func(l *TileLoader) {
		l.cfg.validatePayload = enabled
	}
}

func WithCacheLimits(maxSize int, maxMemory int64) Option {
	return func(l *TileLoader) {
		l.cfg.cacheMaxSize = maxSize
		l.cfg.cacheMaxMemory = maxMemory
	}
}

// WithCache replaces the loader's own cache; WithCacheLimits is then
// ignored.
func WithCache(c *cache.TileCache) Option {
	return func(l *TileLoader) {
		l.cache = c
	}
}

func WithStore(s store.TileStore) Option {
	return func(l *TileLoader) {
		l.store = s
	}
}

func WithDataSource(src datasource.DataSource) Option {
	return func(l *TileLoader) {
		l.sources[src.Name()] = src
	}
}

func WithClock(c clock.Clock) Option {
	return func(l *TileLoader) {
		if c != nil {
			l.clock = c
		}
	}
}

func WithLogger(lg logger.Logger) Option {
	return func(l *TileLoader) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// flight is the shared outcome of one task. done is closed once tile and
// err are final.
type flight struct {
	task    *queue.Task
	done    chan struct{}
	tile    *tile.Tile
	err     error
	waiters int
}

// TileLoader fetches tiles through its data sources, keeping results in an
// LRU cache. Concurrent requests for the same key share one fetch.
//
// Every sequence touching both cache and queue runs under mu, so no caller
// observes a tile that is neither cached nor tracked. Network I/O, backoff
// and waiting for results happen outside it.
type TileLoader struct {
	mu      sync.Mutex
	cache   *cache.TileCache
	queue   *queue.Queue
	flights map[string]*flight
	sources map[string]datasource.DataSource

	transport transport.Transport
	store     store.TileStore
	clock     clock.Clock
	logger    logger.Logger
	tracer    trace.Tracer
	cfg       settings

	rootCtx    context.Context
	rootCancel context.CancelFunc
	tasks      sync.WaitGroup
	background sync.WaitGroup
	bgCount    int
	disposed   bool

	camera     maptile.Tile
	cameraSet  bool
	cameraZoom int
}

func NewTileLoader(tr transport.Transport, opts ...Option) *TileLoader {
	ctx, cancel := context.WithCancel(context.Background())

	l := &TileLoader{
		flights:   make(map[string]*flight),
		sources:   make(map[string]datasource.DataSource),
		transport: tr,
		clock:     clock.Real(),
		logger:    logger.Nop(),
		tracer:    otel.Tracer(tracerName),
		cfg: settings{
			maxConcurrent:   6,
			maxRetries:      3,
			retryDelay:      time.Second,
			maxRetryDelay:   30 * time.Second,
			requestTimeout:  10 * time.Second,
			prefetchRadius:  2,
			maxBackground:   256,
			validatePayload: true,
		},
		rootCtx:    ctx,
		rootCancel: cancel,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.cache == nil {
		l.cache = cache.New(
			cache.WithMaxSize(l.cfg.cacheMaxSize),
			cache.WithMaxMemory(l.cfg.cacheMaxMemory),
			cache.WithClock(l.clock),
			cache.WithLogger(l.logger),
		)
	}
	l.queue = queue.New(l.cfg.maxConcurrent)

	return l
}

// LoadTile returns the tile for key, from cache when present, otherwise
// by fetching it. ctx bounds this caller's wait; the shared fetch is
// cancelled only when every caller waiting on it has gone.
func (l *TileLoader) LoadTile(ctx context.Context, key tile.Key, priority tile.Priority) (*tile.Tile, error) {
	metrics.TileRequests.WithLabelValues(priority.String()).Inc()
	id := key.String()

	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return nil, ErrLoaderDisposed
	}
	if t, ok := l.cache.Get(key); ok {
		l.mu.Unlock()
		return t, nil
	}

	task := queue.NewTask(l.rootCtx, key, priority, l.cfg.maxRetries, l.clock.Now())
	existing, added := l.queue.Enqueue(task)

	var f *flight
	if added {
		f = &flight{task: task, done: make(chan struct{})}
		l.flights[id] = f
		l.logger.Debug("tile load enqueued", "key", id, "task", task.ID, "priority", priority.String())
	} else {
		task.Cancel()
		f = l.flights[id]
		metrics.DedupMerges.Inc()
		l.logger.Debug("tile load merged", "key", id, "task", existing.ID, "priority", existing.Priority.String())
	}
	f.waiters++
	l.drainLocked()
	l.mu.Unlock()

	select {
	case <-f.done:
		return f.tile, f.err
	case <-ctx.Done():
		return l.leave(f, ctx.Err())
	}
}

// leave detaches one waiter. The last waiter to leave aborts the task and
// frees its queue slots immediately.
func (l *TileLoader) leave(f *flight, cause error) (*tile.Tile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-f.done:
		return f.tile, f.err
	default:
	}

	abortErr := &FetchError{Key: f.task.Key, Kind: ErrNetworkAborted, Err: cause}

	f.waiters--
	if f.waiters > 0 {
		return nil, abortErr
	}

	id := f.task.Key.String()
	if l.flights[id] == f {
		l.queue.Remove(f.task.Key)
		delete(l.flights, id)
	}
	f.err = abortErr
	close(f.done)
	f.task.Cancel()

	l.logger.Debug("tile load aborted", "key", id, "task", f.task.ID)
	l.drainLocked()

	return nil, abortErr
}

// drainLocked starts tasks while the concurrency ceiling allows.
func (l *TileLoader) drainLocked() {
	for {
		task := l.queue.Dequeue()
		if task == nil {
			break
		}
		f := l.flights[task.Key.String()]
		l.tasks.Add(1)
		go l.run(f, task.Priority)
	}
	metrics.QueuePending.Set(float64(l.queue.Len()))
	metrics.LoadsActive.Set(float64(l.queue.ActiveCount()))
}

func (l *TileLoader) run(f *flight, priority tile.Priority) {
	defer l.tasks.Done()

	t, stored, err := l.execute(f.task, priority)

	l.mu.Lock()
	id := f.task.Key.String()
	current := l.flights[id] == f
	if current {
		if err == nil && !l.disposed {
			l.cache.Set(f.task.Key, t)
		}
		if err != nil && l.disposed {
			err = ErrLoaderDisposed
		}
		l.queue.Remove(f.task.Key)
		delete(l.flights, id)
		f.tile, f.err = t, err
		close(f.done)
	}
	l.drainLocked()
	l.mu.Unlock()

	f.task.Cancel()

	if current && err == nil && l.store != nil && !stored {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.requestTimeout+time.Second)
		if serr := l.store.Set(ctx, t.Key, t.Data); serr != nil {
			l.logger.Warn("failed to write tile to store", "key", id, "error", serr)
		}
		cancel()
	}
}

// execute reports whether the tile came from the shared store.
func (l *TileLoader) execute(task *queue.Task, priority tile.Priority) (*tile.Tile, bool, error) {
	key := task.Key
	ctx, span := l.tracer.Start(task.Context(), "TileLoader.load",
		trace.WithAttributes(
			attribute.String("tile.key", key.String()),
			attribute.String("tile.task_id", task.ID),
			attribute.String("tile.priority", priority.String()),
		),
	)
	defer span.End()

	if t := l.fromStore(ctx, task.Key); t != nil {
		span.SetAttributes(attribute.Bool("tile.from_store", true))
		return t, true, nil
	}

	t, err := l.fetch(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	span.SetAttributes(attribute.Int64("tile.size", t.Size))
	span.SetStatus(codes.Ok, "")
	return t, false, nil
}

func (l *TileLoader) fetch(ctx context.Context, task *queue.Task) (*tile.Tile, error) {
	key := task.Key

	l.mu.Lock()
	src, ok := l.sources[key.Source]
	l.mu.Unlock()
	if !ok {
		l.logger.Warn("data source not found", "key", key.String(), "source", key.Source)
		return nil, &DataSourceNotFoundError{Name: key.Source}
	}
	if !src.SupportsZoom(key.Z) {
		cfg := src.Config()
		return nil, &ZoomOutOfRangeError{Source: key.Source, Zoom: key.Z, MinZoom: cfg.MinZoom, MaxZoom: cfg.MaxZoom}
	}

	url := src.URL(key)
	format := src.Config().Format
	headers := src.Headers()

	for attempt := 0; ; attempt++ {
		start := l.clock.Now()
		resp, err := l.transport.Get(ctx, url, transport.Options{
			Timeout: l.cfg.requestTimeout,
			Headers: headers,
		})
		metrics.FetchLatency.Observe(l.clock.Now().Sub(start).Seconds())

		var contentType string
		if err == nil {
			contentType, err = l.contentType(resp, format)
		}
		if err == nil {
			metrics.FetchAttempts.WithLabelValues("success").Inc()
			l.logger.Debug("tile fetched", "key", key.String(), "task", task.ID, "attempt", attempt, "size", len(resp.Data))
			return tile.New(key, resp.Data, contentType, l.clock.Now()), nil
		}

		kind := classify(ctx, err)
		metrics.FetchAttempts.WithLabelValues(outcomeLabel(kind)).Inc()
		lastErr := &FetchError{Key: key, URL: url, Attempts: attempt + 1, Kind: kind, Err: err}

		if kind == ErrNetworkAborted {
			return nil, lastErr
		}
		if attempt >= task.MaxRetries {
			l.logger.Warn("tile load failed", "key", key.String(), "task", task.ID, "attempts", attempt+1, "error", err)
			return nil, lastErr
		}

		delay := l.backoff(attempt)
		task.RetryCount++
		metrics.FetchRetries.Inc()
		l.logger.Debug("retrying tile fetch", "key", key.String(), "task", task.ID, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, &FetchError{Key: key, URL: url, Attempts: attempt + 1, Kind: ErrNetworkAborted, Err: ctx.Err()}
		case <-l.clock.After(delay):
		}
	}
}

func (l *TileLoader) fromStore(ctx context.Context, key tile.Key) *tile.Tile {
	if l.store == nil {
		return nil
	}

	l.mu.Lock()
	src, ok := l.sources[key.Source]
	l.mu.Unlock()
	if !ok || !src.SupportsZoom(key.Z) {
		return nil
	}

	data, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Warn("failed to read tile from store", "key", key.String(), "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	contentType, err := checkPayload(data, src.Config().Format)
	if err != nil && l.cfg.validatePayload {
		l.logger.Warn("ignoring invalid tile in store", "key", key.String(), "error", err)
		return nil
	}

	metrics.StoreHits.Inc()
	return tile.New(key, data, contentType, l.clock.Now())
}

func (l *TileLoader) contentType(resp *transport.Response, format string) (string, error) {
	detected, err := checkPayload(resp.Data, format)
	if err != nil && l.cfg.validatePayload {
		return "", err
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		return ct, nil
	}
	return detected, nil
}

// backoff is retryDelay * 2^attempt, capped by maxRetryDelay.
func (l *TileLoader) backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := l.cfg.retryDelay * time.Duration(1<<uint(attempt))
	if l.cfg.maxRetryDelay > 0 && (delay > l.cfg.maxRetryDelay || delay < 0) {
		delay = l.cfg.maxRetryDelay
	}
	return delay
}

// PreloadTiles starts a low-priority background load for every key not
// already cached. Failures are logged, never returned. Keys beyond the
// background task limit are dropped.
func (l *TileLoader) PreloadTiles(keys []tile.Key) {
	for _, key := range keys {
		l.mu.Lock()
		if l.disposed {
			l.mu.Unlock()
			return
		}
		if l.cache.Has(key) {
			l.mu.Unlock()
			continue
		}
		if l.bgCount >= l.cfg.maxBackground {
			l.mu.Unlock()
			l.logger.Debug("preload dropped, background limit reached", "key", key.String(), "limit", l.cfg.maxBackground)
			continue
		}
		l.bgCount++
		l.background.Add(1)
		l.mu.Unlock()

		go l.preload(key)
	}
}

func (l *TileLoader) preload(key tile.Key) {
	defer func() {
		l.mu.Lock()
		l.bgCount--
		l.mu.Unlock()
		l.background.Done()
	}()

	_, err := l.LoadTile(l.rootCtx, key, tile.PriorityLow)
	if err == nil || l.rootCtx.Err() != nil || errors.Is(err, ErrLoaderDisposed) {
		return
	}
	l.logger.Warn("tile preload failed", "key", key.String(), "error", err)
}

// UpdateCameraPosition prefetches the tiles around the point below the
// camera at a zoom derived from its altitude. Repeated calls that resolve
// to the same zoom and centre tile do nothing.
func (l *TileLoader) UpdateCameraPosition(pos Vec3) {
	zoom := zoomForDistance(pos.Length() - l.cfg.globeRadius)
	center := centerTile(pos, zoom)

	l.mu.Lock()
	if l.disposed || (l.cameraSet && l.cameraZoom == zoom && l.camera == center) {
		l.mu.Unlock()
		return
	}
	l.camera, l.cameraZoom, l.cameraSet = center, zoom, true

	var sources []datasource.DataSource
	for _, src := range l.sources {
		if src.SupportsZoom(zoom) {
			sources = append(sources, src)
		}
	}
	l.mu.Unlock()

	sort.Slice(sources, func(i, j int) bool { return sources[i].Name() < sources[j].Name() })

	tiles := neighborhood(center, l.cfg.prefetchRadius)
	keys := make([]tile.Key, 0, len(tiles)*len(sources))
	for _, t := range tiles {
		for _, src := range sources {
			keys = append(keys, tile.Key{
				X:      int(t.X),
				Y:      int(t.Y),
				Z:      zoom,
				Source: src.Name(),
				Layer:  src.Config().Layer,
			})
		}
	}

	l.logger.Debug("camera moved", "zoom", zoom, "x", center.X, "y", center.Y, "tiles", len(keys))
	l.PreloadTiles(keys)
}

// AddDataSource registers src under name, replacing any previous source
// with that name.
func (l *TileLoader) AddDataSource(name string, src datasource.DataSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[name] = src
	l.logger.Info("data source added", "name", name, "type", string(src.Config().Type))
}

func (l *TileLoader) RemoveDataSource(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sources[name]; !ok {
		return false
	}
	delete(l.sources, name)
	l.logger.Info("data source removed", "name", name)
	return true
}

func (l *TileLoader) DataSource(name string) (datasource.DataSource, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	src, ok := l.sources[name]
	return src, ok
}

// DataSources returns the registered source names in sorted order.
func (l *TileLoader) DataSources() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sourceNamesLocked()
}

func (l *TileLoader) sourceNamesLocked() []string {
	names := make([]string, 0, len(l.sources))
	for name := range l.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type CacheStats struct {
	cache.Stats
	Queued int `json:"queued"`
	Active int `json:"active"`
}

func (l *TileLoader) CacheStats() CacheStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return CacheStats{
		Stats:  l.cache.Stats(),
		Queued: l.queue.Len(),
		Active: l.queue.ActiveCount(),
	}
}

type CameraStatus struct {
	Zoom int `json:"zoom"`
	X    int `json:"x"`
	Y    int `json:"y"`
}

type Status struct {
	Disposed      bool          `json:"disposed"`
	DataSources   []string      `json:"data_sources"`
	Queued        int           `json:"queued"`
	Active        int           `json:"active"`
	MaxConcurrent int           `json:"max_concurrent"`
	Background    int           `json:"background"`
	CachedTiles   int           `json:"cached_tiles"`
	Camera        *CameraStatus `json:"camera,omitempty"`
}

func (l *TileLoader) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Status{
		Disposed:      l.disposed,
		DataSources:   l.sourceNamesLocked(),
		Queued:        l.queue.Len(),
		Active:        l.queue.ActiveCount(),
		MaxConcurrent: l.queue.MaxConcurrent(),
		Background:    l.bgCount,
		CachedTiles:   l.cache.Len(),
	}
	if l.cameraSet {
		s.Camera = &CameraStatus{Zoom: l.cameraZoom, X: int(l.camera.X), Y: int(l.camera.Y)}
	}
	return s
}

func (l *TileLoader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Clear()
}

// EvictByAge drops cached tiles not accessed within maxAge.
func (l *TileLoader) EvictByAge(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.EvictByAge(maxAge)
}

// SetCacheLimits changes the cache budgets and evicts down to them at once.
// Non-positive values keep the current budget.
func (l *TileLoader) SetCacheLimits(maxTiles int, maxMemory int64) cache.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.SetLimits(maxTiles, maxMemory)
	return l.cache.Stats()
}

// ResetStats zeroes the cache hit, miss and eviction counters.
func (l *TileLoader) ResetStats() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.ResetStats()
}

// TrimCache drops percent (0-100) of the cached tiles, least recently used
// first. It is the hook for external memory pressure.
func (l *TileLoader) TrimCache(percent float64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.EvictPercentage(percent)
}

// Dispose rejects pending loads, cancels in-flight ones and clears the
// cache, then waits for every task and background goroutine to exit or
// ctx to end. Later calls to LoadTile fail with ErrLoaderDisposed.
func (l *TileLoader) Dispose(ctx context.Context) error {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return nil
	}
	l.disposed = true

	for _, task := range l.queue.Drain() {
		id := task.Key.String()
		if f, ok := l.flights[id]; ok {
			delete(l.flights, id)
			f.err = ErrLoaderDisposed
			close(f.done)
		}
		task.Cancel()
	}
	for _, task := range l.queue.Active() {
		task.Cancel()
	}
	l.rootCancel()
	l.cache.Clear()
	metrics.QueuePending.Set(0)
	l.mu.Unlock()

	l.logger.Info("tile loader disposing")

	done := make(chan struct{})
	go func() {
		l.tasks.Wait()
		l.background.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for tile loads to stop: %w", ctx.Err())
	}

	if l.store != nil {
		if err := l.store.Close(); err != nil {
			l.logger.Warn("failed to close tile store", "error", err)
		}
	}

	l.logger.Info("tile loader disposed")
	return nil
}

// Package media is the process-wide cache of remote images. Concurrent
// requests for the same URL share a single HTTP fetch.
package media

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/steemit/feedsync/internal/cache"
	"github.com/steemit/feedsync/internal/models"
	"github.com/steemit/feedsync/pkg/config"
	"github.com/steemit/feedsync/pkg/logging"
	"github.com/steemit/feedsync/pkg/telemetry"
)

const redisKeyPrefix = "media:"

var errTooLarge = errors.New("body exceeds media_max_bytes")

// Cache maps URL to Handle. Successful fetches are kept for the lifetime of
// the cache; failures are never remembered, so the next Get retries.
type Cache struct {
	cfg    config.MediaConfig
	client *http.Client
	redis  *cache.Cache
	logger *zap.Logger

	mu         sync.RWMutex
	entries    map[string]*Handle
	generation uint64 // bumped by Clear
	flights    singleflight.Group

	// lifetime bounds fetches that outlive their first caller
	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup

	fetches   metric.Int64Counter
	coalesced metric.Int64Counter
}

// New creates a media cache. redis may be nil. A nil client gets a default
// one bounded by cfg.FetchTimeout.
func New(cfg config.MediaConfig, redis *cache.Cache, client *http.Client) *Cache {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 8 << 20
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}

	lifetime, stop := context.WithCancel(context.Background())
	return &Cache{
		cfg:       cfg,
		client:    client,
		redis:     redis,
		logger:    logging.WithComponent("media"),
		entries:   make(map[string]*Handle),
		lifetime:  lifetime,
		stop:      stop,
		fetches:   telemetry.Counter("feedsync_media_fetches_total", "Media fetches by result"),
		coalesced: telemetry.Counter("feedsync_media_coalesced_total", "Media requests served by an in-flight fetch"),
	}
}

// Lookup returns the cached handle for url without fetching
func (c *Cache) Lookup(url string) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.entries[url]
	return h, ok
}

// Len returns the number of cached handles
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Get returns the handle for url, fetching it if needed. All concurrent
// callers for one url wait on the same fetch and see the same result. ctx
// only bounds this caller's wait; the fetch itself keeps running for the
// other waiters until the fetch timeout.
func (c *Cache) Get(ctx context.Context, url string) (*Handle, error) {
	if h, ok := c.Lookup(url); ok {
		return h, nil
	}

	ch := c.flights.DoChan(url, func() (interface{}, error) {
		return c.fetch(url)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.coalesced.Add(ctx, 1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) fetch(url string) (*Handle, error) {
	gen := c.currentGeneration()

	// A flight for url may have completed between Lookup and DoChan
	if h, ok := c.Lookup(url); ok {
		return h, nil
	}

	ctx, cancel := context.WithTimeout(c.lifetime, c.cfg.FetchTimeout)
	defer cancel()

	if h, ok := c.fromRedis(ctx, url); ok {
		c.store(h, gen)
		c.record(ctx, "redis")
		return h, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "media.fetch")
	span.SetAttributes(attribute.String("media.url", url))
	defer span.End()

	start := time.Now()
	h, err := c.download(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.record(ctx, "error")
		c.logger.Warn("Media fetch failed",
			zap.String("url", url),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	if c.currentGeneration() == gen {
		c.toRedis(ctx, h)
	}
	if !c.store(h, gen) {
		c.logger.Debug("Dropping media fetched before Clear", zap.String("url", url))
	}
	c.record(ctx, "ok")
	c.logger.Debug("Media fetched",
		zap.String("url", url),
		zap.String("content_type", h.ContentType),
		zap.Int("size", h.Size),
		zap.Duration("elapsed", time.Since(start)))
	return h, nil
}

func (c *Cache) download(ctx context.Context, url string) (*Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &models.FetchFailedError{URL: url, Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &models.FetchFailedError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &models.FetchFailedError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes+1))
	if err != nil {
		return nil, &models.FetchFailedError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(data)) > c.cfg.MaxBytes {
		return nil, &models.FetchFailedError{URL: url, StatusCode: resp.StatusCode, Err: errTooLarge}
	}

	h, err := NewHandle(url, data)
	if err != nil {
		return nil, &models.FetchFailedError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}
	return h, nil
}

func (c *Cache) fromRedis(ctx context.Context, url string) (*Handle, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.GetBytes(ctx, redisKeyPrefix+cache.HashKey(url))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.logger.Warn("Redis lookup failed", zap.String("url", url), zap.Error(err))
		}
		return nil, false
	}
	h, err := NewHandle(url, data)
	if err != nil {
		c.logger.Warn("Discarding undecodable Redis entry", zap.String("url", url), zap.Error(err))
		return nil, false
	}
	return h, true
}

func (c *Cache) toRedis(ctx context.Context, h *Handle) {
	if c.redis == nil {
		return
	}
	if err := c.redis.SetBytes(ctx, redisKeyPrefix+cache.HashKey(h.URL), h.Data, c.cfg.RedisTTL); err != nil {
		c.logger.Warn("Redis store failed", zap.String("url", h.URL), zap.Error(err))
	}
}

// store keeps h unless Clear ran since the fetch started
func (c *Cache) store(h *Handle, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	c.entries[h.URL] = h
	return true
}

func (c *Cache) currentGeneration() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *Cache) record(ctx context.Context, result string) {
	c.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// GetBatch resolves every url, fetching the uncached ones with bounded
// parallelism. Urls whose fetch failed are absent from the result.
func (c *Cache) GetBatch(ctx context.Context, urls []string) map[string]*Handle {
	out := make(map[string]*Handle, len(urls))
	var pending []string
	seen := make(map[string]struct{}, len(urls))

	c.mu.RLock()
	for _, u := range urls {
		if _, dup := seen[u]; dup || u == "" {
			continue
		}
		seen[u] = struct{}{}
		if h, ok := c.entries[u]; ok {
			out[u] = h
		} else {
			pending = append(pending, u)
		}
	}
	c.mu.RUnlock()

	if len(pending) == 0 {
		return out
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.cfg.MaxWorkers)
	for _, u := range pending {
		u := u
		g.Go(func() error {
			h, err := c.Get(ctx, u)
			if err != nil {
				return nil
			}
			mu.Lock()
			out[u] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// Prefetch warms the cache for urls in the background
func (c *Cache) Prefetch(urls []string) {
	if len(urls) == 0 || c.lifetime.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		got := c.GetBatch(c.lifetime, urls)
		if missing := len(urls) - len(got); missing > 0 {
			c.logger.Debug("Prefetch incomplete",
				zap.Int("requested", len(urls)),
				zap.Int("missing", missing))
		}
	}()
}

// Clear drops every cached handle, including the Redis tier. Fetches in
// flight still answer their callers but their results are not kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Handle)
	c.generation++
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.redis.Flush(ctx, redisKeyPrefix); err != nil {
		c.logger.Warn("Failed to flush Redis media entries", zap.Error(err))
	}
}

// Close aborts in-flight fetches and waits for background prefetches
func (c *Cache) Close() error {
	c.stop()
	c.wg.Wait()
	return nil
}

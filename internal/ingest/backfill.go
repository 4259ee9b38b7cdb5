// Package ingest runs the network tasks that feed the merger: page fetches
// for backfill and the live stream reader.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steemit/feedsync/internal/feed"
	"github.com/steemit/feedsync/internal/merger"
	"github.com/steemit/feedsync/internal/models"
	"github.com/steemit/feedsync/pkg/logging"
)

// ErrBusy is returned when a feed already has a page in flight
var ErrBusy = errors.New("page already loading")

// PageFetcher fetches one page of the named feed
type PageFetcher interface {
	FetchPage(ctx context.Context, timeline string, req feed.Request) ([]*models.Status, []*models.Notification, error)
}

// Submitter accepts messages for the merger
type Submitter interface {
	Submit(ctx context.Context, msg merger.Message) error
}

// Backfill starts page fetches on behalf of feeds and reports every outcome
// to the merger, including failures and cancellations.
type Backfill struct {
	ctx     context.Context
	fetcher PageFetcher
	sink    Submitter
	feeds   *feed.Registry
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewBackfill creates a backfill driver. Fetches are bound to ctx.
func NewBackfill(ctx context.Context, fetcher PageFetcher, sink Submitter, feeds *feed.Registry) *Backfill {
	return &Backfill{
		ctx:      ctx,
		fetcher:  fetcher,
		sink:     sink,
		feeds:    feeds,
		logger:   logging.WithComponent("backfill"),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Load fetches the first page of the named feed
func (b *Backfill) Load(name string) (feed.Request, error) {
	f, ok := b.feeds.Get(name)
	if !ok {
		return feed.Request{}, fmt.Errorf("%w: %s", merger.ErrUnknownFeed, name)
	}
	req, ok := f.Load()
	if !ok {
		return feed.Request{}, ErrBusy
	}
	b.start(f, req)
	return req, nil
}

// RequestMore fetches the next older page of the named feed
func (b *Backfill) RequestMore(name string) (feed.Request, error) {
	f, ok := b.feeds.Get(name)
	if !ok {
		return feed.Request{}, fmt.Errorf("%w: %s", merger.ErrUnknownFeed, name)
	}
	req, ok := f.RequestMore()
	if !ok {
		return feed.Request{}, ErrBusy
	}
	b.start(f, req)
	return req, nil
}

// LoadAll loads the first page of every registered feed
func (b *Backfill) LoadAll() {
	for _, name := range b.feeds.Names() {
		if _, err := b.Load(name); err != nil {
			b.logger.Warn("Initial load skipped", zap.String("timeline", name), zap.Error(err))
		}
	}
}

// Cancel aborts the in-flight page of the named feed. It reports whether
// there was one.
func (b *Backfill) Cancel(name string) bool {
	b.mu.Lock()
	cancel, ok := b.inflight[name]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every started fetch has reported back
func (b *Backfill) Wait() {
	b.wg.Wait()
}

func (b *Backfill) start(f *feed.Feed, req feed.Request) {
	name := f.Name()
	ctx, cancel := context.WithCancel(b.ctx)

	b.mu.Lock()
	b.inflight[name] = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()

		logger := b.logger.With(zap.String("timeline", name))
		start := time.Now()
		statuses, notifications, err := b.fetcher.FetchPage(ctx, name, req)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}

		b.mu.Lock()
		delete(b.inflight, name)
		b.mu.Unlock()

		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info("Page fetch cancelled", zap.Int("skip", req.Skip))
			} else {
				logger.Warn("Page fetch failed", zap.Int("skip", req.Skip), zap.Error(err))
			}
		} else {
			logger.Debug("Page fetched",
				zap.Int("skip", req.Skip),
				zap.Int("entries", len(statuses)+len(notifications)),
				zap.Duration("elapsed", time.Since(start)))
		}

		page := merger.BackfillPage{
			Timeline:      name,
			Statuses:      statuses,
			Notifications: notifications,
			Err:           err,
		}
		if serr := b.sink.Submit(b.ctx, page); serr != nil {
			// The merger is gone; clear the flag here so the feed stays usable
			f.FinishLoading()
		}
	}()
}

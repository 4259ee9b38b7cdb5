// Package merger applies backfill pages and live events to the entity cache
// and the feeds. All mutations happen on the goroutine running Run.
package merger

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/steemit/feedsync/internal/entity"
	"github.com/steemit/feedsync/internal/feed"
	"github.com/steemit/feedsync/pkg/logging"
	"github.com/steemit/feedsync/pkg/telemetry"
)

// maxPrefetch caps the media urls queued for one message
const maxPrefetch = 100

// ErrUnknownFeed is returned for messages addressed to a feed that is not
// registered
var ErrUnknownFeed = errors.New("unknown feed")

// Prefetcher warms a media cache
type Prefetcher interface {
	Prefetch(urls []string)
}

// Merger owns feed and entity mutation
type Merger struct {
	entities *entity.Cache
	feeds    *feed.Registry
	media    Prefetcher
	inbox    chan Message
	logger   *zap.Logger

	applied metric.Int64Counter
}

// New creates a merger. media may be nil to disable prefetching.
func New(entities *entity.Cache, feeds *feed.Registry, media Prefetcher, inboxSize int) *Merger {
	if inboxSize <= 0 {
		inboxSize = 64
	}
	return &Merger{
		entities: entities,
		feeds:    feeds,
		media:    media,
		inbox:    make(chan Message, inboxSize),
		logger:   logging.WithComponent("merger"),
		applied:  telemetry.Counter("feedsync_merger_messages_total", "Messages applied by the merger"),
	}
}

// Submit queues msg for Run. It blocks while the inbox is full.
func (m *Merger) Submit(ctx context.Context, msg Message) error {
	select {
	case m.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies queued messages until ctx is cancelled
func (m *Merger) Run(ctx context.Context) error {
	m.logger.Info("Merger started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Merger stopped")
			return ctx.Err()
		case msg := <-m.inbox:
			if err := m.Apply(msg); err != nil {
				m.logger.Warn("Failed to apply message", zap.Error(err))
			}
		}
	}
}

// Reset queues a Reset behind every pending message and waits until Run
// has applied it.
func (m *Merger) Reset(ctx context.Context) error {
	done := make(chan struct{})
	if err := m.Submit(ctx, Reset{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply normalizes the message's entities into the cache, splices their ids
// into the owning feed and prefetches the media they reference.
func (m *Merger) Apply(msg Message) error {
	switch msg := msg.(type) {
	case BackfillPage:
		m.record("backfill")
		return m.applyPage(msg)
	case *BackfillPage:
		m.record("backfill")
		return m.applyPage(*msg)
	case LiveEvent:
		m.record(msg.Kind.String())
		return m.applyEvent(msg)
	case *LiveEvent:
		m.record(msg.Kind.String())
		return m.applyEvent(*msg)
	case Reset:
		m.record("reset")
		m.applyReset(msg)
		return nil
	case *Reset:
		m.record("reset")
		m.applyReset(*msg)
		return nil
	default:
		return fmt.Errorf("unsupported message %T", msg)
	}
}

func (m *Merger) applyPage(p BackfillPage) error {
	f, ok := m.feeds.Get(p.Timeline)
	if !ok {
		return fmt.Errorf("backfill %q: %w", p.Timeline, ErrUnknownFeed)
	}
	defer f.FinishLoading()

	logger := m.logger.With(zap.String("timeline", p.Timeline))
	if p.Err != nil {
		logger.Warn("Backfill page failed", zap.Error(p.Err))
		return nil
	}

	var urls []string
	added := 0
	for _, s := range p.Statuses {
		if s == nil || s.ID == "" {
			continue
		}
		m.entities.PutStatus(s)
		if f.Append(s.ID) {
			added++
		}
		urls = append(urls, s.MediaURLs()...)
	}
	for _, n := range p.Notifications {
		if n == nil || n.ID == "" {
			continue
		}
		m.entities.PutNotification(n)
		if f.Append(n.ID) {
			added++
		}
		urls = append(urls, n.MediaURLs()...)
	}

	logger.Debug("Applied backfill page",
		zap.Int("received", len(p.Statuses)+len(p.Notifications)),
		zap.Int("added", added),
		zap.Int("feed_len", f.Len()))

	m.prefetch(urls)
	return nil
}

func (m *Merger) applyEvent(e LiveEvent) error {
	timeline := e.Timeline
	if timeline == "" {
		timeline = feed.Home
	}

	switch e.Kind {
	case EventUpdate:
		if e.Status == nil || e.Status.ID == "" {
			return errors.New("update event without status")
		}
		f, ok := m.feeds.Get(timeline)
		if !ok {
			return fmt.Errorf("update %q: %w", timeline, ErrUnknownFeed)
		}
		m.entities.PutStatus(e.Status)
		f.Prepend(e.Status.ID)
		m.prefetch(e.Status.MediaURLs())

	case EventNotify:
		if e.Notification == nil || e.Notification.ID == "" {
			return errors.New("notification event without notification")
		}
		f, ok := m.feeds.Get(feed.Notifications)
		if !ok {
			return fmt.Errorf("notification: %w", ErrUnknownFeed)
		}
		if !e.Notification.Type.Known() {
			m.logger.Debug("Unrecognized notification type", zap.String("type", string(e.Notification.Type)))
		}
		m.entities.PutNotification(e.Notification)
		f.Prepend(e.Notification.ID)
		m.prefetch(e.Notification.MediaURLs())

	case EventDelete:
		if e.ID == "" {
			return errors.New("delete event without id")
		}
		removed := m.feeds.RemoveEverywhere(e.ID)
		m.logger.Debug("Status deleted", zap.String("id", e.ID), zap.Strings("feeds", removed))

	case EventEdit:
		if e.Status == nil || e.Status.ID == "" {
			return errors.New("edit event without status")
		}
		m.entities.PutStatus(e.Status)
		m.prefetch(e.Status.MediaURLs())

	case EventFiltersChanged:
		m.logger.Debug("Filters changed, ignoring")

	default:
		return fmt.Errorf("unsupported event kind %d", e.Kind)
	}
	return nil
}

func (m *Merger) applyReset(r Reset) {
	m.entities.Clear()
	m.feeds.Clear()
	m.logger.Info("Entities and feeds reset")
	if r.done != nil {
		close(r.done)
	}
}

func (m *Merger) prefetch(urls []string) {
	if m.media == nil || len(urls) == 0 {
		return
	}
	if len(urls) > maxPrefetch {
		urls = urls[:maxPrefetch]
	}
	m.media.Prefetch(urls)
}

func (m *Merger) record(kind string) {
	m.applied.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

package ingest

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steemit/feedsync/internal/entity"
	"github.com/steemit/feedsync/internal/feed"
	"github.com/steemit/feedsync/internal/merger"
	"github.com/steemit/feedsync/internal/models"
	"github.com/steemit/feedsync/pkg/config"
)

// applySink applies messages synchronously
type applySink struct {
	mu sync.Mutex
	m  *merger.Merger
}

func (s *applySink) Submit(ctx context.Context, msg merger.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Apply(msg)
}

type fetchFunc func(ctx context.Context, timeline string, req feed.Request) ([]*models.Status, []*models.Notification, error)

func (f fetchFunc) FetchPage(ctx context.Context, timeline string, req feed.Request) ([]*models.Status, []*models.Notification, error) {
	return f(ctx, timeline, req)
}

func newRig(t *testing.T) (*feed.Registry, *applySink) {
	t.Helper()
	feeds, err := feed.NewRegistry(2, nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return feeds, &applySink{m: merger.New(entity.New(), feeds, nil, 0)}
}

func TestBackfillLoadAndRequestMore(t *testing.T) {
	feeds, sink := newRig(t)
	var requests []feed.Request
	var mu sync.Mutex
	fetcher := fetchFunc(func(ctx context.Context, timeline string, req feed.Request) ([]*models.Status, []*models.Notification, error) {
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		if timeline != feed.Home {
			return nil, nil, nil
		}
		if req.MaxID == "" {
			return []*models.Status{{ID: "9"}, {ID: "8"}}, nil, nil
		}
		return []*models.Status{{ID: "7"}, {ID: "6"}}, nil, nil
	})

	b := NewBackfill(context.Background(), fetcher, sink, feeds)
	if _, err := b.Load(feed.Home); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	b.Wait()

	req, err := b.RequestMore(feed.Home)
	if err != nil {
		t.Fatalf("RequestMore() error = %v", err)
	}
	if req.Skip != 2 || req.MaxID != "8" {
		t.Errorf("RequestMore() = %+v, want skip 2 after 8", req)
	}
	b.Wait()

	home, _ := feeds.Get(feed.Home)
	if got, want := home.IDs(), []string{"9", "8", "7", "6"}; !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
	if home.Loading() {
		t.Error("feed still loading")
	}

	if _, err := b.Load("federated"); !errors.Is(err, merger.ErrUnknownFeed) {
		t.Errorf("Load(unknown) error = %v, want ErrUnknownFeed", err)
	}
}

func TestBackfillGuardAndCancel(t *testing.T) {
	feeds, sink := newRig(t)
	var calls int32
	started := make(chan struct{})
	fetcher := fetchFunc(func(ctx context.Context, timeline string, req feed.Request) ([]*models.Status, []*models.Notification, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-ctx.Done()
		return nil, nil, ctx.Err()
	})

	b := NewBackfill(context.Background(), fetcher, sink, feeds)
	if _, err := b.RequestMore(feed.Notifications); err != nil {
		t.Fatalf("RequestMore() error = %v", err)
	}
	<-started

	if _, err := b.RequestMore(feed.Notifications); !errors.Is(err, ErrBusy) {
		t.Errorf("second RequestMore() error = %v, want ErrBusy", err)
	}
	notifications, _ := feeds.Get(feed.Notifications)
	if notifications.Skip() != 2 {
		t.Errorf("Skip() = %d, want 2", notifications.Skip())
	}

	if !b.Cancel(feed.Notifications) {
		t.Error("Cancel() = false, want true")
	}
	b.Wait()

	if notifications.Loading() {
		t.Error("cancelled page left the feed loading")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
	if b.Cancel(feed.Notifications) {
		t.Error("Cancel() with nothing in flight = true")
	}
}

func TestBackfillFailureClearsLoading(t *testing.T) {
	feeds, sink := newRig(t)
	fetcher := fetchFunc(func(ctx context.Context, timeline string, req feed.Request) ([]*models.Status, []*models.Notification, error) {
		return nil, nil, &models.FetchFailedError{URL: "https://example/api", StatusCode: 502}
	})

	b := NewBackfill(context.Background(), fetcher, sink, feeds)
	b.LoadAll()
	b.Wait()

	for _, name := range feeds.Names() {
		f, _ := feeds.Get(name)
		if f.Loading() {
			t.Errorf("%s still loading after failure", name)
		}
	}
}

// scriptedSource replays events, then fails
type scriptedSource struct {
	events []merger.LiveEvent
	closed atomic.Bool
}

func (s *scriptedSource) Next(ctx context.Context) (merger.LiveEvent, error) {
	if len(s.events) == 0 {
		return merger.LiveEvent{}, models.ErrStreamTerminated
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, nil
}

func (s *scriptedSource) Close() error {
	s.closed.Store(true)
	return nil
}

// blockingSource never yields
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (merger.LiveEvent, error) {
	<-ctx.Done()
	return merger.LiveEvent{}, ctx.Err()
}

func (blockingSource) Close() error { return nil }

func update(id string) merger.LiveEvent {
	return merger.LiveEvent{Kind: merger.EventUpdate, Status: &models.Status{ID: id}}
}

func TestStreamerReconnects(t *testing.T) {
	feeds, sink := newRig(t)

	first := &scriptedSource{events: []merger.LiveEvent{update("1"), update("2")}}
	second := &scriptedSource{events: []merger.LiveEvent{update("2"), update("3")}}
	var dials int32
	reachedLast := make(chan struct{})

	dial := func(ctx context.Context) (EventSource, error) {
		switch atomic.AddInt32(&dials, 1) {
		case 1:
			return nil, &models.FetchFailedError{URL: "wss://example/stream", Err: errors.New("connection refused")}
		case 2:
			return first, nil
		case 3:
			return second, nil
		default:
			close(reachedLast)
			return blockingSource{}, nil
		}
	}

	s := NewStreamer("user", dial, sink, config.StreamConfig{
		MinBackoff:  time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		MaxAttempts: 3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-reachedLast:
	case <-time.After(5 * time.Second):
		t.Fatal("streamer did not reconnect")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}

	home, _ := feeds.Get(feed.Home)
	if got, want := home.IDs(), []string{"3", "2", "1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
	if !first.closed.Load() || !second.closed.Load() {
		t.Error("ended sources were not closed")
	}
}

func TestStreamerGivesUpOnClientErrors(t *testing.T) {
	_, sink := newRig(t)
	var dials int32
	dial := func(ctx context.Context) (EventSource, error) {
		atomic.AddInt32(&dials, 1)
		return nil, &models.FetchFailedError{URL: "wss://example/stream", StatusCode: 401}
	}

	s := NewStreamer("user", dial, sink, config.StreamConfig{
		MinBackoff:  time.Millisecond,
		MaxBackoff:  time.Hour,
		MaxAttempts: 5,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Errorf("dials = %d, want 1 (401 is not retried)", n)
	}
}

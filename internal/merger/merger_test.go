package merger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/steemit/feedsync/internal/entity"
	"github.com/steemit/feedsync/internal/feed"
	"github.com/steemit/feedsync/internal/models"
)

type recordingPrefetcher struct {
	mu   sync.Mutex
	urls [][]string
}

func (r *recordingPrefetcher) Prefetch(urls []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, urls)
}

func (r *recordingPrefetcher) calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.urls
}

func newTestMerger(t *testing.T) (*Merger, *entity.Cache, *feed.Registry, *recordingPrefetcher) {
	t.Helper()
	entities := entity.New()
	feeds, err := feed.NewRegistry(20, []string{"public"})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	media := &recordingPrefetcher{}
	return New(entities, feeds, media, 0), entities, feeds, media
}

func mustFeed(t *testing.T, feeds *feed.Registry, name string) *feed.Feed {
	t.Helper()
	f, ok := feeds.Get(name)
	if !ok {
		t.Fatalf("feed %q not registered", name)
	}
	return f
}

func TestBackfillThenLiveReblog(t *testing.T) {
	m, entities, feeds, _ := newTestMerger(t)
	home := mustFeed(t, feeds, feed.Home)

	home.Load()
	err := m.Apply(BackfillPage{
		Timeline: feed.Home,
		Statuses: []*models.Status{{ID: "1", FavouritesCount: 1}},
	})
	if err != nil {
		t.Fatalf("Apply(backfill) error = %v", err)
	}
	if home.Loading() {
		t.Error("backfill page did not clear loading")
	}

	err = m.Apply(LiveEvent{
		Kind: EventUpdate,
		Status: &models.Status{
			ID:     "2",
			Reblog: &models.Status{ID: "1", FavouritesCount: 5},
		},
	})
	if err != nil {
		t.Fatalf("Apply(update) error = %v", err)
	}

	a, _ := entities.GetStatus("1")
	if a.FavouritesCount != 5 {
		t.Errorf("GetStatus(\"1\").FavouritesCount = %d, want 5", a.FavouritesCount)
	}
	if got, want := home.IDs(), []string{"2", "1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("home IDs() = %v, want %v", got, want)
	}
}

func TestBackfillPageOrder(t *testing.T) {
	m, _, feeds, _ := newTestMerger(t)
	public := mustFeed(t, feeds, feed.Public)

	m.Apply(BackfillPage{Timeline: feed.Public, Statuses: []*models.Status{{ID: "9"}, {ID: "8"}}})
	m.Apply(BackfillPage{Timeline: feed.Public, Statuses: []*models.Status{{ID: "8"}, {ID: "7"}}})

	if got, want := public.IDs(), []string{"9", "8", "7"}; !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
}

func TestBackfillFailureClearsLoading(t *testing.T) {
	m, _, feeds, _ := newTestMerger(t)
	home := mustFeed(t, feeds, feed.Home)

	if _, ok := home.RequestMore(); !ok {
		t.Fatal("RequestMore() rejected")
	}
	if err := m.Apply(BackfillPage{Timeline: feed.Home, Err: errors.New("boom")}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if home.Loading() {
		t.Error("failed page left the feed loading")
	}
	if _, ok := home.RequestMore(); !ok {
		t.Error("feed cannot paginate after a failed page")
	}
}

func TestNotificationEvents(t *testing.T) {
	m, entities, feeds, media := newTestMerger(t)
	notifications := mustFeed(t, feeds, feed.Notifications)

	n := &models.Notification{
		ID:      "n1",
		Type:    models.NotifyFavourite,
		Account: models.Account{Avatar: "https://img/fan.png"},
		Status:  &models.Status{ID: "1", Account: models.Account{Avatar: "https://img/me.png"}},
	}
	if err := m.Apply(LiveEvent{Kind: EventNotify, Notification: n}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !notifications.Contains("n1") {
		t.Error("notification not prepended")
	}
	if _, ok := entities.GetStatus("1"); !ok {
		t.Error("embedded status not normalized")
	}

	calls := media.calls()
	if len(calls) != 1 {
		t.Fatalf("Prefetch calls = %d, want 1", len(calls))
	}
	if want := []string{"https://img/fan.png", "https://img/me.png"}; !reflect.DeepEqual(calls[0], want) {
		t.Errorf("Prefetch urls = %v, want %v", calls[0], want)
	}
}

func TestDeleteEvent(t *testing.T) {
	m, entities, feeds, _ := newTestMerger(t)
	home := mustFeed(t, feeds, feed.Home)
	public := mustFeed(t, feeds, feed.Public)

	m.Apply(BackfillPage{Timeline: feed.Home, Statuses: []*models.Status{{ID: "3"}, {ID: "1"}, {ID: "2"}}})
	m.Apply(BackfillPage{Timeline: feed.Public, Statuses: []*models.Status{{ID: "1"}}})

	if err := m.Apply(LiveEvent{Kind: EventDelete, ID: "1"}); err != nil {
		t.Fatalf("Apply(delete) error = %v", err)
	}
	if got, want := home.IDs(), []string{"3", "2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("home IDs() = %v, want %v", got, want)
	}
	if public.Len() != 0 {
		t.Errorf("public Len() = %d, want 0", public.Len())
	}
	if _, ok := entities.GetStatus("1"); !ok {
		t.Error("delete should only touch feeds")
	}

	if err := m.Apply(LiveEvent{Kind: EventDelete, ID: "absent"}); err != nil {
		t.Errorf("Apply(delete absent) error = %v", err)
	}
}

func TestEditEventDoesNotMove(t *testing.T) {
	m, entities, feeds, _ := newTestMerger(t)
	home := mustFeed(t, feeds, feed.Home)

	m.Apply(BackfillPage{Timeline: feed.Home, Statuses: []*models.Status{{ID: "2"}, {ID: "1", Content: "old"}}})
	m.Apply(LiveEvent{Kind: EventEdit, Status: &models.Status{ID: "1", Content: "new"}})

	if got, want := home.IDs(), []string{"2", "1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
	if s, _ := entities.GetStatus("1"); s.Content != "new" {
		t.Errorf("Content = %q, want new", s.Content)
	}
}

func TestMalformedMessages(t *testing.T) {
	m, _, _, _ := newTestMerger(t)

	tests := []struct {
		name string
		msg  Message
	}{
		{"update without status", LiveEvent{Kind: EventUpdate}},
		{"notify without notification", LiveEvent{Kind: EventNotify}},
		{"delete without id", LiveEvent{Kind: EventDelete}},
		{"unknown feed", BackfillPage{Timeline: "public:remote"}},
		{"unknown kind", LiveEvent{Kind: EventKind(42)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Apply(tt.msg); err == nil {
				t.Error("Apply() error = nil, want error")
			}
		})
	}

	if err := m.Apply(LiveEvent{Kind: EventFiltersChanged}); err != nil {
		t.Errorf("Apply(filters_changed) error = %v", err)
	}
}

func TestRunDrainsInbox(t *testing.T) {
	m, _, feeds, _ := newTestMerger(t)
	home := mustFeed(t, feeds, feed.Home)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	for _, id := range []string{"1", "2", "3"} {
		if err := m.Submit(ctx, LiveEvent{Kind: EventUpdate, Status: &models.Status{ID: id}}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for home.Len() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got, want := home.IDs(), []string{"3", "2", "1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestPrefetchCap(t *testing.T) {
	m, _, _, media := newTestMerger(t)

	statuses := make([]*models.Status, 0, 150)
	for i := 0; i < 150; i++ {
		id := fmt.Sprintf("%d", i)
		statuses = append(statuses, &models.Status{ID: id, Account: models.Account{Avatar: "https://img/" + id}})
	}
	m.Apply(BackfillPage{Timeline: feed.Home, Statuses: statuses})

	calls := media.calls()
	if len(calls) != 1 {
		t.Fatalf("Prefetch calls = %d, want 1", len(calls))
	}
	if len(calls[0]) != maxPrefetch {
		t.Errorf("len(Prefetch urls) = %d, want %d", len(calls[0]), maxPrefetch)
	}
}

func TestResetOrdersAfterQueuedMessages(t *testing.T) {
	m, entities, feeds, _ := newTestMerger(t)
	home := mustFeed(t, feeds, feed.Home)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// queued before Run starts, so they are still pending when Reset is sent
	if err := m.Submit(ctx, LiveEvent{Kind: EventUpdate, Status: &models.Status{ID: "99"}}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := m.Submit(ctx, BackfillPage{Timeline: feed.Home, Statuses: []*models.Status{{ID: "98"}}}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	if err := m.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if home.Len() != 0 {
		t.Errorf("home = %v after Reset, want empty", home.IDs())
	}
	if n, _ := entities.Len(); n != 0 {
		t.Errorf("entity cache holds %d statuses after Reset, want 0", n)
	}

	cancel()
	<-done
}

func TestApplyResetWithoutWaiter(t *testing.T) {
	m, entities, feeds, _ := newTestMerger(t)
	m.Apply(LiveEvent{Kind: EventUpdate, Status: &models.Status{ID: "1"}})

	if err := m.Apply(Reset{}); err != nil {
		t.Fatalf("Apply(Reset) error = %v", err)
	}
	if mustFeed(t, feeds, feed.Home).Len() != 0 {
		t.Error("home not cleared")
	}
	if _, ok := entities.GetStatus("1"); ok {
		t.Error("status 1 still cached")
	}
}

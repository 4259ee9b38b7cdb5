package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/steemit/feedsync/internal/entity"
	"github.com/steemit/feedsync/internal/feed"
	"github.com/steemit/feedsync/internal/ingest"
	"github.com/steemit/feedsync/internal/media"
	"github.com/steemit/feedsync/internal/models"
)

type stubBackfill struct {
	busy      bool
	cancelled []string
}

func (b *stubBackfill) Load(name string) (feed.Request, error) {
	if b.busy {
		return feed.Request{}, ingest.ErrBusy
	}
	return feed.Request{Limit: feed.DefaultPageSize}, nil
}

func (b *stubBackfill) RequestMore(name string) (feed.Request, error) {
	if b.busy {
		return feed.Request{}, ingest.ErrBusy
	}
	return feed.Request{Skip: 20, Limit: feed.DefaultPageSize, MaxID: "1"}, nil
}

func (b *stubBackfill) Cancel(name string) bool {
	b.cancelled = append(b.cancelled, name)
	return true
}

type stubMedia map[string]*media.Handle

func (m stubMedia) Get(ctx context.Context, u string) (*media.Handle, error) {
	if h, ok := m[u]; ok {
		return h, nil
	}
	return nil, &models.FetchFailedError{URL: u, StatusCode: http.StatusNotFound}
}

type rig struct {
	engine   *gin.Engine
	entities *entity.Cache
	feeds    *feed.Registry
	backfill *stubBackfill
	loggedIn bool
}

func newRig(t *testing.T) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	feeds, err := feed.NewRegistry(feed.DefaultPageSize, []string{"public"})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	r := &rig{
		engine:   gin.New(),
		entities: entity.New(),
		feeds:    feeds,
		backfill: &stubBackfill{},
		loggedIn: true,
	}
	router := NewRouter(Deps{
		Entities: r.entities,
		Feeds:    feeds,
		Backfill: r.backfill,
		Media: stubMedia{
			"https://img.example/a.png": {URL: "https://img.example/a.png", ContentType: "image/png", Data: []byte("png")},
		},
		Logout: func(ctx context.Context) error {
			r.entities.Clear()
			r.feeds.Clear()
			r.loggedIn = false
			return nil
		},
		Checks: map[string]HealthCheck{
			"redis": func(ctx context.Context) error { return nil },
		},
	})
	router.SetupRoutes(r.engine)
	return r
}

func (r *rig) call(t *testing.T, method string, params interface{}) JSONRPCResponse {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	r.engine.ServeHTTP(w, req)

	var resp JSONRPCResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return resp
}

func decodeResult(t *testing.T, resp JSONRPCResponse, dst interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestSnapshotResolvesReblogs(t *testing.T) {
	r := newRig(t)
	r.entities.PutStatus(&models.Status{ID: "2", Reblog: &models.Status{ID: "1"}})
	r.entities.PutStatus(&models.Status{ID: "1", FavouritesCount: 9})
	f, _ := r.feeds.Get(feed.Public)
	f.Append("2")
	f.Append("1")
	f.Append("missing")

	var got SnapshotResult
	decodeResult(t, r.call(t, "feed.snapshot", map[string]string{"timeline": feed.Public}), &got)

	if got.Total != 2 || len(got.Entries) != 2 {
		t.Fatalf("snapshot = %+v, want 2 entries", got)
	}
	if got.Entries[0].ID != "2" || got.Entries[0].Reblog == nil {
		t.Fatalf("entries[0] = %+v, want status 2 with reblog", got.Entries[0])
	}
	if got.Entries[0].Reblog.FavouritesCount != 9 {
		t.Errorf("reblog favourites = %d, want 9", got.Entries[0].Reblog.FavouritesCount)
	}
}

func TestSnapshotWindow(t *testing.T) {
	r := newRig(t)
	f, _ := r.feeds.Get(feed.Home)
	for _, id := range []string{"5", "4", "3", "2", "1"} {
		r.entities.PutStatus(&models.Status{ID: id})
		f.Append(id)
	}

	tests := []struct {
		name   string
		offset int
		limit  int
		want   []string
	}{
		{"all", 0, 0, []string{"5", "4", "3", "2", "1"}},
		{"first page", 0, 2, []string{"5", "4"}},
		{"middle", 2, 2, []string{"3", "2"}},
		{"past end", 9, 2, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got SnapshotResult
			decodeResult(t, r.call(t, "feed.snapshot", map[string]interface{}{
				"timeline": feed.Home, "offset": tt.offset, "limit": tt.limit,
			}), &got)
			ids := make([]string, 0, len(got.Entries))
			for _, e := range got.Entries {
				ids = append(ids, e.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", ids, tt.want)
				}
			}
		})
	}
}

func TestErrorCodes(t *testing.T) {
	r := newRig(t)

	tests := []struct {
		name   string
		method string
		params interface{}
		code   int
	}{
		{"unknown method", "feed.nope", nil, ErrMethodNotFound},
		{"missing timeline", "feed.snapshot", map[string]string{}, ErrInvalidParams},
		{"unknown timeline", "feed.load", map[string]string{"timeline": "lists"}, ErrInvalidParams},
		{"params not an object", "entity.get_status", []string{"1"}, ErrInvalidParams},
		{"status not ingested", "entity.get_status", map[string]string{"id": "404"}, ErrEntityNotReady},
		{"notification not ingested", "entity.get_notification", map[string]string{"id": "404"}, ErrEntityNotReady},
		{"media fetch failure", "media.get", map[string]string{"url": "https://img.example/missing.png"}, ErrFetchFailed},
		{"media bad url", "media.get", map[string]string{"url": "file:///etc/passwd"}, ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := r.call(t, tt.method, tt.params)
			if resp.Error == nil {
				t.Fatalf("%s() error = nil, want code %d", tt.method, tt.code)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("%s() code = %d, want %d", tt.method, resp.Error.Code, tt.code)
			}
		})
	}
}

func TestInvalidVersion(t *testing.T) {
	r := newRig(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"jsonrpc":"1.0","id":1,"method":"feed.list"}`))
	r.engine.ServeHTTP(w, req)

	var resp JSONRPCResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrInvalidRequest {
		t.Errorf("error = %+v, want code %d", resp.Error, ErrInvalidRequest)
	}
}

func TestRequestMoreWhileBusy(t *testing.T) {
	r := newRig(t)

	var got LoadResult
	decodeResult(t, r.call(t, "feed.request_more", map[string]string{"timeline": feed.Home}), &got)
	if !got.Accepted || got.Skip != 20 || got.MaxID != "1" {
		t.Errorf("request_more = %+v, want accepted skip 20 max_id 1", got)
	}

	r.backfill.busy = true
	got = LoadResult{}
	decodeResult(t, r.call(t, "feed.request_more", map[string]string{"timeline": feed.Home}), &got)
	if got.Accepted {
		t.Errorf("request_more while busy accepted = true, want false")
	}
}

func TestFeedList(t *testing.T) {
	r := newRig(t)
	var got []FeedInfo
	decodeResult(t, r.call(t, "feed.list", nil), &got)

	want := r.feeds.Names()
	if len(got) != len(want) {
		t.Fatalf("feed.list returned %d feeds, want %d", len(got), len(want))
	}
	for i, info := range got {
		if info.Name != want[i] {
			t.Errorf("feeds[%d] = %q, want %q", i, info.Name, want[i])
		}
		wantKind := "status"
		if info.Name == feed.Notifications {
			wantKind = "notification"
		}
		if info.Kind != wantKind {
			t.Errorf("%s kind = %q, want %q", info.Name, info.Kind, wantKind)
		}
	}
}

func TestLogout(t *testing.T) {
	r := newRig(t)
	r.entities.PutStatus(&models.Status{ID: "1"})

	resp := r.call(t, "session.logout", nil)
	if resp.Error != nil {
		t.Fatalf("session.logout error = %+v", resp.Error)
	}
	if r.loggedIn {
		t.Error("logout hook was not called")
	}
	if n, _ := r.entities.Len(); n != 0 {
		t.Errorf("entity cache holds %d statuses after logout, want 0", n)
	}
}

func TestMediaRoute(t *testing.T) {
	r := newRig(t)

	tests := []struct {
		name        string
		target      string
		status      int
		placeholder bool
	}{
		{"cached image", "https://img.example/a.png", http.StatusOK, false},
		{"failed fetch", "https://img.example/gone.png", http.StatusOK, true},
		{"bad url", "not a url", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/media?url="+url.QueryEscape(tt.target), nil)
			r.engine.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("GET /media status = %d, want %d", w.Code, tt.status)
			}
			if got := w.Header().Get("X-Feedsync-Placeholder") == "1"; got != tt.placeholder {
				t.Errorf("placeholder = %v, want %v", got, tt.placeholder)
			}
			if tt.placeholder && !bytes.Equal(w.Body.Bytes(), media.Placeholder().Data) {
				t.Error("body is not the placeholder image")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	r := newRig(t)
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"api error", NewError(ErrInvalidParams, "bad"), ErrInvalidParams},
		{"entity not ready", models.ErrEntityNotReady, ErrEntityNotReady},
		{"fetch failed", &models.FetchFailedError{URL: "u", StatusCode: 500}, ErrFetchFailed},
		{"other", errors.New("boom"), ErrServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := classify(tt.err); code != tt.code {
				t.Errorf("classify() = %d, want %d", code, tt.code)
			}
		})
	}
}

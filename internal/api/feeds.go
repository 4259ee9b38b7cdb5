package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/steemit/feedsync/internal/entity"
	"github.com/steemit/feedsync/internal/feed"
	"github.com/steemit/feedsync/internal/ingest"
	"github.com/steemit/feedsync/internal/merger"
)

// FeedAPI exposes timelines and the notifications list
type FeedAPI struct {
	feeds    *feed.Registry
	entities *entity.Cache
	backfill Backfiller
}

// NewFeedAPI creates a new feed API
func NewFeedAPI(feeds *feed.Registry, entities *entity.Cache, backfill Backfiller) *FeedAPI {
	return &FeedAPI{feeds: feeds, entities: entities, backfill: backfill}
}

// FeedInfo summarizes one feed
type FeedInfo struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Size    int    `json:"size"`
	Skip    int    `json:"skip"`
	Loading bool   `json:"loading"`
}

// SnapshotResult is a page of resolved entries
type SnapshotResult struct {
	Timeline string                `json:"timeline"`
	Total    int                   `json:"total"`
	Loading  bool                  `json:"loading"`
	Entries  []feed.ResolvedEntity `json:"entries"`
}

// LoadResult reports whether a page request was started
type LoadResult struct {
	Timeline string `json:"timeline"`
	Accepted bool   `json:"accepted"`
	Skip     int    `json:"skip"`
	Limit    int    `json:"limit"`
	MaxID    string `json:"max_id,omitempty"`
}

type timelineParams struct {
	Timeline string `json:"timeline"`
	Offset   int    `json:"offset"`
	Limit    int    `json:"limit"`
}

// List returns every feed, sorted by name
func (api *FeedAPI) List(c *gin.Context, params json.RawMessage) (interface{}, error) {
	names := api.feeds.Names()
	out := make([]FeedInfo, 0, len(names))
	for _, name := range names {
		f, _ := api.feeds.Get(name)
		kind := "status"
		if f.Kind() == feed.KindNotification {
			kind = "notification"
		}
		out = append(out, FeedInfo{
			Name:    name,
			Kind:    kind,
			Size:    f.Len(),
			Skip:    f.Skip(),
			Loading: f.Loading(),
		})
	}
	return out, nil
}

// Snapshot resolves the feed against the entity cache. offset and limit
// window the result; a zero limit returns everything from offset on.
func (api *FeedAPI) Snapshot(c *gin.Context, params json.RawMessage) (interface{}, error) {
	p, f, err := api.lookup(params)
	if err != nil {
		return nil, err
	}
	if p.Offset < 0 || p.Limit < 0 {
		return nil, invalidParams("offset and limit must not be negative")
	}

	entries := f.Snapshot(api.entities)
	total := len(entries)
	if p.Offset > total {
		p.Offset = total
	}
	entries = entries[p.Offset:]
	if p.Limit > 0 && p.Limit < len(entries) {
		entries = entries[:p.Limit]
	}

	return &SnapshotResult{
		Timeline: f.Name(),
		Total:    total,
		Loading:  f.Loading(),
		Entries:  entries,
	}, nil
}

// Load restarts the feed from its first page
func (api *FeedAPI) Load(c *gin.Context, params json.RawMessage) (interface{}, error) {
	p, _, err := api.lookup(params)
	if err != nil {
		return nil, err
	}
	return loadResult(p.Timeline, api.backfill.Load)
}

// RequestMore asks for the page after the oldest entry. A request while a
// page is in flight is accepted=false, not an error.
func (api *FeedAPI) RequestMore(c *gin.Context, params json.RawMessage) (interface{}, error) {
	p, _, err := api.lookup(params)
	if err != nil {
		return nil, err
	}
	return loadResult(p.Timeline, api.backfill.RequestMore)
}

// Cancel aborts the page in flight for the feed, if any
func (api *FeedAPI) Cancel(c *gin.Context, params json.RawMessage) (interface{}, error) {
	p, _, err := api.lookup(params)
	if err != nil {
		return nil, err
	}
	return gin.H{"timeline": p.Timeline, "cancelled": api.backfill.Cancel(p.Timeline)}, nil
}

func (api *FeedAPI) lookup(params json.RawMessage) (timelineParams, *feed.Feed, error) {
	var p timelineParams
	if err := bindParams(params, &p); err != nil {
		return p, nil, err
	}
	if p.Timeline == "" {
		return p, nil, invalidParams("timeline is required")
	}
	f, ok := api.feeds.Get(p.Timeline)
	if !ok {
		return p, nil, invalidParams("unknown timeline %q", p.Timeline)
	}
	return p, f, nil
}

func loadResult(timeline string, start func(string) (feed.Request, error)) (*LoadResult, error) {
	req, err := start(timeline)
	switch {
	case errors.Is(err, ingest.ErrBusy):
		return &LoadResult{Timeline: timeline}, nil
	case errors.Is(err, merger.ErrUnknownFeed):
		return nil, invalidParams("unknown timeline %q", timeline)
	case err != nil:
		return nil, fmt.Errorf("start page load: %w", err)
	}
	return &LoadResult{
		Timeline: timeline,
		Accepted: true,
		Skip:     req.Skip,
		Limit:    req.Limit,
		MaxID:    req.MaxID,
	}, nil
}

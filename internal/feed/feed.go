// Package feed implements the ordered, duplicate-free id lists behind each
// timeline and the notifications list.
package feed

import (
	"container/list"
	"sync"

	"github.com/steemit/feedsync/internal/entity"
	"github.com/steemit/feedsync/internal/models"
)

// DefaultPageSize is the number of entries requested per backfill page
const DefaultPageSize = 20

// Kind tells Snapshot which entity map the ids of a feed point into
type Kind int

const (
	KindStatus Kind = iota
	KindNotification
)

// Request describes the page a feed wants next. MaxID is the oldest id the
// feed currently holds and is empty for the first page.
type Request struct {
	Skip  int
	Limit int
	MaxID string
}

// ResolvedEntity is one row of a snapshot. For a status feed Status is set
// and Reblog holds the resolved boosted status, if any. For the
// notifications feed Notification is set and Status holds its resolved
// status, if any.
type ResolvedEntity struct {
	ID           string               `json:"id"`
	Status       *models.Status       `json:"status,omitempty"`
	Reblog       *models.Status       `json:"reblog,omitempty"`
	Notification *models.Notification `json:"notification,omitempty"`
}

// Feed is an insertion-ordered set of entity ids. The front is the newest
// entry. Membership is checked through the index, so an id can only ever
// appear once and never changes position once inserted.
type Feed struct {
	name     string
	kind     Kind
	pageSize int

	mu      sync.RWMutex
	order   *list.List
	index   map[string]*list.Element
	skip    int
	loading bool
}

// New creates an empty feed. A non-positive page size falls back to
// DefaultPageSize.
func New(name string, kind Kind, pageSize int) *Feed {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Feed{
		name:     name,
		kind:     kind,
		pageSize: pageSize,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Name returns the feed's registry name
func (f *Feed) Name() string { return f.name }

// Kind returns what the feed's ids refer to
func (f *Feed) Kind() Kind { return f.kind }

// Append adds id at the back (older end). It returns false when id is
// already present.
func (f *Feed) Append(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.index[id]; ok || id == "" {
		return false
	}
	f.index[id] = f.order.PushBack(id)
	return true
}

// Prepend adds id at the front (newer end). It returns false when id is
// already present.
func (f *Feed) Prepend(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.index[id]; ok || id == "" {
		return false
	}
	f.index[id] = f.order.PushFront(id)
	return true
}

// Remove drops id. It returns false when id is not present.
func (f *Feed) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	el, ok := f.index[id]
	if !ok {
		return false
	}
	f.order.Remove(el)
	delete(f.index, id)
	return true
}

// Contains reports whether id is in the feed
func (f *Feed) Contains(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.index[id]
	return ok
}

// Len returns the number of ids held
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.order.Len()
}

// IDs returns the ids front to back
func (f *Feed) IDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, f.order.Len())
	for el := f.order.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(string))
	}
	return ids
}

// Load restarts the feed from its first page: held ids are dropped so the
// fresh page keeps newest-first order. It returns false while a page is
// already loading.
func (f *Feed) Load() (Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loading {
		return Request{}, false
	}
	f.loading = true
	f.skip = 0
	f.order.Init()
	f.index = make(map[string]*list.Element)
	return Request{Skip: 0, Limit: f.pageSize}, true
}

// RequestMore asks for the next older page. Skip grows by the page size on
// every accepted call; while a page is in flight the call is rejected and
// nothing changes.
func (f *Feed) RequestMore() (Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loading {
		return Request{}, false
	}
	f.loading = true
	f.skip += f.pageSize

	req := Request{Skip: f.skip, Limit: f.pageSize}
	if back := f.order.Back(); back != nil {
		req.MaxID = back.Value.(string)
	}
	return req, true
}

// FinishLoading clears the loading flag. It must be called once per
// accepted Load or RequestMore, whether the page arrived or failed.
func (f *Feed) FinishLoading() {
	f.mu.Lock()
	f.loading = false
	f.mu.Unlock()
}

// Loading reports whether a page is in flight
func (f *Feed) Loading() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loading
}

// Skip returns the current pagination offset
func (f *Feed) Skip() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.skip
}

// Clear empties the feed and resets pagination
func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order.Init()
	f.index = make(map[string]*list.Element)
	f.skip = 0
	f.loading = false
}

// Snapshot resolves the feed's ids through the entity cache, front to back.
// Ids the cache does not know yet are left out.
func (f *Feed) Snapshot(cache *entity.Cache) []ResolvedEntity {
	ids := f.IDs()
	out := make([]ResolvedEntity, 0, len(ids))
	for _, id := range ids {
		switch f.kind {
		case KindNotification:
			n, ok := cache.GetNotification(id)
			if !ok {
				continue
			}
			row := ResolvedEntity{ID: id, Notification: n}
			if s, ok := cache.ResolveNotificationStatus(n); ok {
				row.Status = s
			}
			out = append(out, row)
		default:
			s, ok := cache.GetStatus(id)
			if !ok {
				continue
			}
			row := ResolvedEntity{ID: id, Status: s}
			if r, ok := cache.ResolveReblog(s); ok {
				row.Reblog = r
			}
			out = append(out, row)
		}
	}
	return out
}

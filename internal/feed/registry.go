package feed

import (
	"fmt"
	"sort"
)

// Feed names
const (
	Home          = "home"
	Notifications = "notifications"
	Public        = "public"
	PublicLocal   = "public:local"
	PublicRemote  = "public:remote"
)

// timelineFeeds maps a configured public timeline variant to its feed name
var timelineFeeds = map[string]string{
	"public": Public,
	"local":  PublicLocal,
	"remote": PublicRemote,
}

// TimelineFeed returns the feed name for a public timeline variant
// ("public", "local" or "remote").
func TimelineFeed(variant string) (string, bool) {
	name, ok := timelineFeeds[variant]
	return name, ok
}

// Registry holds every feed of a session keyed by name. The set of feeds is
// fixed at construction.
type Registry struct {
	feeds map[string]*Feed
}

// NewRegistry creates home and notifications plus one feed per requested
// public timeline variant.
func NewRegistry(pageSize int, variants []string) (*Registry, error) {
	r := &Registry{feeds: map[string]*Feed{
		Home:          New(Home, KindStatus, pageSize),
		Notifications: New(Notifications, KindNotification, pageSize),
	}}
	for _, variant := range variants {
		name, ok := TimelineFeed(variant)
		if !ok {
			return nil, fmt.Errorf("unknown timeline %q", variant)
		}
		r.feeds[name] = New(name, KindStatus, pageSize)
	}
	return r, nil
}

// Get returns the feed called name
func (r *Registry) Get(name string) (*Feed, bool) {
	f, ok := r.feeds[name]
	return f, ok
}

// Names returns the registered feed names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.feeds))
	for name := range r.feeds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveEverywhere drops id from every status feed and returns the names of
// the feeds that held it.
func (r *Registry) RemoveEverywhere(id string) []string {
	var removed []string
	for _, name := range r.Names() {
		f := r.feeds[name]
		if f.Kind() != KindStatus {
			continue
		}
		if f.Remove(id) {
			removed = append(removed, name)
		}
	}
	return removed
}

// Clear empties every feed
func (r *Registry) Clear() {
	for _, f := range r.feeds {
		f.Clear()
	}
}

// Package entity holds the canonical, id-keyed copies of statuses and
// notifications shared by every feed of a session.
package entity

import (
	"sync"

	"github.com/steemit/feedsync/internal/models"
)

// Cache stores one canonical Status per id and one Notification per id.
// Stored values are shared with callers and must be treated as read-only;
// an update replaces the pointer, it never mutates in place.
type Cache struct {
	mu            sync.RWMutex
	statuses      map[string]*models.Status
	notifications map[string]*models.Notification
}

// New creates an empty cache
func New() *Cache {
	return &Cache{
		statuses:      make(map[string]*models.Status),
		notifications: make(map[string]*models.Notification),
	}
}

// PutStatus stores s under its id, overwriting any previous copy. A reblog
// is split: the boosted status is stored under its own id first and the
// outer entry keeps only a reference to it.
func (c *Cache) PutStatus(s *models.Status) {
	if s == nil || s.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putStatusLocked(s)
}

func (c *Cache) putStatusLocked(s *models.Status) {
	stored := *s
	if s.Reblog != nil {
		if s.Reblog.ID != "" {
			c.putStatusLocked(s.Reblog)
			stored.ReblogOf = s.Reblog.ID
		}
		stored.Reblog = nil
	}
	c.statuses[stored.ID] = &stored
}

// PutNotification stores n under its id. An embedded status goes through
// PutStatus and the stored notification references it by id.
func (c *Cache) PutNotification(n *models.Notification) {
	if n == nil || n.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *n
	if n.Status != nil {
		if n.Status.ID != "" {
			c.putStatusLocked(n.Status)
			stored.StatusID = n.Status.ID
		}
		stored.Status = nil
	}
	c.notifications[stored.ID] = &stored
}

// GetStatus returns the canonical status for id. A miss means the status
// has not been ingested yet.
func (c *Cache) GetStatus(id string) (*models.Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.statuses[id]
	return s, ok
}

// GetNotification returns the canonical notification for id.
func (c *Cache) GetNotification(id string) (*models.Notification, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.notifications[id]
	return n, ok
}

// ResolveReblog returns the freshest copy of the status s boosts: the
// canonical entry when there is one, otherwise the snapshot embedded in s.
// It reports false when s is not a reblog or nothing is available yet.
func (c *Cache) ResolveReblog(s *models.Status) (*models.Status, bool) {
	if s == nil || !s.IsReblog() {
		return nil, false
	}
	if canonical, ok := c.GetStatus(s.ReblogID()); ok {
		return canonical, true
	}
	if s.Reblog != nil {
		return s.Reblog, true
	}
	return nil, false
}

// ResolveNotificationStatus applies the ResolveReblog rule to the status a
// notification refers to.
func (c *Cache) ResolveNotificationStatus(n *models.Notification) (*models.Status, bool) {
	if n == nil {
		return nil, false
	}
	id := n.RefStatusID()
	if id == "" {
		return nil, false
	}
	if canonical, ok := c.GetStatus(id); ok {
		return canonical, true
	}
	if n.Status != nil {
		return n.Status, true
	}
	return nil, false
}

// Len returns the number of cached statuses and notifications.
func (c *Cache) Len() (statuses, notifications int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.statuses), len(c.notifications)
}

// Clear drops every entry, e.g. on logout.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = make(map[string]*models.Status)
	c.notifications = make(map[string]*models.Notification)
}

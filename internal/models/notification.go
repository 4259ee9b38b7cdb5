package models

import (
	"time"
)

// NotificationType is the kind of event a notification reports
type NotificationType string

// Notification type constants
const (
	NotifyMention       NotificationType = "mention"
	NotifyReblog        NotificationType = "reblog"
	NotifyFavourite     NotificationType = "favourite"
	NotifyFollow        NotificationType = "follow"
	NotifyFollowRequest NotificationType = "follow_request"
	NotifyPoll          NotificationType = "poll"
	NotifyStatus        NotificationType = "status"
	NotifyUpdate        NotificationType = "update"
	NotifySignUp        NotificationType = "admin.sign_up"
	NotifyReport        NotificationType = "admin.report"
)

// Known reports whether t is one of the types this client understands.
// Unknown types are kept; servers add new ones over time.
func (t NotificationType) Known() bool {
	switch t {
	case NotifyMention, NotifyReblog, NotifyFavourite, NotifyFollow, NotifyFollowRequest,
		NotifyPoll, NotifyStatus, NotifyUpdate, NotifySignUp, NotifyReport:
		return true
	}
	return false
}

// CarriesStatus reports whether notifications of this type embed a status.
func (t NotificationType) CarriesStatus() bool {
	switch t {
	case NotifyMention, NotifyReblog, NotifyFavourite, NotifyPoll, NotifyStatus, NotifyUpdate:
		return true
	}
	return false
}

// Notification represents a notification. Like Status.Reblog, the embedded
// Status is replaced by StatusID once the notification is cached.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
	Account   Account          `json:"account"`
	Status    *Status          `json:"status,omitempty"`
	StatusID  string           `json:"status_id,omitempty"`
}

// RefStatusID returns the id of the notification's status, or "".
func (n *Notification) RefStatusID() string {
	if n.StatusID != "" {
		return n.StatusID
	}
	if n.Status != nil {
		return n.Status.ID
	}
	return ""
}

// MediaURLs lists the notifying account's images followed by those of the
// embedded status.
func (n *Notification) MediaURLs() []string {
	if n == nil {
		return nil
	}
	urls := n.Account.MediaURLs()
	if n.Status == nil {
		return urls
	}
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		seen[u] = struct{}{}
	}
	for _, u := range n.Status.MediaURLs() {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}
	return urls
}

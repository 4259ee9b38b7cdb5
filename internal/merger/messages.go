package merger

import (
	"github.com/steemit/feedsync/internal/models"
)

// Message is anything a network task reports back to the merger
type Message interface {
	isMessage()
}

// BackfillPage is the outcome of one page fetch for Timeline. Err is set
// when the fetch failed; the feed's loading flag is cleared either way.
type BackfillPage struct {
	Timeline      string
	Statuses      []*models.Status
	Notifications []*models.Notification
	Err           error
}

// EventKind identifies a live stream event
type EventKind int

const (
	EventUpdate EventKind = iota
	EventNotify
	EventDelete
	EventEdit
	EventFiltersChanged
)

// String returns the stream event name
func (k EventKind) String() string {
	switch k {
	case EventUpdate:
		return "update"
	case EventNotify:
		return "notification"
	case EventDelete:
		return "delete"
	case EventEdit:
		return "status.update"
	case EventFiltersChanged:
		return "filters_changed"
	default:
		return "unknown"
	}
}

// LiveEvent is one event pushed by the server. Status is set for Update and
// Edit, Notification for Notify, ID for Delete. Timeline defaults to home.
type LiveEvent struct {
	Kind         EventKind
	Timeline     string
	Status       *models.Status
	Notification *models.Notification
	ID           string
}

// Reset retires every cached entity and empties every feed. It is applied
// in inbox order, so nothing submitted before it survives it.
type Reset struct {
	done chan struct{}
}

func (BackfillPage) isMessage() {}
func (LiveEvent) isMessage()    {}
func (Reset) isMessage()        {}

package models

import (
	"time"
)

// Status represents a post. Reblog holds the boosted post exactly as it was
// embedded in the payload; once a status has gone through the entity cache
// Reblog is nil and ReblogOf names the canonical entry instead.
type Status struct {
	ID               string       `json:"id"`
	URI              string       `json:"uri"`
	URL              string       `json:"url"`
	CreatedAt        time.Time    `json:"created_at"`
	Account          Account      `json:"account"`
	Content          string       `json:"content"`
	InReplyToID      string       `json:"in_reply_to_id,omitempty"`
	Reblog           *Status      `json:"reblog,omitempty"`
	ReblogOf         string       `json:"reblog_of,omitempty"`
	MediaAttachments []Attachment `json:"media_attachments"`
	Tags             []Tag        `json:"tags"`
	Card             *Card        `json:"card,omitempty"`
	RepliesCount     int64        `json:"replies_count"`
	ReblogsCount     int64        `json:"reblogs_count"`
	FavouritesCount  int64        `json:"favourites_count"`
	Reblogged        TriState     `json:"reblogged"`
	Favourited       TriState     `json:"favourited"`
}

// Attachment is a media item attached to a status. RemoteURL is the
// canonical location on the originating server, when known.
type Attachment struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	PreviewURL  string `json:"preview_url"`
	RemoteURL   string `json:"remote_url,omitempty"`
	Description string `json:"description,omitempty"`
}

// Tag is a hashtag used in a status
type Tag struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Card is a link preview
type Card struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image,omitempty"`
}

// IsReblog reports whether the status boosts another one, either embedded
// or by reference.
func (s *Status) IsReblog() bool {
	return s.Reblog != nil || s.ReblogOf != ""
}

// ReblogID returns the id of the boosted status, or "".
func (s *Status) ReblogID() string {
	if s.ReblogOf != "" {
		return s.ReblogOf
	}
	if s.Reblog != nil {
		return s.Reblog.ID
	}
	return ""
}

// MediaURLs lists the images a client needs to show this status: the
// author's avatar and header, everything the embedded reblog needs,
// attachment previews and the card image. Duplicates are removed, order is stable.
func (s *Status) MediaURLs() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var urls []string
	add := func(candidates ...string) {
		for _, u := range candidates {
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}

	add(s.Account.MediaURLs()...)
	if s.Reblog != nil {
		add(s.Reblog.MediaURLs()...)
	}
	for _, a := range s.MediaAttachments {
		if a.PreviewURL != "" {
			add(a.PreviewURL)
		} else {
			add(a.URL)
		}
	}
	if s.Card != nil {
		add(s.Card.Image)
	}
	return urls
}

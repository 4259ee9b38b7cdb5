package models

import (
	"time"
)

// Account represents a remote account as received from the server. There is
// no merge logic: a newer snapshot replaces an older one wholesale.
type Account struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Acct           string    `json:"acct"`
	DisplayName    string    `json:"display_name"`
	URL            string    `json:"url"`
	Avatar         string    `json:"avatar"`
	AvatarStatic   string    `json:"avatar_static"`
	Header         string    `json:"header"`
	HeaderStatic   string    `json:"header_static"`
	Note           string    `json:"note"`
	FollowersCount int64     `json:"followers_count"`
	FollowingCount int64     `json:"following_count"`
	StatusesCount  int64     `json:"statuses_count"`
	Fields         []Field   `json:"fields"`
	Bot            bool      `json:"bot"`
	CreatedAt      time.Time `json:"created_at"`
}

// Field is a name/value pair shown on a profile
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MediaURLs returns the account's avatar and header URLs, skipping empty ones.
func (a *Account) MediaURLs() []string {
	if a == nil {
		return nil
	}
	urls := make([]string, 0, 2)
	if a.Avatar != "" {
		urls = append(urls, a.Avatar)
	}
	if a.Header != "" {
		urls = append(urls, a.Header)
	}
	return urls
}

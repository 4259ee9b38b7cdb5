package models

import (
	"time"
)

// Session is the stored credential material for one instance
type Session struct {
	ID          int64     `gorm:"primaryKey;autoIncrement;column:id"`
	Instance    string    `gorm:"type:varchar(255);not null;uniqueIndex:feedsync_sessions_ux1;column:instance"`
	AccountID   string    `gorm:"type:varchar(64);not null;default:'';column:account_id"`
	Username    string    `gorm:"type:varchar(64);not null;default:'';column:username"`
	AccessToken string    `gorm:"type:text;not null;column:access_token"`
	CreatedAt   time.Time `gorm:"not null;column:created_at"`
	UpdatedAt   time.Time `gorm:"not null;column:updated_at"`
}

// TableName specifies the table name for Session
func (Session) TableName() string {
	return "feedsync_sessions"
}

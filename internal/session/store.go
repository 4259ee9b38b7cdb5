package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/steemit/feedsync/internal/models"
)

// ErrStoreDisabled is returned by Save when no database is configured
var ErrStoreDisabled = errors.New("session store is disabled")

// Store reads and writes sessions keyed by instance URL
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open connection
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Load returns the session for instance, or nil when there is none
func (s *Store) Load(ctx context.Context, instance string) (*models.Session, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var sess models.Session
	if err := s.db.WithContext(ctx).Where("instance = ?", instance).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &sess, nil
}

// Save inserts or replaces the session for sess.Instance
func (s *Store) Save(ctx context.Context, sess *models.Session) error {
	if s == nil || s.db == nil {
		return ErrStoreDisabled
	}
	if sess.Instance == "" || sess.AccessToken == "" {
		return fmt.Errorf("session needs an instance and an access token")
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance"}},
		DoUpdates: clause.AssignmentColumns([]string{"account_id", "username", "access_token", "updated_at"}),
	}).Create(sess).Error
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes the session for instance. Deleting a missing session is
// not an error.
func (s *Store) Delete(ctx context.Context, instance string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("instance = ?", instance).Delete(&models.Session{}).Error; err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks database health
func (s *Store) Health(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrStoreDisabled
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

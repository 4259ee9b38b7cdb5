package api

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/steemit/feedsync/internal/entity"
	"github.com/steemit/feedsync/internal/models"
)

// EntityAPI reads statuses and notifications out of the entity cache
type EntityAPI struct {
	entities *entity.Cache
}

// NewEntityAPI creates a new entity API
func NewEntityAPI(entities *entity.Cache) *EntityAPI {
	return &EntityAPI{entities: entities}
}

type idParams struct {
	ID string `json:"id"`
}

// StatusResult is a status with its boosted status resolved
type StatusResult struct {
	Status *models.Status `json:"status"`
	Reblog *models.Status `json:"reblog,omitempty"`
}

// NotificationResult is a notification with its status resolved
type NotificationResult struct {
	Notification *models.Notification `json:"notification"`
	Status       *models.Status       `json:"status,omitempty"`
}

// GetStatus returns a cached status. Unknown ids are ErrEntityNotReady.
func (api *EntityAPI) GetStatus(c *gin.Context, params json.RawMessage) (interface{}, error) {
	id, err := requireID(params)
	if err != nil {
		return nil, err
	}
	s, ok := api.entities.GetStatus(id)
	if !ok {
		return nil, fmt.Errorf("status %s: %w", id, models.ErrEntityNotReady)
	}
	res := &StatusResult{Status: s}
	if reblog, ok := api.entities.ResolveReblog(s); ok {
		res.Reblog = reblog
	}
	return res, nil
}

// GetNotification returns a cached notification
func (api *EntityAPI) GetNotification(c *gin.Context, params json.RawMessage) (interface{}, error) {
	id, err := requireID(params)
	if err != nil {
		return nil, err
	}
	n, ok := api.entities.GetNotification(id)
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, models.ErrEntityNotReady)
	}
	res := &NotificationResult{Notification: n}
	if s, ok := api.entities.ResolveNotificationStatus(n); ok {
		res.Status = s
	}
	return res, nil
}

func requireID(params json.RawMessage) (string, error) {
	var p idParams
	if err := bindParams(params, &p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", invalidParams("id is required")
	}
	return p.ID, nil
}

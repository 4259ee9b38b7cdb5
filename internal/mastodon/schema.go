package mastodon

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/steemit/feedsync/internal/models"
)

const schemaURL = "https://feedsync.invalid/schema/mastodon.json"

//go:embed mastodon.schema.json
var schemaDoc []byte

// Validator checks raw API entities before they are decoded
type Validator struct {
	status       *jsonschema.Schema
	notification *jsonschema.Schema
}

// NewValidator compiles the embedded entity schemas
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDoc))
	if err != nil {
		return nil, fmt.Errorf("failed to parse entity schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add entity schema: %w", err)
	}

	status, err := c.Compile(schemaURL + "#/$defs/status")
	if err != nil {
		return nil, fmt.Errorf("failed to compile status schema: %w", err)
	}
	notification, err := c.Compile(schemaURL + "#/$defs/notification")
	if err != nil {
		return nil, fmt.Errorf("failed to compile notification schema: %w", err)
	}

	return &Validator{status: status, notification: notification}, nil
}

// DecodeStatus validates and decodes one status
func (v *Validator) DecodeStatus(raw []byte) (*models.Status, error) {
	if err := validate(v.status, raw); err != nil {
		return nil, err
	}
	var s models.Status
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &s, nil
}

// DecodeNotification validates and decodes one notification
func (v *Validator) DecodeNotification(raw []byte) (*models.Notification, error) {
	if err := validate(v.notification, raw); err != nil {
		return nil, err
	}
	var n models.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &n, nil
}

// Statuses decodes a page, dropping and logging entries that do not validate
func (v *Validator) Statuses(raws []json.RawMessage, logger *zap.Logger) []*models.Status {
	out := make([]*models.Status, 0, len(raws))
	for i, raw := range raws {
		s, err := v.DecodeStatus(raw)
		if err != nil {
			logger.Warn("Dropping invalid status", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	return out
}

// Notifications decodes a page, dropping and logging entries that do not
// validate
func (v *Validator) Notifications(raws []json.RawMessage, logger *zap.Logger) []*models.Notification {
	out := make([]*models.Notification, 0, len(raws))
	for i, raw := range raws {
		n, err := v.DecodeNotification(raw)
		if err != nil {
			logger.Warn("Dropping invalid notification", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, n)
	}
	return out
}

func validate(sch *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse entity: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}
	return nil
}

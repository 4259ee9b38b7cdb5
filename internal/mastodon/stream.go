package mastodon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/steemit/feedsync/internal/feed"
	"github.com/steemit/feedsync/internal/merger"
	"github.com/steemit/feedsync/internal/models"
	"github.com/steemit/feedsync/pkg/telemetry"
)

// StreamUser is the stream carrying the home timeline and notifications
const StreamUser = "user"

const streamReadLimit = 1 << 20

// Stream is one open streaming connection
type Stream struct {
	name    string
	conn    *websocket.Conn
	schemas *Validator
	logger  *zap.Logger
}

// frame is the envelope of every streaming message. Payload is itself a
// JSON document encoded as a string, except for delete where it is the bare
// id.
type frame struct {
	Stream  []string `json:"stream"`
	Event   string   `json:"event"`
	Payload string   `json:"payload"`
}

// OpenStream connects to the streaming endpoint. name is "user" or one of
// the public timeline streams ("public", "public:local", "public:remote").
func (c *Client) OpenStream(ctx context.Context, name string) (*Stream, error) {
	ctx, span := telemetry.StartSpan(ctx, "mastodon.open_stream")
	defer span.End()

	target, err := c.streamURL(name)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token := c.bearer(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: header,
	})
	if err != nil {
		ffe := &models.FetchFailedError{URL: target, Err: err}
		if resp != nil {
			ffe.StatusCode = resp.StatusCode
		}
		return nil, ffe
	}
	conn.SetReadLimit(streamReadLimit)

	logger := c.logger.With(zap.String("stream", name))
	logger.Info("Stream connected")

	return &Stream{name: name, conn: conn, schemas: c.schemas, logger: logger}, nil
}

func (c *Client) streamURL(name string) (string, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported instance scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/streaming"
	u.RawQuery = url.Values{"stream": {name}}.Encode()
	return u.String(), nil
}

// Name returns the stream name the connection subscribed to
func (s *Stream) Name() string {
	return s.name
}

// Next blocks until the next well-formed event. Malformed frames are logged
// and skipped. Any read error ends the stream and is wrapped in
// models.ErrStreamTerminated.
func (s *Stream) Next(ctx context.Context) (merger.LiveEvent, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return merger.LiveEvent{}, fmt.Errorf("%w: %v", models.ErrStreamTerminated, err)
		}
		if typ != websocket.MessageText {
			continue
		}

		event, ok, err := s.decode(data)
		if err != nil {
			s.logger.Warn("Dropping malformed stream event", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		return event, nil
	}
}

// decode turns a frame into an event. ok is false for events that are
// deliberately not forwarded.
func (s *Stream) decode(data []byte) (merger.LiveEvent, bool, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return merger.LiveEvent{}, false, fmt.Errorf("decode frame: %w", err)
	}

	timeline := feed.Home
	if s.name != StreamUser {
		timeline = s.name
	}

	switch f.Event {
	case "update":
		status, err := s.schemas.DecodeStatus([]byte(f.Payload))
		if err != nil {
			return merger.LiveEvent{}, false, fmt.Errorf("update: %w", err)
		}
		return merger.LiveEvent{Kind: merger.EventUpdate, Timeline: timeline, Status: status}, true, nil

	case "status.update":
		status, err := s.schemas.DecodeStatus([]byte(f.Payload))
		if err != nil {
			return merger.LiveEvent{}, false, fmt.Errorf("status.update: %w", err)
		}
		return merger.LiveEvent{Kind: merger.EventEdit, Timeline: timeline, Status: status}, true, nil

	case "notification":
		n, err := s.schemas.DecodeNotification([]byte(f.Payload))
		if err != nil {
			return merger.LiveEvent{}, false, fmt.Errorf("notification: %w", err)
		}
		return merger.LiveEvent{Kind: merger.EventNotify, Notification: n}, true, nil

	case "delete":
		id := strings.Trim(strings.TrimSpace(f.Payload), `"`)
		if id == "" {
			return merger.LiveEvent{}, false, errors.New("delete without id")
		}
		return merger.LiveEvent{Kind: merger.EventDelete, Timeline: timeline, ID: id}, true, nil

	case "filters_changed":
		return merger.LiveEvent{Kind: merger.EventFiltersChanged}, true, nil

	default:
		s.logger.Debug("Ignoring stream event", zap.String("event", f.Event))
		return merger.LiveEvent{}, false, nil
	}
}

// Close closes the connection
func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

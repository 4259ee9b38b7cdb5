// Package mastodon is the client for the Mastodon-compatible REST API and
// streaming endpoint the feeds are filled from.
package mastodon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/steemit/feedsync/internal/feed"
	"github.com/steemit/feedsync/internal/models"
	"github.com/steemit/feedsync/pkg/config"
	"github.com/steemit/feedsync/pkg/logging"
	"github.com/steemit/feedsync/pkg/telemetry"
)

const maxResponseBytes = 4 << 20

// Client talks to one instance on behalf of one account
type Client struct {
	baseURL    *url.URL
	mu         sync.RWMutex
	token      string
	http       *http.Client
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	schemas    *Validator
	logger     *zap.Logger
}

// New creates a client for cfg.URL. A nil httpClient gets a default one.
func New(cfg *config.InstanceConfig, httpClient *http.Client) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("instance_url is required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid instance_url: %w", err)
	}

	schemas, err := NewValidator()
	if err != nil {
		return nil, err
	}

	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	logger := logging.WithComponent("mastodon-client")
	logger.Info("Mastodon client initialized", zap.String("instance", base.String()))

	return &Client{
		baseURL:    base,
		token:      cfg.AccessToken,
		http:       httpClient,
		timeout:    timeout,
		maxRetries: maxRetries,
		retryDelay: time.Second,
		schemas:    schemas,
		logger:     logger,
	}, nil
}

// SetToken replaces the bearer token, e.g. after loading a stored session
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// HasToken reports whether requests will be authenticated
func (c *Client) HasToken() bool {
	return c.bearer() != ""
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Instance returns the base URL the client talks to
func (c *Client) Instance() string {
	return c.baseURL.String()
}

// VerifyCredentials returns the account the token belongs to
func (c *Client) VerifyCredentials(ctx context.Context) (*models.Account, error) {
	ctx, span := telemetry.StartSpan(ctx, "mastodon.verify_credentials")
	defer span.End()

	body, _, err := c.get(ctx, c.endpoint("/api/v1/accounts/verify_credentials", nil))
	if err != nil {
		return nil, fmt.Errorf("failed to verify credentials: %w", err)
	}
	var account models.Account
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &account, nil
}

// HomePage fetches one page of the home timeline
func (c *Client) HomePage(ctx context.Context, req feed.Request) ([]*models.Status, error) {
	ctx, span := telemetry.StartSpan(ctx, "mastodon.home_page")
	defer span.End()

	raws, err := c.page(ctx, "/api/v1/timelines/home", nil, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch home page: %w", err)
	}
	return c.schemas.Statuses(raws, c.logger), nil
}

// NotificationsPage fetches one page of notifications
func (c *Client) NotificationsPage(ctx context.Context, req feed.Request) ([]*models.Notification, error) {
	ctx, span := telemetry.StartSpan(ctx, "mastodon.notifications_page")
	defer span.End()

	raws, err := c.page(ctx, "/api/v1/notifications", nil, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notifications page: %w", err)
	}
	return c.schemas.Notifications(raws, c.logger), nil
}

// PublicTimeline fetches one page of the public timeline, restricted to
// local or remote statuses when asked
func (c *Client) PublicTimeline(ctx context.Context, local, remote bool, req feed.Request) ([]*models.Status, error) {
	ctx, span := telemetry.StartSpan(ctx, "mastodon.public_timeline")
	defer span.End()

	query := url.Values{}
	if local {
		query.Set("local", "true")
	}
	if remote {
		query.Set("remote", "true")
	}
	raws, err := c.page(ctx, "/api/v1/timelines/public", query, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch public timeline: %w", err)
	}
	return c.schemas.Statuses(raws, c.logger), nil
}

// FetchPage dispatches to the endpoint behind a feed name
func (c *Client) FetchPage(ctx context.Context, timeline string, req feed.Request) ([]*models.Status, []*models.Notification, error) {
	switch timeline {
	case feed.Home:
		statuses, err := c.HomePage(ctx, req)
		return statuses, nil, err
	case feed.Notifications:
		notifications, err := c.NotificationsPage(ctx, req)
		return nil, notifications, err
	case feed.Public:
		statuses, err := c.PublicTimeline(ctx, false, false, req)
		return statuses, nil, err
	case feed.PublicLocal:
		statuses, err := c.PublicTimeline(ctx, true, false, req)
		return statuses, nil, err
	case feed.PublicRemote:
		statuses, err := c.PublicTimeline(ctx, false, true, req)
		return statuses, nil, err
	default:
		return nil, nil, fmt.Errorf("no endpoint for timeline %q", timeline)
	}
}

// page returns the raw entities of the requested page. With a cursor the
// page is one request; without one the client follows Link: next until it
// has skipped req.Skip entries.
func (c *Client) page(ctx context.Context, path string, query url.Values, req feed.Request) ([]json.RawMessage, error) {
	if query == nil {
		query = url.Values{}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = feed.DefaultPageSize
	}
	query.Set("limit", strconv.Itoa(limit))

	hops := 0
	if req.MaxID != "" {
		query.Set("max_id", req.MaxID)
	} else if req.Skip > 0 {
		hops = req.Skip / limit
	}

	next := c.endpoint(path, query)
	for {
		body, header, err := c.get(ctx, next)
		if err != nil {
			return nil, err
		}
		if hops == 0 {
			var raws []json.RawMessage
			if err := json.Unmarshal(body, &raws); err != nil {
				return nil, fmt.Errorf("failed to unmarshal page: %w", err)
			}
			return raws, nil
		}
		hops--
		next = nextLink(header.Get("Link"))
		if next == "" {
			return nil, nil
		}
	}
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// get performs an authenticated GET with retries. Client errors are not
// retried.
func (c *Client) get(ctx context.Context, target string) ([]byte, http.Header, error) {
	ctx, span := telemetry.StartSpan(ctx, "mastodon.http_get")
	span.SetAttributes(attribute.String("http.url", target))
	defer span.End()

	var (
		body    []byte
		header  http.Header
		lastErr error
	)
	err := retry.Do(
		func() error {
			body, header, lastErr = c.getOnce(ctx, target)
			var ffe *models.FetchFailedError
			if errors.As(lastErr, &ffe) && !ffe.Retryable() {
				return retry.Unrecoverable(lastErr)
			}
			return lastErr
		},
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying request after error",
				zap.String("url", target),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	return body, header, nil
}

func (c *Client) getOnce(ctx context.Context, target string) ([]byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, nil, &models.FetchFailedError{URL: target, StatusCode: http.StatusBadRequest, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &models.FetchFailedError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("HTTP request completed",
		zap.String("url", target),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, nil, &models.FetchFailedError{
			URL:        target,
			StatusCode: resp.StatusCode,
			Err:        apiError(msg),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, &models.FetchFailedError{URL: target, StatusCode: resp.StatusCode, Err: err}
	}
	return body, resp.Header, nil
}

// apiError extracts the "error" field of an error response, if any
func apiError(body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return errors.New(payload.Error)
	}
	return nil
}

// nextLink returns the rel="next" target of an RFC 8288 Link header
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, param := range segments[1:] {
			param = strings.TrimSpace(param)
			if param == `rel="next"` || param == "rel=next" {
				return target[1 : len(target)-1]
			}
		}
	}
	return ""
}

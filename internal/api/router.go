package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/steemit/feedsync/internal/entity"
	"github.com/steemit/feedsync/internal/feed"
	"github.com/steemit/feedsync/internal/media"
	"github.com/steemit/feedsync/pkg/logging"
)

// Backfiller starts and cancels page loads
type Backfiller interface {
	Load(name string) (feed.Request, error)
	RequestMore(name string) (feed.Request, error)
	Cancel(name string) bool
}

// MediaSource resolves image URLs to decoded handles
type MediaSource interface {
	Get(ctx context.Context, url string) (*media.Handle, error)
}

// HealthCheck reports the state of one dependency
type HealthCheck func(ctx context.Context) error

// Deps are the components the API reads from and drives
type Deps struct {
	Entities *entity.Cache
	Feeds    *feed.Registry
	Backfill Backfiller
	Media    MediaSource
	Logout   func(ctx context.Context) error
	Checks   map[string]HealthCheck
}

// Router sets up API routes
type Router struct {
	handler *JSONRPCHandler
	deps    Deps
	logger  *zap.Logger
}

// NewRouter creates a new API router
func NewRouter(deps Deps) *Router {
	router := &Router{
		handler: NewJSONRPCHandler(),
		deps:    deps,
		logger:  logging.WithComponent("api-router"),
	}

	router.registerMethods()

	return router
}

// SetupRoutes sets up all API routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	engine.GET("/health", r.healthHandler)
	engine.GET("/.well-known/healthcheck.json", r.healthHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	mediaAPI := NewMediaAPI(r.deps.Media)
	engine.GET("/media", mediaAPI.Serve)

	// JSON-RPC endpoint
	engine.POST("/", r.handler.Handle)
}

// registerMethods registers all API methods
func (r *Router) registerMethods() {
	feeds := NewFeedAPI(r.deps.Feeds, r.deps.Entities, r.deps.Backfill)
	r.handler.RegisterMethod("feed.list", feeds.List)
	r.handler.RegisterMethod("feed.snapshot", feeds.Snapshot)
	r.handler.RegisterMethod("feed.load", feeds.Load)
	r.handler.RegisterMethod("feed.request_more", feeds.RequestMore)
	r.handler.RegisterMethod("feed.cancel", feeds.Cancel)

	entities := NewEntityAPI(r.deps.Entities)
	r.handler.RegisterMethod("entity.get_status", entities.GetStatus)
	r.handler.RegisterMethod("entity.get_notification", entities.GetNotification)

	mediaAPI := NewMediaAPI(r.deps.Media)
	r.handler.RegisterMethod("media.get", mediaAPI.Get)

	r.handler.RegisterMethod("session.logout", r.logout)
}

// healthHandler reports each configured dependency. Any failing check
// turns the response into a 503.
func (r *Router) healthHandler(c *gin.Context) {
	names := make([]string, 0, len(r.deps.Checks))
	for name := range r.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := gin.H{}
	for _, name := range names {
		if err := r.deps.Checks[name](c.Request.Context()); err != nil {
			r.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "OK"
	}

	body := gin.H{
		"status":  "OK",
		"service": "feedsync",
		"checks":  checks,
	}
	if status != http.StatusOK {
		body["status"] = "DEGRADED"
	}
	c.JSON(status, body)
}

func (r *Router) logout(c *gin.Context, params json.RawMessage) (interface{}, error) {
	if r.deps.Logout == nil {
		return nil, NewError(ErrInternalError, "logout is not available")
	}
	if err := r.deps.Logout(c.Request.Context()); err != nil {
		return nil, err
	}
	return gin.H{"logged_out": true}, nil
}

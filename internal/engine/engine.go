// Package engine assembles the session: the entity cache, feeds, merger,
// network tasks and the local API, and runs them until shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steemit/feedsync/internal/api"
	"github.com/steemit/feedsync/internal/cache"
	"github.com/steemit/feedsync/internal/entity"
	"github.com/steemit/feedsync/internal/feed"
	"github.com/steemit/feedsync/internal/ingest"
	"github.com/steemit/feedsync/internal/mastodon"
	"github.com/steemit/feedsync/internal/media"
	"github.com/steemit/feedsync/internal/merger"
	"github.com/steemit/feedsync/internal/models"
	"github.com/steemit/feedsync/internal/session"
	"github.com/steemit/feedsync/pkg/config"
	"github.com/steemit/feedsync/pkg/logging"
)

const inboxSize = 256

// Engine owns every component of one signed-in session
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	redis    *cache.Cache
	sessions *session.Store
	client   *mastodon.Client

	entities *entity.Cache
	feeds    *feed.Registry
	media    *media.Cache
	merger   *merger.Merger
	backfill *ingest.Backfill

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	stopStreams context.CancelFunc
	streams     sync.WaitGroup
}

// New builds the engine. Redis and the session store are optional and are
// only connected when configured.
func New(cfg *config.Config) (*Engine, error) {
	redisCache, err := cache.New(&cfg.Redis)
	if err != nil {
		return nil, err
	}
	sessions, err := session.Open(&cfg.Database, cfg.Logging.Level)
	if err != nil {
		_ = redisCache.Close()
		return nil, err
	}
	client, err := mastodon.New(&cfg.Instance, nil)
	if err != nil {
		_ = redisCache.Close()
		_ = sessions.Close()
		return nil, err
	}
	feeds, err := feed.NewRegistry(cfg.Feed.PageSize, cfg.Feed.PublicTimelines)
	if err != nil {
		_ = redisCache.Close()
		_ = sessions.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	entities := entity.New()
	mediaCache := media.New(cfg.Media, redisCache, nil)
	m := merger.New(entities, feeds, mediaCache, inboxSize)

	return &Engine{
		cfg:      cfg,
		logger:   logging.WithComponent("engine"),
		redis:    redisCache,
		sessions: sessions,
		client:   client,
		entities: entities,
		feeds:    feeds,
		media:    mediaCache,
		merger:   m,
		backfill: ingest.NewBackfill(ctx, client, m, feeds),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Authenticate makes sure the client carries a valid token. A token from
// the config wins over a stored one; a verified token is stored for the
// next start.
func (e *Engine) Authenticate(ctx context.Context) error {
	instance := e.client.Instance()
	token := e.cfg.Instance.AccessToken
	if !e.client.HasToken() {
		sess, err := e.sessions.Load(ctx, instance)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("no access token for %s", instance)
		}
		token = sess.AccessToken
		e.client.SetToken(token)
		e.logger.Info("Loaded stored session", zap.String("username", sess.Username))
	}

	account, err := e.client.VerifyCredentials(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("Signed in",
		zap.String("instance", instance),
		zap.String("username", account.Acct))

	err = e.sessions.Save(ctx, &models.Session{
		Instance:    instance,
		AccountID:   account.ID,
		Username:    account.Acct,
		AccessToken: token,
	})
	switch {
	case errors.Is(err, session.ErrStoreDisabled):
	case err != nil:
		e.logger.Warn("Failed to store session", zap.Error(err))
	}
	return nil
}

// Router returns the local API wired to this engine
func (e *Engine) Router() *api.Router {
	checks := map[string]api.HealthCheck{}
	if e.redis != nil {
		checks["redis"] = e.redis.Health
	}
	if e.sessions != nil {
		checks["database"] = e.sessions.Health
	}
	return api.NewRouter(api.Deps{
		Entities: e.entities,
		Feeds:    e.feeds,
		Backfill: e.backfill,
		Media:    e.media,
		Logout:   e.Logout,
		Checks:   checks,
	})
}

// Run starts the merger, the live streams, the initial backfill and the API
// server, and blocks until ctx is cancelled or the server fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(e.merger.Run(ctx))
	})

	authenticated := true
	if err := e.Authenticate(ctx); err != nil {
		authenticated = false
		e.logger.Warn("Running without a signed-in account", zap.Error(err))
	}

	if e.cfg.Stream.Enabled {
		e.startStreams(ctx, g, authenticated)
	}
	e.backfill.LoadAll()

	srv := e.server()
	g.Go(func() error {
		e.logger.Info("Server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		e.logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (e *Engine) server() *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	e.Router().SetupRoutes(router)

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", e.cfg.Server.Host, e.cfg.Server.Port),
		Handler: router,
	}
}

// startStreams runs one streamer per public timeline, plus the user stream
// when signed in. Logout stops them.
func (e *Engine) startStreams(ctx context.Context, g *errgroup.Group, authenticated bool) {
	streamCtx, stop := context.WithCancel(ctx)
	e.mu.Lock()
	e.stopStreams = stop
	e.mu.Unlock()

	var names []string
	if authenticated {
		names = append(names, mastodon.StreamUser)
	}
	for _, variant := range e.cfg.Feed.PublicTimelines {
		if name, ok := feed.TimelineFeed(variant); ok {
			names = append(names, name)
		}
	}

	for _, name := range names {
		dial := func(ctx context.Context) (ingest.EventSource, error) {
			s, err := e.client.OpenStream(ctx, name)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
		streamer := ingest.NewStreamer(name, dial, e.merger, e.cfg.Stream)
		e.streams.Add(1)
		g.Go(func() error {
			defer e.streams.Done()
			return ignoreCanceled(streamer.Run(streamCtx))
		})
	}
}

// Logout forgets the account. Streams and in-flight pages are stopped and
// waited for first, then the merger resets entities and feeds behind
// anything they already queued. The merger must be running.
func (e *Engine) Logout(ctx context.Context) error {
	e.mu.Lock()
	if e.stopStreams != nil {
		e.stopStreams()
		e.stopStreams = nil
	}
	e.mu.Unlock()
	e.streams.Wait()

	for _, name := range e.feeds.Names() {
		e.backfill.Cancel(name)
	}
	e.backfill.Wait()

	instance := e.client.Instance()
	e.client.SetToken("")
	if err := e.merger.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset feeds: %w", err)
	}
	e.media.Clear()

	if err := e.sessions.Delete(ctx, instance); err != nil {
		return err
	}
	e.logger.Info("Logged out", zap.String("instance", instance))
	return nil
}

// Close releases connections. It is safe to call after Run returns.
func (e *Engine) Close() error {
	e.cancel()
	e.backfill.Wait()
	_ = e.media.Close()

	var errs []error
	if err := e.sessions.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.redis.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

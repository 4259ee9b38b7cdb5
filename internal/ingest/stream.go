package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/steemit/feedsync/internal/merger"
	"github.com/steemit/feedsync/internal/models"
	"github.com/steemit/feedsync/pkg/config"
	"github.com/steemit/feedsync/pkg/logging"
	"github.com/steemit/feedsync/pkg/telemetry"
)

// EventSource is an open live stream
type EventSource interface {
	Next(ctx context.Context) (merger.LiveEvent, error)
	Close() error
}

// Dialer opens a new EventSource
type Dialer func(ctx context.Context) (EventSource, error)

// Streamer keeps one live stream connected and forwards its events to the
// merger. Events are read and submitted by a single goroutine so they reach
// the merger in stream order.
type Streamer struct {
	name   string
	dial   Dialer
	sink   Submitter
	cfg    config.StreamConfig
	logger *zap.Logger

	events     metric.Int64Counter
	reconnects metric.Int64Counter
}

// NewStreamer creates a streamer for the named stream
func NewStreamer(name string, dial Dialer, sink Submitter, cfg config.StreamConfig) *Streamer {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Streamer{
		name:       name,
		dial:       dial,
		sink:       sink,
		cfg:        cfg,
		logger:     logging.WithComponent("streamer").With(zap.String("stream", name)),
		events:     telemetry.Counter("feedsync_stream_events_total", "Live events forwarded to the merger"),
		reconnects: telemetry.Counter("feedsync_stream_reconnects_total", "Live stream reconnects"),
	}
}

// Run connects, forwards events and reconnects with backoff until ctx is
// cancelled. Replayed events are harmless because feeds ignore ids they
// already hold.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Info("Starting live stream")
	connected := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		src, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("Unable to connect stream, backing off",
				zap.Duration("backoff", s.cfg.MaxBackoff),
				zap.Error(err))
			s.wait(ctx, s.cfg.MaxBackoff)
			continue
		}
		if connected {
			s.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", s.name)))
		}
		connected = true

		err = s.consume(ctx, src)
		if cerr := src.Close(); cerr != nil {
			s.logger.Debug("Error closing stream", zap.Error(cerr))
		}
		if ctx.Err() != nil {
			s.logger.Info("Live stream stopped")
			return ctx.Err()
		}
		s.logger.Warn("Live stream ended", zap.Error(err))
		s.wait(ctx, s.cfg.MinBackoff)
	}
}

func (s *Streamer) connect(ctx context.Context) (EventSource, error) {
	var src EventSource
	err := retry.Do(
		func() error {
			var err error
			src, err = s.dial(ctx)
			var ffe *models.FetchFailedError
			if errors.As(err, &ffe) && !ffe.Retryable() {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(uint(s.cfg.MaxAttempts)),
		retry.Delay(s.cfg.MinBackoff),
		retry.MaxDelay(s.cfg.MaxBackoff),
		retry.MaxJitter(s.cfg.MinBackoff),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying stream connect", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (s *Streamer) consume(ctx context.Context, src EventSource) error {
	for {
		event, err := src.Next(ctx)
		if err != nil {
			if !errors.Is(err, models.ErrStreamTerminated) {
				err = errors.Join(models.ErrStreamTerminated, err)
			}
			return err
		}
		s.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event.Kind.String())))
		if err := s.sink.Submit(ctx, event); err != nil {
			return err
		}
	}
}

// wait waits for the specified duration or until context is cancelled
func (s *Streamer) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

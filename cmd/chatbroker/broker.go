package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatbroker/pkg/broadcast"
	"github.com/lrhodin/chatbroker/pkg/connector"
	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/gateway"
	"github.com/lrhodin/chatbroker/pkg/identity"
	"github.com/lrhodin/chatbroker/pkg/metrics"
	"github.com/lrhodin/chatbroker/pkg/syncprogress"
	"github.com/lrhodin/chatbroker/pkg/worker"
)

// broker holds every long-lived component, wired from one config.
type broker struct {
	Config        *connector.Config
	Log           *zerolog.Logger
	DB            *database.Database
	Metrics       *metrics.Metrics
	Pool          *worker.Pool
	BroadcastPool *worker.Pool
	Gateway       *gateway.Client
	Dispatcher    *broadcast.Dispatcher
	Resolver      *identity.Resolver
	Tracker       *syncprogress.Tracker
	Engine        *connector.Engine
}

func newBroker(ctx context.Context, cfg *connector.Config, log *zerolog.Logger) (*broker, error) {
	db, err := database.Open(ctx, cfg.Database.Path, cfg.Database.MaxOpenConns, *log)
	if err != nil {
		return nil, err
	}
	b := &broker{Config: cfg, Log: log, DB: db, Metrics: metrics.New()}
	b.Pool = worker.NewPool(cfg.Workers.Count, cfg.Workers.QueueSize, *log, b.Metrics)
	b.Pool.Start(ctx)
	b.BroadcastPool = worker.NewPool(max(cfg.Workers.BroadcastCount, 1), cfg.Workers.QueueSize, *log, b.Metrics)
	b.BroadcastPool.Start(ctx)
	b.Gateway = gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout, *log)

	var sink broadcast.Sink
	if cfg.Broadcast.URL != "" {
		sink = broadcast.NewHTTPSink(cfg.Broadcast.URL, cfg.Broadcast.APIKey, cfg.Broadcast.Timeout)
	} else {
		log.Warn().Msg("No broadcast URL configured, realtime updates are disabled")
	}
	b.Dispatcher = broadcast.NewDispatcher(sink, b.BroadcastPool, *log, b.Metrics)

	b.Resolver = identity.NewResolver(db, b.Gateway, identity.Config{
		Placeholder:     cfg.Identity.Placeholder,
		CacheTTL:        cfg.Identity.CacheTTL,
		RefreshCooldown: cfg.Identity.RefreshCooldown,
		ListingLockTTL:  cfg.Sync.LockTTL,
		PageSize:        cfg.Sync.PageSize,
		LookupRPS:       cfg.Gateway.LookupRPS,
		LookupBurst:     cfg.Gateway.LookupBurst,
		FormatName:      cfg.Identity.FormatDisplayname,
	}, *log, b.Metrics)

	b.Tracker = syncprogress.NewTracker(db, b.Resolver, b.Pool, cfg.Sync.LockTTL, *log)
	b.Tracker.MaxRetries = cfg.Workers.MaxRetries
	if cfg.Sync.RequestTimeout > 0 {
		b.Tracker.Timeout = cfg.Sync.RequestTimeout
	}

	b.Engine = connector.NewEngine(db, b.Resolver, b.Gateway, b.Tracker, b.Dispatcher, cfg, *log, b.Metrics)
	return b, nil
}

// Close drains queued background work and broadcasts before closing the
// database.
func (b *broker) Close() {
	b.Pool.Stop()
	b.BroadcastPool.Stop()
	if err := b.DB.Close(); err != nil {
		b.Log.Warn().Err(err).Msg("Failed to close database")
	}
}

func (b *broker) account(ctx context.Context, id int64) (*database.Account, error) {
	acc, err := b.DB.Account.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	} else if acc == nil {
		return nil, fmt.Errorf("account %d not found", id)
	}
	return acc, nil
}

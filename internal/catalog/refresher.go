package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/dispatcharr/dispatcharr-proxy/internal/events"
)

// Refresher reloads a Store on a cron schedule and whenever an invalidation
// message arrives on the configured Redis channel.
type Refresher struct {
	store    *Store
	schedule string
	logger   *slog.Logger

	redis   redis.UniversalClient
	channel string

	mu     sync.Mutex
	cron   *cron.Cron
	sub    *events.Subscription
	cancel context.CancelFunc
	kick   chan struct{}
	wg     sync.WaitGroup
}

// NewRefresher creates a refresher for store using a robfig/cron spec such
// as "@every 30s".
func NewRefresher(store *Store, schedule string) *Refresher {
	return &Refresher{
		store:    store,
		schedule: schedule,
		logger:   slog.Default(),
		kick:     make(chan struct{}, 1),
	}
}

// WithLogger sets a custom logger.
func (r *Refresher) WithLogger(logger *slog.Logger) *Refresher {
	r.logger = logger.With(slog.String("component", "catalog"))
	return r
}

// WithInvalidation subscribes to channel on client once started.
func (r *Refresher) WithInvalidation(client redis.UniversalClient, channel string) *Refresher {
	r.redis = client
	r.channel = channel
	return r
}

// Start performs an initial load, then schedules refreshes.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return fmt.Errorf("catalog refresher already started")
	}

	if err := r.store.Refresh(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if r.schedule != "" {
		if _, err := c.AddFunc(r.schedule, func() { r.refresh(runCtx, "schedule") }); err != nil {
			cancel()
			return fmt.Errorf("invalid catalog refresh schedule %q: %w", r.schedule, err)
		}
	}

	if r.redis != nil && r.channel != "" {
		sub, err := events.Subscribe(runCtx, r.redis, r.channel, func(string) { r.Invalidate() })
		if err != nil {
			cancel()
			return err
		}
		r.sub = sub
	}

	r.wg.Add(1)
	go r.invalidationLoop(runCtx)

	c.Start()
	r.cron = c
	r.cancel = cancel

	r.logger.Info("catalog refresher started",
		slog.String("schedule", r.schedule),
		slog.String("invalidation_channel", r.channel),
	)
	return nil
}

// Invalidate requests an immediate refresh. Requests arriving while one is
// pending are merged.
func (r *Refresher) Invalidate() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Refresher) invalidationLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
			r.refresh(ctx, "invalidation")
		}
	}
}

func (r *Refresher) refresh(ctx context.Context, trigger string) {
	if err := r.store.Refresh(ctx); err != nil {
		r.logger.Warn("catalog refresh failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	}
}

// Stop halts scheduled and triggered refreshes and waits for a running one.
func (r *Refresher) Stop() {
	r.mu.Lock()
	c, sub, cancel := r.cron, r.sub, r.cancel
	r.cron, r.sub, r.cancel = nil, nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if sub != nil {
		_ = sub.Close()
	}
	<-c.Stop().Done()
	r.wg.Wait()

	r.logger.Info("catalog refresher stopped")
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dispatcharr/dispatcharr-proxy/internal/catalog"
	"github.com/dispatcharr/dispatcharr-proxy/internal/config"
	"github.com/dispatcharr/dispatcharr-proxy/internal/database"
	"github.com/dispatcharr/dispatcharr-proxy/internal/events"
	internalhttp "github.com/dispatcharr/dispatcharr-proxy/internal/http"
	"github.com/dispatcharr/dispatcharr-proxy/internal/http/handlers"
	"github.com/dispatcharr/dispatcharr-proxy/internal/observability"
	"github.com/dispatcharr/dispatcharr-proxy/internal/relay"
	"github.com/dispatcharr/dispatcharr-proxy/internal/state"
	"github.com/dispatcharr/dispatcharr-proxy/internal/upstream"
	"github.com/dispatcharr/dispatcharr-proxy/internal/version"
)

// sessionDrainTimeout bounds how long shutdown waits for sessions to release
// their slots.
const sessionDrainTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the dispatcharr-proxy HTTP server.

The server provides:
- Channel stream endpoints (/proxy/ts/stream/{id}, Xtream and HDHomeRun shapes)
- Admin API for sessions, slots, the registry and the catalog
- Health endpoints (/livez, /readyz, /api/v1/health)
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 9191, "Port to listen on")
	serveCmd.Flags().String("ledger", "memory", "Slot ledger backend (memory, redis)")
	serveCmd.Flags().String("catalog-file", "", "Read the catalog from a YAML file instead of the database")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("ledger.backend", serveCmd.Flags().Lookup("ledger"))
	mustBindPFlag("catalog.file", serveCmd.Flags().Lookup("catalog-file"))
}

// stack holds everything runServe opens so it can be closed in reverse.
type stack struct {
	redis     *state.RedisClient
	db        *database.DB
	refresher *catalog.Refresher
	prober    *upstream.Prober
}

func (s *stack) close(logger *slog.Logger) {
	if s.prober != nil {
		s.prober.Close()
	}
	if s.refresher != nil {
		s.refresher.Stop()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Warn("closing redis", slog.String("error", err.Error()))
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("catalog-file") {
		cfg.Catalog.Source = "file"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := &stack{}
	defer res.close(logger)

	var (
		metrics  *observability.Metrics
		registry *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if metrics, err = observability.NewMetrics(registry); err != nil {
			return err
		}
	}

	if cfg.RedisRequired() {
		res.redis = state.NewRedisClient(ctx, cfg.Redis, logger)
	}

	recorder := events.NewRecorder(500)
	publisher := events.Multi{recorder}
	if res.redis != nil {
		publisher = append(publisher, events.NewRedisPublisher(res.redis.Client, res.redis.Key("events"), logger))
	}

	store, err := openCatalog(ctx, cfg, res, logger)
	if err != nil {
		return err
	}

	ledger, backoff, sessions, err := openState(cfg, res.redis, logger)
	if err != nil {
		return err
	}
	guarded := state.NewGuard(ledger, logger, state.GuardOptions{
		Metrics: metrics,
		Strict:  cfg.Ledger.StrictInvariants,
		OnViolation: func(ctx context.Context, slot state.Slot, err error) {
			ev := events.New(events.TypeLedgerAlert)
			ev.Instance = cfg.Proxy.InstanceID
			ev.Source = fmt.Sprintf("account %d profile %d", slot.AccountID, slot.ProfileID)
			ev.Reason = err.Error()
			publisher.Publish(ctx, ev)
		},
	})

	fetcher := upstream.NewDispatcher(
		upstream.NewHTTPFetcher(upstream.HTTPOptions{
			ConnectTimeout: cfg.Failover.ConnectTimeout,
			ChunkSize:      cfg.Proxy.ChunkSize,
			Health:         cfg.Health,
			Logger:         logger,
		}),
		upstream.NewUDPFetcher(upstream.UDPOptions{Health: cfg.Health, Logger: logger}),
		upstream.NewProcessFetcher(upstream.ProcessOptions{
			Transcoder: cfg.Transcoder,
			ChunkSize:  cfg.Proxy.ChunkSize,
			Health:     cfg.Health,
			Metrics:    metrics,
			Logger:     logger,
		}),
	)
	if res.prober, err = upstream.NewProber(nil, upstream.DefaultProbeTTL); err != nil {
		return err
	}

	userAgent := cfg.Proxy.DefaultUserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	selector := relay.NewSelector(guarded, backoff).WithLogger(logger)
	failover := relay.NewFailoverController(selector, guarded, backoff, fetcher, relay.PolicyFromConfig(cfg.Failover)).
		WithLogger(logger).
		WithMetrics(metrics).
		WithDefaultUserAgent(userAgent).
		WithLeaseTTL(cfg.Ledger.LeaseTTL)

	manager := relay.NewManager(relay.ConfigFromApp(cfg), relay.Deps{
		Catalog:   store,
		Ledger:    guarded,
		Selector:  selector,
		Failover:  failover,
		Registry:  sessions,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting session manager: %w", err)
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	handlers.NewStreamHandler(manager).
		WithLogger(logger).
		WithProber(res.prober).
		WithDefaultUserAgent(userAgent).
		WithSessionRedirect(cfg.Proxy.SessionRedirect).
		RegisterChiRoutes(server.Router())

	health := handlers.NewHealthHandler(version.Version).WithCatalog(store).WithManager(manager)
	if res.db != nil {
		health.WithDB(res.db.DB)
	}
	if res.redis != nil {
		health.WithRedis(res.redis)
	}
	health.Register(server.API())

	handlers.NewProxyHandler(manager).WithLogger(logger).WithRecorder(recorder).Register(server.API())
	handlers.NewCatalogHandler(store).WithLogger(logger).Register(server.API())

	if registry != nil {
		server.MountMetrics(cfg.Metrics.Path, registry)
	}

	logger.Info("starting dispatcharr-proxy",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("instance", manager.Instance()),
		slog.String("ledger", cfg.Ledger.Backend),
		slog.String("catalog", cfg.Catalog.Source),
		slog.String("version", version.Version),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case serveErr = <-errCh:
	}

	// Sessions stop first so their streams end and every slot is released
	// before the listener drains.
	drainCtx, cancel := context.WithTimeout(context.Background(), sessionDrainTimeout)
	defer cancel()
	if err := manager.Stop(drainCtx); err != nil {
		logger.Error("stopping sessions", slog.String("error", err.Error()))
	}
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("shutting down HTTP server", slog.String("error", err.Error()))
	}

	return serveErr
}

// openCatalog builds the catalog store from the configured source and loads
// it once. The refresher keeps it current afterwards.
func openCatalog(ctx context.Context, cfg *config.Config, res *stack, logger *slog.Logger) (*catalog.Store, error) {
	var source catalog.Source
	switch cfg.Catalog.Source {
	case "file":
		source = catalog.NewFileSource(cfg.Catalog.File)
	default:
		db, err := database.New(cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		res.db = db
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrating database: %w", err)
			}
		}
		source = catalog.NewDBSource(db.DB)
	}

	store := catalog.NewStore(source).WithLogger(logger)
	res.refresher = catalog.NewRefresher(store, cfg.Catalog.RefreshSchedule).WithLogger(logger)
	if res.redis != nil && cfg.Catalog.InvalidationChannel != "" {
		res.refresher.WithInvalidation(res.redis.Client, cfg.Catalog.InvalidationChannel)
	}
	if err := res.refresher.Start(ctx); err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	return store, nil
}

// openState picks the ledger, backoff tracker and session registry for the
// configured backend. The redis backend shares state across instances.
func openState(cfg *config.Config, client *state.RedisClient, logger *slog.Logger) (state.Ledger, state.BackoffTracker, state.SessionRegistry, error) {
	policy := state.BackoffPolicy{
		Base:       cfg.Failover.BackoffBase,
		Max:        cfg.Failover.BackoffMax,
		Multiplier: cfg.Failover.BackoffMultiplier,
	}
	switch cfg.Ledger.Backend {
	case "redis":
		if client == nil {
			return nil, nil, nil, fmt.Errorf("ledger backend redis requires a redis address")
		}
		return state.NewRedisLedger(client, cfg.Ledger.LeaseTTL, logger),
			state.NewRedisBackoff(client, policy),
			state.NewRedisRegistry(client),
			nil
	default:
		return state.NewMemoryLedger(cfg.Ledger.LeaseTTL),
			state.NewMemoryBackoff(policy),
			state.NewMemoryRegistry(),
			nil
	}
}

package handlers_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/dispatcharr/dispatcharr-proxy/internal/catalog"
	"github.com/dispatcharr/dispatcharr-proxy/internal/config"
	"github.com/dispatcharr/dispatcharr-proxy/internal/events"
	"github.com/dispatcharr/dispatcharr-proxy/internal/http/handlers"
	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
	"github.com/dispatcharr/dispatcharr-proxy/internal/relay"
	"github.com/dispatcharr/dispatcharr-proxy/internal/state"
	"github.com/dispatcharr/dispatcharr-proxy/internal/upstream"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type staticCatalog struct {
	snap *catalog.Snapshot
}

func (c staticCatalog) Snapshot() *catalog.Snapshot {
	return c.snap
}

// testUpstream serves payload once per request, then holds the connection
// open like a live stream.
func testUpstream(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		if r.Header.Get("Range") != "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Range", "bytes 0-1/4096")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(payload[:2])
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
		_ = http.NewResponseController(w).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testCatalog builds a catalog with channel "news" (id 1) backed by one
// stream per URL, each on its own account.
func testCatalog(mode models.ProfileMode, urls ...string) *catalog.Snapshot {
	var data catalog.Data
	ch := models.Channel{Name: "News", UUID: "news"}
	ch.ID = 1
	data.Channels = []models.Channel{ch}
	for i, u := range urls {
		id := int64(i + 1)
		a := models.Account{Name: "provider", Priority: i}
		a.ID = id
		p := models.Profile{AccountID: id, Name: "default", Mode: mode, IsDefault: true}
		p.ID = id * 10
		s := models.Stream{Name: "news", URL: u, AccountID: id}
		s.ID = id
		data.Accounts = append(data.Accounts, a)
		data.Profiles = append(data.Profiles, p)
		data.Streams = append(data.Streams, s)
		data.Links = append(data.Links, models.ChannelStream{ChannelID: 1, StreamID: id, Order: i})
	}
	return catalog.NewSnapshot(data)
}

type fixture struct {
	manager  *relay.Manager
	ledger   *state.MemoryLedger
	recorder *events.Recorder
	router   *chi.Mux
}

func newFixture(t *testing.T, snap *catalog.Snapshot, tweak ...func(*handlers.StreamHandler)) *fixture {
	t.Helper()

	ledger := state.NewMemoryLedger(time.Minute)
	backoff := state.NewMemoryBackoff(state.BackoffPolicy{Base: time.Minute, Max: time.Minute, Multiplier: 2})
	recorder := events.NewRecorder(100)
	registry := state.NewMemoryRegistry()

	fetcher := upstream.NewDispatcher(upstream.NewHTTPFetcher(upstream.HTTPOptions{
		ConnectTimeout: time.Second,
		Logger:         quietLogger,
	}), nil, nil)
	selector := relay.NewSelector(ledger, backoff).WithLogger(quietLogger)
	failover := relay.NewFailoverController(selector, ledger, backoff, fetcher, relay.FailoverPolicy{
		MaxSameCandidateRetries: 1,
		RetryDelay:              time.Millisecond,
		MaxDuration:             2 * time.Second,
	}).WithLogger(quietLogger)

	manager := relay.NewManager(relay.ManagerConfig{
		Instance: "test",
		Session: relay.SessionConfig{
			ShutdownDelay: 20 * time.Millisecond,
			Fanout:        relay.FanoutConfig{MaxChunks: 64, MaxBytes: 1 << 20, LagPolicy: relay.LagDisconnect},
			Health:        config.HealthConfig{CheckInterval: 10 * time.Millisecond, StallTimeout: 5 * time.Second, BufferingGrace: time.Second},
			LeaseTTL:      time.Minute,
			RegistryTTL:   time.Minute,
		},
	}, relay.Deps{
		Catalog:   staticCatalog{snap: snap},
		Ledger:    ledger,
		Selector:  selector,
		Failover:  failover,
		Registry:  registry,
		Publisher: recorder,
		Logger:    quietLogger,
	})
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, manager.Stop(ctx))
	})

	prober, err := upstream.NewProber(nil, time.Minute)
	require.NoError(t, err)
	t.Cleanup(prober.Close)

	stream := handlers.NewStreamHandler(manager).WithLogger(quietLogger).WithProber(prober)
	for _, fn := range tweak {
		fn(stream)
	}

	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))
	stream.RegisterChiRoutes(router)
	handlers.NewProxyHandler(manager).WithLogger(quietLogger).WithRecorder(recorder).Register(api)

	return &fixture{
		manager:  manager,
		ledger:   ledger,
		recorder: recorder,
		router:   router,
	}
}

// serve starts a real server for streaming requests; the recorder cannot
// observe a response before the handler returns.
func (f *fixture) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// noRedirect is a client that reports redirects instead of following them.
func noRedirect() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
}

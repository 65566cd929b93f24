package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dispatcharr/dispatcharr-proxy/internal/catalog"
	"github.com/dispatcharr/dispatcharr-proxy/internal/config"
	"github.com/dispatcharr/dispatcharr-proxy/internal/events"
	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
	"github.com/dispatcharr/dispatcharr-proxy/internal/state"
	"github.com/dispatcharr/dispatcharr-proxy/internal/upstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testChannel = "news"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeHandle is an upstream fed by the test through data.
type fakeHandle struct {
	url    string
	data   chan []byte
	health atomic.Pointer[upstream.Health]

	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeHandle(url string) *fakeHandle {
	return &fakeHandle{
		url:    url,
		data:   make(chan []byte, 128),
		closed: make(chan struct{}),
	}
}

func (h *fakeHandle) Next(ctx context.Context) ([]byte, error) {
	select {
	case d, ok := <-h.data:
		if !ok {
			return nil, &upstream.Failure{Kind: upstream.KindEOF, Err: io.EOF}
		}
		return d, nil
	case <-h.closed:
		return nil, upstream.ErrHandleClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *fakeHandle) Health() upstream.Health {
	if p := h.health.Load(); p != nil {
		return *p
	}
	return upstream.Health{Alive: true}
}

func (h *fakeHandle) setHealth(hl upstream.Health) {
	h.health.Store(&hl)
}

func (h *fakeHandle) Stats() upstream.HandleStats {
	return upstream.HandleStats{Strategy: "fake", URL: h.url}
}

func (h *fakeHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closes.Add(1)
		close(h.closed)
	})
	return nil
}

func (h *fakeHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// fakeFetcher opens fake handles; behaviors override per URL.
type fakeFetcher struct {
	mu      sync.Mutex
	opens   map[string]int
	handles map[string][]*fakeHandle
	behave  map[string]func(n int) error
	sources []upstream.Source
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		opens:   make(map[string]int),
		handles: make(map[string][]*fakeHandle),
		behave:  make(map[string]func(n int) error),
	}
}

// failWith makes every open of url fail with err.
func (f *fakeFetcher) failWith(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behave[url] = func(int) error { return err }
}

// failFirst makes the first n opens of url fail with err.
func (f *fakeFetcher) failFirst(url string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behave[url] = func(i int) error {
		if i <= n {
			return err
		}
		return nil
	}
}

func (f *fakeFetcher) Open(ctx context.Context, src upstream.Source) (upstream.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[src.URL]++
	f.sources = append(f.sources, src)
	if fn := f.behave[src.URL]; fn != nil {
		if err := fn(f.opens[src.URL]); err != nil {
			return nil, err
		}
	}
	h := newFakeHandle(src.URL)
	f.handles[src.URL] = append(f.handles[src.URL], h)
	return h, nil
}

func (f *fakeFetcher) openCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[url]
}

func (f *fakeFetcher) totalOpens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.opens {
		n += c
	}
	return n
}

func (f *fakeFetcher) handle(t *testing.T, url string, i int) *fakeHandle {
	t.Helper()
	var h *fakeHandle
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.handles[url]) > i {
			h = f.handles[url][i]
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "handle %d for %s never opened", i, url)
	return h
}

// countingLedger counts calls through to a real ledger.
type countingLedger struct {
	state.Ledger
	acquires atomic.Int32
	releases atomic.Int32
}

func (l *countingLedger) TryAcquire(ctx context.Context, key state.SlotKey, limits state.Limits, owner string) (*state.Slot, error) {
	slot, err := l.Ledger.TryAcquire(ctx, key, limits, owner)
	if err == nil {
		l.acquires.Add(1)
	}
	return slot, err
}

func (l *countingLedger) Release(ctx context.Context, slot *state.Slot) error {
	l.releases.Add(1)
	return l.Ledger.Release(ctx, slot)
}

// gatedLedger lets a test hold off lease renewals while it rearranges the
// ledger underneath a session.
type gatedLedger struct {
	state.Ledger
	mu sync.Mutex
}

func (l *gatedLedger) Renew(ctx context.Context, slot *state.Slot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Ledger.Renew(ctx, slot)
}

type staticCatalog struct {
	snap *catalog.Snapshot
}

func (c staticCatalog) Snapshot() *catalog.Snapshot {
	return c.snap
}

func account(id int64, priority, maxConns int) models.Account {
	a := models.Account{Name: fmt.Sprintf("acct%d", id), Priority: priority, MaxConnections: maxConns}
	a.ID = id
	return a
}

func profile(id, accountID int64, name string, isDefault bool) models.Profile {
	p := models.Profile{AccountID: accountID, Name: name, Mode: models.ProfileModeProxy, IsDefault: isDefault}
	p.ID = id
	return p
}

func stream(id, accountID int64, url string) models.Stream {
	s := models.Stream{Name: fmt.Sprintf("s%d", id), URL: url, AccountID: accountID}
	s.ID = id
	return s
}

// channelSnapshot builds a catalog with one channel whose candidates are
// streams in the given order.
func channelSnapshot(accounts []models.Account, profiles []models.Profile, streams []models.Stream) *catalog.Snapshot {
	ch := models.Channel{Name: "News", UUID: testChannel}
	ch.ID = 1
	links := make([]models.ChannelStream, 0, len(streams))
	for i, s := range streams {
		links = append(links, models.ChannelStream{ChannelID: 1, StreamID: s.ID, Order: i})
	}
	return catalog.NewSnapshot(catalog.Data{
		Accounts: accounts,
		Profiles: profiles,
		Streams:  streams,
		Channels: []models.Channel{ch},
		Links:    links,
	})
}

type harness struct {
	m        *Manager
	fetcher  *fakeFetcher
	ledger   *countingLedger
	backoff  *state.MemoryBackoff
	recorder *events.Recorder
	registry *state.MemoryRegistry
}

type harnessOpts struct {
	cfg    ManagerConfig
	policy FailoverPolicy
	// ledger replaces the default one-minute memory ledger.
	ledger state.Ledger
}

func newHarness(t *testing.T, snap *catalog.Snapshot, tweak ...func(*harnessOpts)) *harness {
	t.Helper()
	opts := harnessOpts{
		cfg: ManagerConfig{
			Instance: "test",
			Session: SessionConfig{
				ShutdownDelay: 50 * time.Millisecond,
				Fanout:        FanoutConfig{MaxChunks: 64, MaxBytes: 1 << 20, LagPolicy: LagDisconnect},
				Health: config.HealthConfig{
					CheckInterval:  10 * time.Millisecond,
					BufferingGrace: 200 * time.Millisecond,
				},
				LeaseTTL:    time.Minute,
				RegistryTTL: time.Minute,
			},
		},
		policy: FailoverPolicy{MaxSameCandidateRetries: 2, RetryDelay: time.Millisecond, MaxDuration: 2 * time.Second},
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	inner := opts.ledger
	if inner == nil {
		inner = state.NewMemoryLedger(time.Minute)
	}
	h := &harness{
		fetcher:  newFakeFetcher(),
		ledger:   &countingLedger{Ledger: inner},
		backoff:  state.NewMemoryBackoff(state.BackoffPolicy{Base: time.Minute, Max: 5 * time.Minute, Multiplier: 2}),
		recorder: events.NewRecorder(500),
		registry: state.NewMemoryRegistry(),
	}
	selector := NewSelector(h.ledger, h.backoff).WithLogger(quietLogger)
	failover := NewFailoverController(selector, h.ledger, h.backoff, h.fetcher, opts.policy).WithLogger(quietLogger)
	h.m = NewManager(opts.cfg, Deps{
		Catalog:   staticCatalog{snap: snap},
		Ledger:    h.ledger,
		Selector:  selector,
		Failover:  failover,
		Registry:  h.registry,
		Publisher: h.recorder,
		Logger:    quietLogger,
	})
	require.NoError(t, h.m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.m.Stop(ctx))
	})
	return h
}

func (h *harness) session(t *testing.T) *Session {
	t.Helper()
	s, ok := h.m.Session(testChannel)
	require.True(t, ok, "no session for channel")
	return s
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"session never reached %s (at %s)", want, s.State())
}

// collector is a goroutine-safe io.Writer.
type collector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *collector) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// serve runs conn.Serve in the background and returns its result channel.
func serve(conn *ClientConnection, w io.Writer) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Serve(context.Background(), w)
	}()
	return errCh
}

func waitServe(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func transitions(s *Session) []string {
	var out []string
	for _, tr := range s.History() {
		out = append(out, tr.From.String()+"->"+tr.To.String())
	}
	return out
}

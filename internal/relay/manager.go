// Package relay multiplexes one upstream per channel to any number of
// clients. A Manager keeps one Session per channel; each Session walks the
// Selector's candidates through the FailoverController, pumps the winning
// upstream into a FanoutBuffer and tears itself down once the last client
// has been gone for the shutdown delay.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dispatcharr/dispatcharr-proxy/internal/catalog"
	"github.com/dispatcharr/dispatcharr-proxy/internal/config"
	"github.com/dispatcharr/dispatcharr-proxy/internal/events"
	"github.com/dispatcharr/dispatcharr-proxy/internal/observability"
	"github.com/dispatcharr/dispatcharr-proxy/internal/state"
)

// attachAttempts bounds retries when Attach races a session teardown.
const attachAttempts = 3

// CatalogView supplies the current catalog snapshot.
type CatalogView interface {
	Snapshot() *catalog.Snapshot
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	Instance     string
	MaxSessions  int
	ReapInterval time.Duration
	Session      SessionConfig
}

// ConfigFromApp derives the manager configuration from the application
// configuration.
func ConfigFromApp(cfg *config.Config) ManagerConfig {
	return ManagerConfig{
		Instance:     cfg.Proxy.InstanceID,
		MaxSessions:  cfg.Proxy.MaxSessions,
		ReapInterval: cfg.Ledger.ReapInterval,
		Session: SessionConfig{
			Instance:           cfg.Proxy.InstanceID,
			ShutdownDelay:      cfg.Proxy.ShutdownDelay,
			InitGracePeriod:    cfg.Proxy.InitGracePeriod,
			ClientWriteTimeout: cfg.Proxy.ClientWriteTimeout,
			Fanout: FanoutConfig{
				MaxChunks: cfg.Proxy.BufferChunks,
				MaxBytes:  cfg.Proxy.BufferBytes,
				LagPolicy: LagPolicy(cfg.Proxy.SlowClientPolicy),
			},
			Health:      cfg.Health,
			LeaseTTL:    cfg.Ledger.LeaseTTL,
			RegistryTTL: cfg.Proxy.RegistryTTL,
		},
	}
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Catalog   CatalogView
	Ledger    state.Ledger
	Selector  *Selector
	Failover  *FailoverController
	Registry  state.SessionRegistry
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// ManagerStats summarizes the local sessions.
type ManagerStats struct {
	Instance string         `json:"instance"`
	Sessions int            `json:"sessions"`
	Clients  int            `json:"clients"`
	ByState  map[string]int `json:"by_state"`
}

// Manager attaches clients to channel sessions, creating them on demand.
type Manager struct {
	cfg    ManagerConfig
	deps   Deps
	logger *slog.Logger

	sessions *xsync.Map[string, *Session]
	group    singleflight.Group
	stopped  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. Start launches its background loops.
func NewManager(cfg ManagerConfig, deps Deps) *Manager {
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()[:8]
	}
	cfg.Session.Instance = cfg.Instance
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "relay")
	deps.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		sessions: xsync.NewMap[string, *Session](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Instance returns this process's instance id.
func (m *Manager) Instance() string {
	return m.cfg.Instance
}

// Start launches the stale slot reaper.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.ReapInterval > 0 {
		m.wg.Add(1)
		go m.reapLoop()
	}
	m.logger.InfoContext(ctx, "relay manager started",
		slog.String("instance", m.cfg.Instance),
		slog.Int("max_sessions", m.cfg.MaxSessions),
	)
	return nil
}

// Stop shuts every session down and waits for their teardown.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopped.Store(true)
	m.cancel()

	g, gctx := errgroup.WithContext(ctx)
	m.sessions.Range(func(_ string, s *Session) bool {
		g.Go(func() error { return s.Stop(gctx) })
		return true
	})
	err := g.Wait()
	m.wg.Wait()
	m.logger.Info("relay manager stopped")
	return err
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			n, err := m.deps.Ledger.Reap(m.ctx)
			if err != nil {
				if m.ctx.Err() == nil {
					m.logger.Warn("slot reap failed", slog.String("error", err.Error()))
				}
				continue
			}
			if n > 0 {
				m.logger.Warn("reclaimed stale slots", slog.Int("count", n))
			}
		}
	}
}

// Attach joins a client to the channel's session, creating the session if
// absent. Concurrent attaches to a channel without a session coalesce on
// one creation.
func (m *Manager) Attach(ctx context.Context, channelID string, info ClientInfo) (*ClientConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.stopped.Load() {
		return nil, ErrManagerStopped
	}
	entry, ok := m.deps.Catalog.Snapshot().Channel(channelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	// One session per channel however it was addressed.
	channelID = entry.Channel.Key()

	for range attachAttempts {
		s, err := m.sessionFor(channelID)
		if err != nil {
			return nil, err
		}
		conn, err := s.attach(info)
		if errors.Is(err, ErrSessionClosed) {
			// Lost a race with teardown; the next round creates a fresh session.
			m.forget(s)
			continue
		}
		return conn, err
	}
	return nil, ErrSessionClosed
}

func (m *Manager) sessionFor(channelID string) (*Session, error) {
	if s, ok := m.sessions.Load(channelID); ok && !s.Closed() {
		return s, nil
	}
	v, err, _ := m.group.Do(channelID, func() (any, error) {
		if s, ok := m.sessions.Load(channelID); ok && !s.Closed() {
			return s, nil
		}
		if m.stopped.Load() {
			return nil, ErrManagerStopped
		}
		if m.cfg.MaxSessions > 0 && m.sessions.Size() >= m.cfg.MaxSessions {
			return nil, ErrTooManySessions
		}
		s := newSession(channelID, m.cfg.Session, sessionDeps{
			failover:  m.deps.Failover,
			registry:  m.deps.Registry,
			publisher: m.deps.Publisher,
			metrics:   m.deps.Metrics,
			logger:    m.logger,
			snapshot:  m.deps.Catalog.Snapshot,
			onClosed:  m.forget,
		})
		m.sessions.Store(channelID, s)
		m.logger.Debug("session created",
			slog.String("channel_id", channelID),
			slog.String("session_id", s.ID),
		)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// forget drops s from the map if it is still the channel's session.
func (m *Manager) forget(s *Session) {
	m.sessions.Compute(s.ChannelID, func(cur *Session, loaded bool) (*Session, xsync.ComputeOp) {
		if loaded && cur == s {
			return cur, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
}

// Detach removes a client. The session keeps running for the shutdown
// delay after its last client leaves.
func (m *Manager) Detach(channelID, clientID string) error {
	s, ok := m.sessions.Load(m.key(channelID))
	if !ok {
		return ErrSessionNotFound
	}
	conn, ok := s.client(clientID)
	if !ok {
		return ErrClientNotFound
	}
	s.removeConnection(conn)
	return nil
}

// Session returns the channel's session.
func (m *Manager) Session(channelID string) (*Session, bool) {
	return m.sessions.Load(m.key(channelID))
}

// key maps any catalog key of a channel to the key its session is stored
// under. Unknown keys pass through so sessions of channels dropped from the
// catalog stay reachable.
func (m *Manager) key(channelID string) string {
	if e, ok := m.deps.Catalog.Snapshot().Channel(channelID); ok {
		return e.Channel.Key()
	}
	return channelID
}

// StopSession stops a channel's session and waits for its teardown.
func (m *Manager) StopSession(ctx context.Context, channelID string) error {
	s, ok := m.sessions.Load(m.key(channelID))
	if !ok {
		return ErrSessionNotFound
	}
	m.logger.Info("stopping session", slog.String("channel_id", channelID))
	return s.Stop(ctx)
}

// StopClient disconnects one client of a channel.
func (m *Manager) StopClient(channelID, clientID string) error {
	s, ok := m.sessions.Load(m.key(channelID))
	if !ok {
		return ErrSessionNotFound
	}
	return s.stopClient(clientID)
}

// Candidates runs the selector for a channel against the current catalog
// without acquiring anything.
func (m *Manager) Candidates(ctx context.Context, channelID string) ([]Candidate, error) {
	return m.deps.Selector.SelectCandidates(ctx, m.deps.Catalog.Snapshot(), channelID)
}

// Sessions returns stats for every local session ordered by channel.
func (m *Manager) Sessions() []SessionStats {
	var out []SessionStats
	m.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s.Stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Slots lists the slots held cluster-wide.
func (m *Manager) Slots(ctx context.Context) ([]state.Slot, error) {
	return m.deps.Ledger.ActiveSlots(ctx)
}

// Registry lists session records from every instance.
func (m *Manager) Registry(ctx context.Context) ([]state.SessionRecord, error) {
	if m.deps.Registry == nil {
		return nil, nil
	}
	return m.deps.Registry.List(ctx)
}

// Stats returns a summary of local sessions.
func (m *Manager) Stats() ManagerStats {
	st := ManagerStats{Instance: m.cfg.Instance, ByState: make(map[string]int)}
	m.sessions.Range(func(_ string, s *Session) bool {
		st.Sessions++
		st.Clients += s.ClientCount()
		st.ByState[s.State().String()]++
		return true
	})
	return st
}

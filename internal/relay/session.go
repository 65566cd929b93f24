package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dispatcharr/dispatcharr-proxy/internal/catalog"
	"github.com/dispatcharr/dispatcharr-proxy/internal/config"
	"github.com/dispatcharr/dispatcharr-proxy/internal/events"
	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
	"github.com/dispatcharr/dispatcharr-proxy/internal/observability"
	"github.com/dispatcharr/dispatcharr-proxy/internal/state"
	"github.com/dispatcharr/dispatcharr-proxy/internal/upstream"
)

const (
	defaultCheckInterval = time.Second
	defaultHeartbeat     = 10 * time.Second
)

var (
	errSessionIdle    = errors.New("no clients within shutdown delay")
	errSessionStopped = errors.New("session stopped")
	errSessionEnded   = errors.New("session ended")
)

// SessionConfig tunes one channel session.
type SessionConfig struct {
	Instance           string
	ShutdownDelay      time.Duration
	InitGracePeriod    time.Duration
	ClientWriteTimeout time.Duration
	Fanout             FanoutConfig
	Health             config.HealthConfig
	// LeaseTTL and RegistryTTL set the heartbeat cadence.
	LeaseTTL    time.Duration
	RegistryTTL time.Duration
}

type sessionDeps struct {
	failover  *FailoverController
	registry  state.SessionRegistry
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	snapshot  func() *catalog.Snapshot
	onClosed  func(*Session)
}

// SourceStats describes the candidate a session is streaming from.
type SourceStats struct {
	Label     string    `json:"label"`
	URL       string    `json:"url"`
	Protocol  string    `json:"protocol"`
	Mode      string    `json:"mode"`
	StreamID  int64     `json:"stream_id"`
	AccountID int64     `json:"account_id"`
	ProfileID int64     `json:"profile_id"`
	SlotID    string    `json:"slot_id,omitempty"`
	OpenedAt  time.Time `json:"opened_at"`
}

// SessionStats is the full view of one session.
type SessionStats struct {
	ID          string                `json:"id"`
	ChannelID   string                `json:"channel_id"`
	State       State                 `json:"state"`
	StateSince  time.Time             `json:"state_since"`
	CreatedAt   time.Time             `json:"created_at"`
	ClientCount int                   `json:"client_count"`
	Clients     []ClientStats         `json:"clients"`
	Source      *SourceStats          `json:"source,omitempty"`
	Upstream    *upstream.HandleStats `json:"upstream,omitempty"`
	Health      *upstream.Health      `json:"health,omitempty"`
	StreamInfo  *upstream.StreamInfo  `json:"stream_info,omitempty"`
	Buffer      FanoutStats           `json:"buffer"`
	Failovers   int                   `json:"failovers"`
	LastError   string                `json:"last_error,omitempty"`
	History     []Transition          `json:"history"`
}

// Session is one active viewing instance of a channel. It owns the
// upstream handle, the slot paying for it, the fan-out buffer and the
// attached clients.
type Session struct {
	ID        string
	ChannelID string
	CreatedAt time.Time

	cfg    SessionConfig
	deps   sessionDeps
	buffer *FanoutBuffer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	hbDone chan struct{}
	done   chan struct{}

	teardownOnce sync.Once
	kick         chan struct{}

	mu             sync.Mutex
	state          State
	stateSince     time.Time
	history        []Transition
	clients        map[string]*ClientConnection
	acq            *Acquisition
	clientUA       string
	prefer         SourcePreference
	started        bool
	bufferingSince time.Time
	idleTimer      *time.Timer
	idleGen        uint64
	acquisitions   int
	lastErr        error
	streamInfo     *upstream.StreamInfo
	// abort cancels the running stream with a cause.
	abort context.CancelCauseFunc
	// slotLost is set when the current slot was reaped and not reclaimed.
	slotLost error
}

func newSession(channelID string, cfg SessionConfig, deps sessionDeps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	if deps.publisher == nil {
		deps.publisher = events.Nop{}
	}
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	id := uuid.NewString()
	now := time.Now()
	s := &Session{
		ID:         id,
		ChannelID:  channelID,
		CreatedAt:  now,
		cfg:        cfg,
		deps:       deps,
		buffer:     NewFanoutBuffer(cfg.Fanout),
		logger:     deps.logger.With(slog.String("channel_id", channelID), slog.String("session_id", id)),
		ctx:        ctx,
		cancel:     cancel,
		hbDone:     make(chan struct{}),
		done:       make(chan struct{}),
		kick:       make(chan struct{}, 1),
		state:      StateIdle,
		stateSince: now,
		clients:    make(map[string]*ClientConnection),
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the recorded transitions.
func (s *Session) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.history...)
}

// ClientCount returns the number of attached clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Done is closed after teardown completed: the handle is closed, the slot
// released and the session removed from its manager.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the session no longer accepts clients.
func (s *Session) Closed() bool {
	return s.State().Terminal()
}

// ContentType is the media type clients are served. The upstream's own
// header wins unless it is missing or generic.
func (s *Session) ContentType() string {
	s.mu.Lock()
	acq := s.acq
	s.mu.Unlock()
	if acq == nil {
		return upstream.ContentTypeFor("", models.ProfileModeProxy)
	}
	if acq.Source.Mode != models.ProfileModeTranscode {
		if ct := acq.Handle.Stats().ContentType; ct != "" && ct != "application/octet-stream" {
			return ct
		}
	}
	return upstream.ContentTypeFor(acq.Source.URL, acq.Source.Mode)
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) owner() string {
	return s.cfg.Instance + ":" + s.ID
}

// attach adds a client. The first attach drives the session out of IDLE
// and starts acquisition; later attaches join whatever is in flight.
func (s *Session) attach(info ClientInfo) (*ClientConnection, error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	sub, err := s.buffer.Subscribe(uuid.NewString())
	if err != nil {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}

	conn := newClientConnection(s, info, sub, s.cfg.ClientWriteTimeout, s.deps.metrics)
	replaced := s.clients[conn.ID]
	s.clients[conn.ID] = conn
	s.disarmIdleLocked()

	var ev *events.Event
	if s.state == StateIdle {
		s.clientUA = info.UserAgent
		s.prefer = info.Prefer
		ev = s.setStateLocked(StateAcquiring, "first client attached")
		s.started = true
		go s.run()
		go s.heartbeat()
	}
	count := len(s.clients)
	s.mu.Unlock()

	s.publish(ev)
	if replaced != nil {
		replaced.stop(&TerminalError{Code: CodeStopped, Err: ErrClientReplaced})
		s.buffer.Unsubscribe(replaced.sub.ID())
		s.deps.metrics.ClientDetached()
		s.logger.Debug("client connection replaced", slog.String("client_id", conn.ID))
	}

	s.deps.metrics.ClientAttached()
	s.publishClient(events.TypeClientAttached, conn.ID, count)
	s.logger.Info("client attached",
		slog.String("client_id", conn.ID),
		slog.String("remote_addr", conn.RemoteAddr),
		slog.Int("clients", count),
	)
	return conn, nil
}

// removeConnection detaches conn if it is still the registered connection
// for its client id. The last detach arms the shutdown timer.
func (s *Session) removeConnection(conn *ClientConnection) {
	s.mu.Lock()
	cur, ok := s.clients[conn.ID]
	current := ok && cur == conn
	if current {
		delete(s.clients, conn.ID)
		if len(s.clients) == 0 && !s.state.Terminal() {
			s.armIdleLocked()
		}
	}
	count := len(s.clients)
	s.mu.Unlock()

	conn.stop(nil)
	s.buffer.Unsubscribe(conn.sub.ID())
	if !current {
		return
	}

	s.deps.metrics.ClientDetached()
	s.publishClient(events.TypeClientDetached, conn.ID, count)
	s.logger.Info("client detached",
		slog.String("client_id", conn.ID),
		slog.Uint64("bytes", conn.bytes.Load()),
		slog.Int("clients", count),
	)
}

// client returns the connection registered under id.
func (s *Session) client(id string) (*ClientConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	return c, ok
}

// stopClient ends one client's delivery with CodeStopped.
func (s *Session) stopClient(id string) error {
	conn, ok := s.client(id)
	if !ok {
		return ErrClientNotFound
	}
	conn.stop(&TerminalError{Code: CodeStopped, Err: errors.New("client stopped by operator")})
	s.removeConnection(conn)
	return nil
}

// armIdleLocked starts the shutdown timer. Right after creation the delay
// is stretched to the end of the init grace period.
func (s *Session) armIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	delay := s.cfg.ShutdownDelay
	if grace := time.Until(s.CreatedAt.Add(s.cfg.InitGracePeriod)); grace > delay {
		delay = grace
	}
	s.idleGen++
	gen := s.idleGen
	s.idleTimer = time.AfterFunc(delay, func() { s.idleExpired(gen) })
	s.logger.Debug("shutdown timer armed", slog.Duration("delay", delay))
}

func (s *Session) disarmIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.idleGen++
}

func (s *Session) idleExpired(gen uint64) {
	s.mu.Lock()
	stale := gen != s.idleGen || len(s.clients) > 0 || s.state.Terminal()
	s.mu.Unlock()
	if stale {
		return
	}
	s.shutdown(&TerminalError{Code: CodeSessionClosed, Err: errSessionIdle}, "idle")
}

// Stop shuts the session down and waits for teardown or ctx.
func (s *Session) Stop(ctx context.Context) error {
	s.shutdown(&TerminalError{Code: CodeStopped, Err: errSessionStopped}, "stopped")
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown moves to SHUTTING_DOWN, notifies clients with cause and cancels
// the upstream. Teardown completes on the session goroutine.
func (s *Session) shutdown(cause error, reason string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	ev := s.setStateLocked(StateShuttingDown, reason)
	s.disarmIdleLocked()
	started := s.started
	s.mu.Unlock()

	s.publish(ev)
	s.buffer.CloseWithError(cause)
	s.cancel()
	if !started {
		close(s.hbDone)
		s.teardown()
	}
}

// run is the session's upstream task: acquire, stream, fail over, repeat.
func (s *Session) run() {
	defer s.teardown()

	req := s.acquireRequest()
	acq, err := s.deps.failover.Acquire(s.ctx, req)
	for {
		if err != nil {
			if s.ctx.Err() == nil {
				s.die(err)
			}
			return
		}

		if !s.install(acq) {
			return
		}
		cause := s.stream(acq)
		if s.ctx.Err() != nil || errors.Is(cause, errSessionStopped) {
			return
		}

		reason := "upstream error"
		if fail := upstream.Classify(cause); fail != nil {
			reason = fail.Reason()
		}
		s.mu.Lock()
		s.acq = nil
		s.lastErr = cause
		ev := s.setStateLocked(StateFailingOver, reason)
		s.mu.Unlock()
		s.publish(ev)
		s.publishFailure(reason, cause)
		s.logger.Warn("upstream failed, failing over",
			slog.String("source", acq.Candidate.Label()),
			slog.String("reason", reason),
			slog.String("error", cause.Error()),
		)

		s.buffer.MarkDiscontinuity()
		acq, err = s.deps.failover.Recover(s.ctx, req, acq, cause)
	}
}

func (s *Session) acquireRequest() AcquireRequest {
	s.mu.Lock()
	ua := s.clientUA
	prefer := s.prefer
	s.mu.Unlock()
	return AcquireRequest{
		ChannelKey:      s.ChannelID,
		Snapshot:        s.deps.snapshot,
		Owner:           s.owner(),
		ClientUserAgent: ua,
		Prefer:          prefer,
		OnAttempt: func(c Candidate) {
			s.transition(StateAcquiring, "trying "+c.Label())
		},
		OnFailure: func(c Candidate, err error) {
			reason := "connect"
			if fail := upstream.Classify(err); fail != nil {
				reason = fail.Reason()
			}
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			s.transition(StateFailingOver, reason)
		},
	}
}

// install makes acq the session's source. It returns false when the
// session began shutting down meanwhile; teardown then releases acq.
func (s *Session) install(acq *Acquisition) bool {
	s.mu.Lock()
	s.acq = acq
	s.acquisitions++
	s.bufferingSince = time.Time{}
	s.streamInfo = nil
	s.slotLost = nil
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	ev := s.setStateLocked(StateStreaming, acq.Candidate.Label())
	var slotID string
	if acq.Slot != nil {
		slotID = acq.Slot.ID
	}
	s.mu.Unlock()

	s.publish(ev)
	s.poke()
	s.logger.Info("session streaming",
		slog.String("source", acq.Candidate.Label()),
		slog.String("url", observability.SanitizeURL(acq.Source.URL)),
		slog.String("slot_id", slotID),
	)
	return true
}

// stream pumps the handle into the buffer until it fails or the session
// is cancelled. A health monitor runs alongside and cancels the read with
// a stall failure when the upstream is judged dead.
func (s *Session) stream(acq *Acquisition) error {
	ctx, fail := context.WithCancelCause(s.ctx)
	s.mu.Lock()
	s.abort = fail
	if s.slotLost != nil {
		fail(s.slotLost)
	}
	s.mu.Unlock()

	var mwg sync.WaitGroup
	mwg.Add(1)
	go func() {
		defer mwg.Done()
		s.monitor(ctx, acq, fail)
	}()
	defer func() {
		s.mu.Lock()
		s.abort = nil
		s.mu.Unlock()
		fail(nil)
		mwg.Wait()
	}()

	probe := upstream.NewTSProbe()
	probing := true
	for {
		data, err := acq.Handle.Next(ctx)
		if len(data) > 0 {
			s.deps.metrics.AddUpstreamBytes(len(data))
			if werr := s.buffer.Write(data); werr != nil {
				// Only shutdown closes the buffer under a running stream.
				if errors.Is(werr, ErrBufferClosed) {
					return errSessionStopped
				}
				return werr
			}
			if probing && probe.Feed(data) {
				probing = false
				s.recordStreamInfo(probe.Info())
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
					return cause
				}
			}
			return err
		}
	}
}

func (s *Session) recordStreamInfo(info *upstream.StreamInfo) {
	if info == nil {
		return
	}
	s.mu.Lock()
	s.streamInfo = info
	s.mu.Unlock()
	s.logger.Info("stream info detected",
		slog.String("video_codec", info.VideoCodec),
		slog.Any("audio_codecs", info.AudioCodecs),
		slog.Int("pids", info.PIDs),
	)
}

func (s *Session) monitor(ctx context.Context, acq *Acquisition, fail context.CancelCauseFunc) {
	interval := s.cfg.Health.CheckInterval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := acq.Handle.Health()
			if !h.Alive || s.evaluate(h) {
				s.logger.Warn("upstream unhealthy",
					slog.String("reason", h.Reason),
					slog.Float64("bytes_per_second", h.BytesPerSecond),
					slog.Float64("seconds_since_last_chunk", h.SecondsSinceLastChunk),
				)
				fail(upstream.StallFailure(h))
				return
			}
		}
	}
}

// evaluate applies a health reading to the STREAMING/BUFFERING states and
// reports whether buffering outlasted its grace period.
func (s *Session) evaluate(h upstream.Health) bool {
	now := time.Now()
	s.mu.Lock()
	var ev *events.Event
	expired := false
	switch {
	case h.Degraded && s.state == StateStreaming:
		s.bufferingSince = now
		ev = s.setStateLocked(StateBuffering, h.Reason)
	case h.Degraded && s.state == StateBuffering:
		grace := s.cfg.Health.BufferingGrace
		expired = grace > 0 && now.Sub(s.bufferingSince) > grace
	case !h.Degraded && s.state == StateBuffering:
		s.bufferingSince = time.Time{}
		ev = s.setStateLocked(StateStreaming, "recovered")
	}
	s.mu.Unlock()
	s.publish(ev)
	return expired
}

// die broadcasts a terminal error to every client and marks the session
// DEAD. Teardown follows on return from run.
func (s *Session) die(err error) {
	term := err
	if TerminalCode(err) == "" {
		term = &TerminalError{Code: CodeSessionClosed, Err: err}
	}

	s.mu.Lock()
	s.lastErr = err
	ev := s.setStateLocked(StateDead, string(TerminalCode(term)))
	s.disarmIdleLocked()
	count := len(s.clients)
	s.mu.Unlock()

	s.buffer.CloseWithError(term)
	s.publish(ev)
	s.publishFailure(string(TerminalCode(term)), err)
	s.logger.Error("session dead",
		slog.String("code", string(TerminalCode(term))),
		slog.Int("clients", count),
		slog.String("error", err.Error()),
	)
}

// teardown releases everything the session owns, exactly once.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.cancel()
		<-s.hbDone

		s.mu.Lock()
		acq := s.acq
		s.acq = nil
		s.disarmIdleLocked()
		detached := len(s.clients)
		s.clients = make(map[string]*ClientConnection)
		if !s.state.Terminal() {
			s.setStateLocked(StateShuttingDown, "teardown")
		}
		s.mu.Unlock()

		s.buffer.CloseWithError(&TerminalError{Code: CodeSessionClosed, Err: errSessionEnded})
		if acq != nil {
			if err := acq.Handle.Close(); err != nil {
				s.logger.Debug("closing upstream", slog.String("error", err.Error()))
			}
			s.deps.failover.release(acq.Slot)
		}
		for range detached {
			s.deps.metrics.ClientDetached()
		}

		if s.deps.registry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			if err := s.deps.registry.Delete(ctx, s.cfg.Instance, s.ChannelID); err != nil {
				s.logger.Debug("registry delete failed", slog.String("error", err.Error()))
			}
			cancel()
		}
		if s.deps.onClosed != nil {
			s.deps.onClosed(s)
		}
		close(s.done)
		s.logger.Info("session closed", slog.String("state", s.State().String()))
	})
}

// heartbeat renews the slot lease and republishes the registry record.
func (s *Session) heartbeat() {
	defer close(s.hbDone)

	interval := defaultHeartbeat
	for _, ttl := range []time.Duration{s.cfg.LeaseTTL, s.cfg.RegistryTTL} {
		if ttl > 0 && ttl/3 < interval {
			interval = ttl / 3
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.renew()
			s.putRecord()
		case <-s.kick:
			s.putRecord()
		}
	}
}

func (s *Session) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// renew extends the current slot's lease. A slot the ledger already reaped
// is reclaimed on the same pair; when that is denied the stream is failed
// over so the session never streams on a connection nobody counts.
func (s *Session) renew() {
	s.mu.Lock()
	acq := s.acq
	var slot *state.Slot
	if acq != nil {
		slot = acq.Slot
	}
	s.mu.Unlock()
	if slot == nil {
		return
	}

	err := s.deps.failover.ledger.Renew(s.ctx, slot)
	if err == nil || s.ctx.Err() != nil {
		return
	}
	if !errors.Is(err, state.ErrSlotNotFound) {
		s.logger.Warn("slot lease renewal failed",
			slog.String("slot_id", slot.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	held, rerr := s.deps.failover.reclaim(s.ctx, acq.Candidate, slot)
	s.mu.Lock()
	current := s.acq == acq
	if current {
		acq.Slot = held
		if rerr != nil {
			s.slotLost = rerr
			if s.abort != nil {
				s.abort(rerr)
			}
		}
	}
	s.mu.Unlock()
	if !current && held != nil {
		s.deps.failover.release(held)
	}
}

func (s *Session) putRecord() {
	if s.deps.registry == nil {
		return
	}
	rec := s.record()
	if err := s.deps.registry.Put(s.ctx, rec, s.cfg.RegistryTTL); err != nil && s.ctx.Err() == nil {
		s.logger.Debug("registry heartbeat failed", slog.String("error", err.Error()))
	}
}

func (s *Session) record() state.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := state.SessionRecord{
		Instance:  s.cfg.Instance,
		ChannelID: s.ChannelID,
		SessionID: s.ID,
		State:     s.state.String(),
		Clients:   len(s.clients),
		StartedAt: s.CreatedAt,
		UpdatedAt: time.Now(),
	}
	if s.acq != nil {
		rec.Source = s.acq.Candidate.Label()
		rec.AccountID = s.acq.Candidate.Account.ID
		rec.ProfileID = s.acq.Candidate.Profile.ID
	}
	return rec
}

// transition changes state outside the lock and publishes the event.
func (s *Session) transition(to State, reason string) {
	s.mu.Lock()
	ev := s.setStateLocked(to, reason)
	s.mu.Unlock()
	s.publish(ev)
}

// setStateLocked records a transition and returns the event to publish
// once the lock is released. Terminal states are never left.
func (s *Session) setStateLocked(to State, reason string) *events.Event {
	from := s.state
	if from == to || from.Terminal() {
		return nil
	}
	now := time.Now()
	s.state = to
	s.stateSince = now
	s.history = append(s.history, Transition{From: from, To: to, Reason: reason, At: now})
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.deps.metrics.SessionTransition(from.String(), to.String())
	s.logger.Debug("session transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
	)

	ev := events.New(events.TypeSessionState)
	ev.Instance = s.cfg.Instance
	ev.ChannelID = s.ChannelID
	ev.SessionID = s.ID
	ev.State = to.String()
	ev.ClientCount = len(s.clients)
	ev.Reason = reason
	if s.acq != nil {
		ev.Source = s.acq.Candidate.Label()
	}
	return &ev
}

func (s *Session) publish(ev *events.Event) {
	if ev == nil {
		return
	}
	s.deps.publisher.Publish(context.Background(), *ev)
}

func (s *Session) publishClient(typ events.Type, clientID string, count int) {
	ev := events.New(typ)
	ev.Instance = s.cfg.Instance
	ev.ChannelID = s.ChannelID
	ev.SessionID = s.ID
	ev.ClientID = clientID
	ev.ClientCount = count
	ev.State = s.State().String()
	s.deps.publisher.Publish(context.Background(), ev)
}

func (s *Session) publishFailure(reason string, err error) {
	ev := events.New(events.TypeSessionFailure)
	ev.Instance = s.cfg.Instance
	ev.ChannelID = s.ChannelID
	ev.SessionID = s.ID
	ev.State = s.State().String()
	ev.ClientCount = s.ClientCount()
	ev.Reason = reason
	if err != nil {
		ev.Reason = reason + ": " + err.Error()
	}
	s.deps.publisher.Publish(context.Background(), ev)
}

// Stats returns a consistent view of the session.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	st := SessionStats{
		ID:          s.ID,
		ChannelID:   s.ChannelID,
		State:       s.state,
		StateSince:  s.stateSince,
		CreatedAt:   s.CreatedAt,
		ClientCount: len(s.clients),
		Failovers:   max(0, s.acquisitions-1),
		History:     append([]Transition(nil), s.history...),
		StreamInfo:  s.streamInfo,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	conns := make([]*ClientConnection, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	acq := s.acq
	var slotID string
	if acq != nil && acq.Slot != nil {
		slotID = acq.Slot.ID
	}
	s.mu.Unlock()

	st.Clients = make([]ClientStats, 0, len(conns))
	for _, c := range conns {
		st.Clients = append(st.Clients, c.Stats())
	}
	if acq != nil {
		st.Source = &SourceStats{
			Label:     acq.Candidate.Label(),
			URL:       observability.SanitizeURL(acq.Source.URL),
			Protocol:  string(acq.Source.Protocol),
			Mode:      string(acq.Source.Mode),
			StreamID:  acq.Candidate.Stream.ID,
			AccountID: acq.Candidate.Account.ID,
			ProfileID: acq.Candidate.Profile.ID,
			OpenedAt:  acq.OpenedAt,
			SlotID:    slotID,
		}
		hs := acq.Handle.Stats()
		st.Upstream = &hs
		h := acq.Handle.Health()
		st.Health = &h
	}
	st.Buffer = s.buffer.Stats()
	return st
}

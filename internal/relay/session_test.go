package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatcharr/dispatcharr-proxy/internal/catalog"
	"github.com/dispatcharr/dispatcharr-proxy/internal/events"
	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
	"github.com/dispatcharr/dispatcharr-proxy/internal/state"
	"github.com/dispatcharr/dispatcharr-proxy/internal/upstream"
)

func TestScenario_SingleClientHappyPath(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 1)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts")},
	)
	h := newHarness(t, snap)
	ctx := context.Background()

	conn, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "c1", UserAgent: "VLC/3.0"})
	require.NoError(t, err)
	out := &collector{}
	errCh := serve(conn, out)

	s := h.session(t)
	waitState(t, s, StateStreaming)

	usage, err := h.ledger.Usage(ctx, state.SlotKey{AccountID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, usage.AccountInUse)

	up := h.fetcher.handle(t, "http://a.example/1.ts", 0)
	up.data <- []byte("hello ")
	up.data <- []byte("world")
	require.Eventually(t, func() bool { return out.String() == "hello world" }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"IDLE->ACQUIRING", "ACQUIRING->STREAMING"}, transitions(s))
	assert.Equal(t, "VLC/3.0", h.fetcher.sources[0].UserAgent)

	st := s.Stats()
	require.Len(t, st.Clients, 1)
	assert.Equal(t, uint64(11), st.Clients[0].BytesDelivered)
	require.NotNil(t, st.Source)
	assert.Equal(t, int64(1), st.Source.AccountID)

	require.NoError(t, h.m.StopSession(ctx, testChannel))
	err = waitServe(t, errCh)
	assert.Equal(t, CodeStopped, TerminalCode(err))

	usage, err = h.ledger.Usage(ctx, state.SlotKey{AccountID: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, usage.AccountInUse)
	assert.True(t, up.isClosed())
}

func TestScenario_ExhaustedPool(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 1), account(2, 0, 1)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts"), stream(2, 2, "http://b.example/2.ts")},
	)
	h := newHarness(t, snap)
	ctx := context.Background()

	// Both accounts are already at capacity.
	for _, id := range []int64{1, 2} {
		_, err := h.ledger.Ledger.TryAcquire(ctx, state.SlotKey{AccountID: id}, state.Limits{AccountMax: 1}, "elsewhere")
		require.NoError(t, err)
	}

	conn, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "c1"})
	require.NoError(t, err)
	s := conn.Session()

	err = waitServe(t, serve(conn, &collector{}))
	require.Error(t, err)
	assert.Equal(t, CodeCandidatesExhausted, TerminalCode(err))
	assert.ErrorIs(t, err, ErrCandidatesExhausted)

	<-s.Done()
	assert.Equal(t, StateDead, s.State())
	assert.Equal(t, []string{"IDLE->ACQUIRING", "ACQUIRING->DEAD"}, transitions(s))
	assert.Zero(t, h.fetcher.totalOpens())
	assert.Zero(t, h.ledger.acquires.Load())

	for _, id := range []int64{1, 2} {
		usage, err := h.ledger.Usage(ctx, state.SlotKey{AccountID: id})
		require.NoError(t, err)
		assert.Equal(t, 1, usage.AccountInUse, "account %d", id)
	}
	assert.NotEmpty(t, h.recorder.OfType(events.TypeSessionFailure))

	_, ok := h.m.Session(testChannel)
	assert.False(t, ok, "dead session must be removed")
}

func TestScenario_MidStreamStallFailover(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 1), account(2, 1, 1)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts"), stream(2, 2, "http://b.example/2.ts")},
	)
	h := newHarness(t, snap)
	ctx := context.Background()

	conn, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "c1"})
	require.NoError(t, err)
	out := &collector{}
	errCh := serve(conn, out)
	s := h.session(t)
	waitState(t, s, StateStreaming)

	first := h.fetcher.handle(t, "http://a.example/1.ts", 0)
	first.data <- []byte("one;")
	require.Eventually(t, func() bool { return out.String() == "one;" }, time.Second, 5*time.Millisecond)

	first.setHealth(upstream.Health{Alive: false, Reason: upstream.ReasonStalled, SecondsSinceLastChunk: 30})

	second := h.fetcher.handle(t, "http://b.example/2.ts", 0)
	waitState(t, s, StateStreaming)
	second.data <- []byte("two;")
	require.Eventually(t, func() bool { return out.String() == "one;two;" }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		"IDLE->ACQUIRING",
		"ACQUIRING->STREAMING",
		"STREAMING->FAILING_OVER",
		"FAILING_OVER->ACQUIRING",
		"ACQUIRING->STREAMING",
	}, transitions(s))
	assert.True(t, first.isClosed())
	assert.Equal(t, 1, h.fetcher.openCount("http://a.example/1.ts"), "stall is not retried on the same candidate")

	bo, err := h.backoff.State(ctx, state.SlotKey{AccountID: 1})
	require.NoError(t, err)
	assert.True(t, bo.Active(time.Now()), "stalled account must be backed off")

	usage, err := h.ledger.Usage(ctx, state.SlotKey{AccountID: 1})
	require.NoError(t, err)
	assert.Zero(t, usage.AccountInUse)

	assert.Equal(t, uint64(1), conn.Stats().Discontinuities)
	select {
	case err := <-errCh:
		t.Fatalf("client disconnected during failover: %v", err)
	default:
	}
	assert.Equal(t, 1, s.Stats().Failovers)
}

func TestScenario_RapidReconnect(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 1)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts")},
	)
	h := newHarness(t, snap, func(o *harnessOpts) {
		o.cfg.Session.ShutdownDelay = 150 * time.Millisecond
	})
	ctx := context.Background()

	conn, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "player"})
	require.NoError(t, err)
	s := h.session(t)
	waitState(t, s, StateStreaming)

	for range 5 {
		conn.Close()
		conn, err = h.m.Attach(ctx, testChannel, ClientInfo{ID: "player"})
		require.NoError(t, err)
		assert.Same(t, s, conn.Session())
	}

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateStreaming, s.State())
	assert.Equal(t, 1, h.fetcher.totalOpens())
	assert.Equal(t, int32(1), h.ledger.acquires.Load())

	acquiring := 0
	for _, tr := range s.History() {
		if tr.To == StateAcquiring {
			acquiring++
		}
	}
	assert.Equal(t, 1, acquiring)
	conn.Close()
}

func TestSession_IdleTeardown(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 2)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts")},
	)
	h := newHarness(t, snap)
	ctx := context.Background()

	conn, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "c1"})
	require.NoError(t, err)
	s := h.session(t)
	waitState(t, s, StateStreaming)
	up := h.fetcher.handle(t, "http://a.example/1.ts", 0)

	conn.Close()
	assert.Equal(t, StateStreaming, s.State(), "teardown waits for the shutdown delay")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not torn down")
	}

	assert.Equal(t, StateShuttingDown, s.State())
	assert.Equal(t, int32(1), h.ledger.releases.Load())
	assert.Equal(t, int32(1), up.closes.Load())
	usage, err := h.ledger.Usage(ctx, state.SlotKey{AccountID: 1})
	require.NoError(t, err)
	assert.Zero(t, usage.AccountInUse)

	_, ok := h.m.Session(testChannel)
	assert.False(t, ok)
	recs, err := h.registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Closing an already detached client is harmless.
	conn.Close()
	assert.Equal(t, int32(1), h.ledger.releases.Load())
}

func TestSession_InitGraceDelaysTeardown(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 0)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts")},
	)
	h := newHarness(t, snap, func(o *harnessOpts) {
		o.cfg.Session.ShutdownDelay = 10 * time.Millisecond
		o.cfg.Session.InitGracePeriod = 300 * time.Millisecond
	})

	conn, err := h.m.Attach(context.Background(), testChannel, ClientInfo{ID: "c1"})
	require.NoError(t, err)
	s := h.session(t)
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, s.Closed(), "session torn down inside init grace")
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not torn down after init grace")
	}
}

func TestSession_FanoutIsolation(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 0)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts")},
	)
	h := newHarness(t, snap, func(o *harnessOpts) {
		o.cfg.Session.Fanout = FanoutConfig{MaxChunks: 8, MaxBytes: 1 << 20, LagPolicy: LagDisconnect}
	})
	ctx := context.Background()

	slowConn, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "slow"})
	require.NoError(t, err)
	fastConn, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "fast"})
	require.NoError(t, err)

	slow := newBlockingWriter()
	slowErr := serve(slowConn, slow)
	fast := &collector{}
	fastErr := serve(fastConn, fast)

	waitState(t, h.session(t), StateStreaming)
	up := h.fetcher.handle(t, "http://a.example/1.ts", 0)

	var want strings.Builder
	for i := range 50 {
		chunk := fmt.Sprintf("%03d|", i)
		want.WriteString(chunk)
		up.data <- []byte(chunk)
		require.Eventually(t, func() bool { return fast.String() == want.String() }, time.Second, time.Millisecond,
			"fast client stalled at chunk %d", i)
	}

	slow.release()
	err = waitServe(t, slowErr)
	assert.Equal(t, CodeClientLagged, TerminalCode(err))

	up.data <- []byte("end|")
	want.WriteString("end|")
	require.Eventually(t, func() bool { return fast.String() == want.String() }, time.Second, time.Millisecond)
	assert.Equal(t, StateStreaming, h.session(t).State())

	slowConn.Close()
	fastConn.Close()
	assert.NoError(t, waitServe(t, fastErr))
}

// blockingWriter blocks every write until released.
type blockingWriter struct {
	gate chan struct{}
	once sync.Once
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{gate: make(chan struct{})}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.gate
	return len(p), nil
}

func (w *blockingWriter) release() {
	w.once.Do(func() { close(w.gate) })
}

func TestSession_BufferingAndRecovery(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 0), account(2, 1, 0)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts"), stream(2, 2, "http://b.example/2.ts")},
	)
	h := newHarness(t, snap, func(o *harnessOpts) {
		o.cfg.Session.Health.BufferingGrace = 150 * time.Millisecond
	})

	conn, err := h.m.Attach(context.Background(), testChannel, ClientInfo{ID: "c1"})
	require.NoError(t, err)
	s := h.session(t)
	waitState(t, s, StateStreaming)
	up := h.fetcher.handle(t, "http://a.example/1.ts", 0)

	up.setHealth(upstream.Health{Alive: true, Degraded: true, Reason: upstream.ReasonLowThroughput})
	waitState(t, s, StateBuffering)
	up.setHealth(upstream.Health{Alive: true})
	waitState(t, s, StateStreaming)
	assert.Zero(t, h.fetcher.openCount("http://b.example/2.ts"))

	// Buffering past the grace period fails over.
	up.setHealth(upstream.Health{Alive: true, Degraded: true, Reason: upstream.ReasonLowThroughput})
	h.fetcher.handle(t, "http://b.example/2.ts", 0)
	waitState(t, s, StateStreaming)
	assert.Contains(t, transitions(s), "BUFFERING->FAILING_OVER")
	conn.Close()
}

func TestSession_StopClient(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 0)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts")},
	)
	h := newHarness(t, snap)
	ctx := context.Background()

	a, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "a"})
	require.NoError(t, err)
	b, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "b"})
	require.NoError(t, err)
	aErr := serve(a, &collector{})
	bOut := &collector{}
	bErr := serve(b, bOut)
	waitState(t, h.session(t), StateStreaming)

	require.NoError(t, h.m.StopClient(testChannel, "a"))
	err = waitServe(t, aErr)
	assert.Equal(t, CodeStopped, TerminalCode(err))
	assert.ErrorIs(t, h.m.StopClient(testChannel, "a"), ErrClientNotFound)

	up := h.fetcher.handle(t, "http://a.example/1.ts", 0)
	up.data <- []byte("still here")
	require.Eventually(t, func() bool { return bOut.String() == "still here" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.session(t).ClientCount())

	require.NoError(t, h.m.Detach(testChannel, "b"))
	assert.NoError(t, waitServe(t, bErr))
	assert.ErrorIs(t, h.m.Detach(testChannel, "b"), ErrClientNotFound)
}

func TestSession_ReplacedConnection(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 0)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts")},
	)
	h := newHarness(t, snap)
	ctx := context.Background()

	old, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "player"})
	require.NoError(t, err)
	oldErr := serve(old, &collector{})

	fresh, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "player"})
	require.NoError(t, err)
	err = waitServe(t, oldErr)
	assert.ErrorIs(t, err, ErrClientReplaced)

	// The superseded connection detaching must not remove the new one.
	old.Close()
	assert.Equal(t, 1, h.session(t).ClientCount())
	fresh.Close()
}

func TestSession_PublishesEvents(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 0)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts")},
	)
	h := newHarness(t, snap)

	conn, err := h.m.Attach(context.Background(), testChannel, ClientInfo{ID: "c1"})
	require.NoError(t, err)
	waitState(t, h.session(t), StateStreaming)

	stateEvents := func() []string {
		var states []string
		for _, ev := range h.recorder.OfType(events.TypeSessionState) {
			states = append(states, ev.State)
		}
		return states
	}
	require.Eventually(t, func() bool { return len(stateEvents()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ACQUIRING", "STREAMING"}, stateEvents())

	attached := h.recorder.OfType(events.TypeClientAttached)
	require.Len(t, attached, 1)
	assert.Equal(t, "c1", attached[0].ClientID)
	assert.Equal(t, testChannel, attached[0].ChannelID)

	conn.Close()
	assert.Len(t, h.recorder.OfType(events.TypeClientDetached), 1)
}

func TestSession_RegistryHeartbeat(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 0)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts")},
	)
	h := newHarness(t, snap)
	ctx := context.Background()

	conn, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "c1"})
	require.NoError(t, err)
	waitState(t, h.session(t), StateStreaming)

	var recs []state.SessionRecord
	require.Eventually(t, func() bool {
		recs, err = h.m.Registry(ctx)
		return err == nil && len(recs) == 1 && recs[0].State == "STREAMING"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "test", recs[0].Instance)
	assert.Equal(t, int64(1), recs[0].AccountID)
	conn.Close()
}

// reapFixture is a session harness over a fake-clock ledger whose lease
// renewals the test can hold off.
type reapFixture struct {
	*harness
	clock      *fakeClock
	mem        *state.MemoryLedger
	gate       *gatedLedger
	violations atomic.Int32
}

func newReapFixture(t *testing.T, snap *catalog.Snapshot) *reapFixture {
	t.Helper()
	fx := &reapFixture{clock: newFakeClock()}
	fx.mem = state.NewMemoryLedger(30 * time.Second).WithClock(fx.clock.Now)
	fx.gate = &gatedLedger{Ledger: fx.mem}
	guarded := state.NewGuard(fx.gate, quietLogger, state.GuardOptions{
		OnViolation: func(context.Context, state.Slot, error) { fx.violations.Add(1) },
	})
	fx.harness = newHarness(t, snap, func(o *harnessOpts) {
		o.ledger = guarded
		o.cfg.Session.LeaseTTL = 30 * time.Millisecond
	})
	return fx
}

// expire lets every lease lapse and reaps it, running steal before any
// renewal can slip in.
func (fx *reapFixture) expire(steal func()) int {
	fx.gate.mu.Lock()
	defer fx.gate.mu.Unlock()
	fx.clock.Advance(31 * time.Second)
	reaped, _ := fx.mem.Reap(context.Background())
	if steal != nil {
		steal()
	}
	return reaped
}

func TestSession_ReapedSlotIsReclaimed(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 1)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts")},
	)
	fx := newReapFixture(t, snap)
	ctx := context.Background()

	conn, err := fx.m.Attach(ctx, testChannel, ClientInfo{ID: "c1"})
	require.NoError(t, err)
	out := &collector{}
	errCh := serve(conn, out)
	s := fx.session(t)
	waitState(t, s, StateStreaming)
	first := s.Stats().Source.SlotID

	require.Equal(t, 1, fx.expire(nil))

	require.Eventually(t, func() bool {
		slots, err := fx.mem.ActiveSlots(ctx)
		return err == nil && len(slots) == 1 && slots[0].ID != first
	}, 2*time.Second, 5*time.Millisecond, "reaped slot was never reclaimed")

	assert.Equal(t, StateStreaming, s.State())
	assert.NotEqual(t, first, s.Stats().Source.SlotID)

	up := fx.fetcher.handle(t, "http://a.example/1.ts", 0)
	up.data <- []byte("still here")
	require.Eventually(t, func() bool { return out.String() == "still here" }, time.Second, 5*time.Millisecond)

	_, err = fx.mem.TryAcquire(ctx, state.SlotKey{AccountID: 1}, state.Limits{AccountMax: 1}, "other")
	assert.ErrorIs(t, err, state.ErrSlotDenied, "the streaming session still counts against the account")

	require.NoError(t, fx.m.StopSession(ctx, testChannel))
	waitServe(t, errCh)
	<-s.Done()

	assert.Zero(t, fx.violations.Load())
	usage, err := fx.mem.Usage(ctx, state.SlotKey{AccountID: 1})
	require.NoError(t, err)
	assert.Zero(t, usage.AccountInUse)
}

func TestSession_ReapedSlotTakenFailsOver(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 1), account(2, 1, 1)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts"), stream(2, 2, "http://b.example/2.ts")},
	)
	fx := newReapFixture(t, snap)
	ctx := context.Background()

	conn, err := fx.m.Attach(ctx, testChannel, ClientInfo{ID: "c1"})
	require.NoError(t, err)
	out := &collector{}
	errCh := serve(conn, out)
	s := fx.session(t)
	waitState(t, s, StateStreaming)

	var stolen *state.Slot
	var stealErr error
	reaped := fx.expire(func() {
		stolen, stealErr = fx.mem.TryAcquire(ctx, state.SlotKey{AccountID: 1}, state.Limits{AccountMax: 1}, "elsewhere")
	})
	require.Equal(t, 1, reaped)
	require.NoError(t, stealErr)

	b := fx.fetcher.handle(t, "http://b.example/2.ts", 0)
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.State == StateStreaming && st.Source != nil && st.Source.AccountID == 2
	}, 2*time.Second, 5*time.Millisecond, "session never moved to account 2")
	assert.True(t, fx.fetcher.handle(t, "http://a.example/1.ts", 0).isClosed())

	b.data <- []byte("from b")
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "from b") }, time.Second, 5*time.Millisecond)

	failures := fx.recorder.OfType(events.TypeSessionFailure)
	require.NotEmpty(t, failures)
	assert.Contains(t, failures[0].Reason, "slot_lost")

	st, err := fx.backoff.State(ctx, state.SlotKey{AccountID: 1})
	require.NoError(t, err)
	assert.Zero(t, st.Failures)

	require.NoError(t, fx.m.StopSession(ctx, testChannel))
	waitServe(t, errCh)
	<-s.Done()

	assert.Zero(t, fx.violations.Load(), "a reaped slot must not be released again")
	usage, err := fx.mem.Usage(ctx, state.SlotKey{AccountID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, usage.AccountInUse)
	usage, err = fx.mem.Usage(ctx, state.SlotKey{AccountID: 2})
	require.NoError(t, err)
	assert.Zero(t, usage.AccountInUse)
	require.NoError(t, fx.mem.Release(ctx, stolen))
}

func TestSession_ClosedBufferEndsWithoutFailover(t *testing.T) {
	snap := channelSnapshot(
		[]models.Account{account(1, 0, 1)},
		nil,
		[]models.Stream{stream(1, 1, "http://a.example/1.ts")},
	)
	h := newHarness(t, snap)
	ctx := context.Background()

	conn, err := h.m.Attach(ctx, testChannel, ClientInfo{ID: "c1"})
	require.NoError(t, err)
	errCh := serve(conn, &collector{})
	s := h.session(t)
	waitState(t, s, StateStreaming)

	// The buffer closes first during shutdown; a chunk landing before the
	// cancel must end the stream quietly.
	s.buffer.CloseWithError(&TerminalError{Code: CodeStopped, Err: errSessionStopped})
	h.fetcher.handle(t, "http://a.example/1.ts", 0).data <- []byte("late")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	err = waitServe(t, errCh)
	assert.Equal(t, CodeStopped, TerminalCode(err))

	assert.Empty(t, h.recorder.OfType(events.TypeSessionFailure))
	assert.NotContains(t, transitions(s), "STREAMING->FAILING_OVER")
	assert.Equal(t, 1, h.fetcher.openCount("http://a.example/1.ts"))
}

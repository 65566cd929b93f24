package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dispatcharr/dispatcharr-proxy/internal/catalog"
	"github.com/dispatcharr/dispatcharr-proxy/internal/config"
	"github.com/dispatcharr/dispatcharr-proxy/internal/observability"
	"github.com/dispatcharr/dispatcharr-proxy/internal/state"
	"github.com/dispatcharr/dispatcharr-proxy/internal/upstream"
)

// FailoverPolicy bounds retries. Backoff windows are shaped by the
// BackoffTracker's own policy.
type FailoverPolicy struct {
	MaxSameCandidateRetries int
	RetryDelay              time.Duration
	// MaxDuration caps one acquisition including all retries. Zero means
	// no cap.
	MaxDuration time.Duration
}

// PolicyFromConfig converts failover configuration.
func PolicyFromConfig(cfg config.FailoverConfig) FailoverPolicy {
	return FailoverPolicy{
		MaxSameCandidateRetries: cfg.MaxSameCandidateRetries,
		RetryDelay:              cfg.RetryDelay,
		MaxDuration:             cfg.MaxDuration,
	}
}

// Acquisition is an open upstream with the slot that pays for it.
type Acquisition struct {
	Candidate Candidate
	Source    upstream.Source
	Slot      *state.Slot
	Handle    upstream.Handle
	OpenedAt  time.Time
}

// AcquireRequest describes one acquisition for a channel.
type AcquireRequest struct {
	ChannelKey string
	// Snapshot returns the current catalog; it is called on every
	// selection round so refreshes are picked up mid-failover.
	Snapshot func() *catalog.Snapshot
	Owner    string
	// ClientUserAgent is used when the account has no user agent.
	ClientUserAgent string
	// Exclude lists candidate ids already tried by this session.
	Exclude []string
	// Prefer moves matching candidates ahead of the selector's order.
	// Recover drops it.
	Prefer SourcePreference

	// OnAttempt is called before a candidate is opened.
	OnAttempt func(c Candidate)
	// OnFailure is called after a candidate was abandoned.
	OnFailure func(c Candidate, err error)
}

// SourcePreference names a provider account and/or stream a client asked
// for. Zero fields match anything.
type SourcePreference struct {
	AccountID int64
	StreamID  int64
}

// IsZero reports whether no preference is set.
func (p SourcePreference) IsZero() bool {
	return p.AccountID == 0 && p.StreamID == 0
}

func (p SourcePreference) matches(c Candidate) bool {
	return (p.AccountID == 0 || c.Account.ID == p.AccountID) &&
		(p.StreamID == 0 || c.Stream.ID == p.StreamID)
}

// order puts matching candidates first, keeping the relative order of
// both groups.
func (p SourcePreference) order(cands []Candidate) []Candidate {
	if p.IsZero() {
		return cands
	}
	out := make([]Candidate, 0, len(cands))
	var rest []Candidate
	for _, c := range cands {
		if p.matches(c) {
			out = append(out, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(out, rest...)
}

// FailoverController acquires a slot and an open upstream for a channel,
// walking the selector's candidates and retrying transient failures a
// bounded number of times.
type FailoverController struct {
	selector  *Selector
	ledger    state.Ledger
	backoff   state.BackoffTracker
	fetcher   upstream.Fetcher
	policy    FailoverPolicy
	defaultUA string
	// leaseRenew is how often a slot is renewed while an open blocks.
	leaseRenew time.Duration
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewFailoverController creates a controller.
func NewFailoverController(selector *Selector, ledger state.Ledger, backoff state.BackoffTracker, fetcher upstream.Fetcher, policy FailoverPolicy) *FailoverController {
	return &FailoverController{
		selector: selector,
		ledger:   ledger,
		backoff:  backoff,
		fetcher:  fetcher,
		policy:     policy,
		leaseRenew: defaultHeartbeat,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLogger sets the logger.
func (f *FailoverController) WithLogger(logger *slog.Logger) *FailoverController {
	f.logger = logger
	return f
}

// WithMetrics sets the metrics sink.
func (f *FailoverController) WithMetrics(m *observability.Metrics) *FailoverController {
	f.metrics = m
	return f
}

// WithDefaultUserAgent sets the user agent used when neither the account
// nor the client has one.
func (f *FailoverController) WithDefaultUserAgent(ua string) *FailoverController {
	f.defaultUA = ua
	return f
}

// WithLeaseTTL matches the renewal cadence during opens to the ledger's
// lease.
func (f *FailoverController) WithLeaseTTL(ttl time.Duration) *FailoverController {
	if ttl > 0 && ttl/3 < f.leaseRenew {
		f.leaseRenew = ttl / 3
	}
	return f
}

// WithClock overrides the clock used for the duration budget.
func (f *FailoverController) WithClock(now func() time.Time) *FailoverController {
	f.now = now
	return f
}

// Acquire returns the first candidate that grants a slot and opens. Slot
// denials move to the next candidate without a backoff; failures mark a
// backoff window and trigger a fresh selection. The result is a
// TerminalError with CodeCandidatesExhausted when nothing is left.
func (f *FailoverController) Acquire(ctx context.Context, req AcquireRequest) (*Acquisition, error) {
	var deadline time.Time
	if f.policy.MaxDuration > 0 {
		deadline = f.now().Add(f.policy.MaxDuration)
	}
	return f.acquire(ctx, req, deadline, nil)
}

func (f *FailoverController) acquire(ctx context.Context, req AcquireRequest, deadline time.Time, lastErr error) (*Acquisition, error) {
	tried := make(map[string]struct{}, len(req.Exclude))
	for _, id := range req.Exclude {
		tried[id] = struct{}{}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !deadline.IsZero() && f.now().After(deadline) {
			return nil, f.exhausted(req.ChannelKey, fmt.Errorf("failover budget of %s spent", f.policy.MaxDuration), lastErr)
		}

		snap := catalog.Empty()
		if req.Snapshot != nil {
			snap = req.Snapshot()
		}
		cands, err := f.selector.SelectCandidates(ctx, snap, req.ChannelKey)
		if err != nil {
			if errors.Is(err, ErrChannelNotFound) {
				return nil, f.exhausted(req.ChannelKey, err, lastErr)
			}
			return nil, err
		}
		cands = req.Prefer.order(cands)

		failed := false
		for _, c := range cands {
			if _, done := tried[c.ID()]; done {
				continue
			}

			slot, err := f.ledger.TryAcquire(ctx, c.Key(), c.Limits(), req.Owner)
			if err != nil {
				if !errors.Is(err, state.ErrSlotDenied) {
					f.logger.Warn("slot acquisition failed",
						slog.String("candidate", c.Label()),
						slog.String("error", err.Error()),
					)
				}
				continue
			}

			if req.OnAttempt != nil {
				req.OnAttempt(c)
			}
			src := c.Source(req.ClientUserAgent, f.defaultUA, f.logger)
			h, held, err := f.leased(ctx, c, slot, func() (upstream.Handle, error) {
				return f.openWithRetry(ctx, c, src, deadline)
			})
			if err == nil {
				f.recordSuccess(ctx, c)
				return &Acquisition{Candidate: c, Source: src, Slot: held, Handle: h, OpenedAt: f.now()}, nil
			}

			f.release(held)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.abandon(ctx, c, err)
			if req.OnFailure != nil {
				req.OnFailure(c, err)
			}
			tried[c.ID()] = struct{}{}
			lastErr = err
			failed = true
			break
		}

		if !failed {
			return nil, f.exhausted(req.ChannelKey, nil, lastErr)
		}
	}
}

// Recover handles a failure of an established acquisition. A transient
// failure reopens the same candidate on the same slot up to the retry
// limit; otherwise the slot is released, the pair is backed off and a new
// acquisition runs without that candidate.
func (f *FailoverController) Recover(ctx context.Context, req AcquireRequest, cur *Acquisition, cause error) (*Acquisition, error) {
	var deadline time.Time
	if f.policy.MaxDuration > 0 {
		deadline = f.now().Add(f.policy.MaxDuration)
	}
	if cur.Handle != nil {
		_ = cur.Handle.Close()
	}

	// A nil slot was reaped and not reclaimed; nothing is left to release.
	slot := cur.Slot
	fail := upstream.Classify(cause)
	if fail != nil && fail.Transient && slot != nil && f.policy.MaxSameCandidateRetries > 0 {
		f.logger.Warn("upstream interrupted, retrying same candidate",
			slog.String("candidate", cur.Candidate.Label()),
			slog.String("reason", fail.Reason()),
			slog.String("error", cause.Error()),
		)
		h, held, err := f.leased(ctx, cur.Candidate, slot, func() (upstream.Handle, error) {
			return f.retrySame(ctx, cur.Candidate, cur.Source, deadline, 0)
		})
		if err == nil {
			return &Acquisition{Candidate: cur.Candidate, Source: cur.Source, Slot: held, Handle: h, OpenedAt: f.now()}, nil
		}
		slot = held
		if ctx.Err() != nil {
			f.release(slot)
			return nil, ctx.Err()
		}
		cause = err
	}

	f.release(slot)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	f.abandon(ctx, cur.Candidate, cause)
	if req.OnFailure != nil {
		req.OnFailure(cur.Candidate, cause)
	}
	req.Exclude = append(append([]string(nil), req.Exclude...), cur.Candidate.ID())
	req.Prefer = SourcePreference{}
	return f.acquire(ctx, req, deadline, cause)
}

// leased runs open while keeping slot's lease alive, then checks the ledger
// still holds the slot. A slot reaped meanwhile is reclaimed; when that is
// denied the handle is closed and a slot-lost failure returned. The
// returned slot is the one the caller now owns, nil when none is held.
func (f *FailoverController) leased(ctx context.Context, c Candidate, slot *state.Slot, open func() (upstream.Handle, error)) (upstream.Handle, *state.Slot, error) {
	stop := f.keepLease(ctx, slot)
	h, err := open()
	stop()
	if err != nil {
		return nil, slot, err
	}

	err = f.ledger.Renew(ctx, slot)
	switch {
	case err == nil:
		return h, slot, nil
	case errors.Is(err, state.ErrSlotNotFound):
		held, rerr := f.reclaim(ctx, c, slot)
		if rerr != nil {
			_ = h.Close()
			return nil, nil, rerr
		}
		return h, held, nil
	default:
		f.logger.Debug("slot renew failed", slog.String("slot_id", slot.ID), slog.String("error", err.Error()))
		return h, slot, nil
	}
}

// keepLease renews slot every leaseRenew until the returned stop is called.
func (f *FailoverController) keepLease(ctx context.Context, slot *state.Slot) func() {
	if slot == nil || f.leaseRenew <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(f.leaseRenew)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.ledger.Renew(ctx, slot); err != nil && ctx.Err() == nil {
					f.logger.Debug("slot renew failed", slog.String("slot_id", slot.ID), slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// reclaim asks the ledger for a fresh slot on the pair of a slot whose
// lease was reaped. Any refusal is a non-transient slot-lost failure so
// the caller moves to another candidate.
func (f *FailoverController) reclaim(ctx context.Context, c Candidate, lost *state.Slot) (*state.Slot, error) {
	slot, err := f.ledger.TryAcquire(ctx, c.Key(), c.Limits(), lost.Owner)
	if err != nil {
		f.logger.Warn("slot lease reaped and not reclaimed",
			slog.String("candidate", c.Label()),
			slog.String("slot_id", lost.ID),
			slog.String("error", err.Error()),
		)
		return nil, upstream.SlotLostFailure(fmt.Errorf("slot %s reaped: %w", lost.ID, err))
	}
	f.logger.Warn("slot lease reaped, reclaimed",
		slog.String("candidate", c.Label()),
		slog.String("lost_slot_id", lost.ID),
		slog.String("slot_id", slot.ID),
	)
	return slot, nil
}

// openWithRetry opens src, retrying transient failures on the same
// candidate.
func (f *FailoverController) openWithRetry(ctx context.Context, c Candidate, src upstream.Source, deadline time.Time) (upstream.Handle, error) {
	h, err := f.open(ctx, src)
	if err == nil {
		return h, nil
	}
	fail := upstream.Classify(err)
	if fail == nil || !fail.Transient {
		return nil, err
	}
	f.logger.Debug("candidate open failed, retrying",
		slog.String("candidate", c.Label()),
		slog.String("error", err.Error()),
	)
	return f.retrySame(ctx, c, src, deadline, 1)
}

// retrySame reopens src after RetryDelay until it opens, a non-transient
// failure occurs, or MaxSameCandidateRetries is used up. attempt is the
// number of retries already spent.
func (f *FailoverController) retrySame(ctx context.Context, c Candidate, src upstream.Source, deadline time.Time, attempt int) (upstream.Handle, error) {
	var lastErr error
	for ; attempt < f.policy.MaxSameCandidateRetries; attempt++ {
		if err := sleepCtx(ctx, f.policy.RetryDelay); err != nil {
			return nil, err
		}
		if !deadline.IsZero() && f.now().After(deadline) {
			break
		}

		h, err := f.open(ctx, src)
		if err == nil {
			f.logger.Info("candidate recovered",
				slog.String("candidate", c.Label()),
				slog.Int("retry", attempt+1),
			)
			return h, nil
		}
		lastErr = err
		fail := upstream.Classify(err)
		if fail == nil || !fail.Transient {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("retry budget spent for %s", c.Label())
	}
	return nil, lastErr
}

func (f *FailoverController) open(ctx context.Context, src upstream.Source) (upstream.Handle, error) {
	start := f.now()
	h, err := f.fetcher.Open(ctx, src)
	f.metrics.ObserveConnect(f.now().Sub(start))
	return h, err
}

// abandon backs off the candidate's account/profile pair.
func (f *FailoverController) abandon(ctx context.Context, c Candidate, err error) {
	reason := "connect"
	if fail := upstream.Classify(err); fail != nil {
		reason = fail.Reason()
	}
	f.metrics.Failover(reason)

	// Losing a slot says nothing about the provider's health.
	if f.backoff == nil || errors.Is(err, upstream.ErrSlotLost) {
		return
	}
	st, berr := f.backoff.RecordFailure(ctx, c.Key())
	if berr != nil {
		f.logger.Warn("recording backoff failed",
			slog.String("key", c.Key().String()),
			slog.String("error", berr.Error()),
		)
		return
	}
	f.logger.Warn("candidate failed, backing off",
		slog.String("candidate", c.Label()),
		slog.String("reason", reason),
		slog.Int("failures", st.Failures),
		slog.Time("until", st.Until),
		slog.String("error", err.Error()),
	)
}

func (f *FailoverController) recordSuccess(ctx context.Context, c Candidate) {
	if f.backoff == nil {
		return
	}
	if err := f.backoff.RecordSuccess(ctx, c.Key()); err != nil {
		f.logger.Debug("clearing backoff failed", slog.String("error", err.Error()))
	}
}

// release returns a slot. Release errors are already alerted by the ledger
// guard.
func (f *FailoverController) release(slot *state.Slot) {
	if slot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := f.ledger.Release(ctx, slot); err != nil {
		f.logger.Debug("slot release failed", slog.String("slot_id", slot.ID), slog.String("error", err.Error()))
	}
}

func (f *FailoverController) exhausted(channelKey string, why, lastErr error) error {
	f.metrics.Exhausted()
	err := ErrCandidatesExhausted
	switch {
	case why != nil && lastErr != nil:
		err = fmt.Errorf("%w: %w (last failure: %w)", ErrCandidatesExhausted, why, lastErr)
	case why != nil:
		err = fmt.Errorf("%w: %w", ErrCandidatesExhausted, why)
	case lastErr != nil:
		err = fmt.Errorf("%w: last failure: %w", ErrCandidatesExhausted, lastErr)
	}
	f.logger.Error("candidates exhausted",
		slog.String("channel_id", channelKey),
		slog.String("error", err.Error()),
	)
	return &TerminalError{Code: CodeCandidatesExhausted, Err: err}
}

// releaseTimeout bounds a ledger release issued during teardown.
const releaseTimeout = 5 * time.Second

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package state

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dispatcharr/dispatcharr-proxy/internal/observability"
)

// ViolationHandler receives ledger invariant violations for operator alerting.
type ViolationHandler func(ctx context.Context, slot Slot, err error)

// GuardOptions configures a Guard.
type GuardOptions struct {
	Metrics     *observability.Metrics
	OnViolation ViolationHandler
	// Strict panics on a violation instead of only alerting.
	Strict bool
}

// Guard wraps a Ledger so invariant violations are never swallowed: they are
// logged at error level with alert=true, counted, forwarded to OnViolation,
// and in strict mode turned into a panic.
type Guard struct {
	Ledger
	log  *slog.Logger
	opts GuardOptions
}

// NewGuard wraps inner.
func NewGuard(inner Ledger, log *slog.Logger, opts GuardOptions) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		Ledger: inner,
		log:    log.With(slog.String("component", "ledger")),
		opts:   opts,
	}
}

func (g *Guard) TryAcquire(ctx context.Context, key SlotKey, limits Limits, owner string) (*Slot, error) {
	slot, err := g.Ledger.TryAcquire(ctx, key, limits, owner)
	switch {
	case err == nil:
		g.opts.Metrics.SlotAcquisition("granted")
		g.log.Debug("slot granted",
			slog.String("slot_id", slot.ID),
			slog.String("key", key.String()),
			slog.String("owner", owner),
		)
	case errors.Is(err, ErrSlotDenied):
		g.opts.Metrics.SlotAcquisition("denied")
	default:
		g.opts.Metrics.SlotAcquisition("error")
	}
	return slot, err
}

func (g *Guard) Release(ctx context.Context, slot *Slot) error {
	err := g.Ledger.Release(ctx, slot)
	if err == nil || !errors.Is(err, ErrLedgerInvariantViolation) {
		return err
	}

	var s Slot
	if slot != nil {
		s = *slot
	}
	g.opts.Metrics.LedgerViolation()
	g.log.Error("ledger invariant violation",
		slog.Bool("alert", true),
		slog.String("slot_id", s.ID),
		slog.String("key", s.Key().String()),
		slog.String("owner", s.Owner),
		slog.String("error", err.Error()),
	)
	if g.opts.OnViolation != nil {
		g.opts.OnViolation(ctx, s, err)
	}
	if g.opts.Strict {
		panic(err)
	}
	return err
}

package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type leasedSlot struct {
	slot    Slot
	expires time.Time
}

// MemoryLedger is a single-process ledger. One mutex covers both counters so
// an acquire can never pass the account check while losing the profile race.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[int64]int
	profiles map[int64]int
	slots    map[string]leasedSlot
	leaseTTL time.Duration
	now      func() time.Time
}

// NewMemoryLedger creates an in-process ledger whose slots expire when not
// renewed within leaseTTL.
func NewMemoryLedger(leaseTTL time.Duration) *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[int64]int),
		profiles: make(map[int64]int),
		slots:    make(map[string]leasedSlot),
		leaseTTL: leaseTTL,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	l.now = now
	return l
}

func (l *MemoryLedger) TryAcquire(_ context.Context, key SlotKey, limits Limits, owner string) (*Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limits.AccountMax > 0 && l.accounts[key.AccountID] >= limits.AccountMax {
		return nil, ErrSlotDenied
	}
	if limits.ProfileMax > 0 && l.profiles[key.ProfileID] >= limits.ProfileMax {
		return nil, ErrSlotDenied
	}

	now := l.now()
	slot := Slot{
		ID:         uuid.NewString(),
		AccountID:  key.AccountID,
		ProfileID:  key.ProfileID,
		Owner:      owner,
		AcquiredAt: now,
	}
	l.accounts[key.AccountID]++
	l.profiles[key.ProfileID]++
	l.slots[slot.ID] = leasedSlot{slot: slot, expires: now.Add(l.leaseTTL)}

	return &slot, nil
}

func (l *MemoryLedger) Release(_ context.Context, slot *Slot) error {
	if slot == nil {
		return fmt.Errorf("%w: nil slot", ErrLedgerInvariantViolation)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.slots[slot.ID]
	if !ok {
		return fmt.Errorf("%w: slot %s released twice", ErrLedgerInvariantViolation, slot.ID)
	}
	delete(l.slots, slot.ID)
	return l.decrementLocked(held.slot)
}

// decrementLocked lowers both counters with a floor of zero.
func (l *MemoryLedger) decrementLocked(slot Slot) error {
	underflow := false
	if l.accounts[slot.AccountID] > 0 {
		l.accounts[slot.AccountID]--
	} else {
		underflow = true
	}
	if l.profiles[slot.ProfileID] > 0 {
		l.profiles[slot.ProfileID]--
	} else {
		underflow = true
	}
	if underflow {
		return fmt.Errorf("%w: counter underflow releasing slot %s (%s)", ErrLedgerInvariantViolation, slot.ID, slot.Key())
	}
	return nil
}

func (l *MemoryLedger) Renew(_ context.Context, slot *Slot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.slots[slot.ID]
	if !ok {
		return ErrSlotNotFound
	}
	held.expires = l.now().Add(l.leaseTTL)
	l.slots[slot.ID] = held
	return nil
}

func (l *MemoryLedger) Usage(_ context.Context, key SlotKey) (Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Usage{
		AccountInUse: l.accounts[key.AccountID],
		ProfileInUse: l.profiles[key.ProfileID],
	}, nil
}

func (l *MemoryLedger) Reap(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	reaped := 0
	for id, held := range l.slots {
		if now.Before(held.expires) {
			continue
		}
		delete(l.slots, id)
		_ = l.decrementLocked(held.slot)
		reaped++
	}
	return reaped, nil
}

func (l *MemoryLedger) ActiveSlots(_ context.Context) ([]Slot, error) {
	l.mu.Lock()
	out := make([]Slot, 0, len(l.slots))
	for _, held := range l.slots {
		out = append(out, held.slot)
	}
	l.mu.Unlock()

	sortSlots(out)
	return out, nil
}

func sortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].AcquiredAt.Equal(slots[j].AcquiredAt) {
			return slots[i].AcquiredAt.Before(slots[j].AcquiredAt)
		}
		return slots[i].ID < slots[j].ID
	})
}

package state

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSlotDenied means the account or profile has no headroom. It is a
	// routing signal, not a failure.
	ErrSlotDenied = errors.New("slot denied")

	// ErrLedgerInvariantViolation means a release did not match a grant:
	// a double release or a counter that would drop below zero.
	ErrLedgerInvariantViolation = errors.New("ledger invariant violation")

	// ErrSlotNotFound means a lease renewal targeted a slot the ledger no
	// longer holds, usually because it was reaped.
	ErrSlotNotFound = errors.New("slot not found")
)

// SlotKey identifies the account/profile pair a slot is charged against.
type SlotKey struct {
	AccountID int64 `json:"account_id"`
	ProfileID int64 `json:"profile_id"`
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%d:%d", k.AccountID, k.ProfileID)
}

// Limits are the caps checked on acquire. Zero means unlimited for that
// dimension; usage is still counted.
type Limits struct {
	AccountMax int `json:"account_max"`
	ProfileMax int `json:"profile_max"`
}

// Slot is one granted unit of concurrency.
type Slot struct {
	ID         string    `json:"id"`
	AccountID  int64     `json:"account_id"`
	ProfileID  int64     `json:"profile_id"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Key returns the account/profile pair of the slot.
func (s Slot) Key() SlotKey {
	return SlotKey{AccountID: s.AccountID, ProfileID: s.ProfileID}
}

// Usage is the current count for an account and a profile.
type Usage struct {
	AccountInUse int `json:"account_in_use"`
	ProfileInUse int `json:"profile_in_use"`
}

// Ledger grants and releases connection slots. Acquire checks both caps and
// increments both counters in one atomic step.
type Ledger interface {
	// TryAcquire returns ErrSlotDenied when either cap is reached.
	TryAcquire(ctx context.Context, key SlotKey, limits Limits, owner string) (*Slot, error)
	// Release returns ErrLedgerInvariantViolation on a double release or underflow.
	Release(ctx context.Context, slot *Slot) error
	// Renew extends the slot's lease.
	Renew(ctx context.Context, slot *Slot) error
	Usage(ctx context.Context, key SlotKey) (Usage, error)
	// Reap releases slots whose lease expired and returns how many it released.
	Reap(ctx context.Context) (int, error)
	ActiveSlots(ctx context.Context) ([]Slot, error)
}

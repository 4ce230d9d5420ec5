package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Bucket names one of the three mutable capacity counters.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketHeld      Bucket = "held"
	BucketBooked    Bucket = "booked"
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketAvailable, BucketHeld, BucketBooked:
		return true
	}
	return false
}

// ErrInvariant is returned when a mutation would break
// available+held+booked == total or drive a counter below zero.
var ErrInvariant = errors.New("capacity ledger invariant violated")

// Ledger is the atomic counter store for bookable resources. Both methods
// must be a single indivisible operation against the backing store.
type Ledger interface {
	// TryReserve moves qty from available to held iff available >= qty.
	// A false result is the normal sold-out signal and has no side effect.
	TryReserve(ctx context.Context, departureID, resourceID string, qty int) (bool, error)
	// Settle moves qty between two buckets.
	Settle(ctx context.Context, departureID, resourceID string, qty int, from, to Bucket) error
}

// Counters is the in-memory form of one resource's capacity. Callers own
// synchronisation; repositories keep it behind a per-departure mutex.
type Counters struct {
	Total     int `json:"total_capacity"`
	Available int `json:"available"`
	Held      int `json:"held"`
	Booked    int `json:"booked"`
}

// New returns counters with all capacity available.
func New(total int) Counters {
	return Counters{Total: total, Available: total}
}

func (c *Counters) TryReserve(qty int) bool {
	if qty <= 0 || c.Available < qty {
		return false
	}
	c.Available -= qty
	c.Held += qty
	return true
}

func (c *Counters) Settle(qty int, from, to Bucket) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("settle %s->%s: unknown bucket", from, to)
	}
	if from == to {
		return fmt.Errorf("settle %s->%s: same bucket", from, to)
	}
	if qty <= 0 {
		return fmt.Errorf("settle %s->%s: quantity must be positive", from, to)
	}
	src := c.bucket(from)
	if *src < qty {
		return fmt.Errorf("settle %d from %s (has %d): %w", qty, from, *src, ErrInvariant)
	}
	*src -= qty
	*c.bucket(to) += qty
	return nil
}

// Check verifies the capacity invariant.
func (c Counters) Check() error {
	if c.Available < 0 || c.Held < 0 || c.Booked < 0 {
		return fmt.Errorf("negative counter %+v: %w", c, ErrInvariant)
	}
	if c.Available+c.Held+c.Booked != c.Total {
		return fmt.Errorf("available %d + held %d + booked %d != total %d: %w",
			c.Available, c.Held, c.Booked, c.Total, ErrInvariant)
	}
	return nil
}

func (c *Counters) bucket(b Bucket) *int {
	switch b {
	case BucketHeld:
		return &c.Held
	case BucketBooked:
		return &c.Booked
	default:
		return &c.Available
	}
}

package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/Domenick1991/bookingengine/internal/ledger"
)

// The in-memory store keeps every departure and booking behind its own
// mutex. There is no global lock: operations on different departures or
// bookings run in parallel, and the map lock is only held to find entries.

type memTxKey struct{}

// memTx is a compensation journal. It gives all-or-nothing writes on
// error. Bookings touched by Transition stay locked until the transaction
// ends, so a booking's status change and its ledger settle are seen
// together. Departure counters are not isolated.
type memTx struct {
	mu     sync.Mutex
	undo   []func()
	locked []*memBooking
}

func (tx *memTx) record(fn func()) {
	tx.mu.Lock()
	tx.undo = append(tx.undo, fn)
	tx.mu.Unlock()
}

// lock takes e.mu for the rest of the transaction unless it already holds it.
func (tx *memTx) lock(e *memBooking) {
	tx.mu.Lock()
	for _, l := range tx.locked {
		if l == e {
			tx.mu.Unlock()
			return
		}
	}
	tx.mu.Unlock()

	e.mu.Lock()
	tx.mu.Lock()
	tx.locked = append(tx.locked, e)
	tx.mu.Unlock()
}

func (tx *memTx) rollback() {
	tx.mu.Lock()
	undo := tx.undo
	tx.undo = nil
	tx.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (tx *memTx) release() {
	tx.mu.Lock()
	locked := tx.locked
	tx.locked = nil
	tx.mu.Unlock()
	for _, e := range locked {
		e.mu.Unlock()
	}
}

func recordUndo(ctx context.Context, fn func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.record(fn)
	}
}

type MemoryTransactor struct{}

func NewMemoryTransactor() *MemoryTransactor {
	return &MemoryTransactor{}
}

func (MemoryTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	tx := &memTx{}
	defer tx.release()
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memDeparture struct {
	mu sync.Mutex
	d  domain.Departure
}

type MemoryDepartureRepository struct {
	mu         sync.RWMutex
	departures map[string]*memDeparture
}

func NewMemoryDepartureRepository() *MemoryDepartureRepository {
	return &MemoryDepartureRepository{departures: make(map[string]*memDeparture)}
}

func (r *MemoryDepartureRepository) entry(id string) (*memDeparture, error) {
	r.mu.RLock()
	e, ok := r.departures[id]
	r.mu.RUnlock()
	if !ok {
		return nil, departureNotFound(id)
	}
	return e, nil
}

func (r *MemoryDepartureRepository) Create(ctx context.Context, d *domain.Departure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.departures[d.ID]; ok {
		return fmt.Errorf("departure %s already exists", d.ID)
	}
	r.departures[d.ID] = &memDeparture{d: copyDeparture(*d)}
	recordUndo(ctx, func() {
		r.mu.Lock()
		delete(r.departures, d.ID)
		r.mu.Unlock()
	})
	return nil
}

func (r *MemoryDepartureRepository) GetByID(_ context.Context, id string) (*domain.Departure, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d := copyDeparture(e.d)
	return &d, nil
}

func (r *MemoryDepartureRepository) List(_ context.Context, filter domain.DepartureFilter) ([]domain.Departure, error) {
	r.mu.RLock()
	entries := make([]*memDeparture, 0, len(r.departures))
	for _, e := range r.departures {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Departure, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		d := copyDeparture(e.d)
		e.mu.Unlock()
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.ProductID != "" && d.ProductID != filter.ProductID {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out, nil
}

func (r *MemoryDepartureRepository) Update(ctx context.Context, id string, update domain.DepartureUpdate, at time.Time) (*domain.Departure, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.d.Status.Terminal() {
		return nil, domain.NewError(domain.KindInvalidState, "departure %s is %s", id, e.d.Status)
	}

	next := copyDeparture(e.d)
	if err := applyDepartureUpdate(&next, update, at); err != nil {
		return nil, err
	}
	// Counters may have moved since next was copied; only metadata is written.
	prev := copyDeparture(e.d)
	setDepartureMetadata(&e.d, next)
	recordUndo(ctx, func() {
		e.mu.Lock()
		setDepartureMetadata(&e.d, prev)
		e.mu.Unlock()
	})
	d := copyDeparture(e.d)
	return &d, nil
}

func (r *MemoryDepartureRepository) TransitionStatus(ctx context.Context, id string, from []domain.DepartureStatus, to domain.DepartureStatus, at time.Time) (*domain.Departure, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !departureStatusAllowed(e.d.Status, from) {
		return nil, domain.NewError(domain.KindInvalidState, "departure %s is %s, cannot become %s", id, e.d.Status, to)
	}
	prevStatus, prevAt := e.d.Status, e.d.UpdatedAt
	e.d.Status = to
	e.d.UpdatedAt = at
	recordUndo(ctx, func() {
		e.mu.Lock()
		e.d.Status, e.d.UpdatedAt = prevStatus, prevAt
		e.mu.Unlock()
	})
	d := copyDeparture(e.d)
	return &d, nil
}

func (r *MemoryDepartureRepository) DeleteDraft(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.departures[id]
	if !ok {
		return departureNotFound(id)
	}
	e.mu.Lock()
	status := e.d.Status
	e.mu.Unlock()
	if status != domain.DepartureStatusDraft {
		return domain.NewError(domain.KindInvalidState, "departure %s is %s, only drafts can be deleted", id, status)
	}
	delete(r.departures, id)
	return nil
}

func (r *MemoryDepartureRepository) TryReserve(ctx context.Context, departureID, resourceID string, qty int) (bool, error) {
	e, err := r.entry(departureID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.d.Resource(resourceID)
	if !ok {
		return false, resourceNotFound(departureID, resourceID)
	}
	if !res.TryReserve(qty) {
		return false, nil
	}
	recordUndo(ctx, func() {
		_ = r.Settle(context.Background(), departureID, resourceID, qty, ledger.BucketHeld, ledger.BucketAvailable)
	})
	return true, nil
}

func (r *MemoryDepartureRepository) Settle(ctx context.Context, departureID, resourceID string, qty int, from, to ledger.Bucket) error {
	e, err := r.entry(departureID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.d.Resource(resourceID)
	if !ok {
		return resourceNotFound(departureID, resourceID)
	}
	if err := res.Settle(qty, from, to); err != nil {
		return fmt.Errorf("%s/%s: %w", departureID, resourceID, err)
	}
	recordUndo(ctx, func() {
		_ = r.Settle(context.Background(), departureID, resourceID, qty, to, from)
	})
	return nil
}

func (r *MemoryDepartureRepository) CheckConsistency(ctx context.Context) ([]domain.CapacityViolation, error) {
	departures, err := r.List(ctx, domain.DepartureFilter{})
	if err != nil {
		return nil, err
	}
	var violations []domain.CapacityViolation
	for _, d := range departures {
		for _, res := range d.Resources {
			if err := res.Check(); err != nil {
				violations = append(violations, domain.CapacityViolation{
					DepartureID: d.ID,
					ResourceID:  res.ID,
					Counters:    res.Counters,
					Err:         err,
				})
			}
		}
	}
	return violations, nil
}

func setDepartureMetadata(dst *domain.Departure, src domain.Departure) {
	dst.Label = src.Label
	dst.StartsAt = src.StartsAt
	dst.EndsAt = src.EndsAt
	dst.UpdatedAt = src.UpdatedAt
	for _, sr := range src.Resources {
		if res, ok := dst.Resource(sr.ID); ok {
			res.PriceOverride = sr.PriceOverride
			res.Currency = sr.Currency
		}
	}
}

func copyDeparture(d domain.Departure) domain.Departure {
	d.Resources = append([]domain.ResourceCapacity(nil), d.Resources...)
	return d
}

type memBooking struct {
	mu sync.Mutex
	b  domain.Booking
}

type MemoryBookingRepository struct {
	mu       sync.RWMutex
	bookings map[string]*memBooking
}

func NewMemoryBookingRepository() *MemoryBookingRepository {
	return &MemoryBookingRepository{bookings: make(map[string]*memBooking)}
}

func (r *MemoryBookingRepository) Create(ctx context.Context, b *domain.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bookings[b.ID]; ok {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	r.bookings[b.ID] = &memBooking{b: *b}
	recordUndo(ctx, func() {
		r.mu.Lock()
		delete(r.bookings, b.ID)
		r.mu.Unlock()
	})
	return nil
}

func (r *MemoryBookingRepository) GetByID(_ context.Context, id string) (*domain.Booking, error) {
	r.mu.RLock()
	e, ok := r.bookings[id]
	r.mu.RUnlock()
	if !ok {
		return nil, bookingNotFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.b
	return &b, nil
}

func (r *MemoryBookingRepository) List(_ context.Context, filter domain.BookingFilter) ([]domain.Booking, error) {
	r.mu.RLock()
	entries := make([]*memBooking, 0, len(r.bookings))
	for _, e := range r.bookings {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Booking, 0)
	for _, e := range entries {
		e.mu.Lock()
		b := e.b
		e.mu.Unlock()
		if filter.DepartureID != "" && b.DepartureID != filter.DepartureID ||
			filter.ResourceID != "" && b.ResourceID != filter.ResourceID ||
			filter.CustomerID != "" && b.CustomerID != filter.CustomerID ||
			filter.Status != "" && b.Status != filter.Status {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.Booking{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryBookingRepository) Transition(ctx context.Context, id string, tr domain.BookingTransition) (*domain.Booking, domain.BookingStatus, error) {
	r.mu.RLock()
	e, ok := r.bookings[id]
	r.mu.RUnlock()
	if !ok {
		return nil, "", bookingNotFound(id)
	}

	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.lock(e)
	} else {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	if !tr.Allows(e.b.Status) {
		return nil, "", domain.NewError(domain.KindInvalidTransition, "booking %s is %s, cannot become %s", id, e.b.Status, tr.To)
	}
	prev := e.b
	tr.Apply(&e.b)
	// Runs before the transaction releases e.mu.
	recordUndo(ctx, func() { e.b = prev })
	b := e.b
	return &b, prev.Status, nil
}

var (
	_ DepartureRepository = (*MemoryDepartureRepository)(nil)
	_ BookingRepository   = (*MemoryBookingRepository)(nil)
	_ Transactor          = (*MemoryTransactor)(nil)
)

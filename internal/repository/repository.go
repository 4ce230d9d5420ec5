package repository

import (
	"context"
	"time"

	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/Domenick1991/bookingengine/internal/ledger"
)

// DepartureRepository persists departures and realises the capacity ledger
// on their resources.
type DepartureRepository interface {
	ledger.Ledger

	Create(ctx context.Context, departure *domain.Departure) error
	GetByID(ctx context.Context, id string) (*domain.Departure, error)
	List(ctx context.Context, filter domain.DepartureFilter) ([]domain.Departure, error)
	Update(ctx context.Context, id string, update domain.DepartureUpdate, at time.Time) (*domain.Departure, error)
	// TransitionStatus sets the status to `to` iff the current status is in
	// `from`; otherwise it fails with INVALID_STATE.
	TransitionStatus(ctx context.Context, id string, from []domain.DepartureStatus, to domain.DepartureStatus, at time.Time) (*domain.Departure, error)
	// DeleteDraft removes the departure iff it is still a draft.
	DeleteDraft(ctx context.Context, id string) error
	CheckConsistency(ctx context.Context) ([]domain.CapacityViolation, error)
}

type BookingRepository interface {
	Create(ctx context.Context, booking *domain.Booking) error
	GetByID(ctx context.Context, id string) (*domain.Booking, error)
	List(ctx context.Context, filter domain.BookingFilter) ([]domain.Booking, error)
	// Transition applies tr atomically against the current status and
	// returns the updated booking and the status it left. It fails with
	// INVALID_TRANSITION when the current status is not in tr.From.
	Transition(ctx context.Context, id string, tr domain.BookingTransition) (*domain.Booking, domain.BookingStatus, error)
}

type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

func departureNotFound(id string) error {
	return domain.NewError(domain.KindNotFound, "departure %s not found", id)
}

func resourceNotFound(departureID, resourceID string) error {
	return domain.NewError(domain.KindNotFound, "resource %s not found on departure %s", resourceID, departureID)
}

func bookingNotFound(id string) error {
	return domain.NewError(domain.KindNotFound, "booking %s not found", id)
}

func departureStatusAllowed(status domain.DepartureStatus, from []domain.DepartureStatus) bool {
	for _, s := range from {
		if s == status {
			return true
		}
	}
	return false
}

// applyDepartureUpdate mutates d in place. Capacity counters are untouched.
func applyDepartureUpdate(d *domain.Departure, update domain.DepartureUpdate, at time.Time) error {
	for _, ru := range update.Resources {
		res, ok := d.Resource(ru.ResourceID)
		if !ok {
			return resourceNotFound(d.ID, ru.ResourceID)
		}
		res.PriceOverride = ru.PriceOverride
		res.Currency = ru.Currency
	}
	if update.Label != nil {
		d.Label = *update.Label
	}
	if update.StartsAt != nil {
		d.StartsAt = *update.StartsAt
	}
	if update.EndsAt != nil {
		endsAt := *update.EndsAt
		d.EndsAt = &endsAt
	}
	if d.EndsAt != nil && d.EndsAt.Before(d.StartsAt) {
		return domain.NewError(domain.KindValidation, "ends_at is before starts_at")
	}
	d.UpdatedAt = at
	return nil
}

package domain

import (
	"time"

	"github.com/Domenick1991/bookingengine/internal/ledger"
)

type DepartureStatus string

const (
	DepartureStatusDraft     DepartureStatus = "draft"
	DepartureStatusActive    DepartureStatus = "active"
	DepartureStatusClosed    DepartureStatus = "closed"
	DepartureStatusCancelled DepartureStatus = "cancelled"
)

func (s DepartureStatus) Valid() bool {
	switch s {
	case DepartureStatusDraft, DepartureStatusActive, DepartureStatusClosed, DepartureStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further status change is allowed.
func (s DepartureStatus) Terminal() bool {
	return s == DepartureStatusClosed || s == DepartureStatusCancelled
}

type Departure struct {
	ID        string             `json:"departure_id"`
	ProductID string             `json:"product_id"`
	Label     string             `json:"label"`
	StartsAt  time.Time          `json:"starts_at"`
	EndsAt    *time.Time         `json:"ends_at,omitempty"`
	Status    DepartureStatus    `json:"status"`
	Resources []ResourceCapacity `json:"resources"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Resource returns the resource with the given id.
func (d *Departure) Resource(resourceID string) (*ResourceCapacity, bool) {
	for i := range d.Resources {
		if d.Resources[i].ID == resourceID {
			return &d.Resources[i], true
		}
	}
	return nil, false
}

// ResourceCapacity is one bookable sub-item of a departure, e.g. a cabin type.
type ResourceCapacity struct {
	ID            string `json:"resource_id"`
	Type          string `json:"resource_type"`
	CatalogItemID string `json:"catalog_item_id"`
	ledger.Counters
	PriceOverride *int64 `json:"price_override,omitempty"`
	Currency      string `json:"currency,omitempty"`
}

// DepartureFilter narrows departure listings. Zero values match everything.
type DepartureFilter struct {
	Status    DepartureStatus
	ProductID string
}

// DepartureUpdate carries the mutable departure metadata. Nil fields are
// left unchanged; capacity is never updatable.
type DepartureUpdate struct {
	Label     *string
	StartsAt  *time.Time
	EndsAt    *time.Time
	Resources []ResourcePriceUpdate
}

type ResourcePriceUpdate struct {
	ResourceID    string
	PriceOverride *int64
	Currency      string
}

// CapacityViolation is reported by the consistency sweep.
type CapacityViolation struct {
	DepartureID string
	ResourceID  string
	Counters    ledger.Counters
	Err         error
}

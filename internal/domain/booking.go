package domain

import "time"

type BookingStatus string

const (
	BookingStatusHeld      BookingStatus = "held"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusExpired   BookingStatus = "expired"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingStatusHeld, BookingStatusConfirmed, BookingStatusCancelled, BookingStatusExpired:
		return true
	}
	return false
}

type Booking struct {
	ID                 string        `json:"booking_id"`
	DepartureID        string        `json:"departure_id"`
	ResourceID         string        `json:"resource_id"`
	CustomerID         string        `json:"customer_id"`
	Quantity           int           `json:"quantity"`
	UnitPrice          int64         `json:"unit_price"`
	TotalPrice         int64         `json:"total_price"`
	Currency           string        `json:"currency,omitempty"`
	Status             BookingStatus `json:"status"`
	HoldExpiresAt      *time.Time    `json:"hold_expires_at,omitempty"`
	OrderID            string        `json:"order_id,omitempty"`
	ConfirmedAt        *time.Time    `json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// BookingFilter narrows booking listings. Zero values match everything.
type BookingFilter struct {
	DepartureID string
	ResourceID  string
	CustomerID  string
	Status      BookingStatus
	Limit       int
	Offset      int
}

// BookingTransition describes a status change applied with a
// compare-and-set against the booking's current status.
type BookingTransition struct {
	From    []BookingStatus
	To      BookingStatus
	At      time.Time
	OrderID string
	Reason  string
}

// Allows reports whether the transition may start from status s.
func (t BookingTransition) Allows(s BookingStatus) bool {
	for _, from := range t.From {
		if from == s {
			return true
		}
	}
	return false
}

// Apply sets the target status and the timestamp fields that belong to it.
func (t BookingTransition) Apply(b *Booking) {
	b.Status = t.To
	b.UpdatedAt = t.At
	b.HoldExpiresAt = nil
	switch t.To {
	case BookingStatusConfirmed:
		at := t.At
		b.ConfirmedAt = &at
		b.OrderID = t.OrderID
	case BookingStatusCancelled:
		at := t.At
		b.CancelledAt = &at
		b.CancellationReason = t.Reason
	}
}

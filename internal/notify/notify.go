package notify

import (
	"context"
	"fmt"

	"github.com/Domenick1991/bookingengine/internal/kafka"
	"go.uber.org/zap"
)

// Sender turns booking events into customer notifications. Delivery is a
// structured log line; a mail or push transport plugs in behind Send.
type Sender struct {
	logger *zap.Logger
}

func NewSender(logger *zap.Logger) *Sender {
	return &Sender{logger: logger}
}

func (s *Sender) Send(ctx context.Context, event kafka.BookingEvent) error {
	subject := Subject(event)
	if subject == "" {
		return nil
	}
	s.logger.Info("notify customer",
		zap.String("customer_id", event.CustomerID),
		zap.String("booking_id", event.BookingID),
		zap.String("subject", subject))
	return nil
}

// Subject renders the notification subject for an event, or "" when the
// event type is not customer-facing.
func Subject(event kafka.BookingEvent) string {
	switch event.Type {
	case kafka.EventBookingHeld:
		if event.HoldExpiresAt != nil {
			return fmt.Sprintf("%d place(s) held until %s", event.Quantity, event.HoldExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
		}
		return fmt.Sprintf("%d place(s) held", event.Quantity)
	case kafka.EventBookingConfirmed:
		return fmt.Sprintf("booking %s confirmed", event.BookingID)
	case kafka.EventBookingCancelled:
		if event.Reason != "" {
			return fmt.Sprintf("booking %s cancelled: %s", event.BookingID, event.Reason)
		}
		return fmt.Sprintf("booking %s cancelled", event.BookingID)
	case kafka.EventBookingExpired:
		return fmt.Sprintf("hold %s expired", event.BookingID)
	default:
		return ""
	}
}

package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/bookingengine/internal/catalog"
	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/Domenick1991/bookingengine/internal/kafka"
	"github.com/Domenick1991/bookingengine/internal/ledger"
	"github.com/Domenick1991/bookingengine/internal/metrics"
	"github.com/Domenick1991/bookingengine/internal/repository"
	"github.com/Domenick1991/bookingengine/internal/scheduler"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type BookingUseCase interface {
	Hold(ctx context.Context, input HoldInput) (*domain.Booking, error)
	Confirm(ctx context.Context, bookingID, orderID string) (*domain.Booking, error)
	Cancel(ctx context.Context, bookingID, reason string) (*domain.Booking, error)
	Expire(ctx context.Context, bookingID string) error
	Get(ctx context.Context, bookingID string) (*domain.Booking, error)
	List(ctx context.Context, filter domain.BookingFilter) ([]domain.Booking, error)
	RecoverHolds(ctx context.Context) (int, error)
}

// PriceLookup resolves the current catalog price of a resource's item.
type PriceLookup interface {
	Item(ctx context.Context, itemID string) (*catalog.Item, error)
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

type BookingService struct {
	bookings    repository.BookingRepository
	departures  repository.DepartureRepository
	tx          repository.Transactor
	prices      PriceLookup
	expiries    scheduler.Scheduler
	producer    Producer
	eventsTopic string
	holdTTL     time.Duration
	now         func() time.Time
	logger      *zap.Logger
	tracer      trace.Tracer
}

type HoldInput struct {
	DepartureID string `json:"departure_id"`
	ResourceID  string `json:"resource_id"`
	CustomerID  string `json:"customer_id"`
	Quantity    int    `json:"quantity"`
}

func (in HoldInput) validate() error {
	switch {
	case in.DepartureID == "":
		return domain.NewError(domain.KindValidation, "departure_id is required")
	case in.ResourceID == "":
		return domain.NewError(domain.KindValidation, "resource_id is required")
	case in.CustomerID == "":
		return domain.NewError(domain.KindValidation, "customer_id is required")
	case in.Quantity < 1:
		return domain.NewError(domain.KindValidation, "quantity must be at least 1")
	}
	return nil
}

type BookingServiceOption func(*BookingService)

func WithProducer(producer Producer, topic string) BookingServiceOption {
	return func(s *BookingService) {
		s.producer = producer
		s.eventsTopic = topic
	}
}

func WithLogger(logger *zap.Logger) BookingServiceOption {
	return func(s *BookingService) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) BookingServiceOption {
	return func(s *BookingService) {
		s.now = now
	}
}

func NewBookingService(
	bookings repository.BookingRepository,
	departures repository.DepartureRepository,
	tx repository.Transactor,
	prices PriceLookup,
	expiries scheduler.Scheduler,
	holdTTL time.Duration,
	opts ...BookingServiceOption,
) *BookingService {
	service := &BookingService{
		bookings:   bookings,
		departures: departures,
		tx:         tx,
		prices:     prices,
		expiries:   expiries,
		holdTTL:    holdTTL,
		now:        time.Now,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("github.com/Domenick1991/bookingengine/internal/service/booking"),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// errSoldOut aborts the hold transaction when TryReserve reports no room.
var errSoldOut = errors.New("sold out")

func (s *BookingService) Hold(ctx context.Context, input HoldInput) (_ *domain.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Hold", trace.WithAttributes(
		attribute.String("departure_id", input.DepartureID),
		attribute.String("resource_id", input.ResourceID),
		attribute.Int("quantity", input.Quantity),
	))
	defer func() { endSpan(span, err) }()

	if err := input.validate(); err != nil {
		metrics.HoldsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	departure, err := s.departures.GetByID(ctx, input.DepartureID)
	if err != nil {
		return nil, s.holdFailed(err)
	}
	if departure.Status != domain.DepartureStatusActive {
		metrics.HoldsTotal.WithLabelValues("rejected").Inc()
		return nil, domain.NewError(domain.KindInvalidState, "departure %s is %s, holds require active", departure.ID, departure.Status)
	}
	resource, ok := departure.Resource(input.ResourceID)
	if !ok {
		return nil, s.holdFailed(domain.NewError(domain.KindNotFound, "resource %s not found on departure %s", input.ResourceID, departure.ID))
	}

	unitPrice, currency, err := s.resolvePrice(ctx, resource)
	if err != nil {
		return nil, s.holdFailed(err)
	}

	now := s.now()
	expiresAt := now.Add(s.holdTTL)
	booking := &domain.Booking{
		ID:            uuid.NewString(),
		DepartureID:   input.DepartureID,
		ResourceID:    input.ResourceID,
		CustomerID:    input.CustomerID,
		Quantity:      input.Quantity,
		UnitPrice:     unitPrice,
		TotalPrice:    unitPrice * int64(input.Quantity),
		Currency:      currency,
		Status:        domain.BookingStatusHeld,
		HoldExpiresAt: &expiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		ok, err := s.departures.TryReserve(ctx, input.DepartureID, input.ResourceID, input.Quantity)
		if err != nil {
			return err
		}
		if !ok {
			return errSoldOut
		}
		return s.bookings.Create(ctx, booking)
	})
	if errors.Is(err, errSoldOut) {
		metrics.HoldsTotal.WithLabelValues("capacity_exceeded").Inc()
		available := s.availability(ctx, input.DepartureID, input.ResourceID, resource.Available)
		s.logger.Debug("hold rejected, capacity exceeded",
			zap.String("departure_id", input.DepartureID),
			zap.String("resource_id", input.ResourceID),
			zap.Int("quantity", input.Quantity),
			zap.Int("available", available))
		return nil, domain.CapacityExceeded(input.ResourceID, available)
	}
	if err != nil {
		return nil, s.holdFailed(fmt.Errorf("hold: %w", err))
	}

	// The hold is committed; failing to arm only delays release until the
	// next recovery scan.
	if err := s.expiries.Schedule(ctx, booking.ID, expiresAt); err != nil {
		s.logger.Warn("arm hold expiry", zap.String("booking_id", booking.ID), zap.Error(err))
	}

	metrics.HoldsTotal.WithLabelValues("created").Inc()
	s.logger.Info("booking held",
		zap.String("booking_id", booking.ID),
		zap.String("departure_id", booking.DepartureID),
		zap.String("resource_id", booking.ResourceID),
		zap.Int("quantity", booking.Quantity),
		zap.Time("hold_expires_at", expiresAt))
	s.publish(ctx, kafka.EventBookingHeld, booking)
	return booking, nil
}

func (s *BookingService) Confirm(ctx context.Context, bookingID, orderID string) (_ *domain.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Confirm", trace.WithAttributes(attribute.String("booking_id", bookingID)))
	defer func() { endSpan(span, err) }()

	if bookingID == "" {
		return nil, domain.NewError(domain.KindValidation, "booking_id is required")
	}
	if orderID == "" {
		return nil, domain.NewError(domain.KindValidation, "order_id is required")
	}

	var confirmed *domain.Booking
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		b, _, err := s.bookings.Transition(ctx, bookingID, domain.BookingTransition{
			From:    []domain.BookingStatus{domain.BookingStatusHeld},
			To:      domain.BookingStatusConfirmed,
			At:      s.now(),
			OrderID: orderID,
		})
		if err != nil {
			return err
		}
		if err := s.departures.Settle(ctx, b.DepartureID, b.ResourceID, b.Quantity, ledger.BucketHeld, ledger.BucketBooked); err != nil {
			return s.ledgerFailed(b, err)
		}
		confirmed = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.disarm(ctx, bookingID)
	s.transitioned(ctx, kafka.EventBookingConfirmed, confirmed)
	return confirmed, nil
}

// Cancel releases the booking's capacity back to available. Cancelling a
// confirmed booking does not touch its order.
func (s *BookingService) Cancel(ctx context.Context, bookingID, reason string) (_ *domain.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Cancel", trace.WithAttributes(attribute.String("booking_id", bookingID)))
	defer func() { endSpan(span, err) }()

	if bookingID == "" {
		return nil, domain.NewError(domain.KindValidation, "booking_id is required")
	}

	var (
		cancelled *domain.Booking
		previous  domain.BookingStatus
	)
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		b, prev, err := s.bookings.Transition(ctx, bookingID, domain.BookingTransition{
			From:   []domain.BookingStatus{domain.BookingStatusHeld, domain.BookingStatusConfirmed},
			To:     domain.BookingStatusCancelled,
			At:     s.now(),
			Reason: reason,
		})
		if err != nil {
			return err
		}
		from := ledger.BucketHeld
		if prev == domain.BookingStatusConfirmed {
			from = ledger.BucketBooked
		}
		if err := s.departures.Settle(ctx, b.DepartureID, b.ResourceID, b.Quantity, from, ledger.BucketAvailable); err != nil {
			return s.ledgerFailed(b, err)
		}
		cancelled, previous = b, prev
		return nil
	})
	if err != nil {
		return nil, err
	}

	if previous == domain.BookingStatusHeld {
		s.disarm(ctx, bookingID)
	} else {
		s.logger.Warn("confirmed booking cancelled, linked order left untouched",
			zap.String("booking_id", bookingID), zap.String("order_id", cancelled.OrderID))
	}
	s.transitioned(ctx, kafka.EventBookingCancelled, cancelled)
	return cancelled, nil
}

// Expire is the scheduler's handler. A booking that already left held is a
// no-op, which makes repeated or late firings safe.
func (s *BookingService) Expire(ctx context.Context, bookingID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Expire", trace.WithAttributes(attribute.String("booking_id", bookingID)))
	defer func() { endSpan(span, err) }()

	var expired *domain.Booking
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		b, _, err := s.bookings.Transition(ctx, bookingID, domain.BookingTransition{
			From: []domain.BookingStatus{domain.BookingStatusHeld},
			To:   domain.BookingStatusExpired,
			At:   s.now(),
		})
		if err != nil {
			return err
		}
		if err := s.departures.Settle(ctx, b.DepartureID, b.ResourceID, b.Quantity, ledger.BucketHeld, ledger.BucketAvailable); err != nil {
			return s.ledgerFailed(b, err)
		}
		expired = b
		return nil
	})
	switch domain.KindOf(err) {
	case domain.KindInvalidTransition:
		metrics.ExpiryTasksTotal.WithLabelValues("noop").Inc()
		s.logger.Debug("expiry skipped, hold already resolved", zap.String("booking_id", bookingID))
		return nil
	case domain.KindNotFound:
		metrics.ExpiryTasksTotal.WithLabelValues("noop").Inc()
		s.logger.Warn("expiry for unknown booking", zap.String("booking_id", bookingID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("expire %s: %w", bookingID, err)
	}

	s.transitioned(ctx, kafka.EventBookingExpired, expired)
	return nil
}

func (s *BookingService) Get(ctx context.Context, bookingID string) (*domain.Booking, error) {
	return s.bookings.GetByID(ctx, bookingID)
}

func (s *BookingService) List(ctx context.Context, filter domain.BookingFilter) ([]domain.Booking, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.NewError(domain.KindValidation, "unknown booking status %q", filter.Status)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, domain.NewError(domain.KindValidation, "limit and offset must not be negative")
	}
	return s.bookings.List(ctx, filter)
}

// RecoverHolds re-arms the expiry of every held booking from its persisted
// hold_expires_at. Overdue holds fire on the scheduler's next pass.
func (s *BookingService) RecoverHolds(ctx context.Context) (int, error) {
	held, err := s.bookings.List(ctx, domain.BookingFilter{Status: domain.BookingStatusHeld})
	if err != nil {
		return 0, fmt.Errorf("list held bookings: %w", err)
	}

	armed := 0
	for _, b := range held {
		at := s.now()
		if b.HoldExpiresAt != nil {
			at = *b.HoldExpiresAt
		}
		if err := s.expiries.Schedule(ctx, b.ID, at); err != nil {
			return armed, fmt.Errorf("re-arm %s: %w", b.ID, err)
		}
		armed++
	}
	s.logger.Info("hold expiries recovered", zap.Int("count", armed))
	return armed, nil
}

func (s *BookingService) resolvePrice(ctx context.Context, resource *domain.ResourceCapacity) (int64, string, error) {
	if resource.PriceOverride != nil {
		return *resource.PriceOverride, resource.Currency, nil
	}
	item, err := s.prices.Item(ctx, resource.CatalogItemID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return 0, "", domain.NewError(domain.KindNotFound, "catalog item %s not found", resource.CatalogItemID)
		}
		return 0, "", fmt.Errorf("price lookup: %w", err)
	}
	return item.UnitPrice, item.Currency, nil
}

// availability re-reads the resource for the CAPACITY_EXCEEDED response,
// falling back to the value seen before the reserve attempt.
func (s *BookingService) availability(ctx context.Context, departureID, resourceID string, fallback int) int {
	d, err := s.departures.GetByID(ctx, departureID)
	if err != nil {
		return fallback
	}
	if r, ok := d.Resource(resourceID); ok {
		return r.Available
	}
	return fallback
}

func (s *BookingService) holdFailed(err error) error {
	if domain.KindOf(err) != "" {
		metrics.HoldsTotal.WithLabelValues("rejected").Inc()
	} else {
		metrics.HoldsTotal.WithLabelValues("error").Inc()
	}
	return err
}

func (s *BookingService) ledgerFailed(b *domain.Booking, err error) error {
	if errors.Is(err, ledger.ErrInvariant) {
		metrics.InvariantViolations.Inc()
		s.logger.Error("capacity ledger out of step with booking",
			zap.String("booking_id", b.ID),
			zap.String("departure_id", b.DepartureID),
			zap.String("resource_id", b.ResourceID),
			zap.Int("quantity", b.Quantity),
			zap.Error(err))
	}
	return fmt.Errorf("settle booking %s: %w", b.ID, err)
}

func (s *BookingService) disarm(ctx context.Context, bookingID string) {
	if err := s.expiries.Cancel(ctx, bookingID); err != nil {
		s.logger.Debug("disarm hold expiry", zap.String("booking_id", bookingID), zap.Error(err))
	}
}

func (s *BookingService) transitioned(ctx context.Context, eventType string, b *domain.Booking) {
	metrics.TransitionsTotal.WithLabelValues(string(b.Status)).Inc()
	s.logger.Info("booking "+string(b.Status),
		zap.String("booking_id", b.ID),
		zap.String("departure_id", b.DepartureID),
		zap.String("resource_id", b.ResourceID),
		zap.Int("quantity", b.Quantity))
	s.publish(ctx, eventType, b)
}

func (s *BookingService) publish(ctx context.Context, eventType string, b *domain.Booking) {
	if s.producer == nil || s.eventsTopic == "" {
		return
	}
	event := kafka.BookingEvent{
		Type:          eventType,
		BookingID:     b.ID,
		DepartureID:   b.DepartureID,
		ResourceID:    b.ResourceID,
		CustomerID:    b.CustomerID,
		Quantity:      b.Quantity,
		Status:        string(b.Status),
		TotalPrice:    b.TotalPrice,
		Currency:      b.Currency,
		HoldExpiresAt: b.HoldExpiresAt,
		OrderID:       b.OrderID,
		Reason:        b.CancellationReason,
		OccurredAt:    s.now(),
	}
	if err := s.producer.Publish(ctx, s.eventsTopic, b.ID, event); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		s.logger.Warn("publish booking event", zap.String("type", eventType), zap.String("booking_id", b.ID), zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var _ BookingUseCase = (*BookingService)(nil)

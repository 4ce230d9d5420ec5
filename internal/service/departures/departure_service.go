package departures

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/bookingengine/internal/catalog"
	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/Domenick1991/bookingengine/internal/ledger"
	"github.com/Domenick1991/bookingengine/internal/metrics"
	"github.com/Domenick1991/bookingengine/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type DepartureUseCase interface {
	Create(ctx context.Context, input CreateInput) (*domain.Departure, error)
	Get(ctx context.Context, id string) (*domain.Departure, error)
	List(ctx context.Context, filter domain.DepartureFilter) ([]domain.Departure, error)
	Update(ctx context.Context, id string, update domain.DepartureUpdate) (*domain.Departure, error)
	Delete(ctx context.Context, id string) error
	Activate(ctx context.Context, id string) (*domain.Departure, error)
	Close(ctx context.Context, id string) (*domain.Departure, error)
	Cancel(ctx context.Context, id string) (*domain.Departure, error)
	CheckConsistency(ctx context.Context) ([]domain.CapacityViolation, error)
}

type ProductLookup interface {
	Product(ctx context.Context, productID string) (*catalog.Product, error)
}

// Cache holds departure listings keyed by filter. Listings are versioned by
// a generation that InvalidateDepartures advances, so a listing read from
// the store before an invalidation cannot be stored as current.
type Cache interface {
	GetDepartures(ctx context.Context, filter domain.DepartureFilter) ([]domain.Departure, int64, error)
	SetDepartures(ctx context.Context, filter domain.DepartureFilter, generation int64, departures []domain.Departure) error
	InvalidateDepartures(ctx context.Context) error
}

type CreateInput struct {
	ProductID string          `json:"product_id"`
	Label     string          `json:"label"`
	StartsAt  time.Time       `json:"starts_at"`
	EndsAt    *time.Time      `json:"ends_at,omitempty"`
	Resources []ResourceInput `json:"resources"`
}

type ResourceInput struct {
	ID            string `json:"resource_id"`
	Type          string `json:"resource_type"`
	CatalogItemID string `json:"catalog_item_id"`
	TotalCapacity int    `json:"total_capacity"`
	PriceOverride *int64 `json:"price_override,omitempty"`
	Currency      string `json:"currency,omitempty"`
}

func (in CreateInput) validate() error {
	if in.ProductID == "" {
		return domain.NewError(domain.KindValidation, "product_id is required")
	}
	if in.StartsAt.IsZero() {
		return domain.NewError(domain.KindValidation, "starts_at is required")
	}
	if in.EndsAt != nil && in.EndsAt.Before(in.StartsAt) {
		return domain.NewError(domain.KindValidation, "ends_at is before starts_at")
	}
	if len(in.Resources) == 0 {
		return domain.NewError(domain.KindValidation, "at least one resource is required")
	}
	seen := make(map[string]struct{}, len(in.Resources))
	for _, r := range in.Resources {
		if r.ID == "" {
			return domain.NewError(domain.KindValidation, "resource_id is required")
		}
		if _, dup := seen[r.ID]; dup {
			return domain.NewError(domain.KindValidation, "duplicate resource_id %s", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.CatalogItemID == "" && r.PriceOverride == nil {
			return domain.NewError(domain.KindValidation, "resource %s needs catalog_item_id or price_override", r.ID)
		}
		if r.TotalCapacity < 0 {
			return domain.NewError(domain.KindValidation, "resource %s: total_capacity must not be negative", r.ID)
		}
		if err := validatePrice(r.ID, r.PriceOverride, r.Currency); err != nil {
			return err
		}
	}
	return nil
}

func validatePrice(resourceID string, price *int64, currency string) error {
	if price == nil {
		return nil
	}
	if *price < 0 {
		return domain.NewError(domain.KindValidation, "resource %s: price_override must not be negative", resourceID)
	}
	if currency == "" {
		return domain.NewError(domain.KindValidation, "resource %s: currency is required with price_override", resourceID)
	}
	return nil
}

type DepartureService struct {
	repo     repository.DepartureRepository
	products ProductLookup
	cache    Cache
	now      func() time.Time
	logger   *zap.Logger
}

func NewDepartureService(repo repository.DepartureRepository, products ProductLookup, cache Cache, logger *zap.Logger) *DepartureService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DepartureService{repo: repo, products: products, cache: cache, now: time.Now, logger: logger}
}

// Create stores a draft departure with every resource fully available.
// The product must exist and be bookable.
func (s *DepartureService) Create(ctx context.Context, input CreateInput) (*domain.Departure, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	product, err := s.products.Product(ctx, input.ProductID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, domain.NewError(domain.KindNotFound, "product %s not found", input.ProductID)
		}
		return nil, fmt.Errorf("lookup product: %w", err)
	}
	if !product.Bookable {
		return nil, domain.NewError(domain.KindValidation, "product %s is not bookable", input.ProductID)
	}

	now := s.now()
	d := &domain.Departure{
		ID:        uuid.NewString(),
		ProductID: input.ProductID,
		Label:     input.Label,
		StartsAt:  input.StartsAt,
		EndsAt:    input.EndsAt,
		Status:    domain.DepartureStatusDraft,
		Resources: make([]domain.ResourceCapacity, 0, len(input.Resources)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, r := range input.Resources {
		d.Resources = append(d.Resources, domain.ResourceCapacity{
			ID:            r.ID,
			Type:          r.Type,
			CatalogItemID: r.CatalogItemID,
			Counters:      ledger.New(r.TotalCapacity),
			PriceOverride: r.PriceOverride,
			Currency:      r.Currency,
		})
	}

	if err := s.repo.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create departure: %w", err)
	}
	s.invalidate(ctx)
	s.logger.Info("departure created", zap.String("departure_id", d.ID), zap.String("product_id", d.ProductID), zap.Int("resources", len(d.Resources)))
	return d, nil
}

func (s *DepartureService) Get(ctx context.Context, id string) (*domain.Departure, error) {
	return s.repo.GetByID(ctx, id)
}

// List serves from cache when possible. Cached counters may lag by up to
// the cache TTL; holds always read the store.
func (s *DepartureService) List(ctx context.Context, filter domain.DepartureFilter) ([]domain.Departure, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.NewError(domain.KindValidation, "unknown departure status %q", filter.Status)
	}

	var (
		generation int64
		fill       bool
	)
	if s.cache != nil {
		cached, gen, err := s.cache.GetDepartures(ctx, filter)
		switch {
		case err != nil:
			s.logger.Warn("read departures cache", zap.Error(err))
		case cached != nil:
			return cached, nil
		default:
			generation, fill = gen, true
		}
	}

	departures, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if fill {
		if err := s.cache.SetDepartures(ctx, filter, generation, departures); err != nil {
			s.logger.Warn("write departures cache", zap.Error(err))
		}
	}
	return departures, nil
}

func (s *DepartureService) Update(ctx context.Context, id string, update domain.DepartureUpdate) (*domain.Departure, error) {
	for _, ru := range update.Resources {
		if ru.ResourceID == "" {
			return nil, domain.NewError(domain.KindValidation, "resource_id is required")
		}
		if err := validatePrice(ru.ResourceID, ru.PriceOverride, ru.Currency); err != nil {
			return nil, err
		}
	}

	d, err := s.repo.Update(ctx, id, update, s.now())
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return d, nil
}

func (s *DepartureService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteDraft(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	s.logger.Info("departure deleted", zap.String("departure_id", id))
	return nil
}

func (s *DepartureService) Activate(ctx context.Context, id string) (*domain.Departure, error) {
	return s.transition(ctx, id, domain.DepartureStatusActive, domain.DepartureStatusDraft)
}

func (s *DepartureService) Close(ctx context.Context, id string) (*domain.Departure, error) {
	return s.transition(ctx, id, domain.DepartureStatusClosed, domain.DepartureStatusActive)
}

// Cancel stops new holds. Existing holds run to expiry and confirmed
// bookings are kept.
func (s *DepartureService) Cancel(ctx context.Context, id string) (*domain.Departure, error) {
	return s.transition(ctx, id, domain.DepartureStatusCancelled, domain.DepartureStatusDraft, domain.DepartureStatusActive)
}

func (s *DepartureService) transition(ctx context.Context, id string, to domain.DepartureStatus, from ...domain.DepartureStatus) (*domain.Departure, error) {
	d, err := s.repo.TransitionStatus(ctx, id, from, to, s.now())
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	s.logger.Info("departure status changed", zap.String("departure_id", id), zap.String("status", string(to)))
	return d, nil
}

// CheckConsistency reports every resource whose counters no longer sum to
// its total capacity. Any result is a bug and is logged at error level.
func (s *DepartureService) CheckConsistency(ctx context.Context) ([]domain.CapacityViolation, error) {
	violations, err := s.repo.CheckConsistency(ctx)
	if err != nil {
		return nil, fmt.Errorf("consistency check: %w", err)
	}
	for _, v := range violations {
		metrics.InvariantViolations.Inc()
		s.logger.Error("capacity invariant violated",
			zap.String("departure_id", v.DepartureID),
			zap.String("resource_id", v.ResourceID),
			zap.Int("total", v.Counters.Total),
			zap.Int("available", v.Counters.Available),
			zap.Int("held", v.Counters.Held),
			zap.Int("booked", v.Counters.Booked))
	}
	return violations, nil
}

func (s *DepartureService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateDepartures(ctx); err != nil {
		s.logger.Warn("invalidate departures cache", zap.Error(err))
	}
}

var _ DepartureUseCase = (*DepartureService)(nil)

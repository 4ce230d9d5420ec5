package departures

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Domenick1991/bookingengine/internal/catalog"
	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/Domenick1991/bookingengine/internal/ledger"
	"github.com/Domenick1991/bookingengine/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) GetDepartures(ctx context.Context, filter domain.DepartureFilter) ([]domain.Departure, int64, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]domain.Departure), args.Get(1).(int64), args.Error(2)
}

func (m *MockCache) SetDepartures(ctx context.Context, filter domain.DepartureFilter, generation int64, departures []domain.Departure) error {
	args := m.Called(ctx, filter, generation, departures)
	return args.Error(0)
}

func (m *MockCache) InvalidateDepartures(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newCatalog() *catalog.Static {
	c := catalog.NewStatic()
	c.PutProduct(catalog.Product{ID: "cruise", Bookable: true})
	c.PutProduct(catalog.Product{ID: "gift-card", Bookable: false})
	return c
}

func validInput() CreateInput {
	price := int64(2500)
	return CreateInput{
		ProductID: "cruise",
		Label:     "Fjords, June",
		StartsAt:  time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
		Resources: []ResourceInput{
			{ID: "inside", Type: "cabin", CatalogItemID: "item-inside", TotalCapacity: 50},
			{ID: "suite", Type: "cabin", CatalogItemID: "item-suite", TotalCapacity: 10, PriceOverride: &price, Currency: "EUR"},
		},
	}
}

func newService(cache Cache) (*DepartureService, *repository.MemoryDepartureRepository) {
	repo := repository.NewMemoryDepartureRepository()
	return NewDepartureService(repo, newCatalog(), cache, zap.NewNop()), repo
}

func TestDepartureService_Create(t *testing.T) {
	svc, _ := newService(nil)

	d, err := svc.Create(context.Background(), validInput())
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, domain.DepartureStatusDraft, d.Status)
	require.Len(t, d.Resources, 2)
	assert.Equal(t, ledger.Counters{Total: 50, Available: 50}, d.Resources[0].Counters)
	assert.Equal(t, ledger.Counters{Total: 10, Available: 10}, d.Resources[1].Counters)

	got, err := svc.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Label, got.Label)
}

func TestDepartureService_CreateValidation(t *testing.T) {
	svc, _ := newService(nil)
	negative := int64(-1)
	before := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(*CreateInput)
		want   error
	}{
		{"missing product", func(in *CreateInput) { in.ProductID = "" }, domain.ErrValidation},
		{"missing start", func(in *CreateInput) { in.StartsAt = time.Time{} }, domain.ErrValidation},
		{"ends before start", func(in *CreateInput) { in.EndsAt = &before }, domain.ErrValidation},
		{"no resources", func(in *CreateInput) { in.Resources = nil }, domain.ErrValidation},
		{"duplicate resource", func(in *CreateInput) { in.Resources[1].ID = "inside" }, domain.ErrValidation},
		{"negative capacity", func(in *CreateInput) { in.Resources[0].TotalCapacity = -5 }, domain.ErrValidation},
		{"negative price", func(in *CreateInput) { in.Resources[1].PriceOverride = &negative }, domain.ErrValidation},
		{"price without currency", func(in *CreateInput) { in.Resources[1].Currency = "" }, domain.ErrValidation},
		{"not bookable", func(in *CreateInput) { in.ProductID = "gift-card" }, domain.ErrValidation},
		{"unknown product", func(in *CreateInput) { in.ProductID = "ghost" }, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := svc.Create(context.Background(), in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDepartureService_Lifecycle(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()

	d, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	_, err = svc.Close(ctx, d.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	active, err := svc.Activate(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepartureStatusActive, active.Status)

	_, err = svc.Activate(ctx, d.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.ErrorIs(t, svc.Delete(ctx, d.ID), domain.ErrInvalidState)

	closed, err := svc.Close(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepartureStatusClosed, closed.Status)

	_, err = svc.Cancel(ctx, d.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestDepartureService_CancelFromDraftOrActive(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()

	draft, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	cancelled, err := svc.Cancel(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepartureStatusCancelled, cancelled.Status)

	active, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	_, err = svc.Activate(ctx, active.ID)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, active.ID)
	require.NoError(t, err)

	_, err = svc.Update(ctx, active.ID, domain.DepartureUpdate{})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestDepartureService_DeleteDraft(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()

	d, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, d.ID))

	_, err = svc.Get(ctx, d.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, d.ID), domain.ErrNotFound)
}

func TestDepartureService_Update(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()

	d, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	label := "Fjords, late June"
	price := int64(1999)
	updated, err := svc.Update(ctx, d.ID, domain.DepartureUpdate{
		Label:     &label,
		Resources: []domain.ResourcePriceUpdate{{ResourceID: "inside", PriceOverride: &price, Currency: "EUR"}},
	})
	require.NoError(t, err)
	assert.Equal(t, label, updated.Label)
	res, ok := updated.Resource("inside")
	require.True(t, ok)
	require.NotNil(t, res.PriceOverride)
	assert.Equal(t, price, *res.PriceOverride)
	assert.Equal(t, 50, res.Total)

	_, err = svc.Update(ctx, d.ID, domain.DepartureUpdate{
		Resources: []domain.ResourcePriceUpdate{{ResourceID: "inside", PriceOverride: &price}},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.Update(ctx, d.ID, domain.DepartureUpdate{
		Resources: []domain.ResourcePriceUpdate{{ResourceID: "balcony"}},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDepartureService_UpdateRejectsEndBeforeStart(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()

	d, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	early := d.StartsAt.Add(-time.Hour)
	_, err = svc.Update(ctx, d.ID, domain.DepartureUpdate{EndsAt: &early})
	assert.ErrorIs(t, err, domain.ErrValidation)

	endsAt := d.StartsAt.Add(7 * 24 * time.Hour)
	_, err = svc.Update(ctx, d.ID, domain.DepartureUpdate{EndsAt: &endsAt})
	require.NoError(t, err)

	// checked against the stored ends_at, not only the fields in the request
	late := endsAt.Add(24 * time.Hour)
	_, err = svc.Update(ctx, d.ID, domain.DepartureUpdate{StartsAt: &late})
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, err := svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StartsAt, got.StartsAt)
	require.NotNil(t, got.EndsAt)
	assert.Equal(t, endsAt, *got.EndsAt)
}

func TestDepartureService_ListUsesCache(t *testing.T) {
	cache := new(MockCache)
	svc, _ := newService(cache)
	ctx := context.Background()
	filter := domain.DepartureFilter{Status: domain.DepartureStatusDraft}

	cache.On("InvalidateDepartures", mock.Anything).Return(nil)
	_, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	cache.On("GetDepartures", mock.Anything, filter).Return(nil, int64(3), nil).Once()
	cache.On("SetDepartures", mock.Anything, filter, int64(3), mock.AnythingOfType("[]domain.Departure")).Return(nil).Once()
	listed, err := svc.List(ctx, filter)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	cached := []domain.Departure{{ID: "from-cache"}}
	cache.On("GetDepartures", mock.Anything, filter).Return(cached, int64(3), nil).Once()
	listed, err = svc.List(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, cached, listed)

	cache.AssertExpectations(t)
}

func TestDepartureService_ListCacheErrorFallsBack(t *testing.T) {
	cache := new(MockCache)
	svc, repo := newService(cache)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Departure{ID: "d-1", Status: domain.DepartureStatusActive}))
	cache.On("GetDepartures", mock.Anything, domain.DepartureFilter{}).Return(nil, int64(0), errors.New("redis down"))

	listed, err := svc.List(ctx, domain.DepartureFilter{})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
	// the generation is unknown, so nothing is written back
	cache.AssertNotCalled(t, "SetDepartures", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	_, err = svc.List(ctx, domain.DepartureFilter{Status: "sailing"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDepartureService_ListIgnoresCacheWriteError(t *testing.T) {
	cache := new(MockCache)
	svc, repo := newService(cache)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Departure{ID: "d-1", Status: domain.DepartureStatusActive}))
	cache.On("GetDepartures", mock.Anything, domain.DepartureFilter{}).Return(nil, int64(1), nil)
	cache.On("SetDepartures", mock.Anything, domain.DepartureFilter{}, int64(1), mock.Anything).Return(errors.New("redis down"))

	listed, err := svc.List(ctx, domain.DepartureFilter{})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
	cache.AssertExpectations(t)
}

func TestDepartureService_CheckConsistency(t *testing.T) {
	repo := repository.NewMemoryDepartureRepository()
	core, logs := observer.New(zap.ErrorLevel)
	svc := NewDepartureService(repo, newCatalog(), nil, zap.New(core))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Departure{
		ID: "ok",
		Resources: []domain.ResourceCapacity{
			{ID: "a", Counters: ledger.New(5)},
		},
	}))
	require.NoError(t, repo.Create(ctx, &domain.Departure{
		ID: "broken",
		Resources: []domain.ResourceCapacity{
			{ID: "b", Counters: ledger.Counters{Total: 5, Available: 5, Held: 1}},
		},
	}))

	violations, err := svc.CheckConsistency(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "broken", violations[0].DepartureID)
	assert.Equal(t, "b", violations[0].ResourceID)
	assert.ErrorIs(t, violations[0].Err, ledger.ErrInvariant)
	assert.Equal(t, 1, logs.FilterMessage("capacity invariant violated").Len())
}

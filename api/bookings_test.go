package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/Domenick1991/bookingengine/internal/service/booking"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockBookingUseCase is a mock implementation of booking.BookingUseCase
type MockBookingUseCase struct {
	mock.Mock
}

func (m *MockBookingUseCase) Hold(ctx context.Context, input booking.HoldInput) (*domain.Booking, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

func (m *MockBookingUseCase) Confirm(ctx context.Context, bookingID, orderID string) (*domain.Booking, error) {
	args := m.Called(ctx, bookingID, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

func (m *MockBookingUseCase) Cancel(ctx context.Context, bookingID, reason string) (*domain.Booking, error) {
	args := m.Called(ctx, bookingID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

func (m *MockBookingUseCase) Expire(ctx context.Context, bookingID string) error {
	args := m.Called(ctx, bookingID)
	return args.Error(0)
}

func (m *MockBookingUseCase) Get(ctx context.Context, bookingID string) (*domain.Booking, error) {
	args := m.Called(ctx, bookingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

func (m *MockBookingUseCase) List(ctx context.Context, filter domain.BookingFilter) ([]domain.Booking, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Booking), args.Error(1)
}

func (m *MockBookingUseCase) RecoverHolds(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func newBookingRouter(svc booking.BookingUseCase, holdMiddleware ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewBookingHandler(svc).Register(r.Group("/api/v1/bookings"), holdMiddleware...)
	return r
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBookingHandler_hold(t *testing.T) {
	mockService := &MockBookingUseCase{}
	r := newBookingRouter(mockService)

	input := booking.HoldInput{DepartureID: "dep-1", ResourceID: "cabin", CustomerID: "cust-1", Quantity: 2}
	mockService.On("Hold", mock.Anything, input).Return(&domain.Booking{
		ID:          "b-1",
		DepartureID: "dep-1",
		ResourceID:  "cabin",
		Quantity:    2,
		Status:      domain.BookingStatusHeld,
	}, nil)

	w := doJSON(r, http.MethodPost, "/api/v1/bookings", input)

	assert.Equal(t, http.StatusCreated, w.Code)
	var got domain.Booking
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "b-1", got.ID)
	assert.Equal(t, domain.BookingStatusHeld, got.Status)
	mockService.AssertExpectations(t)
}

func TestBookingHandler_holdCapacityExceeded(t *testing.T) {
	mockService := &MockBookingUseCase{}
	r := newBookingRouter(mockService)

	mockService.On("Hold", mock.Anything, mock.Anything).Return(nil, domain.CapacityExceeded("suite", 0))

	w := doJSON(r, http.MethodPost, "/api/v1/bookings", booking.HoldInput{DepartureID: "d", ResourceID: "suite", CustomerID: "c", Quantity: 1})

	assert.Equal(t, http.StatusConflict, w.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, domain.KindCapacityExceeded, body.Kind)
	require.NotNil(t, body.Available)
	assert.Equal(t, 0, *body.Available)
}

func TestBookingHandler_holdBadJSON(t *testing.T) {
	mockService := &MockBookingUseCase{}
	r := newBookingRouter(mockService)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockService.AssertNotCalled(t, "Hold", mock.Anything, mock.Anything)
}

func TestBookingHandler_confirm(t *testing.T) {
	mockService := &MockBookingUseCase{}
	r := newBookingRouter(mockService)

	mockService.On("Confirm", mock.Anything, "b-1", "order-1").
		Return(&domain.Booking{ID: "b-1", Status: domain.BookingStatusConfirmed, OrderID: "order-1"}, nil)
	mockService.On("Confirm", mock.Anything, "b-2", "order-2").
		Return(nil, domain.NewError(domain.KindInvalidTransition, "booking b-2 is cancelled"))

	w := doJSON(r, http.MethodPost, "/api/v1/bookings/b-1/confirm", confirmBookingRequest{OrderID: "order-1"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/bookings/b-2/confirm", confirmBookingRequest{OrderID: "order-2"})
	assert.Equal(t, http.StatusConflict, w.Code)
	mockService.AssertExpectations(t)
}

func TestBookingHandler_cancel(t *testing.T) {
	mockService := &MockBookingUseCase{}
	r := newBookingRouter(mockService)

	mockService.On("Cancel", mock.Anything, "b-1", "Changed plans").
		Return(&domain.Booking{ID: "b-1", Status: domain.BookingStatusCancelled}, nil)
	mockService.On("Cancel", mock.Anything, "b-2", "").
		Return(&domain.Booking{ID: "b-2", Status: domain.BookingStatusCancelled}, nil)
	mockService.On("Cancel", mock.Anything, "missing", "").
		Return(nil, domain.NewError(domain.KindNotFound, "booking missing not found"))

	w := doJSON(r, http.MethodPost, "/api/v1/bookings/b-1/cancel", cancelBookingRequest{Reason: "Changed plans"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/bookings/b-2/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/bookings/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	mockService.AssertExpectations(t)
}

func TestBookingHandler_list(t *testing.T) {
	mockService := &MockBookingUseCase{}
	r := newBookingRouter(mockService)

	filter := domain.BookingFilter{DepartureID: "dep-1", Status: domain.BookingStatusHeld, Limit: 10}
	mockService.On("List", mock.Anything, filter).Return([]domain.Booking{{ID: "b-1"}, {ID: "b-2"}}, nil)

	w := doJSON(r, http.MethodGet, "/api/v1/bookings?departure_id=dep-1&status=held&limit=10", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var got []domain.Booking
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got, 2)

	w = doJSON(r, http.MethodGet, "/api/v1/bookings?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBookingHandler_getInternalError(t *testing.T) {
	mockService := &MockBookingUseCase{}
	r := newBookingRouter(mockService)

	mockService.On("Get", mock.Anything, "b-1").Return(nil, errors.New("connection reset"))

	w := doJSON(r, http.MethodGet, "/api/v1/bookings/b-1", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

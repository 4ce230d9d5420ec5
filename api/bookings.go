package api

import (
	"net/http"
	"strconv"

	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/Domenick1991/bookingengine/internal/service/booking"
	"github.com/gin-gonic/gin"
)

type BookingHandler struct {
	service booking.BookingUseCase
}

type confirmBookingRequest struct {
	OrderID string `json:"order_id"`
}

type cancelBookingRequest struct {
	Reason string `json:"reason"`
}

func NewBookingHandler(service booking.BookingUseCase) *BookingHandler {
	return &BookingHandler{service: service}
}

// Register mounts the booking routes. Extra middleware applies to hold
// creation only.
func (h *BookingHandler) Register(router *gin.RouterGroup, holdMiddleware ...gin.HandlerFunc) {
	router.POST("", append(holdMiddleware, h.hold)...)
	router.GET("", h.list)
	router.GET("/:id", h.get)
	router.POST("/:id/confirm", h.confirm)
	router.POST("/:id/cancel", h.cancel)
}

func (h *BookingHandler) hold(c *gin.Context) {
	var req booking.HoldInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	b, err := h.service.Hold(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *BookingHandler) list(c *gin.Context) {
	filter := domain.BookingFilter{
		DepartureID: c.Query("departure_id"),
		ResourceID:  c.Query("resource_id"),
		CustomerID:  c.Query("customer_id"),
		Status:      domain.BookingStatus(c.Query("status")),
	}
	var err error
	if filter.Limit, err = intQuery(c, "limit"); err != nil {
		badRequest(c, "limit must be an integer")
		return
	}
	if filter.Offset, err = intQuery(c, "offset"); err != nil {
		badRequest(c, "offset must be an integer")
		return
	}

	list, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []domain.Booking{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *BookingHandler) get(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *BookingHandler) confirm(c *gin.Context) {
	var req confirmBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	b, err := h.service.Confirm(c.Request.Context(), c.Param("id"), req.OrderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *BookingHandler) cancel(c *gin.Context) {
	var req cancelBookingRequest
	// the body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	b, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

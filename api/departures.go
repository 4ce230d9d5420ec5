package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/Domenick1991/bookingengine/internal/service/departures"
	"github.com/gin-gonic/gin"
)

type DepartureHandler struct {
	service departures.DepartureUseCase
}

type updateDepartureRequest struct {
	Label     *string                `json:"label"`
	StartsAt  *time.Time             `json:"starts_at"`
	EndsAt    *time.Time             `json:"ends_at"`
	Resources []resourcePriceRequest `json:"resources"`
}

type resourcePriceRequest struct {
	ResourceID    string `json:"resource_id"`
	PriceOverride *int64 `json:"price_override"`
	Currency      string `json:"currency"`
}

type availabilityResponse struct {
	DepartureID string                 `json:"departure_id"`
	Status      domain.DepartureStatus `json:"status"`
	Resources   []resourceAvailability `json:"resources"`
}

type resourceAvailability struct {
	ResourceID    string `json:"resource_id"`
	TotalCapacity int    `json:"total_capacity"`
	Available     int    `json:"available"`
	Held          int    `json:"held"`
	Booked        int    `json:"booked"`
}

func NewDepartureHandler(service departures.DepartureUseCase) *DepartureHandler {
	return &DepartureHandler{service: service}
}

func (h *DepartureHandler) Register(router *gin.RouterGroup) {
	router.POST("", h.create)
	router.GET("", h.list)
	router.GET("/:id", h.get)
	router.PATCH("/:id", h.update)
	router.DELETE("/:id", h.delete)
	router.POST("/:id/activate", h.activate)
	router.POST("/:id/close", h.close)
	router.POST("/:id/cancel", h.cancel)
	router.GET("/:id/availability", h.availability)
}

func (h *DepartureHandler) create(c *gin.Context) {
	var req departures.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	d, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *DepartureHandler) list(c *gin.Context) {
	filter := domain.DepartureFilter{
		Status:    domain.DepartureStatus(c.Query("status")),
		ProductID: c.Query("product_id"),
	}
	list, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []domain.Departure{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *DepartureHandler) get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *DepartureHandler) update(c *gin.Context) {
	var req updateDepartureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	update := domain.DepartureUpdate{Label: req.Label, StartsAt: req.StartsAt, EndsAt: req.EndsAt}
	for _, r := range req.Resources {
		update.Resources = append(update.Resources, domain.ResourcePriceUpdate{
			ResourceID:    r.ResourceID,
			PriceOverride: r.PriceOverride,
			Currency:      r.Currency,
		})
	}
	d, err := h.service.Update(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *DepartureHandler) delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DepartureHandler) activate(c *gin.Context) {
	h.respond(c, h.service.Activate)
}

func (h *DepartureHandler) close(c *gin.Context) {
	h.respond(c, h.service.Close)
}

func (h *DepartureHandler) cancel(c *gin.Context) {
	h.respond(c, h.service.Cancel)
}

func (h *DepartureHandler) respond(c *gin.Context, transition func(ctx context.Context, id string) (*domain.Departure, error)) {
	d, err := transition(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *DepartureHandler) availability(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := availabilityResponse{
		DepartureID: d.ID,
		Status:      d.Status,
		Resources:   make([]resourceAvailability, 0, len(d.Resources)),
	}
	for _, r := range d.Resources {
		resp.Resources = append(resp.Resources, resourceAvailability{
			ResourceID:    r.ID,
			TotalCapacity: r.Total,
			Available:     r.Available,
			Held:          r.Held,
			Booked:        r.Booked,
		})
	}
	c.JSON(http.StatusOK, resp)
}

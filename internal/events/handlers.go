package events

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler serves the event log to off-core consumers.
type Handler struct {
	store Store
}

// NewHandler creates a new events handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the read-only event routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.ListEvents)
}

// ListEvents handles GET /v1/events?invoiceId=&type=&after=&limit=
func (h *Handler) ListEvents(c *gin.Context) {
	f := Filter{
		InvoiceID: c.Query("invoiceId"),
		Type:      Type(c.Query("type")),
		Limit:     100,
	}
	if a := c.Query("after"); a != "" {
		after, err := strconv.ParseInt(a, 10, 64)
		if err != nil || after < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "after must be a non-negative integer",
			})
			return
		}
		f.AfterSeq = after
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			f.Limit = parsed
			if f.Limit > 500 {
				f.Limit = 500
			}
		}
	}

	evts, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": evts,
		"count":  len(evts),
	})
}

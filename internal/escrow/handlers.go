package escrow

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradevault/internal/faults"
	"github.com/mbd888/tradevault/internal/validation"
)

// Handler serves read-only escrow state. State changes go through the
// meta-transaction relay so every write is signed by its principal.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:invoiceId", validation.InvoiceParamMiddleware(), h.GetEscrow)
	r.GET("/escrows/:invoiceId/payable", validation.InvoiceParamMiddleware(), h.GetPayable)
	r.GET("/parties/:address/escrows", validation.AddressParamMiddleware(), h.ListEscrows)
	r.GET("/fees", h.GetFees)
}

// GetEscrow handles GET /v1/escrows/:invoiceId
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := validation.ParseInvoiceID(c.Param("invoiceId"))
	if !ok {
		writeError(c, ErrInvalidInvoiceID)
		return
	}
	rec, err := h.engine.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow": rec,
		"state":  rec.State(),
	})
}

// GetPayable handles GET /v1/escrows/:invoiceId/payable
func (h *Handler) GetPayable(c *gin.Context) {
	id, ok := validation.ParseInvoiceID(c.Param("invoiceId"))
	if !ok {
		writeError(c, ErrInvalidInvoiceID)
		return
	}
	q, err := h.engine.Quote(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": q})
}

// ListEscrows handles GET /v1/parties/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	addr, ok := validation.ParseAddress(c.Param("address"))
	if !ok {
		writeError(c, ErrInvalidParty)
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.engine.ListByParty(c.Request.Context(), addr, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// GetFees handles GET /v1/fees
func (h *Handler) GetFees(c *gin.Context) {
	sched := h.engine.FeeSchedule()
	c.JSON(http.StatusOK, gin.H{
		"feeBasisPoints": sched.BasisPoints(),
		"maxBasisPoints": sched.Cap(),
		"treasury":       h.engine.Treasury(),
	})
}

func writeError(c *gin.Context, err error) {
	c.JSON(faults.HTTPStatus(err), gin.H{
		"error":   faults.Code(err),
		"message": err.Error(),
	})
}

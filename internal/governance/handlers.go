package governance

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradevault/internal/faults"
)

// Handler serves read-only governance state. Mutations arrive through the
// meta-transaction relay.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new governance handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up the governance routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/arbitrators", h.ListArbitrators)
	r.GET("/governance/proposals", h.ListProposals)
	r.GET("/governance/proposals/:id", h.GetProposal)
}

// ListArbitrators handles GET /v1/arbitrators
func (h *Handler) ListArbitrators(c *gin.Context) {
	reg := h.ledger.Registry()
	c.JSON(http.StatusOK, gin.H{
		"arbitrators": reg.Members(),
		"count":       reg.Count(),
		"managers":    h.ledger.Managers(),
		"threshold":   h.ledger.Threshold(),
	})
}

// ListProposals handles GET /v1/governance/proposals
func (h *Handler) ListProposals(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	proposals, err := h.ledger.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"proposals": proposals,
		"count":     len(proposals),
	})
}

// GetProposal handles GET /v1/governance/proposals/:id
func (h *Handler) GetProposal(c *gin.Context) {
	id, err := ParseProposalID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	p, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"proposal":          p,
		"requiredApprovals": h.ledger.Threshold(),
	})
}

func writeError(c *gin.Context, err error) {
	c.JSON(faults.HTTPStatus(err), gin.H{
		"error":   faults.Code(err),
		"message": err.Error(),
	})
}

package metatx

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradevault/internal/faults"
	"github.com/mbd888/tradevault/internal/logging"
	"github.com/mbd888/tradevault/internal/validation"
)

// maxCallBytes bounds an encoded call; the largest engine call is a
// createEscrow or a batch proposal.
const maxCallBytes = 16 << 10

// ExecuteRequest is the body of POST /v1/relay. All fields are 0x hex.
type ExecuteRequest struct {
	Principal string `json:"principal"`
	Call      string `json:"call"`
	Signature string `json:"signature"`
}

// Handler exposes the relay over HTTP.
type Handler struct {
	relay *Relay
}

// NewHandler creates a new relay handler.
func NewHandler(relay *Relay) *Handler {
	return &Handler{relay: relay}
}

// RegisterRoutes sets up the read-only relay routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/relay/nonce/:address", validation.AddressParamMiddleware(), h.GetNonce)
	r.GET("/relay/domain", h.GetDomain)
}

// RegisterSubmitRoutes sets up meta-transaction submission. Callers mount it
// behind a tighter rate limit than the read routes.
func (h *Handler) RegisterSubmitRoutes(r *gin.RouterGroup) {
	r.POST("/relay", h.Execute)
}

// Execute handles POST /v1/relay
func (h *Handler) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("principal", req.Principal),
		validation.ValidAddress("principal", req.Principal),
		validation.Required("call", req.Call),
		validation.ValidHex("call", req.Call, maxCallBytes),
		validation.Required("signature", req.Signature),
		validation.ValidHex("signature", req.Signature, SignatureLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	principal, _ := validation.ParseAddress(req.Principal)
	call, _ := validation.ParseHex(req.Call)
	sig, _ := validation.ParseHex(req.Signature)

	ctx := c.Request.Context()
	res, err := h.relay.Execute(ctx, principal, call, sig)
	if err != nil {
		logging.L(ctx).Warn("meta-transaction rejected",
			"principal", principal.Hex(), "kind", faults.Code(err), "error", err)
		c.JSON(faults.HTTPStatus(err), gin.H{
			"error":   faults.Code(err),
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetNonce handles GET /v1/relay/nonce/:address
func (h *Handler) GetNonce(c *gin.Context) {
	addr, _ := validation.ParseAddress(c.Param("address"))
	nonce, err := h.relay.Nonce(c.Request.Context(), addr)
	if err != nil {
		c.JSON(faults.HTTPStatus(err), gin.H{
			"error":   faults.Code(err),
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": addr,
		"nonce":   nonce,
	})
}

// GetDomain handles GET /v1/relay/domain
func (h *Handler) GetDomain(c *gin.Context) {
	d := h.relay.Domain()
	c.JSON(http.StatusOK, gin.H{
		"domain":      d,
		"primaryType": primaryType,
		"types":       d.TypedData(0, d.VerifyingContract, nil).Types,
	})
}

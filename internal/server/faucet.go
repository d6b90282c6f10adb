package server

import (
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradevault/internal/custody"
	"github.com/mbd888/tradevault/internal/units"
	"github.com/mbd888/tradevault/internal/validation"
)

// faucet mints balances and collateral into the in-process vault so a
// development deployment can run escrows end to end. Never mounted outside
// ENV=development.
type faucet struct {
	vault *custody.MemoryVault
}

func newFaucet(v *custody.MemoryVault) *faucet {
	return &faucet{vault: v}
}

func (f *faucet) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/faucet", f.credit)
	r.POST("/collateral", f.mintCollateral)
	r.GET("/balances/:address", validation.AddressParamMiddleware(), f.balance)
}

type creditRequest struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"` // empty for the native asset
	Amount string `json:"amount"`
}

func (f *faucet) credit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("holder", req.Holder),
		validation.ValidAddress("holder", req.Holder),
		validation.ValidAddress("asset", req.Asset),
		validation.Required("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	amount, ok := units.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a positive decimal with at most 6 places"})
		return
	}
	holder, _ := validation.ParseAddress(req.Holder)
	asset, _ := validation.ParseAddress(req.Asset)
	if err := f.vault.Credit(asset, holder, amount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"holder":  holder.Hex(),
		"asset":   asset.Hex(),
		"balance": units.Format(f.vault.BalanceOf(asset, holder)),
	})
}

type collateralRequest struct {
	Owner    string `json:"owner"`
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
}

func (f *faucet) mintCollateral(c *gin.Context) {
	var req collateralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("owner", req.Owner),
		validation.ValidAddress("owner", req.Owner),
		validation.Required("contract", req.Contract),
		validation.ValidAddress("contract", req.Contract),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	tokenID, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok || tokenID.Sign() < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_token_id", "message": "tokenId must be a non-negative integer"})
		return
	}
	owner, _ := validation.ParseAddress(req.Owner)
	contract, _ := validation.ParseAddress(req.Contract)
	ref := custody.CollateralRef{Contract: contract, TokenID: tokenID}
	f.vault.MintCollateral(ref, owner)
	c.JSON(http.StatusOK, gin.H{"collateral": ref.Key(), "owner": owner.Hex()})
}

func (f *faucet) balance(c *gin.Context) {
	holder, _ := validation.ParseAddress(c.Param("address"))
	asset, ok := validation.ParseAddress(c.Query("asset"))
	if c.Query("asset") != "" && !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "asset must be an address"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"holder":  holder.Hex(),
		"asset":   asset.Hex(),
		"balance": units.Format(f.vault.BalanceOf(asset, holder)),
	})
}

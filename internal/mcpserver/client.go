package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/escrow"
	"github.com/mbd888/tradevault/internal/fees"
	"github.com/mbd888/tradevault/internal/governance"
)

// Config holds the configuration for connecting to the custody API.
type Config struct {
	APIURL         string // Base URL, e.g. "http://localhost:8080"
	DefaultAddress string // Principal used when a tool call omits one (optional)
}

// Client is a read-only HTTP client for the custody API. Writes need a
// principal's signature and are never made from here.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// EscrowView is the GET /v1/escrows/:invoiceId response.
type EscrowView struct {
	Escrow *escrow.Record `json:"escrow"`
	State  escrow.State   `json:"state"`
}

// EscrowList is the GET /v1/parties/:address/escrows response.
type EscrowList struct {
	Escrows []*escrow.Record `json:"escrows"`
	Count   int              `json:"count"`
}

// ArbitratorSet is the GET /v1/arbitrators response.
type ArbitratorSet struct {
	Arbitrators []common.Address `json:"arbitrators"`
	Count       int              `json:"count"`
	Managers    []common.Address `json:"managers"`
	Threshold   int              `json:"threshold"`
}

// ProposalView is the GET /v1/governance/proposals/:id response.
type ProposalView struct {
	Proposal          *governance.Proposal `json:"proposal"`
	RequiredApprovals int                  `json:"requiredApprovals"`
}

// FeeInfo is the GET /v1/fees response.
type FeeInfo struct {
	FeeBasisPoints uint64         `json:"feeBasisPoints"`
	MaxBasisPoints uint64         `json:"maxBasisPoints"`
	Treasury       common.Address `json:"treasury"`
}

// getJSON fetches path and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetEscrow returns an escrow and its derived state.
func (c *Client) GetEscrow(ctx context.Context, invoiceID common.Hash) (*EscrowView, error) {
	var v EscrowView
	if err := c.getJSON(ctx, "/v1/escrows/"+invoiceID.Hex(), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// PreviewPayment returns what a deposit into the escrow would cost now.
func (c *Client) PreviewPayment(ctx context.Context, invoiceID common.Hash) (*fees.Quote, error) {
	var v struct {
		Quote fees.Quote `json:"quote"`
	}
	if err := c.getJSON(ctx, "/v1/escrows/"+invoiceID.Hex()+"/payable", nil, &v); err != nil {
		return nil, err
	}
	return &v.Quote, nil
}

// ListEscrows returns escrows where address is buyer or seller.
func (c *Client) ListEscrows(ctx context.Context, address common.Address, limit int) (*EscrowList, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var v EscrowList
	if err := c.getJSON(ctx, "/v1/parties/"+address.Hex()+"/escrows", q, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListArbitrators returns the live arbitrator registry and its governance.
func (c *Client) ListArbitrators(ctx context.Context) (*ArbitratorSet, error) {
	var v ArbitratorSet
	if err := c.getJSON(ctx, "/v1/arbitrators", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetProposal returns a governance proposal.
func (c *Client) GetProposal(ctx context.Context, id uint64) (*ProposalView, error) {
	var v ProposalView
	path := "/v1/governance/proposals/" + strconv.FormatUint(id, 10)
	if err := c.getJSON(ctx, path, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetRelayNonce returns the nonce the next meta-transaction from address must sign.
func (c *Client) GetRelayNonce(ctx context.Context, address common.Address) (uint64, error) {
	var v struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := c.getJSON(ctx, "/v1/relay/nonce/"+address.Hex(), nil, &v); err != nil {
		return 0, err
	}
	return v.Nonce, nil
}

// GetFees returns the current fee schedule.
func (c *Client) GetFees(ctx context.Context) (*FeeInfo, error) {
	var v FeeInfo
	if err := c.getJSON(ctx, "/v1/fees", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

package server

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradevault/internal/config"
	"github.com/mbd888/tradevault/internal/custody"
	"github.com/mbd888/tradevault/internal/events"
	"github.com/mbd888/tradevault/internal/metatx"
	"github.com/mbd888/tradevault/internal/reconciliation"
	"github.com/mbd888/tradevault/internal/units"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000dc")
	treasury = common.HexToAddress("0x000000000000000000000000000000000000007e")
	engine   = common.HexToAddress("0x00000000000000000000000000000000000e5c00")
)

type signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newSigner(t *testing.T) signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// testConfig returns a minimal development config
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "text",
		ChainID:             31337,
		EngineAddress:       engine,
		DomainName:          "TradeVault",
		DomainVersion:       "1",
		Treasury:            treasury,
		FeeBasisPoints:      50,
		Managers:            []common.Address{common.HexToAddress("0xa1"), common.HexToAddress("0xa2")},
		GovernanceThreshold: 2,
		Arbitrators: []common.Address{
			common.HexToAddress("0xb1"), common.HexToAddress("0xb2"), common.HexToAddress("0xb3"),
		},
		ExpirySweepInterval: time.Minute,
	}
}

// newTestServer creates a server with in-memory dependencies
func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.relayLimiter.Stop()
	})
	return s
}

func do(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestNew_RejectsEvenArbitratorSet(t *testing.T) {
	cfg := testConfig()
	cfg.Arbitrators = cfg.Arbitrators[:2]
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	// The sweeper only runs once Run starts.
	w := do(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, Version, resp.Version)

	byName := map[string]bool{}
	for _, c := range resp.Checks {
		byName[c.Name] = c.Healthy
	}
	assert.True(t, byName["arbitrators"])
	assert.False(t, byName["expiry_sweeper"])
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := do(s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t, testConfig())

	for _, path := range []string{
		"/metrics",
		"/v1/info",
		"/v1/fees",
		"/v1/arbitrators",
		"/v1/governance/proposals",
		"/v1/events",
		"/v1/relay/domain",
		"/v1/relay/nonce/" + treasury.Hex(),
		"/v1/parties/" + treasury.Hex() + "/escrows",
	} {
		w := do(s, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := do(s, http.MethodGet, "/v1/escrows/0x"+common.Bytes2Hex(make([]byte, 32)), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNoDirectWriteRoutes(t *testing.T) {
	s := newTestServer(t, testConfig())
	for _, path := range []string{"/v1/escrows", "/v1/governance/proposals", "/v1/fees"} {
		w := do(s, http.MethodPost, path, map[string]string{})
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestFaucetOnlyInDevelopment(t *testing.T) {
	holder := common.HexToAddress("0xc1")
	body := creditRequest{Holder: holder.Hex(), Asset: usdc.Hex(), Amount: "250.5"}

	dev := newTestServer(t, testConfig())
	w := do(dev, http.MethodPost, "/v1/dev/faucet", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"balance":"250.500000"`)

	w = do(dev, http.MethodPost, "/v1/dev/faucet", creditRequest{Holder: holder.Hex(), Amount: "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	cfg := testConfig()
	cfg.Env = "staging"
	cfg.ComplianceAllowlist = []common.Address{holder}
	staged := newTestServer(t, cfg)
	w = do(staged, http.MethodPost, "/v1/dev/faucet", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := do(s, http.MethodGet, "/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSecurityHeadersApplied(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := do(s, http.MethodGet, "/v1/fees", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

// relayCall signs call for p at its current nonce and posts it.
func relayCall(t *testing.T, s *Server, p signer, method string, args ...interface{}) *httptest.ResponseRecorder {
	t.Helper()
	call, err := metatx.Encode(method, args...)
	require.NoError(t, err)
	nonce, err := s.relay.Nonce(t.Context(), p.addr)
	require.NoError(t, err)
	sig, err := s.relay.Domain().Sign(p.key, nonce, call)
	require.NoError(t, err)
	return do(s, http.MethodPost, "/v1/relay", metatx.ExecuteRequest{
		Principal: p.addr.Hex(),
		Call:      hexutil.Encode(call),
		Signature: hexutil.Encode(sig),
	})
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	vault := custody.NewMemoryVault()
	s := newTestServer(t, testConfig(), WithVault(vault))
	seller, buyer := newSigner(t), newSigner(t)
	invoice := common.HexToHash("0x0000000000000000000000000000000000000000000000000000000000000abc")

	w := do(s, http.MethodPost, "/v1/dev/faucet", creditRequest{Holder: buyer.addr.Hex(), Asset: usdc.Hex(), Amount: "1000"})
	require.Equal(t, http.StatusOK, w.Code)

	w = relayCall(t, s, seller, "createEscrow",
		[32]byte(invoice), seller.addr, buyer.addr, units.MustParse("100"), usdc,
		uint64(24*3600), common.Address{}, big.NewInt(0), big.NewInt(0), uint64(0))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodGet, "/v1/escrows/"+invoice.Hex()+"/payable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":100500000`)

	// Wrong amount is rejected and leaves the buyer's nonce untouched.
	w = relayCall(t, s, buyer, "deposit", [32]byte(invoice), units.MustParse("100"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = relayCall(t, s, buyer, "deposit", [32]byte(invoice), units.MustParse("100.5"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodGet, "/v1/reconciliation?run=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"checked":1`)
	assert.Contains(t, w.Body.String(), `"mismatches":null`)
	w = relayCall(t, s, buyer, "confirmRelease", [32]byte(invoice))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = relayCall(t, s, seller, "confirmRelease", [32]byte(invoice))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodGet, "/v1/escrows/"+invoice.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"released"`)

	assert.Equal(t, units.MustParse("100"), vault.BalanceOf(usdc, seller.addr))
	assert.Equal(t, units.MustParse("0.5"), vault.BalanceOf(usdc, treasury))

	w = do(s, http.MethodGet, "/v1/relay/nonce/"+buyer.addr.Hex(), nil)
	assert.Contains(t, w.Body.String(), `"nonce":2`)

	w = do(s, http.MethodGet, "/v1/events?invoiceId="+invoice.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrow.released")
}

func TestWebhookDeliveryWiredFromConfig(t *testing.T) {
	s := newTestServer(t, testConfig())
	assert.Nil(t, s.webhooks)

	cfg := testConfig()
	cfg.WebhookURLs = []string{"https://hooks.example.com/a", "https://hooks.example.com/b"}
	cfg.WebhookSecret = "s3cret"
	cfg.WebhookEvents = []string{"escrow.released"}
	s = newTestServer(t, cfg)
	require.NotNil(t, s.webhooks)
	eps := s.webhooks.Endpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, "s3cret", eps[1].Secret)
	assert.Equal(t, []events.Type{events.EscrowReleased}, eps[0].Types)
}

func TestRequireDurableCustody(t *testing.T) {
	s := newTestServer(t, testConfig())
	seller, buyer := newSigner(t), newSigner(t)
	invoice := common.HexToHash("0x0def")
	ctx := t.Context()

	require.NoError(t, requireDurableCustody(ctx, s.reconciler))

	w := do(s, http.MethodPost, "/v1/dev/faucet", creditRequest{Holder: buyer.addr.Hex(), Asset: usdc.Hex(), Amount: "10"})
	require.Equal(t, http.StatusOK, w.Code)
	w = relayCall(t, s, seller, "createEscrow",
		[32]byte(invoice), seller.addr, buyer.addr, units.MustParse("1"), usdc,
		uint64(3600), common.Address{}, big.NewInt(0), big.NewInt(0), uint64(0))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = relayCall(t, s, buyer, "deposit", [32]byte(invoice), units.MustParse("1.005"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NoError(t, requireDurableCustody(ctx, s.reconciler))

	// Same records, custody from a fresh process.
	restarted := reconciliation.NewService(s.engine, custody.NewMemoryVault())
	err := requireDurableCustody(ctx, restarted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), invoice.Hex())
}

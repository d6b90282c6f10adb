package compliance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradevault/internal/circuitbreaker"
	"github.com/mbd888/tradevault/internal/faults"
	"github.com/mbd888/tradevault/internal/retry"
)

var (
	seller = common.HexToAddress("0x1111111111111111111111111111111111111111")
	buyer  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestRequire_StaticGate(t *testing.T) {
	ctx := context.Background()
	g := NewStaticGate(seller)

	assert.NoError(t, Require(ctx, g, seller))

	err := Require(ctx, g, seller, buyer)
	assert.ErrorIs(t, err, ErrNotCompliant)
	assert.Equal(t, faults.KindCompliance, faults.KindOf(err))

	g.Allow(buyer)
	g.Freeze(buyer)
	assert.ErrorIs(t, Require(ctx, g, seller, buyer), ErrFrozen)

	g.Unfreeze(buyer)
	assert.NoError(t, Require(ctx, g, seller, buyer))

	g.Revoke(seller)
	assert.ErrorIs(t, Require(ctx, g, seller), ErrNotCompliant)
}

func TestRequire_AllowAll(t *testing.T) {
	assert.NoError(t, Require(context.Background(), AllowAll{}, seller, buyer))
}

type brokenGate struct{}

func (brokenGate) IsCompliant(context.Context, common.Address) (bool, error) {
	return false, errors.New("timeout")
}
func (brokenGate) IsFrozen(context.Context, common.Address) (bool, error) { return true, nil }

func TestRequire_FailsClosed(t *testing.T) {
	err := Require(context.Background(), brokenGate{}, seller)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestParseAddressList(t *testing.T) {
	got, err := ParseAddressList(" 0x1111111111111111111111111111111111111111, ,0x2222222222222222222222222222222222222222")
	require.NoError(t, err)
	assert.Equal(t, []common.Address{seller, buyer}, got)

	_, err = ParseAddressList("0x11,nope")
	assert.Error(t, err)

	got, err = ParseAddressList("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

var fastRetry = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}

func TestHTTPGate_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := strings.TrimPrefix(r.URL.Path, "/v1/compliance/")
		switch addr {
		case strings.ToLower(seller.Hex()):
			_, _ = w.Write([]byte(`{"compliant":true,"frozen":false}`))
		case strings.ToLower(buyer.Hex()):
			_, _ = w.Write([]byte(`{"compliant":true,"frozen":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := NewHTTPGate(srv.URL+"/", time.Second).WithRetryPolicy(fastRetry)
	ctx := context.Background()

	assert.NoError(t, Require(ctx, g, seller))
	assert.ErrorIs(t, Require(ctx, g, buyer), ErrFrozen)
	assert.ErrorIs(t, Require(ctx, g, common.HexToAddress("0x03")), ErrNotCompliant)
}

func TestHTTPGate_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"compliant":true}`))
	}))
	defer srv.Close()

	g := NewHTTPGate(srv.URL, time.Second).WithRetryPolicy(fastRetry)
	ok, err := g.IsCompliant(context.Background(), seller)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPGate_BreakerOpensAndFailsClosed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewHTTPGate(srv.URL, time.Second).
		WithRetryPolicy(retry.Policy{Attempts: 1}).
		WithBreaker(circuitbreaker.New(2, time.Hour))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, Require(ctx, g, seller), ErrUnavailable)
	}
	before := calls.Load()

	err := Require(ctx, g, seller)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, before, calls.Load(), "open circuit short-circuits the registry")

	frozen, err := g.IsFrozen(ctx, seller)
	assert.Error(t, err)
	assert.True(t, frozen)
}

func TestHTTPGate_BadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	g := NewHTTPGate(srv.URL, time.Second).WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond})
	_, err := g.Lookup(context.Background(), seller)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPGate_RequireLooksUpOncePerPrincipal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"compliant":true,"frozen":false}`))
	}))
	defer srv.Close()

	g := NewHTTPGate(srv.URL, time.Second).WithRetryPolicy(fastRetry)
	require.NoError(t, Require(context.Background(), g, seller, buyer))
	assert.Equal(t, int32(2), calls.Load())
}

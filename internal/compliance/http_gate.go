package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/circuitbreaker"
	"github.com/mbd888/tradevault/internal/retry"
)

const breakerKey = "compliance_registry"

// Status is the registry's answer for one principal.
type Status struct {
	Compliant bool `json:"compliant"`
	Frozen    bool `json:"frozen"`
}

// HTTPGate queries a remote compliance registry at
// GET {baseURL}/v1/compliance/{address}. Transient failures are retried and
// repeated failures trip a circuit breaker; either way the caller sees an
// error and Require fails closed.
type HTTPGate struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

// NewHTTPGate creates a gate against baseURL.
func NewHTTPGate(baseURL string, timeout time.Duration) *HTTPGate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGate{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.DefaultPolicy,
	}
}

// WithRetryPolicy overrides the retry policy.
func (g *HTTPGate) WithRetryPolicy(p retry.Policy) *HTTPGate {
	g.policy = p
	return g
}

// WithBreaker overrides the circuit breaker.
func (g *HTTPGate) WithBreaker(b *circuitbreaker.Breaker) *HTTPGate {
	g.breaker = b
	return g
}

// BreakerState reports whether registry lookups are currently short-circuited.
func (g *HTTPGate) BreakerState() circuitbreaker.State {
	return g.breaker.State(breakerKey)
}

func (g *HTTPGate) IsCompliant(ctx context.Context, p common.Address) (bool, error) {
	st, err := g.Lookup(ctx, p)
	if err != nil {
		return false, err
	}
	return st.Compliant, nil
}

func (g *HTTPGate) IsFrozen(ctx context.Context, p common.Address) (bool, error) {
	st, err := g.Lookup(ctx, p)
	if err != nil {
		return true, err
	}
	return st.Frozen, nil
}

// Lookup fetches the registry status for p.
func (g *HTTPGate) Lookup(ctx context.Context, p common.Address) (Status, error) {
	var st Status
	err := g.breaker.Do(breakerKey, func() error {
		return retry.Do(ctx, g.policy, func(ctx context.Context) error {
			var err error
			st, err = g.fetch(ctx, p)
			return err
		})
	})
	return st, err
}

func (g *HTTPGate) fetch(ctx context.Context, p common.Address) (Status, error) {
	url := g.baseURL + "/v1/compliance/" + strings.ToLower(p.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{}, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Unknown principals are not compliant.
		return Status{}, nil
	case resp.StatusCode >= 500:
		return Status{}, fmt.Errorf("compliance registry: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Status{}, retry.Permanent(fmt.Errorf("compliance registry: status %d", resp.StatusCode))
	}

	var st Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&st); err != nil {
		return Status{}, retry.Permanent(errors.New("compliance registry: malformed response"))
	}
	return st, nil
}

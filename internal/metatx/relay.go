package metatx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/tradevault/internal/escrow"
	"github.com/mbd888/tradevault/internal/events"
	"github.com/mbd888/tradevault/internal/logging"
	"github.com/mbd888/tradevault/internal/metrics"
	"github.com/mbd888/tradevault/internal/syncutil"
	"github.com/mbd888/tradevault/internal/traces"
)

// Executor runs a decoded call on behalf of principal.
type Executor interface {
	Dispatch(ctx context.Context, principal common.Address, call []byte) (method string, result interface{}, err error)
}

// Result describes an executed meta-transaction.
type Result struct {
	Method    string         `json:"method"`
	Principal common.Address `json:"principal"`
	Nonce     uint64         `json:"nonce"`
	Result    interface{}    `json:"result,omitempty"`
}

// Relay verifies signed calls and executes them as their signer. The relay
// submitting a call gains no authority of its own.
type Relay struct {
	mu      sync.RWMutex
	signers *syncutil.KeyedMutex
	domain  Domain
	nonces  NonceStore
	exec    Executor
	emitter events.Emitter
	now     func() time.Time
}

// NewRelay creates a relay bound to domain.
func NewRelay(domain Domain, nonces NonceStore, exec Executor) (*Relay, error) {
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	return &Relay{
		signers: syncutil.NewKeyedMutex(),
		domain:  domain,
		nonces:  nonces,
		exec:    exec,
		emitter: events.NoopEmitter{},
		now:     time.Now,
	}, nil
}

// SetEmitter routes relay events to e.
func (r *Relay) SetEmitter(e events.Emitter) {
	r.mu.Lock()
	r.emitter = e
	r.mu.Unlock()
}

// Domain returns the signing domain clients must use.
func (r *Relay) Domain() Domain { return r.domain }

// Nonce returns the nonce the next signature from principal must carry.
func (r *Relay) Nonce(ctx context.Context, principal common.Address) (uint64, error) {
	return r.nonces.Get(ctx, principal)
}

// Execute checks that sig is principal's signature over (nonce, principal,
// call) and runs call as principal. The nonce is consumed only when the
// call succeeds; a rejected call leaves the signature usable until the
// principal's nonce moves on.
func (r *Relay) Execute(ctx context.Context, principal common.Address, call, sig []byte) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "metatx.Execute", traces.Principal(principal.Hex()))
	var err error
	defer func() { traces.End(span, err) }()

	// Calls from one signer run in nonce order; different signers proceed
	// concurrently.
	unlock, err := r.signers.Lock(ctx, principal.Hex())
	if err != nil {
		return nil, err
	}
	defer unlock()

	nonce, err := r.nonces.Get(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("load nonce: %w", err)
	}
	span.SetAttributes(traces.Nonce(nonce))

	digest, err := r.domain.Hash(nonce, principal, call)
	if err != nil {
		return nil, err
	}
	signer, err := Recover(digest, sig)
	if err != nil {
		metrics.MetaTxTotal.WithLabelValues("invalid_signature").Inc()
		return nil, err
	}
	if signer != principal {
		metrics.MetaTxTotal.WithLabelValues("invalid_signature").Inc()
		err = fmt.Errorf("%w: signed by %s, claimed %s", ErrInvalidSignature, signer.Hex(), principal.Hex())
		return nil, err
	}

	if err = r.nonces.Advance(ctx, principal, nonce); err != nil {
		return nil, err
	}
	method, result, err := r.exec.Dispatch(ctx, principal, call)
	if err != nil {
		if rwErr := r.nonces.Rewind(ctx, principal, nonce); rwErr != nil {
			// The call did not run, so a consumed nonce only costs the signer a re-sign.
			logging.L(ctx).Error("failed to release nonce after rejected call",
				"principal", principal.Hex(), "nonce", nonce, "error", rwErr)
		}
		metrics.MetaTxTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	metrics.MetaTxTotal.WithLabelValues("executed").Inc()
	logging.L(ctx).Info("meta-transaction executed",
		"principal", principal.Hex(), "method", method, "nonce", nonce)
	r.mu.RLock()
	emitter := r.emitter
	r.mu.RUnlock()
	emitter.Emit(ctx, events.New(events.MetaTxExecuted, invoiceOf(result), r.now(), map[string]interface{}{
		"principal": principal.Hex(),
		"method":    method,
		"nonce":     nonce,
		"callHash":  hexutil.Encode(digest.Bytes()),
	}))
	return &Result{Method: method, Principal: principal, Nonce: nonce, Result: result}, nil
}

// invoiceOf indexes escrow calls by invoice in the event log.
func invoiceOf(result interface{}) string {
	if rec, ok := result.(*escrow.Record); ok {
		return rec.InvoiceID.Hex()
	}
	return ""
}

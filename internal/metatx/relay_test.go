package metatx

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradevault/internal/arbitration"
	"github.com/mbd888/tradevault/internal/compliance"
	"github.com/mbd888/tradevault/internal/custody"
	"github.com/mbd888/tradevault/internal/escrow"
	"github.com/mbd888/tradevault/internal/events"
	"github.com/mbd888/tradevault/internal/faults"
	"github.com/mbd888/tradevault/internal/fees"
	"github.com/mbd888/tradevault/internal/governance"
	"github.com/mbd888/tradevault/internal/units"
)

var (
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000dc")
	treasury = common.HexToAddress("0x000000000000000000000000000000000000007e")
	invoice  = common.HexToHash("0x0000000000000000000000000000000000000000000000000000000000001001")
)

type party struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newParty(t *testing.T) party {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return party{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

type relayFixture struct {
	relay   *Relay
	engine  *escrow.Engine
	ledger  *governance.Ledger
	vault   *custody.MemoryVault
	nonces  *MemoryNonceStore
	log     *events.MemoryStore
	seller  party
	buyer   party
	admin   party
	mgrs    []party
	arbs    []party
	outside party
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	f := &relayFixture{
		vault:   custody.NewMemoryVault(),
		nonces:  NewMemoryNonceStore(),
		log:     events.NewMemoryStore(),
		seller:  newParty(t),
		buyer:   newParty(t),
		admin:   newParty(t),
		outside: newParty(t),
	}
	var arbAddrs, mgrAddrs []common.Address
	for i := 0; i < 3; i++ {
		f.arbs = append(f.arbs, newParty(t))
		arbAddrs = append(arbAddrs, f.arbs[i].addr)
		f.mgrs = append(f.mgrs, newParty(t))
		mgrAddrs = append(mgrAddrs, f.mgrs[i].addr)
	}

	reg, err := arbitration.NewRegistry(arbAddrs)
	require.NoError(t, err)
	sched, err := fees.NewSchedule(50)
	require.NoError(t, err)
	f.engine, err = escrow.NewEngine(escrow.Deps{
		Store:    escrow.NewMemoryStore(),
		Vault:    f.vault,
		Gate:     compliance.AllowAll{},
		Registry: reg,
		Fees:     sched,
	}, treasury, []common.Address{f.admin.addr})
	require.NoError(t, err)
	f.ledger, err = governance.NewLedger(governance.NewMemoryStore(), reg, mgrAddrs, 2)
	require.NoError(t, err)

	bus := events.NewBus(nil, f.log)
	f.engine.SetEmitter(bus)
	f.ledger.SetEmitter(bus)

	f.relay, err = NewRelay(testDomain, f.nonces, NewDispatcher(f.engine, f.ledger))
	require.NoError(t, err)
	f.relay.SetEmitter(bus)

	require.NoError(t, f.vault.Credit(usdc, f.buyer.addr, units.MustParse("1000")))
	return f
}

// submit signs call as p at p's current nonce and executes it.
func (f *relayFixture) submit(t *testing.T, p party, method string, args ...interface{}) (*Result, error) {
	t.Helper()
	call, err := Encode(method, args...)
	require.NoError(t, err)
	sig := f.sign(t, p, call)
	return f.relay.Execute(context.Background(), p.addr, call, sig)
}

func (f *relayFixture) sign(t *testing.T, p party, call []byte) []byte {
	t.Helper()
	nonce, err := f.relay.Nonce(context.Background(), p.addr)
	require.NoError(t, err)
	sig, err := testDomain.Sign(p.key, nonce, call)
	require.NoError(t, err)
	return sig
}

func (f *relayFixture) createArgs() []interface{} {
	return []interface{}{
		[32]byte(invoice), f.seller.addr, f.buyer.addr, units.MustParse("100"), usdc,
		uint64(72 * 3600), common.Address{}, big.NewInt(0), big.NewInt(0), uint64(0),
	}
}

func TestNewRelay_RequiresDomain(t *testing.T) {
	_, err := NewRelay(Domain{}, NewMemoryNonceStore(), nil)
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestRelay_ExecutesAsSigner(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	res, err := f.submit(t, f.seller, "createEscrow", f.createArgs()...)
	require.NoError(t, err)
	assert.Equal(t, "createEscrow", res.Method)
	assert.Equal(t, uint64(0), res.Nonce)
	rec := res.Result.(*escrow.Record)
	assert.Equal(t, f.seller.addr, rec.Seller)
	assert.Equal(t, time.Duration(72)*time.Hour, rec.Expiry.Sub(rec.CreatedAt))

	n, err := f.relay.Nonce(ctx, f.seller.addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	assert.Contains(t, f.log.Types(), events.MetaTxExecuted)

	// The buyer funds and both parties confirm, each through their own signature.
	_, err = f.submit(t, f.buyer, "deposit", [32]byte(invoice), units.MustParse("100.5"))
	require.NoError(t, err)
	_, err = f.submit(t, f.buyer, "confirmRelease", [32]byte(invoice))
	require.NoError(t, err)
	res, err = f.submit(t, f.seller, "confirmRelease", [32]byte(invoice))
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleased, res.Result.(*escrow.Record).State())

	assert.Equal(t, units.MustParse("100"), f.vault.BalanceOf(usdc, f.seller.addr))
	assert.Equal(t, units.MustParse("0.5"), f.vault.BalanceOf(usdc, treasury))
}

func TestRelay_ReplayRejected(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	call, err := Encode("createEscrow", f.createArgs()...)
	require.NoError(t, err)
	sig := f.sign(t, f.seller, call)

	_, err = f.relay.Execute(ctx, f.seller.addr, call, sig)
	require.NoError(t, err)

	_, err = f.relay.Execute(ctx, f.seller.addr, call, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, 401, faults.HTTPStatus(err))

	n, err := f.relay.Nonce(ctx, f.seller.addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n, "a rejected replay does not move the nonce")
}

func TestRelay_ConcurrentReplayExecutesOnce(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	call, err := Encode("createEscrow", f.createArgs()...)
	require.NoError(t, err)
	sig := f.sign(t, f.seller, call)

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.relay.Execute(ctx, f.seller.addr, call, sig); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&ok))
	n, err := f.relay.Nonce(ctx, f.seller.addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestRelay_SignatureBoundToPrincipal(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	call, err := Encode("createEscrow", f.createArgs()...)
	require.NoError(t, err)
	sig := f.sign(t, f.seller, call)

	// Both principals are at nonce 0, yet the seller's signature cannot act for the admin.
	_, err = f.relay.Execute(ctx, f.admin.addr, call, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.engine.Get(ctx, invoice)
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)
}

func TestRelay_FailedCallKeepsNonce(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	_, err := f.submit(t, f.seller, "createEscrow", f.createArgs()...)
	require.NoError(t, err)

	_, err = f.submit(t, f.buyer, "deposit", [32]byte(invoice), units.MustParse("100"))
	assert.ErrorIs(t, err, escrow.ErrAmountMismatch)
	n, err := f.relay.Nonce(ctx, f.buyer.addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	_, err = f.submit(t, f.buyer, "deposit", [32]byte(invoice), units.MustParse("100.5"))
	require.NoError(t, err)
	n, err = f.relay.Nonce(ctx, f.buyer.addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestRelay_RejectsBadCalls(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	unknown := []byte{0x12, 0x34, 0x56, 0x78, 0x00}
	_, err := f.relay.Execute(ctx, f.seller.addr, unknown, f.sign(t, f.seller, unknown))
	assert.ErrorIs(t, err, ErrUnknownMethod)

	truncated, err := Encode("deposit", [32]byte(invoice), big.NewInt(1))
	require.NoError(t, err)
	truncated = truncated[:20]
	_, err = f.relay.Execute(ctx, f.seller.addr, truncated, f.sign(t, f.seller, truncated))
	assert.ErrorIs(t, err, ErrMalformedCall)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	n, err := f.relay.Nonce(ctx, f.seller.addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestRelay_RejectsOutOfRangeTimes(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	longDuration := f.createArgs()
	longDuration[5] = uint64(19_000_000_000)
	_, err := f.submit(t, f.seller, "createEscrow", longDuration...)
	assert.ErrorIs(t, err, ErrMalformedCall)

	farDeadline := f.createArgs()
	farDeadline[8] = big.NewInt(100)
	farDeadline[9] = uint64(1) << 63
	_, err = f.submit(t, f.seller, "createEscrow", farDeadline...)
	assert.ErrorIs(t, err, ErrMalformedCall)

	n, err := f.relay.Nonce(ctx, f.seller.addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestRelay_DisputeVoting(t *testing.T) {
	f := newRelayFixture(t)
	_, err := f.submit(t, f.seller, "createEscrow", f.createArgs()...)
	require.NoError(t, err)
	_, err = f.submit(t, f.buyer, "deposit", [32]byte(invoice), units.MustParse("100.5"))
	require.NoError(t, err)
	_, err = f.submit(t, f.buyer, "raiseDispute", [32]byte(invoice))
	require.NoError(t, err)

	_, err = f.submit(t, f.outside, "voteOnDispute", [32]byte(invoice), true)
	assert.ErrorIs(t, err, escrow.ErrNotArbitrator)

	_, err = f.submit(t, f.arbs[0], "voteOnDispute", [32]byte(invoice), false)
	require.NoError(t, err)
	res, err := f.submit(t, f.arbs[1], "voteOnDispute", [32]byte(invoice), false)
	require.NoError(t, err)
	rec := res.Result.(*escrow.Record)
	assert.Equal(t, escrow.StateResolved, rec.State())
	assert.Equal(t, units.MustParse("999.5").String(), f.vault.BalanceOf(usdc, f.buyer.addr).String(),
		"buyer is refunded the face amount; the fee goes to the treasury")
}

func TestRelay_GovernanceAndAdmin(t *testing.T) {
	f := newRelayFixture(t)
	newArbs := []common.Address{newParty(t).addr, newParty(t).addr}

	res, err := f.submit(t, f.mgrs[0], "proposeAddArbitrators", newArbs)
	require.NoError(t, err)
	id := res.Result.(*governance.Proposal).ID

	_, err = f.submit(t, f.mgrs[0], "executeProposal", new(big.Int).SetUint64(id))
	assert.ErrorIs(t, err, governance.ErrInsufficientApprovals)

	_, err = f.submit(t, f.mgrs[1], "approveProposal", new(big.Int).SetUint64(id))
	require.NoError(t, err)
	_, err = f.submit(t, f.mgrs[2], "executeProposal", new(big.Int).SetUint64(id))
	require.NoError(t, err)
	assert.Equal(t, 5, f.ledger.Registry().Count())

	_, err = f.submit(t, f.mgrs[0], "proposeAddArbitrator", newParty(t).addr)
	assert.ErrorIs(t, err, arbitration.ErrEvenCount)

	_, err = f.submit(t, f.seller, "setFeeBasisPoints", big.NewInt(10))
	assert.ErrorIs(t, err, escrow.ErrNotAdmin)
	_, err = f.submit(t, f.admin, "setFeeBasisPoints", big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), f.engine.FeeSchedule().BasisPoints())

	newTreasury := newParty(t).addr
	_, err = f.submit(t, f.admin, "setTreasury", newTreasury)
	require.NoError(t, err)
	assert.Equal(t, newTreasury, f.engine.Treasury())
}

func TestMethodName(t *testing.T) {
	call, err := Encode("voteOnDispute", [32]byte(invoice), true)
	require.NoError(t, err)
	name, err := MethodName(call)
	require.NoError(t, err)
	assert.Equal(t, "voteOnDispute", name)

	_, err = MethodName([]byte{1, 2})
	assert.ErrorIs(t, err, ErrMalformedCall)

	_, err = Encode("noSuchMethod")
	assert.ErrorIs(t, err, ErrMalformedCall)
}

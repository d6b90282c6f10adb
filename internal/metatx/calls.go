package metatx

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/custody"
	"github.com/mbd888/tradevault/internal/escrow"
	"github.com/mbd888/tradevault/internal/faults"
	"github.com/mbd888/tradevault/internal/governance"
)

var (
	ErrUnknownMethod = faults.New(faults.KindValidation, "metatx: unknown method selector")
	ErrMalformedCall = faults.New(faults.KindValidation, "metatx: malformed call arguments")
)

// engineABI is the interface meta-transactions encode calls against.
const engineABI = `[
  {"type":"function","name":"createEscrow","inputs":[
    {"name":"invoiceId","type":"bytes32"},
    {"name":"seller","type":"address"},
    {"name":"buyer","type":"address"},
    {"name":"faceAmount","type":"uint256"},
    {"name":"asset","type":"address"},
    {"name":"durationSeconds","type":"uint64"},
    {"name":"collateralContract","type":"address"},
    {"name":"collateralTokenId","type":"uint256"},
    {"name":"discountRateBps","type":"uint256"},
    {"name":"discountDeadline","type":"uint64"}]},
  {"type":"function","name":"deposit","inputs":[
    {"name":"invoiceId","type":"bytes32"},
    {"name":"value","type":"uint256"}]},
  {"type":"function","name":"confirmRelease","inputs":[{"name":"invoiceId","type":"bytes32"}]},
  {"type":"function","name":"raiseDispute","inputs":[{"name":"invoiceId","type":"bytes32"}]},
  {"type":"function","name":"voteOnDispute","inputs":[
    {"name":"invoiceId","type":"bytes32"},
    {"name":"favorSeller","type":"bool"}]},
  {"type":"function","name":"expireEscrow","inputs":[{"name":"invoiceId","type":"bytes32"}]},
  {"type":"function","name":"proposeAddArbitrator","inputs":[{"name":"arbitrator","type":"address"}]},
  {"type":"function","name":"proposeRemoveArbitrator","inputs":[{"name":"arbitrator","type":"address"}]},
  {"type":"function","name":"proposeAddArbitrators","inputs":[{"name":"arbitrators","type":"address[]"}]},
  {"type":"function","name":"proposeRemoveArbitrators","inputs":[{"name":"arbitrators","type":"address[]"}]},
  {"type":"function","name":"approveProposal","inputs":[{"name":"proposalId","type":"uint256"}]},
  {"type":"function","name":"executeProposal","inputs":[{"name":"proposalId","type":"uint256"}]},
  {"type":"function","name":"setFeeBasisPoints","inputs":[{"name":"basisPoints","type":"uint256"}]},
  {"type":"function","name":"setTreasury","inputs":[{"name":"treasury","type":"address"}]}
]`

var parsedABI = mustParseABI(engineABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("metatx: parse engine ABI: %v", err))
	}
	return parsed
}

// Encode packs a call to method for signing. Bytes32 arguments take
// [32]byte values; convert common.Hash with [32]byte(h).
func Encode(method string, args ...interface{}) ([]byte, error) {
	call, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCall, err)
	}
	return call, nil
}

// MethodName returns the engine method an encoded call targets.
func MethodName(call []byte) (string, error) {
	m, _, err := decode(call)
	if err != nil {
		return "", err
	}
	return m.Name, nil
}

func decode(call []byte) (*abi.Method, []interface{}, error) {
	if len(call) < 4 {
		return nil, nil, fmt.Errorf("%w: call shorter than a selector", ErrMalformedCall)
	}
	m, err := parsedABI.MethodById(call[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %x", ErrUnknownMethod, call[:4])
	}
	args, err := m.Inputs.Unpack(call[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedCall, m.Name, err)
	}
	return m, args, nil
}

// Dispatcher executes decoded calls against the escrow engine and the
// governance ledger with the signer as the acting principal.
type Dispatcher struct {
	escrow     *escrow.Engine
	governance *governance.Ledger
}

// NewDispatcher creates a dispatcher over the given engine and ledger.
func NewDispatcher(e *escrow.Engine, l *governance.Ledger) *Dispatcher {
	return &Dispatcher{escrow: e, governance: l}
}

// Dispatch runs call as principal and returns the method name and its result.
func (d *Dispatcher) Dispatch(ctx context.Context, principal common.Address, call []byte) (string, interface{}, error) {
	m, args, err := decode(call)
	if err != nil {
		return "", nil, err
	}
	a := argReader{method: m.Name, args: args}

	var result interface{}
	switch m.Name {
	case "createEscrow":
		p := escrow.CreateParams{
			InvoiceID:       a.hash(0),
			Seller:          a.address(1),
			Buyer:           a.address(2),
			FaceAmount:      a.bigInt(3),
			Asset:           a.address(4),
			Duration:        a.seconds(5),
			DiscountRateBps: a.narrow(8),
		}
		if c := a.address(6); c != (common.Address{}) {
			p.Collateral = &custody.CollateralRef{Contract: c, TokenID: a.bigInt(7)}
		}
		if dl := a.unixTime(9); !dl.IsZero() {
			p.DiscountDeadline = dl
		}
		if a.err != nil {
			return m.Name, nil, a.err
		}
		result, err = d.escrow.CreateEscrow(ctx, principal, p)
	case "deposit":
		id, value := a.hash(0), a.bigInt(1)
		if a.err != nil {
			return m.Name, nil, a.err
		}
		result, err = d.escrow.Deposit(ctx, principal, id, value)
	case "confirmRelease", "raiseDispute", "expireEscrow":
		id := a.hash(0)
		if a.err != nil {
			return m.Name, nil, a.err
		}
		switch m.Name {
		case "confirmRelease":
			result, err = d.escrow.ConfirmRelease(ctx, principal, id)
		case "raiseDispute":
			result, err = d.escrow.RaiseDispute(ctx, principal, id)
		default:
			result, err = d.escrow.ExpireEscrow(ctx, principal, id)
		}
	case "voteOnDispute":
		id, favorSeller := a.hash(0), a.boolean(1)
		if a.err != nil {
			return m.Name, nil, a.err
		}
		result, err = d.escrow.VoteOnDispute(ctx, principal, id, favorSeller)
	case "proposeAddArbitrator", "proposeRemoveArbitrator":
		target := a.address(0)
		if a.err != nil {
			return m.Name, nil, a.err
		}
		if m.Name == "proposeAddArbitrator" {
			result, err = d.governance.ProposeAddArbitrator(ctx, principal, target)
		} else {
			result, err = d.governance.ProposeRemoveArbitrator(ctx, principal, target)
		}
	case "proposeAddArbitrators", "proposeRemoveArbitrators":
		targets := a.addresses(0)
		if a.err != nil {
			return m.Name, nil, a.err
		}
		if m.Name == "proposeAddArbitrators" {
			result, err = d.governance.ProposeAddArbitrators(ctx, principal, targets)
		} else {
			result, err = d.governance.ProposeRemoveArbitrators(ctx, principal, targets)
		}
	case "approveProposal", "executeProposal":
		id := a.narrow(0)
		if a.err != nil {
			return m.Name, nil, a.err
		}
		if m.Name == "approveProposal" {
			result, err = d.governance.ApproveProposal(ctx, principal, id)
		} else {
			result, err = d.governance.ExecuteProposal(ctx, principal, id)
		}
	case "setFeeBasisPoints":
		bps := a.narrow(0)
		if a.err != nil {
			return m.Name, nil, a.err
		}
		err = d.escrow.SetFeeBasisPoints(ctx, principal, bps)
		result = map[string]uint64{"feeBasisPoints": bps}
	case "setTreasury":
		treasury := a.address(0)
		if a.err != nil {
			return m.Name, nil, a.err
		}
		err = d.escrow.SetTreasury(ctx, principal, treasury)
		result = map[string]common.Address{"treasury": treasury}
	default:
		return m.Name, nil, fmt.Errorf("%w: %s", ErrUnknownMethod, m.Name)
	}
	if err != nil {
		return m.Name, nil, err
	}
	return m.Name, result, nil
}

// argReader converts unpacked ABI values, remembering the first mismatch.
type argReader struct {
	method string
	args   []interface{}
	err    error
}

func (a *argReader) fail(i int, want string) {
	if a.err == nil {
		a.err = fmt.Errorf("%w: %s argument %d is not %s", ErrMalformedCall, a.method, i, want)
	}
}

func (a *argReader) at(i int) interface{} {
	if i >= len(a.args) {
		return nil
	}
	return a.args[i]
}

func (a *argReader) hash(i int) common.Hash {
	v, ok := a.at(i).([32]byte)
	if !ok {
		a.fail(i, "bytes32")
	}
	return common.Hash(v)
}

func (a *argReader) address(i int) common.Address {
	v, ok := a.at(i).(common.Address)
	if !ok {
		a.fail(i, "an address")
	}
	return v
}

func (a *argReader) addresses(i int) []common.Address {
	v, ok := a.at(i).([]common.Address)
	if !ok {
		a.fail(i, "an address list")
	}
	return v
}

func (a *argReader) bigInt(i int) *big.Int {
	v, ok := a.at(i).(*big.Int)
	if !ok {
		a.fail(i, "a uint256")
		return nil
	}
	return v
}

// narrow narrows a uint256 argument.
func (a *argReader) narrow(i int) uint64 {
	v := a.bigInt(i)
	if v == nil {
		return 0
	}
	if !v.IsUint64() {
		a.fail(i, "within uint64 range")
		return 0
	}
	return v.Uint64()
}

func (a *argReader) u64(i int) uint64 {
	v, ok := a.at(i).(uint64)
	if !ok {
		a.fail(i, "a uint64")
	}
	return v
}

func (a *argReader) boolean(i int) bool {
	v, ok := a.at(i).(bool)
	if !ok {
		a.fail(i, "a bool")
	}
	return v
}

// seconds reads a uint64 count of seconds as a duration.
func (a *argReader) seconds(i int) time.Duration {
	v := a.u64(i)
	if v > uint64(math.MaxInt64/int64(time.Second)) {
		a.fail(i, "a representable duration")
		return 0
	}
	return time.Duration(v) * time.Second
}

// unixTime reads a uint64 unix timestamp. Zero yields the zero time.
func (a *argReader) unixTime(i int) time.Time {
	v := a.u64(i)
	if v == 0 {
		return time.Time{}
	}
	if v > math.MaxInt64 {
		a.fail(i, "a representable timestamp")
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}

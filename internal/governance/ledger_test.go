package governance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradevault/internal/arbitration"
	"github.com/mbd888/tradevault/internal/events"
)

var (
	arb1     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	arb2     = common.HexToAddress("0x0000000000000000000000000000000000000002")
	arb3     = common.HexToAddress("0x0000000000000000000000000000000000000003")
	newArb4  = common.HexToAddress("0x0000000000000000000000000000000000000004")
	newArb5  = common.HexToAddress("0x0000000000000000000000000000000000000005")
	outsider = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

type fixture struct {
	ledger *Ledger
	store  *MemoryStore
	log    *events.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := arbitration.NewRegistry([]common.Address{arb1, arb2, arb3})
	require.NoError(t, err)
	store := NewMemoryStore()
	l, err := NewLedger(store, reg, []common.Address{mgrA, mgrB, mgrC}, 2)
	require.NoError(t, err)
	clock := time.Unix(1_700_000_000, 0)
	l.WithClock(func() time.Time { return clock })
	log := events.NewMemoryStore()
	l.SetEmitter(events.NewBus(nil, log))
	return &fixture{ledger: l, store: store, log: log}
}

func TestNewLedger_Validation(t *testing.T) {
	reg, err := arbitration.NewRegistry([]common.Address{arb1})
	require.NoError(t, err)

	_, err = NewLedger(NewMemoryStore(), reg, nil, 1)
	assert.ErrorIs(t, err, ErrNoManagers)

	_, err = NewLedger(NewMemoryStore(), reg, []common.Address{mgrA, mgrB}, 3)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = NewLedger(NewMemoryStore(), reg, []common.Address{mgrA, mgrB}, 0)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = NewLedger(NewMemoryStore(), reg, []common.Address{mgrA, mgrA}, 1)
	assert.ErrorIs(t, err, arbitration.ErrDuplicate)
}

func TestGovernanceThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.ledger.ProposeAddArbitrators(ctx, mgrA, []common.Address{newArb4, newArb5})
	require.NoError(t, err)

	_, err = f.ledger.ExecuteProposal(ctx, mgrA, p.ID)
	assert.ErrorIs(t, err, ErrInsufficientApprovals)
	assert.Equal(t, 3, f.ledger.Registry().Count())

	_, err = f.ledger.ApproveProposal(ctx, mgrA, p.ID)
	assert.ErrorIs(t, err, ErrAlreadyApproved)

	_, err = f.ledger.ApproveProposal(ctx, mgrB, p.ID)
	require.NoError(t, err)

	executed, err := f.ledger.ExecuteProposal(ctx, mgrC, p.ID)
	require.NoError(t, err)
	assert.True(t, executed.Executed())
	assert.Equal(t, 5, f.ledger.Registry().Count())
	assert.True(t, f.ledger.Registry().IsArbitrator(newArb4))

	_, err = f.ledger.ExecuteProposal(ctx, mgrA, p.ID)
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
	assert.Equal(t, 5, f.ledger.Registry().Count())

	assert.Equal(t, []events.Type{
		events.ProposalCreated,
		events.ProposalApproved,
		events.ProposalExecuted,
		events.ArbitratorAdded,
		events.ArbitratorAdded,
	}, f.log.Types())
}

func TestPropose_OnlyManagers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ledger.ProposeAddArbitrators(ctx, outsider, []common.Address{newArb4, newArb5})
	assert.ErrorIs(t, err, ErrNotManager)

	p, err := f.ledger.ProposeAddArbitrators(ctx, mgrA, []common.Address{newArb4, newArb5})
	require.NoError(t, err)

	_, err = f.ledger.ApproveProposal(ctx, outsider, p.ID)
	assert.ErrorIs(t, err, ErrNotManager)
	_, err = f.ledger.ExecuteProposal(ctx, outsider, p.ID)
	assert.ErrorIs(t, err, ErrNotManager)
}

func TestPropose_RejectsEvenResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ledger.ProposeAddArbitrator(ctx, mgrA, newArb4)
	assert.ErrorIs(t, err, arbitration.ErrEvenCount)

	_, err = f.ledger.ProposeRemoveArbitrator(ctx, mgrA, arb1)
	assert.ErrorIs(t, err, arbitration.ErrEvenCount)

	_, err = f.ledger.ProposeRemoveArbitrators(ctx, mgrA, []common.Address{arb1, arb2, arb3})
	assert.ErrorIs(t, err, arbitration.ErrEmptyRegistry)

	_, err = f.ledger.ProposeAddArbitrators(ctx, mgrA, []common.Address{newArb4, arb1})
	assert.ErrorIs(t, err, arbitration.ErrAlreadyMember)

	list, err := f.ledger.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, list, "rejected proposals are not recorded")
}

func TestExecute_RevalidatesAgainstCurrentRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.ledger.ProposeRemoveArbitrators(ctx, mgrA, []common.Address{arb1, arb2})
	require.NoError(t, err)
	second, err := f.ledger.ProposeRemoveArbitrators(ctx, mgrB, []common.Address{arb2, arb3})
	require.NoError(t, err)

	_, err = f.ledger.ApproveProposal(ctx, mgrC, first.ID)
	require.NoError(t, err)
	_, err = f.ledger.ApproveProposal(ctx, mgrC, second.ID)
	require.NoError(t, err)

	_, err = f.ledger.ExecuteProposal(ctx, mgrA, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{arb3}, f.ledger.Registry().Members())

	_, err = f.ledger.ExecuteProposal(ctx, mgrA, second.ID)
	assert.ErrorIs(t, err, arbitration.ErrNotMember)
	assert.Equal(t, 1, f.ledger.Registry().Count())

	still, err := f.ledger.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, still.Executed())
}

func TestRestore_ReplaysExecutedProposals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	add, err := f.ledger.ProposeAddArbitrators(ctx, mgrA, []common.Address{newArb4, newArb5})
	require.NoError(t, err)
	_, err = f.ledger.ApproveProposal(ctx, mgrB, add.ID)
	require.NoError(t, err)
	_, err = f.ledger.ExecuteProposal(ctx, mgrB, add.ID)
	require.NoError(t, err)

	remove, err := f.ledger.ProposeRemoveArbitrators(ctx, mgrA, []common.Address{arb1, newArb4})
	require.NoError(t, err)
	_, err = f.ledger.ApproveProposal(ctx, mgrC, remove.ID)
	require.NoError(t, err)
	_, err = f.ledger.ExecuteProposal(ctx, mgrA, remove.ID)
	require.NoError(t, err)

	_, err = f.ledger.ProposeAddArbitrators(ctx, mgrA, []common.Address{arb1, newArb4})
	require.NoError(t, err, "pending proposals are not replayed")

	genesis, err := arbitration.NewRegistry([]common.Address{arb1, arb2, arb3})
	require.NoError(t, err)
	restarted, err := NewLedger(f.store, genesis, []common.Address{mgrA, mgrB, mgrC}, 2)
	require.NoError(t, err)
	require.NoError(t, restarted.Restore(ctx))

	assert.Equal(t, f.ledger.Registry().Members(), genesis.Members())
	assert.Equal(t, 3, genesis.Count())

	again, err := restarted.ProposeAddArbitrators(ctx, mgrA, []common.Address{arb1, newArb4})
	require.NoError(t, err)
	_, err = restarted.ApproveProposal(ctx, mgrB, again.ID)
	require.NoError(t, err)
	executed, err := restarted.ExecuteProposal(ctx, mgrA, again.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), executed.ExecutionSeq, "sequence continues after restore")
}

func TestParseProposalID(t *testing.T) {
	id, err := ParseProposalID("12")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), id)

	for _, bad := range []string{"", "0", "-1", "abc"} {
		_, err := ParseProposalID(bad)
		assert.ErrorIs(t, err, ErrProposalNotFound, bad)
	}
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	f := newFixture(t)
	p, err := f.ledger.ProposeAddArbitrators(ctx, mgrA, []common.Address{newArb4, newArb5})
	require.NoError(t, err)

	r := gin.New()
	NewHandler(f.ledger).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/arbitrators", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var arbs struct {
		Count     int `json:"count"`
		Threshold int `json:"threshold"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &arbs))
	assert.Equal(t, 3, arbs.Count)
	assert.Equal(t, 2, arbs.Threshold)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/governance/proposals/1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Proposal Proposal `json:"proposal"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, p.ID, got.Proposal.ID)
	assert.Equal(t, StatusPending, got.Proposal.Status)
	assert.Equal(t, []common.Address{newArb4, newArb5}, got.Proposal.Targets)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/governance/proposals/99", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/governance/proposals?limit=10", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

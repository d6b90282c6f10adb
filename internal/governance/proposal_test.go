package governance

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradevault/internal/arbitration"
)

var (
	mgrA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	mgrB = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	mgrC = common.HexToAddress("0x00000000000000000000000000000000000000a3")
)

func TestProposal_Transitions(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	change := arbitration.Change{Action: arbitration.ActionAdd, Targets: []common.Address{common.HexToAddress("0x10")}}
	p := NewProposal(change, mgrA, at)

	assert.Equal(t, StatusPending, p.Status)
	assert.True(t, p.HasApproved(mgrA), "proposer approves implicitly")

	_, err := p.Approve(mgrA)
	assert.ErrorIs(t, err, ErrAlreadyApproved)

	_, err = p.Execute(2, 1, at)
	assert.ErrorIs(t, err, ErrInsufficientApprovals)

	approved, err := p.Approve(mgrB)
	require.NoError(t, err)
	assert.Len(t, p.Approvals, 1, "receiver is unchanged")
	assert.Len(t, approved.Approvals, 2)

	executed, err := approved.Execute(2, 7, at)
	require.NoError(t, err)
	assert.True(t, executed.Executed())
	assert.Equal(t, uint64(7), executed.ExecutionSeq)
	assert.False(t, approved.Executed())

	_, err = executed.Execute(2, 8, at)
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
	_, err = executed.Approve(mgrC)
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
}

func TestProposal_ChangeIsACopy(t *testing.T) {
	target := common.HexToAddress("0x10")
	p := NewProposal(arbitration.Change{Action: arbitration.ActionRemove, Targets: []common.Address{target}}, mgrA, time.Now())
	c := p.Change()
	c.Targets[0] = common.HexToAddress("0x11")
	assert.Equal(t, target, p.Targets[0])
}

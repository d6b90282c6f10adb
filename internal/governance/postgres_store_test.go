package governance

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradevault/internal/arbitration"
	"github.com/mbd888/tradevault/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	at := time.Now().UTC().Truncate(time.Microsecond)

	p := NewProposal(arbitration.Change{
		Action:  arbitration.ActionAdd,
		Targets: []common.Address{newArb4, newArb5},
	}, mgrA, at)
	require.NoError(t, s.Create(ctx, &p))
	require.NotZero(t, p.ID)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Targets, got.Targets)
	assert.Equal(t, []common.Address{mgrA}, got.Approvals)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.ExecutedAt)

	approved, err := got.Approve(mgrB)
	require.NoError(t, err)
	executed, err := approved.Execute(2, 1, at)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, &executed))

	list, err := s.ListExecuted(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(1), list[0].ExecutionSeq)
	assert.Equal(t, []common.Address{mgrA, mgrB}, list[0].Approvals)
	require.NotNil(t, list[0].ExecutedAt)

	_, err = s.Get(ctx, 9999)
	assert.ErrorIs(t, err, ErrProposalNotFound)

	missing := executed
	missing.ID = 9999
	assert.ErrorIs(t, s.Update(ctx, &missing), ErrProposalNotFound)
}

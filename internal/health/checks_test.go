package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/tradevault/internal/circuitbreaker"
)

func TestArbitratorsChecker(t *testing.T) {
	ctx := context.Background()

	st := Arbitrators(func() int { return 3 })(ctx)
	assert.True(t, st.Healthy)
	assert.Equal(t, "3 registered", st.Detail)

	assert.False(t, Arbitrators(func() int { return 2 })(ctx).Healthy)
	assert.False(t, Arbitrators(func() int { return 0 })(ctx).Healthy)
}

func TestSweeperChecker(t *testing.T) {
	ctx := context.Background()
	assert.True(t, Sweeper(func() bool { return true })(ctx).Healthy)

	st := Sweeper(func() bool { return false })(ctx)
	assert.False(t, st.Healthy)
	assert.Equal(t, "expiry_sweeper", st.Name)
}

func TestBreakerChecker(t *testing.T) {
	ctx := context.Background()
	cases := map[circuitbreaker.State]bool{
		circuitbreaker.StateClosed:   true,
		circuitbreaker.StateHalfOpen: true,
		circuitbreaker.StateOpen:     false,
	}
	for state, healthy := range cases {
		st := Breaker("compliance", func() circuitbreaker.State { return state })(ctx)
		assert.Equal(t, healthy, st.Healthy, state.String())
		assert.Equal(t, state.String(), st.Detail)
	}
}

func TestRegistryWithDomainCheckers(t *testing.T) {
	r := NewRegistry()
	r.Register("arbitrators", Arbitrators(func() int { return 4 }))
	r.Register("expiry_sweeper", Sweeper(func() bool { return true }))
	r.RegisterAdvisory("compliance", Breaker("compliance", func() circuitbreaker.State { return circuitbreaker.StateClosed }))

	rep := r.Check(context.Background())
	assert.Equal(t, LevelUnhealthy, rep.Level)
	assert.Len(t, rep.Checks, 3)
	assert.False(t, rep.Checks[0].Healthy)
	assert.True(t, rep.Checks[2].Healthy)
}

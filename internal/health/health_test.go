package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) Status   { return Status{Healthy: true} }
func fail(context.Context) Status { return Status{Healthy: false, Detail: "down"} }

func TestRegistry_Empty(t *testing.T) {
	rep := NewRegistry().Check(context.Background())
	assert.Equal(t, LevelHealthy, rep.Level)
	assert.Empty(t, rep.Checks)
	assert.True(t, rep.Healthy())
}

func TestRegistry_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", ok)
	r.RegisterAdvisory("compliance", ok)

	rep := r.Check(context.Background())
	assert.Equal(t, LevelHealthy, rep.Level)
	require.Len(t, rep.Checks, 2)
	assert.Equal(t, "database", rep.Checks[0].Name)
	assert.True(t, rep.Checks[0].Critical)
	assert.Equal(t, "compliance", rep.Checks[1].Name)
	assert.False(t, rep.Checks[1].Critical)
}

func TestRegistry_AdvisoryFailureDegrades(t *testing.T) {
	r := NewRegistry()
	r.Register("database", ok)
	r.RegisterAdvisory("compliance", fail)

	rep := r.Check(context.Background())
	assert.Equal(t, LevelDegraded, rep.Level)
	assert.True(t, rep.Healthy())
	assert.Equal(t, "down", rep.Checks[1].Detail)
}

func TestRegistry_CriticalFailureWins(t *testing.T) {
	r := NewRegistry()
	r.RegisterAdvisory("compliance", fail)
	r.Register("arbitrators", fail)
	r.Register("database", ok)

	rep := r.Check(context.Background())
	assert.Equal(t, LevelUnhealthy, rep.Level)
	assert.False(t, rep.Healthy())
}

func TestRegistry_NameComesFromRegistration(t *testing.T) {
	r := NewRegistry()
	r.Register("expiry_sweeper", func(context.Context) Status {
		return Status{Name: "something-else", Healthy: true}
	})
	rep := r.Check(context.Background())
	assert.Equal(t, "expiry_sweeper", rep.Checks[0].Name)
}

func TestRegistry_SlowCheckTimesOut(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return Status{Healthy: true}
	})

	rep := r.Check(context.Background())
	assert.Equal(t, LevelUnhealthy, rep.Level)
	assert.Equal(t, "check timed out", rep.Checks[0].Detail)
}

func TestRegistry_ChecksRunConcurrently(t *testing.T) {
	r := NewRegistry()
	var running, peak int32
	check := func(context.Context) Status {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return Status{Healthy: true}
	}
	r.Register("a", check)
	r.Register("b", check)
	r.Register("c", check)

	r.Check(context.Background())
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

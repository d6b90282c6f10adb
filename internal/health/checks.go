package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/tradevault/internal/arbitration"
	"github.com/mbd888/tradevault/internal/circuitbreaker"
)

// Database pings db with a short timeout.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Arbitrators reports unhealthy when the registry could not settle a
// dispute by majority.
func Arbitrators(count func() int) Checker {
	return func(context.Context) Status {
		n := count()
		st := Status{Name: "arbitrators", Healthy: true, Detail: fmt.Sprintf("%d registered", n)}
		if err := arbitration.ValidateCount(n); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
		}
		return st
	}
}

// Sweeper reports whether the expiry timer loop is running.
func Sweeper(running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: "expiry_sweeper", Healthy: false, Detail: "not running"}
		}
		return Status{Name: "expiry_sweeper", Healthy: true}
	}
}

// Breaker reports an open circuit as unhealthy. Half-open is healthy: a
// probe is already in flight.
func Breaker(name string, state func() circuitbreaker.State) Checker {
	return func(context.Context) Status {
		s := state()
		return Status{Name: name, Healthy: s != circuitbreaker.StateOpen, Detail: s.String()}
	}
}

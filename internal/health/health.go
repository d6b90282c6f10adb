// Package health aggregates named subsystem checks into a service verdict.
//
// Checks are either critical or advisory. A failing critical check makes
// the service unhealthy; a failing advisory check only degrades it.
package health

import (
	"context"
	"sync"
	"time"
)

// Level is the aggregate verdict of a Report.
type Level string

const (
	LevelHealthy   Level = "healthy"
	LevelDegraded  Level = "degraded"
	LevelUnhealthy Level = "unhealthy"
)

// DefaultCheckTimeout bounds a single checker when the caller's context
// carries no earlier deadline.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Report is the outcome of one pass over every registered checker.
type Report struct {
	Level  Level    `json:"status"`
	Checks []Status `json:"checks"`
}

// Healthy reports whether no critical check failed.
func (r Report) Healthy() bool { return r.Level != LevelUnhealthy }

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
	return r
}

// Register adds a critical checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, true, check)
}

// RegisterAdvisory adds a checker whose failure only degrades the service.
func (r *Registry) RegisterAdvisory(name string, check Checker) {
	r.add(name, false, check)
}

func (r *Registry) add(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// Check runs every checker concurrently and folds the results into a
// Report. Results keep registration order.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			statuses[i] = run(ctx, nc, timeout)
		}(i, nc)
	}
	wg.Wait()

	level := LevelHealthy
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		if st.Critical {
			level = LevelUnhealthy
			break
		}
		level = LevelDegraded
	}
	return Report{Level: level, Checks: statuses}
}

func run(ctx context.Context, nc namedChecker, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Status, 1)
	go func() { done <- nc.check(ctx) }()

	var st Status
	select {
	case st = <-done:
	case <-ctx.Done():
		st = Status{Healthy: false, Detail: "check timed out"}
	}
	st.Name = nc.name
	st.Critical = nc.critical
	st.LatencyMS = time.Since(start).Milliseconds()
	return st
}

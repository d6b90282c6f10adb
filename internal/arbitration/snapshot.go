package arbitration

import "fmt"

// Snapshot is the quorum a dispute uses for its whole lifetime. It is copied
// into the escrow record when the dispute is raised and never re-derived
// from the live registry.
type Snapshot struct {
	Count         int `json:"arbitratorSnapshotCount"`
	RequiredVotes int `json:"requiredVotes"`
}

// NewSnapshot computes the strict majority for count arbitrators.
func NewSnapshot(count int) (Snapshot, error) {
	if count <= 0 || count%2 == 0 {
		return Snapshot{}, fmt.Errorf("%w: count=%d", ErrInvalidQuorum, count)
	}
	return Snapshot{Count: count, RequiredVotes: count/2 + 1}, nil
}

// Reached reports whether votes meets the majority.
func (s Snapshot) Reached(votes int) bool {
	return s.RequiredVotes > 0 && votes >= s.RequiredVotes
}

// Package governance is the multi-signature ledger managers use to change
// the arbitrator registry. No single manager can add or remove an
// arbitrator: a proposal needs threshold approvals before it executes.
package governance

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/arbitration"
	"github.com/mbd888/tradevault/internal/faults"
)

var (
	ErrProposalNotFound      = faults.New(faults.KindNotFound, "governance: proposal not found")
	ErrNotManager            = faults.New(faults.KindAuthorization, "governance: caller is not a manager")
	ErrAlreadyApproved       = faults.New(faults.KindState, "governance: manager already approved this proposal")
	ErrAlreadyExecuted       = faults.New(faults.KindState, "governance: proposal already executed")
	ErrInsufficientApprovals = faults.New(faults.KindState, "governance: insufficient approvals")
	ErrInvalidThreshold      = faults.New(faults.KindValidation, "governance: threshold must be between 1 and the manager count")
	ErrNoManagers            = faults.New(faults.KindValidation, "governance: at least one manager is required")
)

// Status is the proposal variant tag.
type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
)

// Proposal is a pending or executed registry change. Transitions are pure:
// Approve and Execute return a new value and leave the receiver untouched.
type Proposal struct {
	ID           uint64             `json:"id"`
	Action       arbitration.Action `json:"action"`
	Targets      []common.Address   `json:"targets"`
	Proposer     common.Address     `json:"proposer"`
	Approvals    []common.Address   `json:"approvals"`
	Status       Status             `json:"status"`
	ExecutionSeq uint64             `json:"executionSeq,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	ExecutedAt   *time.Time         `json:"executedAt,omitempty"`
}

// NewProposal creates a pending proposal carrying the proposer's implicit
// approval.
func NewProposal(change arbitration.Change, proposer common.Address, at time.Time) Proposal {
	return Proposal{
		Action:    change.Action,
		Targets:   append([]common.Address(nil), change.Targets...),
		Proposer:  proposer,
		Approvals: []common.Address{proposer},
		Status:    StatusPending,
		CreatedAt: at,
	}
}

// Change returns the registry change the proposal carries.
func (p Proposal) Change() arbitration.Change {
	return arbitration.Change{Action: p.Action, Targets: append([]common.Address(nil), p.Targets...)}
}

// Executed reports whether the proposal has been carried out.
func (p Proposal) Executed() bool { return p.Status == StatusExecuted }

// HasApproved reports whether manager approved the proposal.
func (p Proposal) HasApproved(manager common.Address) bool {
	for _, a := range p.Approvals {
		if a == manager {
			return true
		}
	}
	return false
}

// Approve returns the proposal with manager's approval recorded.
func (p Proposal) Approve(manager common.Address) (Proposal, error) {
	if p.Executed() {
		return p, fmt.Errorf("%w: %d", ErrAlreadyExecuted, p.ID)
	}
	if p.HasApproved(manager) {
		return p, fmt.Errorf("%w: %s on %d", ErrAlreadyApproved, manager.Hex(), p.ID)
	}
	next := p.clone()
	next.Approvals = append(next.Approvals, manager)
	return next, nil
}

// Execute returns the proposal in its executed variant. It fails when the
// proposal already executed or has fewer than threshold approvals.
func (p Proposal) Execute(threshold int, seq uint64, at time.Time) (Proposal, error) {
	if p.Executed() {
		return p, fmt.Errorf("%w: %d", ErrAlreadyExecuted, p.ID)
	}
	if len(p.Approvals) < threshold {
		return p, fmt.Errorf("%w: %d of %d", ErrInsufficientApprovals, len(p.Approvals), threshold)
	}
	next := p.clone()
	next.Status = StatusExecuted
	next.ExecutionSeq = seq
	next.ExecutedAt = &at
	return next, nil
}

func (p Proposal) clone() Proposal {
	out := p
	out.Targets = append([]common.Address(nil), p.Targets...)
	out.Approvals = append([]common.Address(nil), p.Approvals...)
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		out.ExecutedAt = &t
	}
	return out
}

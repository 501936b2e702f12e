package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tillerhq/tiller/pkg/contracts"
	"github.com/tillerhq/tiller/pkg/store"
)

var (
	// ErrBindingMismatch means the response does not present the hash of the
	// exact payload the approval binds to.
	ErrBindingMismatch = errors.New("binding hash mismatch")
	// ErrCannotTransition means the approval is no longer pending.
	ErrCannotTransition = errors.New("approval is not pending")
	// ErrDuplicateApprover means this approver already voted on the quorum.
	ErrDuplicateApprover = errors.New("approver already voted")
	// ErrPatchUnderQuorum means patch responses are disallowed when a quorum
	// is required.
	ErrPatchUnderQuorum = errors.New("patch is not allowed under quorum")
	// ErrApprovalExpired means the approval lapsed before the response.
	ErrApprovalExpired = errors.New("approval has expired")
	// ErrUnknownResponseAction means the response action is not one of
	// approve, reject, patch.
	ErrUnknownResponseAction = errors.New("unknown response action")
)

// IsExpired reports whether a pending approval has lapsed. Expiry is lazy:
// nothing flips the status until a responder or the expiry job observes it.
func IsExpired(state *contracts.ApprovalState, now time.Time) bool {
	return state.Status == contracts.ApprovalPending && now.After(state.ExpiresAt)
}

// Machine applies responses to approval states with optimistic concurrency.
// It owns no routing and writes no audits; callers react to the returned
// state.
type Machine struct {
	approvals store.ApprovalStore
	clock     func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithMachineClock overrides the machine's time source for tests.
func WithMachineClock(clock func() time.Time) MachineOption {
	return func(m *Machine) { m.clock = clock }
}

// NewMachine builds a state machine over an approval store.
func NewMachine(approvals store.ApprovalStore, opts ...MachineOption) *Machine {
	m := &Machine{approvals: approvals, clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Respond applies one responder's decision. The response must carry the
// request's binding hash; writers racing on the same version lose with
// store.ErrStaleVersion. A response to a lapsed approval transitions it to
// expired and fails with ErrApprovalExpired.
func (m *Machine) Respond(ctx context.Context, approvalID string, resp contracts.ApprovalResponse) (*contracts.ApprovalState, error) {
	req, err := m.approvals.Request(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	state, err := m.approvals.State(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	now := m.clock().UTC()

	if IsExpired(state, now) {
		expired, expireErr := m.expire(ctx, state)
		if expireErr != nil && !errors.Is(expireErr, store.ErrStaleVersion) {
			return nil, expireErr
		}
		if expired == nil {
			expired = state
		}
		return expired, ErrApprovalExpired
	}
	if state.Status != contracts.ApprovalPending {
		return nil, fmt.Errorf("%w: status is %s", ErrCannotTransition, state.Status)
	}
	if resp.BindingHash != req.BindingHash {
		return nil, ErrBindingMismatch
	}

	observed := resp.ExpectedVersion
	if observed == 0 {
		observed = state.Version
	}

	next := cloneState(state)
	switch resp.Action {
	case contracts.RespondApprove:
		if req.Quorum != nil {
			if err := applyQuorumVote(next, req, resp, now); err != nil {
				return nil, err
			}
		} else {
			markResponded(next, contracts.ApprovalApproved, resp.RespondedBy, now)
		}
	case contracts.RespondReject:
		markResponded(next, contracts.ApprovalRejected, resp.RespondedBy, now)
	case contracts.RespondPatch:
		if req.Quorum != nil {
			return nil, ErrPatchUnderQuorum
		}
		rehash, err := BindingHash(req.ActionType, resp.PatchValue, req.PrincipalID, req.CartridgeID)
		if err != nil {
			return nil, fmt.Errorf("canonicalize patch: %w", err)
		}
		if rehash != req.BindingHash {
			return nil, fmt.Errorf("%w: patched parameters alter the bound payload", ErrBindingMismatch)
		}
		markResponded(next, contracts.ApprovalPatched, resp.RespondedBy, now)
		next.PatchValue = resp.PatchValue
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResponseAction, resp.Action)
	}

	if err := m.approvals.UpdateState(ctx, next, observed); err != nil {
		return nil, err
	}
	return next, nil
}

// Expire transitions a lapsed pending approval. The expiry job calls this;
// racing with a concurrent responder surfaces store.ErrStaleVersion, which
// the caller skips.
func (m *Machine) Expire(ctx context.Context, approvalID string) (*contracts.ApprovalState, error) {
	state, err := m.approvals.State(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if state.Status != contracts.ApprovalPending {
		return nil, fmt.Errorf("%w: status is %s", ErrCannotTransition, state.Status)
	}
	return m.expire(ctx, state)
}

func (m *Machine) expire(ctx context.Context, state *contracts.ApprovalState) (*contracts.ApprovalState, error) {
	next := cloneState(state)
	next.Status = contracts.ApprovalExpired
	if err := m.approvals.UpdateState(ctx, next, state.Version); err != nil {
		return nil, err
	}
	return next, nil
}

// applyQuorumVote records one distinct vote and approves once the Nth lands.
func applyQuorumVote(next *contracts.ApprovalState, req *contracts.ApprovalRequest, resp contracts.ApprovalResponse, now time.Time) error {
	if next.Quorum == nil {
		next.Quorum = &contracts.QuorumState{Required: req.Quorum.Required}
	}
	for _, entry := range next.Quorum.Entries {
		if entry.ApproverID == resp.RespondedBy {
			return fmt.Errorf("%w: %s", ErrDuplicateApprover, resp.RespondedBy)
		}
	}
	next.Quorum.Entries = append(next.Quorum.Entries, contracts.QuorumEntry{
		ApproverID: resp.RespondedBy,
		Hash:       resp.BindingHash,
		ApprovedAt: now,
	})
	if len(next.Quorum.Entries) >= next.Quorum.Required {
		markResponded(next, contracts.ApprovalApproved, resp.RespondedBy, now)
	}
	return nil
}

func markResponded(state *contracts.ApprovalState, status contracts.ApprovalStatus, by string, now time.Time) {
	state.Status = status
	state.RespondedBy = by
	state.RespondedAt = &now
}

func cloneState(s *contracts.ApprovalState) *contracts.ApprovalState {
	clone := *s
	if s.RespondedAt != nil {
		t := *s.RespondedAt
		clone.RespondedAt = &t
	}
	if s.PatchValue != nil {
		clone.PatchValue = make(map[string]any, len(s.PatchValue))
		for k, v := range s.PatchValue {
			clone.PatchValue[k] = v
		}
	}
	if s.Quorum != nil {
		q := &contracts.QuorumState{Required: s.Quorum.Required}
		q.Entries = append(q.Entries, s.Quorum.Entries...)
		clone.Quorum = q
	}
	return &clone
}

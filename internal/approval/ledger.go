package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradeforge/agent-gate/internal/models"
	"github.com/tradeforge/agent-gate/internal/store"
)

var (
	// ErrConfiguration signals an Initialize call whose role set disagrees
	// with the ledger already on record for the version/stage.
	ErrConfiguration = errors.New("approval ledger configuration mismatch")
	// ErrInvalidTransition covers decisions on unknown roles and decisions
	// on roles that are no longer pending. A decided role can only change
	// through an explicit ledger reset.
	ErrInvalidTransition = errors.New("invalid approval transition")
)

// Ledger tracks per-role sign-off decisions for an agent version at one
// training stage.
type Ledger struct {
	store store.Store
}

func NewLedger(st store.Store) *Ledger {
	return &Ledger{store: st}
}

// Initialize creates one pending approval per required role. Calling it
// again with the identical role set is a no-op returning the existing rows;
// a different role set fails with ErrConfiguration.
func (l *Ledger) Initialize(ctx context.Context, versionID uuid.UUID, stageIndex int, roles []string) ([]models.Approval, error) {
	existing, err := l.store.ListApprovals(ctx, versionID, stageIndex)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		if !sameRoleSet(existing, roles) {
			return nil, fmt.Errorf("%w: version %s stage %d already initialized with a different role set",
				ErrConfiguration, versionID, stageIndex)
		}
		return existing, nil
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: no required roles given", ErrConfiguration)
	}
	return l.store.CreateApprovals(ctx, versionID, stageIndex, roles)
}

// RecordDecision resolves one role's approval to approved or rejected and
// returns the updated ledger snapshot.
func (l *Ledger) RecordDecision(ctx context.Context, versionID uuid.UUID, stageIndex int, role string, decision models.ApprovalStatus, approver, notes string) ([]models.Approval, error) {
	if decision != models.ApprovalApproved && decision != models.ApprovalRejected {
		return nil, fmt.Errorf("%w: decision must be approved or rejected, got %q", ErrInvalidTransition, decision)
	}
	existing, err := l.store.ListApprovals(ctx, versionID, stageIndex)
	if err != nil {
		return nil, err
	}
	found := false
	for _, a := range existing {
		if a.Role != role {
			continue
		}
		found = true
		if a.Status != models.ApprovalPending {
			return nil, fmt.Errorf("%w: role %q already %s", ErrInvalidTransition, role, a.Status)
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: role %q is not required for version %s stage %d",
			ErrInvalidTransition, role, versionID, stageIndex)
	}

	_, err = l.store.DecideApproval(ctx, store.ApprovalDecision{
		VersionID:  versionID,
		StageIndex: stageIndex,
		Role:       role,
		Status:     decision,
		Approver:   approver,
		Notes:      notes,
		DecidedAt:  time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with another decision on the same role.
			return nil, fmt.Errorf("%w: role %q already decided", ErrInvalidTransition, role)
		}
		return nil, err
	}
	return l.store.ListApprovals(ctx, versionID, stageIndex)
}

// Snapshot returns the current ledger rows for a version/stage.
func (l *Ledger) Snapshot(ctx context.Context, versionID uuid.UUID, stageIndex int) ([]models.Approval, error) {
	return l.store.ListApprovals(ctx, versionID, stageIndex)
}

// Clear drops the ledger rows for a version/stage. Used on stage advance
// (approvals do not carry forward) and on reset after rejection.
func (l *Ledger) Clear(ctx context.Context, versionID uuid.UUID, stageIndex int) error {
	return l.store.DeleteApprovals(ctx, versionID, stageIndex)
}

// IsFullyApproved is true iff the ledger is non-empty and every role is
// approved. Never true while any role is pending or rejected.
func IsFullyApproved(approvals []models.Approval) bool {
	if len(approvals) == 0 {
		return false
	}
	for _, a := range approvals {
		if a.Status != models.ApprovalApproved {
			return false
		}
	}
	return true
}

// HasRejection is true iff any role has been rejected.
func HasRejection(approvals []models.Approval) bool {
	for _, a := range approvals {
		if a.Status == models.ApprovalRejected {
			return true
		}
	}
	return false
}

func sameRoleSet(existing []models.Approval, roles []string) bool {
	if len(existing) != len(roles) {
		return false
	}
	have := make(map[string]bool, len(existing))
	for _, a := range existing {
		have[a.Role] = true
	}
	for _, role := range roles {
		if !have[role] {
			return false
		}
	}
	return true
}

package approval_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/tradeforge/agent-gate/internal/approval"
	"github.com/tradeforge/agent-gate/internal/models"
	"github.com/tradeforge/agent-gate/internal/store"
)

func newLedger() *approval.Ledger {
	return approval.NewLedger(store.NewMemoryStore())
}

func TestInitializeCreatesPendingRows(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger()
	versionID := uuid.New()

	rows, err := ledger.Initialize(ctx, versionID, 1, []string{"risk-officer", "quant-lead"})
	assert.NoError(t, err)
	assert.Len(t, rows, 2)
	for _, a := range rows {
		assert.Equal(t, models.ApprovalPending, a.Status)
		assert.Nil(t, a.Approver)
	}
}

func TestInitializeIdempotentWithSameRoles(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger()
	versionID := uuid.New()

	_, err := ledger.Initialize(ctx, versionID, 0, []string{"risk-officer", "quant-lead"})
	assert.NoError(t, err)

	// Same set, different order: no duplicate rows.
	rows, err := ledger.Initialize(ctx, versionID, 0, []string{"quant-lead", "risk-officer"})
	assert.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestInitializeDifferentRoleSetFails(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger()
	versionID := uuid.New()

	_, err := ledger.Initialize(ctx, versionID, 0, []string{"risk-officer"})
	assert.NoError(t, err)

	_, err = ledger.Initialize(ctx, versionID, 0, []string{"risk-officer", "compliance"})
	assert.True(t, errors.Is(err, approval.ErrConfiguration))
}

func TestRecordDecision(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger()
	versionID := uuid.New()

	_, err := ledger.Initialize(ctx, versionID, 0, []string{"risk-officer", "quant-lead"})
	assert.NoError(t, err)

	rows, err := ledger.RecordDecision(ctx, versionID, 0, "risk-officer", models.ApprovalApproved, "alice", "backtest looks clean")
	assert.NoError(t, err)
	assert.False(t, approval.IsFullyApproved(rows))
	assert.False(t, approval.HasRejection(rows))

	rows, err = ledger.RecordDecision(ctx, versionID, 0, "quant-lead", models.ApprovalApproved, "bob", "")
	assert.NoError(t, err)
	assert.True(t, approval.IsFullyApproved(rows))
}

func TestRecordDecisionTwiceFails(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger()
	versionID := uuid.New()

	_, err := ledger.Initialize(ctx, versionID, 0, []string{"risk-officer"})
	assert.NoError(t, err)

	_, err = ledger.RecordDecision(ctx, versionID, 0, "risk-officer", models.ApprovalApproved, "alice", "")
	assert.NoError(t, err)

	_, err = ledger.RecordDecision(ctx, versionID, 0, "risk-officer", models.ApprovalRejected, "mallory", "")
	assert.True(t, errors.Is(err, approval.ErrInvalidTransition))

	// First decision preserved.
	rows, err := ledger.Snapshot(ctx, versionID, 0)
	assert.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, rows[0].Status)
	assert.Equal(t, "alice", *rows[0].Approver)
}

func TestRecordDecisionUnknownRoleFails(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger()
	versionID := uuid.New()

	_, err := ledger.Initialize(ctx, versionID, 0, []string{"risk-officer"})
	assert.NoError(t, err)

	_, err = ledger.RecordDecision(ctx, versionID, 0, "intern", models.ApprovalApproved, "carol", "")
	assert.True(t, errors.Is(err, approval.ErrInvalidTransition))
}

func TestRecordDecisionRequiresTerminalStatus(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger()
	versionID := uuid.New()

	_, err := ledger.Initialize(ctx, versionID, 0, []string{"risk-officer"})
	assert.NoError(t, err)

	_, err = ledger.RecordDecision(ctx, versionID, 0, "risk-officer", models.ApprovalPending, "alice", "")
	assert.True(t, errors.Is(err, approval.ErrInvalidTransition))
}

func TestRejectionPredicates(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger()
	versionID := uuid.New()

	_, err := ledger.Initialize(ctx, versionID, 0, []string{"risk-officer", "quant-lead"})
	assert.NoError(t, err)

	rows, err := ledger.RecordDecision(ctx, versionID, 0, "quant-lead", models.ApprovalRejected, "bob", "drawdown too spiky")
	assert.NoError(t, err)
	assert.True(t, approval.HasRejection(rows))
	assert.False(t, approval.IsFullyApproved(rows))
}

func TestIsFullyApprovedEmptyLedger(t *testing.T) {
	assert.False(t, approval.IsFullyApproved(nil))
}

func TestClearAllowsReinitialize(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger()
	versionID := uuid.New()

	_, err := ledger.Initialize(ctx, versionID, 0, []string{"risk-officer"})
	assert.NoError(t, err)
	_, err = ledger.RecordDecision(ctx, versionID, 0, "risk-officer", models.ApprovalRejected, "alice", "")
	assert.NoError(t, err)

	assert.NoError(t, ledger.Clear(ctx, versionID, 0))

	rows, err := ledger.Initialize(ctx, versionID, 0, []string{"risk-officer"})
	assert.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, rows[0].Status)
}

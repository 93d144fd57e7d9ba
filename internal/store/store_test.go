package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/tradeforge/agent-gate/internal/models"
)

func newMock(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func versionRows(id uuid.UUID, status models.LifecycleStatus, stageIndex int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "name", "semver", "stage_index", "lifecycle_status", "deployed_env", "created_at", "updated_at",
	}).AddRow(id, "momentum-bot", "1.0.0", stageIndex, string(status), nil, now, now)
}

func TestCreateAgentVersion(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery(`INSERT INTO agent_versions`).
		WithArgs(id, "momentum-bot", "1.0.0").
		WillReturnRows(versionRows(id, models.StatusTraining, 0))

	v, err := s.CreateAgentVersion(context.Background(), AgentVersionInput{
		ID: id, Name: "momentum-bot", SemVer: "1.0.0",
	})
	assert.NoError(t, err)
	assert.Equal(t, id, v.ID)
	assert.Equal(t, models.StatusTraining, v.Status)
	assert.Equal(t, 0, v.StageIndex)
	assert.Nil(t, v.DeployedEnv)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAgentVersionNotFound(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM agent_versions WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "semver", "stage_index", "lifecycle_status", "deployed_env", "created_at", "updated_at",
		}))

	_, err := s.GetAgentVersion(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAgentVersionSetsDeployedEnv(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	env := "paper"

	now := time.Now()
	mock.ExpectQuery(`UPDATE agent_versions`).
		WithArgs(id, 1, string(models.StatusDeployed), &env).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "semver", "stage_index", "lifecycle_status", "deployed_env", "created_at", "updated_at",
		}).AddRow(id, "momentum-bot", "1.0.0", 1, "deployed", env, now, now))

	v, err := s.UpdateAgentVersion(context.Background(), AgentVersionUpdate{
		ID: id, StageIndex: 1, Status: models.StatusDeployed, DeployedEnv: &env,
	})
	assert.NoError(t, err)
	assert.Equal(t, models.StatusDeployed, v.Status)
	if assert.NotNil(t, v.DeployedEnv) {
		assert.Equal(t, "paper", *v.DeployedEnv)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideApprovalConflictWhenAlreadyDecided(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	decidedAt := time.Now()

	mock.ExpectQuery(`UPDATE stage_approvals`).
		WithArgs(id, 1, "risk-officer", string(models.ApprovalApproved), "alice", "", decidedAt).
		WillReturnRows(sqlmock.NewRows([]string{
			"version_id", "stage_index", "role", "status", "approver", "notes", "decided_at", "created_at",
		}))

	_, err := s.DecideApproval(context.Background(), ApprovalDecision{
		VersionID: id, StageIndex: 1, Role: "risk-officer",
		Status: models.ApprovalApproved, Approver: "alice", DecidedAt: decidedAt,
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateApprovalsRunsInTransaction(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	for _, role := range []string{"risk-officer", "quant-lead"} {
		mock.ExpectQuery(`INSERT INTO stage_approvals`).
			WithArgs(id, 1, role).
			WillReturnRows(sqlmock.NewRows([]string{
				"version_id", "stage_index", "role", "status", "approver", "notes", "decided_at", "created_at",
			}).AddRow(id, 1, role, "pending", nil, "", nil, now))
	}
	mock.ExpectCommit()

	approvals, err := s.CreateApprovals(context.Background(), id, 1, []string{"risk-officer", "quant-lead"})
	assert.NoError(t, err)
	assert.Len(t, approvals, 2)
	assert.Equal(t, models.ApprovalPending, approvals[0].Status)
	assert.Nil(t, approvals[0].Approver)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveEnvironmentWinsWhenAvailable(t *testing.T) {
	s, mock := newMock(t)
	versionID := uuid.New()

	mock.ExpectQuery(`UPDATE environments`).
		WithArgs("paper", versionID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "occupant_id"}).
			AddRow("paper", "Paper trading", "occupied", versionID.String()))

	env, err := s.ReserveEnvironment(context.Background(), "paper", versionID)
	assert.NoError(t, err)
	assert.Equal(t, models.EnvOccupied, env.Status)
	if assert.NotNil(t, env.OccupantID) {
		assert.Equal(t, versionID, *env.OccupantID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveEnvironmentConflictWhenOccupied(t *testing.T) {
	s, mock := newMock(t)
	versionID := uuid.New()
	other := uuid.New()

	// CAS update hits no rows, then the follow-up lookup finds the occupied row.
	mock.ExpectQuery(`UPDATE environments`).
		WithArgs("paper", versionID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "occupant_id"}))
	mock.ExpectQuery(`SELECT id, name, status, occupant_id FROM environments WHERE id=\$1`).
		WithArgs("paper").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "occupant_id"}).
			AddRow("paper", "Paper trading", "occupied", other.String()))

	_, err := s.ReserveEnvironment(context.Background(), "paper", versionID)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveEnvironmentNotFound(t *testing.T) {
	s, mock := newMock(t)
	versionID := uuid.New()

	mock.ExpectQuery(`UPDATE environments`).
		WithArgs("ghost", versionID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "occupant_id"}))
	mock.ExpectQuery(`SELECT id, name, status, occupant_id FROM environments WHERE id=\$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "occupant_id"}))

	_, err := s.ReserveEnvironment(context.Background(), "ghost", versionID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedEnvironments(t *testing.T) {
	s, mock := newMock(t)

	for _, id := range []string{"paper", "production"} {
		mock.ExpectExec(`INSERT INTO environments`).
			WithArgs(id, sqlmock.AnyArg(), string(models.EnvAvailable)).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	err := s.SeedEnvironments(context.Background(), []models.DeploymentEnvironment{
		{ID: "paper", Name: "Paper trading", Status: models.EnvAvailable},
		{ID: "production", Name: "Production", Status: models.EnvAvailable},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

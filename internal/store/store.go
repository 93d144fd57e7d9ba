package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradeforge/agent-gate/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a compare-and-swap miss: the row exists but is not
	// in the state the operation requires.
	ErrConflict = errors.New("conflict")
)

type Store interface {
	CreateAgentVersion(ctx context.Context, in AgentVersionInput) (models.AgentVersion, error)
	GetAgentVersion(ctx context.Context, id uuid.UUID) (models.AgentVersion, error)
	ListAgentVersions(ctx context.Context) ([]models.AgentVersion, error)
	UpdateAgentVersion(ctx context.Context, in AgentVersionUpdate) (models.AgentVersion, error)

	CreateApprovals(ctx context.Context, versionID uuid.UUID, stageIndex int, roles []string) ([]models.Approval, error)
	ListApprovals(ctx context.Context, versionID uuid.UUID, stageIndex int) ([]models.Approval, error)
	DecideApproval(ctx context.Context, in ApprovalDecision) (models.Approval, error)
	DeleteApprovals(ctx context.Context, versionID uuid.UUID, stageIndex int) error

	SeedEnvironments(ctx context.Context, envs []models.DeploymentEnvironment) error
	ListEnvironments(ctx context.Context) ([]models.DeploymentEnvironment, error)
	GetEnvironment(ctx context.Context, id string) (models.DeploymentEnvironment, error)
	ReserveEnvironment(ctx context.Context, id string, versionID uuid.UUID) (models.DeploymentEnvironment, error)
	ReleaseEnvironment(ctx context.Context, id string) (models.DeploymentEnvironment, error)

	Ping(ctx context.Context) error
}

type AgentVersionInput struct {
	ID     uuid.UUID
	Name   string
	SemVer string
}

type AgentVersionUpdate struct {
	ID          uuid.UUID
	StageIndex  int
	Status      models.LifecycleStatus
	DeployedEnv *string
}

type ApprovalDecision struct {
	VersionID  uuid.UUID
	StageIndex int
	Role       string
	Status     models.ApprovalStatus
	Approver   string
	Notes      string
	DecidedAt  time.Time
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgentVersion(row rowScanner) (models.AgentVersion, error) {
	var (
		v   models.AgentVersion
		env sql.NullString
	)
	if err := row.Scan(
		&v.ID,
		&v.Name,
		&v.SemVer,
		&v.StageIndex,
		&v.Status,
		&env,
		&v.CreatedAt,
		&v.UpdatedAt,
	); err != nil {
		return models.AgentVersion{}, err
	}
	if env.Valid {
		v.DeployedEnv = &env.String
	}
	return v, nil
}

func scanApproval(row rowScanner) (models.Approval, error) {
	var (
		a         models.Approval
		approver  sql.NullString
		decidedAt sql.NullTime
	)
	if err := row.Scan(
		&a.VersionID,
		&a.StageIndex,
		&a.Role,
		&a.Status,
		&approver,
		&a.Notes,
		&decidedAt,
		&a.CreatedAt,
	); err != nil {
		return models.Approval{}, err
	}
	if approver.Valid {
		a.Approver = &approver.String
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	return a, nil
}

func scanEnvironment(row rowScanner) (models.DeploymentEnvironment, error) {
	var (
		e        models.DeploymentEnvironment
		occupant sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Status, &occupant); err != nil {
		return models.DeploymentEnvironment{}, err
	}
	if occupant.Valid {
		id, err := uuid.Parse(occupant.String)
		if err == nil {
			e.OccupantID = &id
		}
	}
	return e, nil
}

func (s *PGStore) CreateAgentVersion(ctx context.Context, in AgentVersionInput) (models.AgentVersion, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO agent_versions (id, name, semver, stage_index, lifecycle_status)
		VALUES ($1,$2,$3,0,'training')
		RETURNING id, name, semver, stage_index, lifecycle_status, deployed_env, created_at, updated_at
	`
	v, err := scanAgentVersion(s.db.QueryRowContext(ctx, query, in.ID, in.Name, in.SemVer))
	if err != nil {
		return models.AgentVersion{}, fmt.Errorf("insert agent version: %w", err)
	}
	return v, nil
}

func (s *PGStore) GetAgentVersion(ctx context.Context, id uuid.UUID) (models.AgentVersion, error) {
	const query = `
		SELECT id, name, semver, stage_index, lifecycle_status, deployed_env, created_at, updated_at
		FROM agent_versions WHERE id=$1
	`
	v, err := scanAgentVersion(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AgentVersion{}, ErrNotFound
		}
		return models.AgentVersion{}, fmt.Errorf("get agent version: %w", err)
	}
	return v, nil
}

func (s *PGStore) ListAgentVersions(ctx context.Context) ([]models.AgentVersion, error) {
	const query = `
		SELECT id, name, semver, stage_index, lifecycle_status, deployed_env, created_at, updated_at
		FROM agent_versions
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agent versions: %w", err)
	}
	defer rows.Close()

	var versions []models.AgentVersion
	for rows.Next() {
		v, err := scanAgentVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent versions: %w", err)
	}
	return versions, nil
}

func (s *PGStore) UpdateAgentVersion(ctx context.Context, in AgentVersionUpdate) (models.AgentVersion, error) {
	query := `
		UPDATE agent_versions
		SET stage_index=$2,
		    lifecycle_status=$3,
		    deployed_env=$4,
		    updated_at=NOW()
		WHERE id=$1
		RETURNING id, name, semver, stage_index, lifecycle_status, deployed_env, created_at, updated_at
	`
	v, err := scanAgentVersion(s.db.QueryRowContext(ctx, query, in.ID, in.StageIndex, in.Status, in.DeployedEnv))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AgentVersion{}, ErrNotFound
		}
		return models.AgentVersion{}, fmt.Errorf("update agent version: %w", err)
	}
	return v, nil
}

func (s *PGStore) CreateApprovals(ctx context.Context, versionID uuid.UUID, stageIndex int, roles []string) ([]models.Approval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO stage_approvals (version_id, stage_index, role, status)
		VALUES ($1,$2,$3,'pending')
		RETURNING version_id, stage_index, role, status, approver, notes, decided_at, created_at
	`
	approvals := make([]models.Approval, 0, len(roles))
	for _, role := range roles {
		a, err := scanApproval(tx.QueryRowContext(ctx, query, versionID, stageIndex, role))
		if err != nil {
			return nil, fmt.Errorf("insert approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit approvals: %w", err)
	}
	return approvals, nil
}

func (s *PGStore) ListApprovals(ctx context.Context, versionID uuid.UUID, stageIndex int) ([]models.Approval, error) {
	const query = `
		SELECT version_id, stage_index, role, status, approver, notes, decided_at, created_at
		FROM stage_approvals
		WHERE version_id=$1 AND stage_index=$2
		ORDER BY role
	`
	rows, err := s.db.QueryContext(ctx, query, versionID, stageIndex)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return approvals, nil
}

// DecideApproval moves a role's row from pending to the given status. The
// pending guard lives in the WHERE clause so a stale decision can never
// overwrite an earlier one.
func (s *PGStore) DecideApproval(ctx context.Context, in ApprovalDecision) (models.Approval, error) {
	query := `
		UPDATE stage_approvals
		SET status=$4, approver=$5, notes=$6, decided_at=$7
		WHERE version_id=$1 AND stage_index=$2 AND role=$3 AND status='pending'
		RETURNING version_id, stage_index, role, status, approver, notes, decided_at, created_at
	`
	a, err := scanApproval(s.db.QueryRowContext(ctx, query,
		in.VersionID, in.StageIndex, in.Role, in.Status, in.Approver, in.Notes, in.DecidedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Approval{}, ErrConflict
		}
		return models.Approval{}, fmt.Errorf("decide approval: %w", err)
	}
	return a, nil
}

func (s *PGStore) DeleteApprovals(ctx context.Context, versionID uuid.UUID, stageIndex int) error {
	const query = `DELETE FROM stage_approvals WHERE version_id=$1 AND stage_index=$2`
	if _, err := s.db.ExecContext(ctx, query, versionID, stageIndex); err != nil {
		return fmt.Errorf("delete approvals: %w", err)
	}
	return nil
}

// SeedEnvironments upserts catalog environments without clobbering a live
// occupied row.
func (s *PGStore) SeedEnvironments(ctx context.Context, envs []models.DeploymentEnvironment) error {
	const query = `
		INSERT INTO environments (id, name, status)
		VALUES ($1,$2,$3)
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name
		WHERE environments.status <> 'occupied'
	`
	for _, env := range envs {
		if _, err := s.db.ExecContext(ctx, query, env.ID, env.Name, env.Status); err != nil {
			return fmt.Errorf("seed environment %s: %w", env.ID, err)
		}
	}
	return nil
}

func (s *PGStore) ListEnvironments(ctx context.Context) ([]models.DeploymentEnvironment, error) {
	const query = `
		SELECT id, name, status, occupant_id
		FROM environments
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var envs []models.DeploymentEnvironment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate environments: %w", err)
	}
	return envs, nil
}

func (s *PGStore) GetEnvironment(ctx context.Context, id string) (models.DeploymentEnvironment, error) {
	const query = `SELECT id, name, status, occupant_id FROM environments WHERE id=$1`
	env, err := scanEnvironment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeploymentEnvironment{}, ErrNotFound
		}
		return models.DeploymentEnvironment{}, fmt.Errorf("get environment: %w", err)
	}
	return env, nil
}

// ReserveEnvironment atomically flips an available environment to occupied.
// The status guard in the WHERE clause makes concurrent deploys race safely:
// exactly one wins, the rest get ErrConflict.
func (s *PGStore) ReserveEnvironment(ctx context.Context, id string, versionID uuid.UUID) (models.DeploymentEnvironment, error) {
	query := `
		UPDATE environments
		SET status='occupied', occupant_id=$2
		WHERE id=$1 AND status='available'
		RETURNING id, name, status, occupant_id
	`
	env, err := scanEnvironment(s.db.QueryRowContext(ctx, query, id, versionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetEnvironment(ctx, id); errors.Is(getErr, ErrNotFound) {
				return models.DeploymentEnvironment{}, ErrNotFound
			}
			return models.DeploymentEnvironment{}, ErrConflict
		}
		return models.DeploymentEnvironment{}, fmt.Errorf("reserve environment: %w", err)
	}
	return env, nil
}

func (s *PGStore) ReleaseEnvironment(ctx context.Context, id string) (models.DeploymentEnvironment, error) {
	query := `
		UPDATE environments
		SET status='available', occupant_id=NULL
		WHERE id=$1 AND status='occupied'
		RETURNING id, name, status, occupant_id
	`
	env, err := scanEnvironment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetEnvironment(ctx, id); errors.Is(getErr, ErrNotFound) {
				return models.DeploymentEnvironment{}, ErrNotFound
			}
			return models.DeploymentEnvironment{}, ErrConflict
		}
		return models.DeploymentEnvironment{}, fmt.Errorf("release environment: %w", err)
	}
	return env, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeforge/agent-gate/internal/models"
)

type approvalKey struct {
	versionID  uuid.UUID
	stageIndex int
	role       string
}

type MemoryStore struct {
	mu           sync.RWMutex
	versions     map[uuid.UUID]models.AgentVersion
	approvals    map[approvalKey]models.Approval
	environments map[string]models.DeploymentEnvironment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions:     map[uuid.UUID]models.AgentVersion{},
		approvals:    map[approvalKey]models.Approval{},
		environments: map[string]models.DeploymentEnvironment{},
	}
}

func (m *MemoryStore) CreateAgentVersion(ctx context.Context, in AgentVersionInput) (models.AgentVersion, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	v := models.AgentVersion{
		ID:         in.ID,
		Name:       in.Name,
		SemVer:     in.SemVer,
		StageIndex: 0,
		Status:     models.StatusTraining,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[v.ID] = v
	return v, nil
}

func (m *MemoryStore) GetAgentVersion(ctx context.Context, id uuid.UUID) (models.AgentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[id]
	if !ok {
		return models.AgentVersion{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) ListAgentVersions(ctx context.Context) ([]models.AgentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := make([]models.AgentVersion, 0, len(m.versions))
	for _, v := range m.versions {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	return versions, nil
}

func (m *MemoryStore) UpdateAgentVersion(ctx context.Context, in AgentVersionUpdate) (models.AgentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[in.ID]
	if !ok {
		return models.AgentVersion{}, ErrNotFound
	}
	v.StageIndex = in.StageIndex
	v.Status = in.Status
	if in.DeployedEnv != nil {
		env := *in.DeployedEnv
		v.DeployedEnv = &env
	} else {
		v.DeployedEnv = nil
	}
	v.UpdatedAt = time.Now().UTC()
	m.versions[in.ID] = v
	return v, nil
}

func (m *MemoryStore) CreateApprovals(ctx context.Context, versionID uuid.UUID, stageIndex int, roles []string) ([]models.Approval, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	approvals := make([]models.Approval, 0, len(roles))
	for _, role := range roles {
		a := models.Approval{
			VersionID:  versionID,
			StageIndex: stageIndex,
			Role:       role,
			Status:     models.ApprovalPending,
			CreatedAt:  now,
		}
		m.approvals[approvalKey{versionID, stageIndex, role}] = a
		approvals = append(approvals, a)
	}
	return approvals, nil
}

func (m *MemoryStore) ListApprovals(ctx context.Context, versionID uuid.UUID, stageIndex int) ([]models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var approvals []models.Approval
	for key, a := range m.approvals {
		if key.versionID == versionID && key.stageIndex == stageIndex {
			approvals = append(approvals, a)
		}
	}
	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].Role < approvals[j].Role
	})
	return approvals, nil
}

func (m *MemoryStore) DecideApproval(ctx context.Context, in ApprovalDecision) (models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := approvalKey{in.VersionID, in.StageIndex, in.Role}
	a, ok := m.approvals[key]
	if !ok || a.Status != models.ApprovalPending {
		return models.Approval{}, ErrConflict
	}
	a.Status = in.Status
	approver := in.Approver
	a.Approver = &approver
	a.Notes = in.Notes
	decidedAt := in.DecidedAt
	a.DecidedAt = &decidedAt
	m.approvals[key] = a
	return a, nil
}

func (m *MemoryStore) DeleteApprovals(ctx context.Context, versionID uuid.UUID, stageIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.approvals {
		if key.versionID == versionID && key.stageIndex == stageIndex {
			delete(m.approvals, key)
		}
	}
	return nil
}

func (m *MemoryStore) SeedEnvironments(ctx context.Context, envs []models.DeploymentEnvironment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range envs {
		if existing, ok := m.environments[env.ID]; ok {
			if existing.Status == models.EnvOccupied {
				continue
			}
			env.OccupantID = nil
		}
		m.environments[env.ID] = env
	}
	return nil
}

func (m *MemoryStore) ListEnvironments(ctx context.Context) ([]models.DeploymentEnvironment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	envs := make([]models.DeploymentEnvironment, 0, len(m.environments))
	for _, env := range m.environments {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].ID < envs[j].ID })
	return envs, nil
}

func (m *MemoryStore) GetEnvironment(ctx context.Context, id string) (models.DeploymentEnvironment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.environments[id]
	if !ok {
		return models.DeploymentEnvironment{}, ErrNotFound
	}
	return env, nil
}

func (m *MemoryStore) ReserveEnvironment(ctx context.Context, id string, versionID uuid.UUID) (models.DeploymentEnvironment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.environments[id]
	if !ok {
		return models.DeploymentEnvironment{}, ErrNotFound
	}
	if env.Status != models.EnvAvailable {
		return models.DeploymentEnvironment{}, ErrConflict
	}
	occupant := versionID
	env.Status = models.EnvOccupied
	env.OccupantID = &occupant
	m.environments[id] = env
	return env, nil
}

func (m *MemoryStore) ReleaseEnvironment(ctx context.Context, id string) (models.DeploymentEnvironment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.environments[id]
	if !ok {
		return models.DeploymentEnvironment{}, ErrNotFound
	}
	if env.Status != models.EnvOccupied {
		return models.DeploymentEnvironment{}, ErrConflict
	}
	env.Status = models.EnvAvailable
	env.OccupantID = nil
	m.environments[id] = env
	return env, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

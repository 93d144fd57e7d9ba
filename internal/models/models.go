package models

import (
	"time"

	"github.com/google/uuid"
)

// LifecycleStatus is the coarse state of an AgentVersion inside the gate.
type LifecycleStatus string

const (
	StatusTraining         LifecycleStatus = "training"
	StatusAwaitingApproval LifecycleStatus = "awaiting_approval"
	StatusApproved         LifecycleStatus = "approved"
	StatusRejected         LifecycleStatus = "rejected"
	StatusDeployed         LifecycleStatus = "deployed"
)

type AgentVersion struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	SemVer      string          `json:"semver"`
	StageIndex  int             `json:"stageIndex"`
	Status      LifecycleStatus `json:"lifecycleStatus"`
	DeployedEnv *string         `json:"deployedEnv,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// EnvironmentKind classifies the data a training stage runs against.
type EnvironmentKind string

const (
	KindSynthetic  EnvironmentKind = "synthetic"
	KindHistorical EnvironmentKind = "historical"
	KindMixed      EnvironmentKind = "mixed"
)

// TrainingStage is immutable configuration loaded from the stage catalog.
type TrainingStage struct {
	ID                string             `json:"id" yaml:"id"`
	Name              string             `json:"name" yaml:"name"`
	EnvironmentKind   EnvironmentKind    `json:"environmentKind" yaml:"environment_kind"`
	EpisodeBudget     int                `json:"episodeBudget" yaml:"episode_budget"`
	ValidationDataset string             `json:"validationDataset" yaml:"validation_dataset"`
	Thresholds        map[string]float64 `json:"thresholds" yaml:"thresholds"`
	RequiresApproval  bool               `json:"requiresApproval" yaml:"requires_approval"`
	RequiredRoles     []string           `json:"requiredRoles,omitempty" yaml:"required_roles"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is one required role's sign-off for a version at a stage.
type Approval struct {
	VersionID  uuid.UUID      `json:"versionId"`
	StageIndex int            `json:"stageIndex"`
	Role       string         `json:"role"`
	Status     ApprovalStatus `json:"status"`
	Approver   *string        `json:"approver,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	DecidedAt  *time.Time     `json:"decidedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

type EnvironmentStatus string

const (
	EnvAvailable   EnvironmentStatus = "available"
	EnvUnavailable EnvironmentStatus = "unavailable"
	EnvOccupied    EnvironmentStatus = "occupied"
)

type DeploymentEnvironment struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Status     EnvironmentStatus `json:"status" yaml:"status"`
	OccupantID *uuid.UUID        `json:"occupantId,omitempty" yaml:"-"`
}

// MetricSnapshot is the latest set of performance metrics for a version.
// The gate always acts on the most recent snapshot; snapshots are never
// blended across fetches.
type MetricSnapshot struct {
	VersionID uuid.UUID          `json:"versionId"`
	Metrics   map[string]float64 `json:"metrics"`
	Timestamp time.Time          `json:"timestamp"`
}

type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckPending CheckStatus = "pending"
)

// ReadinessCheck is a derived view, recomputed on demand and never stored
// as authoritative state.
type ReadinessCheck struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail"`
}

type ReadinessResult struct {
	Checks           []ReadinessCheck `json:"checks"`
	PassedCount      int              `json:"passedCount"`
	FailedCount      int              `json:"failedCount"`
	PendingCount     int              `json:"pendingCount"`
	ReadinessPercent int              `json:"readinessPercent"`
}

// Ready reports whether every check passed.
func (r ReadinessResult) Ready() bool {
	return r.ReadinessPercent == 100
}

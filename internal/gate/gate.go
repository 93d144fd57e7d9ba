package gate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/tradeforge/agent-gate/internal/approval"
	"github.com/tradeforge/agent-gate/internal/archive"
	"github.com/tradeforge/agent-gate/internal/catalog"
	"github.com/tradeforge/agent-gate/internal/events"
	"github.com/tradeforge/agent-gate/internal/metrics"
	"github.com/tradeforge/agent-gate/internal/models"
	"github.com/tradeforge/agent-gate/internal/readiness"
	"github.com/tradeforge/agent-gate/internal/registry"
	"github.com/tradeforge/agent-gate/internal/store"
)

var (
	ErrStageBounds = errors.New("stage index out of bounds")
	ErrNotApproved = errors.New("version not approved for deployment")
	// ErrInvalidTransition is shared with the approval ledger: both cover
	// commands that the current lifecycle state does not admit.
	ErrInvalidTransition = approval.ErrInvalidTransition
)

// Gate is the orchestrating state machine for agent versions:
// training -> awaiting_approval -> approved -> deployed, with rejected
// reachable from awaiting_approval and terminal except via ResetToTraining.
//
// Commands against one version are serialized through a per-version mutex;
// commands against different versions run in parallel. The only shared
// mutable state across versions is the environment registry, which reserves
// with compare-and-swap.
type Gate struct {
	store     store.Store
	catalog   *catalog.Catalog
	evaluator *readiness.Evaluator
	ledger    *approval.Ledger
	registry  *registry.Registry
	source    metrics.Source
	publisher events.Publisher
	archiver  archive.Archiver

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

type Config struct {
	Store     store.Store
	Catalog   *catalog.Catalog
	Source    metrics.Source
	Publisher events.Publisher
	Archiver  archive.Archiver // optional
}

func New(cfg Config) *Gate {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = &events.LogPublisher{}
	}
	return &Gate{
		store:     cfg.Store,
		catalog:   cfg.Catalog,
		evaluator: readiness.New(cfg.Catalog.LowerIsBetter),
		ledger:    approval.NewLedger(cfg.Store),
		registry:  registry.New(cfg.Store),
		source:    cfg.Source,
		publisher: publisher,
		archiver:  cfg.Archiver,
	}
}

// Registry exposes the environment registry the gate deploys through.
func (g *Gate) Registry() *registry.Registry {
	return g.registry
}

func (g *Gate) lockVersion(id uuid.UUID) func() {
	g.mu.Lock()
	lock, ok := g.locks[id]
	if !ok {
		if g.locks == nil {
			g.locks = map[uuid.UUID]*sync.Mutex{}
		}
		lock = &sync.Mutex{}
		g.locks[id] = lock
	}
	g.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// State is the full read model for one version.
type State struct {
	Version   models.AgentVersion     `json:"version"`
	Stage     models.TrainingStage    `json:"stage"`
	Readiness *models.ReadinessResult `json:"readiness,omitempty"`
	Approvals []models.Approval       `json:"approvals,omitempty"`
}

// StartTraining creates a new AgentVersion at stage 0 in training.
func (g *Gate) StartTraining(ctx context.Context, name, semver string) (models.AgentVersion, error) {
	if name == "" || semver == "" {
		return models.AgentVersion{}, fmt.Errorf("name and semver required")
	}
	return g.store.CreateAgentVersion(ctx, store.AgentVersionInput{Name: name, SemVer: semver})
}

// GetState returns the version, its current stage, the approval ledger, and
// a best-effort readiness view. A metric-source outage degrades the
// readiness view to nil rather than failing the query.
func (g *Gate) GetState(ctx context.Context, id uuid.UUID) (State, error) {
	v, err := g.store.GetAgentVersion(ctx, id)
	if err != nil {
		return State{}, err
	}
	stage, err := g.catalog.Stage(v.StageIndex)
	if err != nil {
		return State{}, err
	}
	state := State{Version: v, Stage: stage}

	approvals, err := g.ledger.Snapshot(ctx, id, v.StageIndex)
	if err != nil {
		return State{}, err
	}
	state.Approvals = approvals

	// Readiness is the only best-effort part of the read model: a metric
	// source outage degrades it to nil instead of failing the query.
	if snap, err := g.source.FetchMetrics(ctx, id); err == nil {
		result := g.evaluator.Evaluate(stage, snap)
		state.Readiness = &result
	}
	return state, nil
}

func (g *Gate) ListVersions(ctx context.Context) ([]models.AgentVersion, error) {
	return g.store.ListAgentVersions(ctx)
}

// RunReadinessChecks evaluates the current stage against the latest metric
// snapshot. On a full pass it either advances the stage (no approval
// required) or opens the approval ledger and parks the version in
// awaiting_approval. Anything short of a full pass leaves state untouched,
// so the command is safe to call repeatedly.
func (g *Gate) RunReadinessChecks(ctx context.Context, id uuid.UUID) (models.ReadinessResult, models.AgentVersion, error) {
	unlock := g.lockVersion(id)
	defer unlock()

	v, err := g.store.GetAgentVersion(ctx, id)
	if err != nil {
		return models.ReadinessResult{}, models.AgentVersion{}, err
	}
	stage, err := g.catalog.Stage(v.StageIndex)
	if err != nil {
		return models.ReadinessResult{}, models.AgentVersion{}, err
	}

	// The only blocking external call in the gate. On timeout the command
	// fails without touching any state.
	snap, err := g.source.FetchMetrics(ctx, id)
	if err != nil {
		return models.ReadinessResult{}, models.AgentVersion{}, err
	}
	result := g.evaluator.Evaluate(stage, snap)

	// A version parked at the approval gate is settled from the ledger.
	// Normally that is a no-op (decisions outstanding), but it also heals a
	// version whose decision was recorded while the status write failed.
	if v.Status == models.StatusAwaitingApproval {
		snapshot, err := g.ledger.Snapshot(ctx, id, v.StageIndex)
		if err != nil {
			return models.ReadinessResult{}, models.AgentVersion{}, err
		}
		v, err = g.settleLedger(ctx, v, snapshot)
		if err != nil {
			return models.ReadinessResult{}, models.AgentVersion{}, err
		}
		return result, v, nil
	}

	if !result.Ready() || v.Status != models.StatusTraining {
		return result, v, nil
	}

	if stage.RequiresApproval {
		if _, err := g.ledger.Initialize(ctx, id, v.StageIndex, stage.RequiredRoles); err != nil {
			return models.ReadinessResult{}, models.AgentVersion{}, err
		}
		v, err = g.store.UpdateAgentVersion(ctx, store.AgentVersionUpdate{
			ID: id, StageIndex: v.StageIndex, Status: models.StatusAwaitingApproval,
		})
		if err != nil {
			return models.ReadinessResult{}, models.AgentVersion{}, err
		}
		return result, v, nil
	}

	v, err = g.completeStage(ctx, v)
	if err != nil {
		return models.ReadinessResult{}, models.AgentVersion{}, err
	}
	return result, v, nil
}

// Approve records one role's approval and re-evaluates the gate.
func (g *Gate) Approve(ctx context.Context, id uuid.UUID, role, approver, notes string) ([]models.Approval, models.AgentVersion, error) {
	return g.decide(ctx, id, role, models.ApprovalApproved, approver, notes)
}

// Reject records one role's rejection; any rejection makes the version
// rejected (terminal until ResetToTraining).
func (g *Gate) Reject(ctx context.Context, id uuid.UUID, role, approver, reason string) ([]models.Approval, models.AgentVersion, error) {
	return g.decide(ctx, id, role, models.ApprovalRejected, approver, reason)
}

func (g *Gate) decide(ctx context.Context, id uuid.UUID, role string, decision models.ApprovalStatus, approver, notes string) ([]models.Approval, models.AgentVersion, error) {
	unlock := g.lockVersion(id)
	defer unlock()

	v, err := g.store.GetAgentVersion(ctx, id)
	if err != nil {
		return nil, models.AgentVersion{}, err
	}
	if v.Status != models.StatusAwaitingApproval {
		return nil, models.AgentVersion{}, fmt.Errorf("%w: version is %s, not awaiting approval", ErrInvalidTransition, v.Status)
	}

	snapshot, err := g.ledger.RecordDecision(ctx, id, v.StageIndex, role, decision, approver, notes)
	if err != nil {
		return nil, models.AgentVersion{}, err
	}
	g.publish(ctx, events.NewEvent(events.ApprovalRecorded, id, map[string]interface{}{
		"role":     role,
		"decision": string(decision),
		"approver": approver,
		"stage":    v.StageIndex,
	}))

	v, err = g.settleLedger(ctx, v, snapshot)
	if err != nil {
		return nil, models.AgentVersion{}, err
	}
	return snapshot, v, nil
}

// settleLedger applies the ledger outcome to a version parked at the
// approval gate: any rejection wins, full approval marks the version
// approved (advancing below the terminal stage), outstanding pending
// decisions leave it untouched. Recording a decision and settling its
// outcome are separate steps so an interrupted command can be settled
// again from the ledger on a later RunReadinessChecks.
func (g *Gate) settleLedger(ctx context.Context, v models.AgentVersion, snapshot []models.Approval) (models.AgentVersion, error) {
	switch {
	case approval.HasRejection(snapshot):
		v, err := g.store.UpdateAgentVersion(ctx, store.AgentVersionUpdate{
			ID: v.ID, StageIndex: v.StageIndex, Status: models.StatusRejected,
		})
		if err != nil {
			return models.AgentVersion{}, err
		}
		role, reason := rejectionOf(snapshot)
		ev := events.NewEvent(events.VersionRejected, v.ID, map[string]interface{}{
			"role": role, "reason": reason, "stage": v.StageIndex,
		})
		g.publish(ctx, ev)
		g.archive(ctx, ev)
		return v, nil
	case approval.IsFullyApproved(snapshot):
		v, err := g.store.UpdateAgentVersion(ctx, store.AgentVersionUpdate{
			ID: v.ID, StageIndex: v.StageIndex, Status: models.StatusApproved,
		})
		if err != nil {
			return models.AgentVersion{}, err
		}
		if v.StageIndex < g.catalog.TerminalIndex() {
			return g.advanceLocked(ctx, v)
		}
		// At the terminal stage the version stays approved and becomes
		// eligible for deployment.
		return v, nil
	}
	return v, nil
}

func rejectionOf(snapshot []models.Approval) (role, reason string) {
	for _, a := range snapshot {
		if a.Status == models.ApprovalRejected {
			return a.Role, a.Notes
		}
	}
	return "", ""
}

// AdvanceStage moves the version to the next stage. Only training and
// approved versions can advance: awaiting_approval must go through the
// ledger, rejected only leaves through ResetToTraining, and deployed is
// final. Fails with ErrStageBounds at the last stage; a version can never
// move to a lower stage index.
func (g *Gate) AdvanceStage(ctx context.Context, id uuid.UUID) (models.AgentVersion, error) {
	unlock := g.lockVersion(id)
	defer unlock()

	v, err := g.store.GetAgentVersion(ctx, id)
	if err != nil {
		return models.AgentVersion{}, err
	}
	if v.Status != models.StatusTraining && v.Status != models.StatusApproved {
		return models.AgentVersion{}, fmt.Errorf("%w: cannot advance a %s version", ErrInvalidTransition, v.Status)
	}
	return g.advanceLocked(ctx, v)
}

// completeStage finishes a fully-passed, non-gated stage: advance when more
// stages remain, otherwise mark the version approved for deployment.
func (g *Gate) completeStage(ctx context.Context, v models.AgentVersion) (models.AgentVersion, error) {
	if v.StageIndex < g.catalog.TerminalIndex() {
		return g.advanceLocked(ctx, v)
	}
	return g.store.UpdateAgentVersion(ctx, store.AgentVersionUpdate{
		ID: v.ID, StageIndex: v.StageIndex, Status: models.StatusApproved,
	})
}

func (g *Gate) advanceLocked(ctx context.Context, v models.AgentVersion) (models.AgentVersion, error) {
	if v.StageIndex >= g.catalog.TerminalIndex() {
		return models.AgentVersion{}, fmt.Errorf("%w: already at terminal stage %d", ErrStageBounds, v.StageIndex)
	}
	// Approvals do not carry forward across stages.
	if err := g.ledger.Clear(ctx, v.ID, v.StageIndex); err != nil {
		return models.AgentVersion{}, err
	}
	from := v.StageIndex
	v, err := g.store.UpdateAgentVersion(ctx, store.AgentVersionUpdate{
		ID: v.ID, StageIndex: from + 1, Status: models.StatusTraining,
	})
	if err != nil {
		return models.AgentVersion{}, err
	}
	g.publish(ctx, events.NewEvent(events.StageAdvanced, v.ID, map[string]interface{}{
		"fromStage": from,
		"toStage":   v.StageIndex,
	}))
	return v, nil
}

// Deploy promotes an approved, terminal-stage version into an available
// environment. Approval at the terminal stage is the sole precondition;
// readiness numbers are not re-derived here.
func (g *Gate) Deploy(ctx context.Context, id uuid.UUID, environmentID string) (models.AgentVersion, models.DeploymentEnvironment, error) {
	unlock := g.lockVersion(id)
	defer unlock()

	v, err := g.store.GetAgentVersion(ctx, id)
	if err != nil {
		return models.AgentVersion{}, models.DeploymentEnvironment{}, err
	}
	if v.Status != models.StatusApproved || v.StageIndex != g.catalog.TerminalIndex() {
		return models.AgentVersion{}, models.DeploymentEnvironment{},
			fmt.Errorf("%w: status=%s stage=%d", ErrNotApproved, v.Status, v.StageIndex)
	}

	env, err := g.registry.Reserve(ctx, environmentID, id)
	if err != nil {
		return models.AgentVersion{}, models.DeploymentEnvironment{}, err
	}

	v, err = g.store.UpdateAgentVersion(ctx, store.AgentVersionUpdate{
		ID: id, StageIndex: v.StageIndex, Status: models.StatusDeployed, DeployedEnv: &env.ID,
	})
	if err != nil {
		// Hand the reservation back so the failed command leaves no trace.
		if _, releaseErr := g.registry.Release(ctx, environmentID); releaseErr != nil {
			log.Printf("[gate] release %s after failed deploy: %v", environmentID, releaseErr)
		}
		return models.AgentVersion{}, models.DeploymentEnvironment{}, err
	}

	ev := events.NewEvent(events.VersionDeployed, id, map[string]interface{}{
		"environment": env.ID,
		"stage":       v.StageIndex,
	})
	g.publish(ctx, ev)
	g.archive(ctx, ev)
	return v, env, nil
}

// ResetToTraining clears the rejected state: the current stage's ledger is
// dropped and the version returns to training at the same stage index.
func (g *Gate) ResetToTraining(ctx context.Context, id uuid.UUID) (models.AgentVersion, error) {
	unlock := g.lockVersion(id)
	defer unlock()

	v, err := g.store.GetAgentVersion(ctx, id)
	if err != nil {
		return models.AgentVersion{}, err
	}
	if v.Status != models.StatusRejected {
		return models.AgentVersion{}, fmt.Errorf("%w: reset requires rejected status, got %s", ErrInvalidTransition, v.Status)
	}
	if err := g.ledger.Clear(ctx, id, v.StageIndex); err != nil {
		return models.AgentVersion{}, err
	}
	return g.store.UpdateAgentVersion(ctx, store.AgentVersionUpdate{
		ID: id, StageIndex: v.StageIndex, Status: models.StatusTraining,
	})
}

func (g *Gate) publish(ctx context.Context, ev events.Event) {
	g.publisher.Publish(ctx, ev)
}

func (g *Gate) archive(ctx context.Context, ev events.Event) {
	if g.archiver == nil {
		return
	}
	if err := g.archiver.ArchiveDecision(ctx, ev); err != nil {
		log.Printf("[gate] archive %s: %v", ev.Type, err)
	}
}

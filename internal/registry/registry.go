package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tradeforge/agent-gate/internal/models"
	"github.com/tradeforge/agent-gate/internal/store"
)

var (
	// ErrEnvironmentUnavailable covers reserve attempts against occupied or
	// unavailable environments. Deploys never evict implicitly.
	ErrEnvironmentUnavailable = errors.New("environment unavailable")
	ErrNotOccupied            = errors.New("environment not occupied")
)

// Registry is the catalog of deployment environments. Reservation uses
// compare-and-swap semantics at the store so concurrent deploys for
// different versions cannot double-book an environment.
type Registry struct {
	store store.Store
}

func New(st store.Store) *Registry {
	return &Registry{store: st}
}

// Seed upserts catalog-defined environments, leaving occupied ones alone.
func (r *Registry) Seed(ctx context.Context, envs []models.DeploymentEnvironment) error {
	return r.store.SeedEnvironments(ctx, envs)
}

func (r *Registry) List(ctx context.Context) ([]models.DeploymentEnvironment, error) {
	return r.store.ListEnvironments(ctx)
}

// ListAvailable returns environments currently accepting deployments.
func (r *Registry) ListAvailable(ctx context.Context) ([]models.DeploymentEnvironment, error) {
	envs, err := r.store.ListEnvironments(ctx)
	if err != nil {
		return nil, err
	}
	available := envs[:0]
	for _, env := range envs {
		if env.Status == models.EnvAvailable {
			available = append(available, env)
		}
	}
	return available, nil
}

func (r *Registry) Get(ctx context.Context, id string) (models.DeploymentEnvironment, error) {
	return r.store.GetEnvironment(ctx, id)
}

// Reserve binds an available environment to a version. Succeeds only if the
// environment was available immediately prior.
func (r *Registry) Reserve(ctx context.Context, id string, versionID uuid.UUID) (models.DeploymentEnvironment, error) {
	env, err := r.store.ReserveEnvironment(ctx, id, versionID)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.DeploymentEnvironment{}, fmt.Errorf("%w: %s", ErrEnvironmentUnavailable, id)
		}
		return models.DeploymentEnvironment{}, err
	}
	return env, nil
}

// Release frees an occupied environment.
func (r *Registry) Release(ctx context.Context, id string) (models.DeploymentEnvironment, error) {
	env, err := r.store.ReleaseEnvironment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.DeploymentEnvironment{}, fmt.Errorf("%w: %s", ErrNotOccupied, id)
		}
		return models.DeploymentEnvironment{}, err
	}
	return env, nil
}

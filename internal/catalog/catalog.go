package catalog

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tradeforge/agent-gate/internal/models"
)

// ErrConfiguration marks a malformed stage catalog. Violations are rejected
// at load time, never silently accepted.
var ErrConfiguration = errors.New("invalid stage catalog")

// Catalog holds the ordered training stages, the environment seed list, and
// the metric-direction overrides. Immutable after Load.
type Catalog struct {
	Stages        []models.TrainingStage         `yaml:"stages"`
	Environments  []models.DeploymentEnvironment `yaml:"environments"`
	LowerIsBetter []string                       `yaml:"lower_is_better"`
}

// Load reads and validates a catalog YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Stage returns the stage at index, or an error when out of bounds.
func (c *Catalog) Stage(index int) (models.TrainingStage, error) {
	if index < 0 || index >= len(c.Stages) {
		return models.TrainingStage{}, fmt.Errorf("%w: stage index %d out of range [0,%d)", ErrConfiguration, index, len(c.Stages))
	}
	return c.Stages[index], nil
}

// TerminalIndex is the index of the last stage.
func (c *Catalog) TerminalIndex() int {
	return len(c.Stages) - 1
}

// Validate checks structural constraints and the monotonic-tightening
// invariant: for any metric present in consecutive stages, the later stage
// must be at least as strict (>= for higher-is-better metrics, <= for
// lower-is-better ones).
func (c *Catalog) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("%w: at least one stage required", ErrConfiguration)
	}

	lower := map[string]bool{"maxDrawdown": true, "maxDrawdownPct": true, "volatility": true}
	for _, name := range c.LowerIsBetter {
		lower[name] = true
	}

	seenStages := map[string]bool{}
	for i, stage := range c.Stages {
		if stage.ID == "" {
			return fmt.Errorf("%w: stage %d missing id", ErrConfiguration, i)
		}
		if seenStages[stage.ID] {
			return fmt.Errorf("%w: duplicate stage id %q", ErrConfiguration, stage.ID)
		}
		seenStages[stage.ID] = true

		switch stage.EnvironmentKind {
		case models.KindSynthetic, models.KindHistorical, models.KindMixed:
		default:
			return fmt.Errorf("%w: stage %q has unknown environment kind %q", ErrConfiguration, stage.ID, stage.EnvironmentKind)
		}
		if stage.EpisodeBudget <= 0 {
			return fmt.Errorf("%w: stage %q episode_budget must be > 0", ErrConfiguration, stage.ID)
		}
		if stage.RequiresApproval && len(stage.RequiredRoles) == 0 {
			return fmt.Errorf("%w: stage %q requires approval but lists no required_roles", ErrConfiguration, stage.ID)
		}
		if !stage.RequiresApproval && len(stage.RequiredRoles) > 0 {
			return fmt.Errorf("%w: stage %q lists required_roles without requires_approval", ErrConfiguration, stage.ID)
		}
		seenRoles := map[string]bool{}
		for _, role := range stage.RequiredRoles {
			if role == "" {
				return fmt.Errorf("%w: stage %q has an empty role", ErrConfiguration, stage.ID)
			}
			if seenRoles[role] {
				return fmt.Errorf("%w: stage %q lists role %q twice", ErrConfiguration, stage.ID, role)
			}
			seenRoles[role] = true
		}

		if i == 0 {
			continue
		}
		prev := c.Stages[i-1]
		for metric, threshold := range stage.Thresholds {
			prevThreshold, ok := prev.Thresholds[metric]
			if !ok {
				continue
			}
			loosened := threshold < prevThreshold
			if lower[metric] {
				loosened = threshold > prevThreshold
			}
			if loosened {
				return fmt.Errorf("%w: stage %q loosens %s from %g to %g (thresholds must tighten monotonically)",
					ErrConfiguration, stage.ID, metric, prevThreshold, threshold)
			}
		}
	}

	seenEnvs := map[string]bool{}
	for i, env := range c.Environments {
		if env.ID == "" {
			return fmt.Errorf("%w: environment %d missing id", ErrConfiguration, i)
		}
		if seenEnvs[env.ID] {
			return fmt.Errorf("%w: duplicate environment id %q", ErrConfiguration, env.ID)
		}
		seenEnvs[env.ID] = true
		switch env.Status {
		case models.EnvAvailable, models.EnvUnavailable:
		case "":
			c.Environments[i].Status = models.EnvAvailable
		default:
			return fmt.Errorf("%w: environment %q cannot be seeded as %q", ErrConfiguration, env.ID, env.Status)
		}
	}

	return nil
}

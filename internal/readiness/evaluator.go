package readiness

import (
	"fmt"
	"sort"

	"github.com/tradeforge/agent-gate/internal/models"
)

// defaultLowerIsBetter lists metric names where a smaller measurement beats
// the threshold. Everything else is treated as higher-is-better.
var defaultLowerIsBetter = map[string]bool{
	"maxDrawdown":    true,
	"maxDrawdownPct": true,
	"volatility":     true,
}

// Evaluator compares metric snapshots against stage thresholds. The zero
// value uses the default metric directions.
type Evaluator struct {
	lowerIsBetter map[string]bool
}

// New returns an Evaluator. extraLowerIsBetter extends the built-in set of
// lower-is-better metric names (usually supplied by the stage catalog).
func New(extraLowerIsBetter []string) *Evaluator {
	directions := make(map[string]bool, len(defaultLowerIsBetter)+len(extraLowerIsBetter))
	for name := range defaultLowerIsBetter {
		directions[name] = true
	}
	for _, name := range extraLowerIsBetter {
		directions[name] = true
	}
	return &Evaluator{lowerIsBetter: directions}
}

// LowerIsBetter reports the comparison direction for a metric name.
func (e *Evaluator) LowerIsBetter(metric string) bool {
	if e == nil || e.lowerIsBetter == nil {
		return defaultLowerIsBetter[metric]
	}
	return e.lowerIsBetter[metric]
}

// Evaluate runs one readiness check per threshold in the stage. A metric
// missing from the snapshot yields a pending check: absence of data is not
// a failing measurement. Pure function; the snapshot and stage are not
// mutated.
func (e *Evaluator) Evaluate(stage models.TrainingStage, snapshot models.MetricSnapshot) models.ReadinessResult {
	names := make([]string, 0, len(stage.Thresholds))
	for name := range stage.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)

	result := models.ReadinessResult{Checks: make([]models.ReadinessCheck, 0, len(names))}
	for _, name := range names {
		threshold := stage.Thresholds[name]
		check := models.ReadinessCheck{Name: name}
		value, ok := snapshot.Metrics[name]
		switch {
		case !ok:
			check.Status = models.CheckPending
			check.Detail = fmt.Sprintf("no measurement for %s yet", name)
			result.PendingCount++
		case e.satisfies(name, value, threshold):
			check.Status = models.CheckPassed
			check.Detail = e.detail(name, value, threshold)
			result.PassedCount++
		default:
			check.Status = models.CheckFailed
			check.Detail = e.detail(name, value, threshold)
			result.FailedCount++
		}
		result.Checks = append(result.Checks, check)
	}

	total := len(result.Checks)
	if total == 0 {
		// No thresholds means vacuously ready.
		result.ReadinessPercent = 100
		return result
	}
	result.ReadinessPercent = 100 * result.PassedCount / total
	return result
}

func (e *Evaluator) satisfies(metric string, value, threshold float64) bool {
	if e.LowerIsBetter(metric) {
		return value <= threshold
	}
	return value >= threshold
}

func (e *Evaluator) detail(metric string, value, threshold float64) string {
	op := ">="
	if e.LowerIsBetter(metric) {
		op = "<="
	}
	return fmt.Sprintf("%s=%.4g, required %s %.4g", metric, value, op, threshold)
}

package readiness_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tradeforge/agent-gate/internal/models"
	"github.com/tradeforge/agent-gate/internal/readiness"
)

func stageWith(thresholds map[string]float64) models.TrainingStage {
	return models.TrainingStage{
		ID:         "stage-1",
		Name:       "Historical Validation",
		Thresholds: thresholds,
	}
}

func TestEvaluateAllPassing(t *testing.T) {
	ev := readiness.New(nil)
	result := ev.Evaluate(
		stageWith(map[string]float64{"sharpeRatio": 1.0, "maxDrawdown": 15}),
		models.MetricSnapshot{Metrics: map[string]float64{"sharpeRatio": 1.2, "maxDrawdown": 10}},
	)

	assert.Equal(t, 2, result.PassedCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Equal(t, 0, result.PendingCount)
	assert.Equal(t, 100, result.ReadinessPercent)
	assert.True(t, result.Ready())
}

func TestEvaluateAllFailing(t *testing.T) {
	ev := readiness.New(nil)
	result := ev.Evaluate(
		stageWith(map[string]float64{"sharpeRatio": 1.0, "maxDrawdown": 15}),
		models.MetricSnapshot{Metrics: map[string]float64{"sharpeRatio": 0.5, "maxDrawdown": 20}},
	)

	assert.Equal(t, 0, result.PassedCount)
	assert.Equal(t, 2, result.FailedCount)
	assert.Equal(t, 0, result.ReadinessPercent)
	assert.False(t, result.Ready())
}

func TestEvaluateMissingMetricIsPending(t *testing.T) {
	ev := readiness.New(nil)
	result := ev.Evaluate(
		stageWith(map[string]float64{"sharpeRatio": 1.0, "winRate": 55}),
		models.MetricSnapshot{Metrics: map[string]float64{"sharpeRatio": 1.5}},
	)

	assert.Equal(t, 1, result.PassedCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Equal(t, 1, result.PendingCount)
	assert.Equal(t, 50, result.ReadinessPercent)

	var pending models.ReadinessCheck
	for _, c := range result.Checks {
		if c.Name == "winRate" {
			pending = c
		}
	}
	assert.Equal(t, models.CheckPending, pending.Status)
}

func TestEvaluatePercentRoundsDown(t *testing.T) {
	ev := readiness.New(nil)
	result := ev.Evaluate(
		stageWith(map[string]float64{"sharpeRatio": 1.0, "winRate": 55, "profitFactor": 1.5}),
		models.MetricSnapshot{Metrics: map[string]float64{
			"sharpeRatio":  1.1,
			"winRate":      60,
			"profitFactor": 1.2,
		}},
	)

	// 2 of 3 passed: 66.6 floors to 66.
	assert.Equal(t, 66, result.ReadinessPercent)
}

func TestEvaluateNoThresholdsVacuouslyReady(t *testing.T) {
	ev := readiness.New(nil)
	result := ev.Evaluate(stageWith(nil), models.MetricSnapshot{})

	assert.Empty(t, result.Checks)
	assert.Equal(t, 100, result.ReadinessPercent)
	assert.True(t, result.Ready())
}

func TestEvaluateExactThresholdPasses(t *testing.T) {
	ev := readiness.New(nil)
	result := ev.Evaluate(
		stageWith(map[string]float64{"sharpeRatio": 1.0, "maxDrawdown": 15}),
		models.MetricSnapshot{Metrics: map[string]float64{"sharpeRatio": 1.0, "maxDrawdown": 15}},
	)

	assert.Equal(t, 100, result.ReadinessPercent)
}

func TestEvaluateCatalogDirections(t *testing.T) {
	ev := readiness.New([]string{"turnoverRatio"})
	result := ev.Evaluate(
		stageWith(map[string]float64{"turnoverRatio": 2.0}),
		models.MetricSnapshot{Metrics: map[string]float64{"turnoverRatio": 1.5}},
	)

	assert.Equal(t, 1, result.PassedCount)
	assert.True(t, ev.LowerIsBetter("turnoverRatio"))
	assert.True(t, ev.LowerIsBetter("maxDrawdown"))
	assert.False(t, ev.LowerIsBetter("sharpeRatio"))
}

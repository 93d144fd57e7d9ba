package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tradeforge/agent-gate/internal/models"
)

// ErrUnavailable means the metric source could not be reached before the
// deadline. It is the only retryable failure in the gate: callers may simply
// re-invoke RunReadinessChecks.
var ErrUnavailable = errors.New("metric source unavailable")

// Source supplies the latest performance metrics for an agent version.
// Consumed by the gate, never implemented by it; the backtesting engine
// behind it is an opaque producer.
type Source interface {
	FetchMetrics(ctx context.Context, versionID uuid.UUID) (models.MetricSnapshot, error)
}

// StaticSource serves snapshots from a fixed in-memory map. Used in tests
// and local runs without a metrics backend.
type StaticSource struct {
	Snapshots map[uuid.UUID]models.MetricSnapshot
}

func NewStaticSource() *StaticSource {
	return &StaticSource{Snapshots: map[uuid.UUID]models.MetricSnapshot{}}
}

// Set replaces the snapshot for a version.
func (s *StaticSource) Set(versionID uuid.UUID, values map[string]float64) {
	s.Snapshots[versionID] = models.MetricSnapshot{
		VersionID: versionID,
		Metrics:   values,
		Timestamp: time.Now().UTC(),
	}
}

func (s *StaticSource) FetchMetrics(ctx context.Context, versionID uuid.UUID) (models.MetricSnapshot, error) {
	snap, ok := s.Snapshots[versionID]
	if !ok {
		// No data yet: an empty snapshot makes every check pending.
		return models.MetricSnapshot{VersionID: versionID, Metrics: map[string]float64{}, Timestamp: time.Now().UTC()}, nil
	}
	return snap, nil
}

// Package metrics records supervisor events. Bees report through the
// Collector interface; the hive runner exposes the Prometheus implementation.
package metrics

import "time"

// Collector receives lifecycle events from every bee.
type Collector interface {
	// StateTransition records a bee moving between lifecycle states.
	StateTransition(id, from, to string)

	// KillDuration records how long a kill took and whether it finished in
	// time ("stopped" or "timeout").
	KillDuration(id string, duration time.Duration, result string)

	// HealthProbe records a single probe result.
	HealthProbe(id string, probeType string, healthy bool, duration time.Duration)

	// ArchiveGenerated records a debug archive and how many pieces made it in.
	ArchiveGenerated(id string, pieces int, failedPieces int)
}

type noopCollector struct{}

// NewNoopCollector returns a Collector that drops everything.
func NewNoopCollector() Collector {
	return noopCollector{}
}

func (noopCollector) StateTransition(id, from, to string) {}

func (noopCollector) KillDuration(id string, duration time.Duration, result string) {}

func (noopCollector) HealthProbe(id string, probeType string, healthy bool, duration time.Duration) {}

func (noopCollector) ArchiveGenerated(id string, pieces int, failedPieces int) {}

package flow

import (
	"time"

	"PulseFlow/internal/models"
)

// Scheduler turns a flow's steps into ready times for their jobs.
type Scheduler interface {
	Plan(createdAt time.Time, steps []models.StepDefinition) []time.Time
}

// OffsetScheduler measures every step's delay from flow creation. All jobs
// are enqueued at once; a failed step does not hold back later ones.
type OffsetScheduler struct{}

func (OffsetScheduler) Plan(createdAt time.Time, steps []models.StepDefinition) []time.Time {
	out := make([]time.Time, len(steps))
	for i, step := range steps {
		out[i] = createdAt.Add(step.Delay)
	}
	return out
}

package flow

import (
	"time"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/models"
)

type JobStatus struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	State       models.JobState `json:"state"`
	Cancelled   bool            `json:"cancelled,omitempty"`
	ProcessedOn *time.Time      `json:"processedOn"`
	Delay       int64           `json:"delay"`
	Attempts    int             `json:"attempts"`
	Provider    string          `json:"provider,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type Status struct {
	FlowID    string          `json:"flowId"`
	Kind      models.FlowKind `json:"kind"`
	Terminal  bool            `json:"terminal"`
	CreatedAt time.Time       `json:"createdAt"`
	TotalJobs int             `json:"totalJobs"`
	Completed int             `json:"completed"`

	// Waiting includes delayed jobs.
	Waiting   int         `json:"waiting"`
	Delayed   int         `json:"delayed"`
	Active    int         `json:"active"`
	Failed    int         `json:"failed"`
	Cancelled int         `json:"cancelled"`
	Jobs      []JobStatus `json:"jobs"`
}

// GetStatus aggregates the current state of the flow's jobs. Jobs the queue
// no longer knows are left out of the per-job list but still counted in
// TotalJobs.
func (o *Orchestrator) GetStatus(flowID string) (Status, error) {
	f, ok := o.Get(flowID)
	if !ok {
		return Status{}, apperr.NotFound(apperr.ErrFlowNotFound, flowID)
	}

	st := Status{
		FlowID:    f.ID,
		Kind:      f.Kind,
		Terminal:  f.Terminal,
		CreatedAt: f.CreatedAt,
		TotalJobs: len(f.JobIDs),
		Jobs:      make([]JobStatus, 0, len(f.JobIDs)),
	}

	now := o.opts.Now()
	for _, job := range o.queue.Jobs(f.JobIDs) {
		switch job.State {
		case models.StateCompleted:
			st.Completed++
		case models.StateWaiting:
			st.Waiting++
		case models.StateDelayed:
			st.Waiting++
			st.Delayed++
		case models.StateActive:
			st.Active++
		case models.StateFailed:
			st.Failed++
			if job.Cancelled {
				st.Cancelled++
			}
		}

		var delay int64
		if job.State.Pending() && job.ReadyAt.After(now) {
			delay = job.ReadyAt.Sub(now).Milliseconds()
		}

		st.Jobs = append(st.Jobs, JobStatus{
			ID:          job.ID,
			Name:        job.Template,
			State:       job.State,
			Cancelled:   job.Cancelled,
			ProcessedOn: job.ProcessedOn,
			Delay:       delay,
			Attempts:    job.Attempts,
			Provider:    job.Provider,
			Error:       job.LastError,
		})
	}
	return st, nil
}

// Package flow expands multi-step email flows into queued jobs and tracks
// them as a unit.
package flow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/logging"
	"PulseFlow/internal/metrics"
	"PulseFlow/internal/models"
	"PulseFlow/internal/queue"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Queue is the part of the job queue the orchestrator drives.
type Queue interface {
	Enqueue(job models.Job) (string, error)
	CancelJob(id string) queue.CancelOutcome
	Jobs(ids []string) []models.Job
}

// Templates checks that a template exists and gets the variables it needs.
type Templates interface {
	Validate(name string, vars map[string]any) error
}

// Context is the per-flow input shared by every step.
type Context struct {
	To         string
	UserID     string
	Variables  map[string]any
	Preference models.Preference
}

type Created struct {
	FlowID     string     `json:"flowId"`
	JobIDs     []string   `json:"jobIds"`
	Steps      int        `json:"steps"`
	ResetToken string     `json:"resetToken,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

type Options struct {
	// Policy supplies the attempt budget for new jobs.
	Policy        func() models.Policy
	ResetTokenTTL time.Duration
	Scheduler     Scheduler
	Now           func() time.Time
}

type flowState struct {
	flow models.Flow

	// remaining counts jobs that have not reached a terminal state.
	remaining int
}

type Orchestrator struct {
	mu    sync.RWMutex
	flows map[string]*flowState

	queue     Queue
	templates Templates
	validate  *validator.Validate
	opts      Options
	logger    *zap.Logger
}

func New(q Queue, templates Templates, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.Scheduler == nil {
		opts.Scheduler = OffsetScheduler{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ResetTokenTTL <= 0 {
		opts.ResetTokenTTL = time.Hour
	}
	if opts.Policy == nil {
		opts.Policy = func() models.Policy { return models.Policy{RetryAttempts: 1} }
	}
	return &Orchestrator{
		flows:     make(map[string]*flowState),
		queue:     q,
		templates: templates,
		validate:  validator.New(),
		opts:      opts,
		logger:    logger,
	}
}

// CreateFlow validates every step up front, then enqueues one job per step.
// Nothing is enqueued when validation fails. Empty steps select the kind's
// built-in definition.
func (o *Orchestrator) CreateFlow(kind models.FlowKind, steps []models.StepDefinition, fc Context) (Created, error) {
	if !kind.Valid() {
		return Created{}, apperr.New(apperr.KindValidation, fmt.Sprintf("flow kind %q", kind), apperr.ErrUnknownKind)
	}
	if len(steps) == 0 {
		steps = DefaultSteps(kind)
	}
	if len(steps) == 0 {
		return Created{}, apperr.New(apperr.KindValidation, string(kind), apperr.ErrNoSteps)
	}
	if err := o.validate.Var(fc.To, "required,email"); err != nil {
		return Created{}, apperr.Validation("recipient %q is not a valid email address", fc.To)
	}
	if fc.Preference == "" {
		fc.Preference = models.PreferAuto
	}
	if !fc.Preference.Valid() {
		return Created{}, apperr.Validation("unknown provider preference %q", fc.Preference)
	}

	now := o.opts.Now()
	flowID := uuid.NewString()

	injected := map[string]any{"email": fc.To, "flowId": flowID}
	if fc.UserID != "" {
		injected["userId"] = fc.UserID
	}

	var created Created
	if kind == models.KindPasswordRecovery {
		token, err := newResetToken()
		if err != nil {
			return Created{}, fmt.Errorf("generate reset token: %w", err)
		}
		expiresAt := now.Add(o.opts.ResetTokenTTL)
		created.ResetToken = token
		created.ExpiresAt = &expiresAt
		injected["resetToken"] = token
		injected["expiresAt"] = expiresAt.UTC().Format(time.RFC3339)
	}

	readyAt := o.opts.Scheduler.Plan(now, steps)
	maxAttempts := o.opts.Policy().RetryAttempts

	jobs := make([]models.Job, len(steps))
	for i, step := range steps {
		if step.Delay < 0 {
			return Created{}, apperr.Validation("step %d (%s): delay must not be negative", i, step.Template)
		}
		vars := mergeVars(fc.Variables, step.Variables, injected)
		if err := o.templates.Validate(step.Template, vars); err != nil {
			return Created{}, apperr.Validation("step %d (%s): %v", i, step.Template, err)
		}
		jobs[i] = models.Job{
			ID:          uuid.NewString(),
			FlowID:      flowID,
			To:          fc.To,
			Template:    step.Template,
			Variables:   vars,
			Preference:  fc.Preference,
			ReadyAt:     readyAt[i],
			MaxAttempts: maxAttempts,
			CreatedAt:   now,
		}
	}

	f := models.Flow{
		ID:         flowID,
		Kind:       kind,
		To:         fc.To,
		UserID:     fc.UserID,
		Steps:      steps,
		JobIDs:     make([]string, len(jobs)),
		CreatedAt:  now,
		ResetToken: created.ResetToken,
		ExpiresAt:  created.ExpiresAt,
	}
	for i, job := range jobs {
		f.JobIDs[i] = job.ID
	}

	// The flow is registered before its jobs exist so a job finishing right
	// away still finds it in the terminal listener.
	o.mu.Lock()
	o.flows[flowID] = &flowState{flow: f, remaining: len(jobs)}
	o.mu.Unlock()

	for i, job := range jobs {
		if _, err := o.queue.Enqueue(job); err != nil {
			o.abort(flowID, f.JobIDs[:i])
			return Created{}, fmt.Errorf("enqueue step %d: %w", i, err)
		}
	}

	metrics.FlowsCreated.WithLabelValues(string(kind)).Inc()
	o.logger.Info("flow created",
		zap.String("flow_id", flowID),
		zap.String("kind", string(kind)),
		logging.Email("to", fc.To),
		zap.Int("steps", len(steps)),
	)

	created.FlowID = flowID
	created.JobIDs = append([]string(nil), f.JobIDs...)
	created.Steps = len(steps)
	return created, nil
}

func (o *Orchestrator) abort(flowID string, enqueued []string) {
	for _, id := range enqueued {
		o.queue.CancelJob(id)
	}
	o.mu.Lock()
	delete(o.flows, flowID)
	o.mu.Unlock()
}

// HandleTerminal is registered as a queue terminal listener. The flow turns
// terminal once its last job does.
func (o *Orchestrator) HandleTerminal(job models.Job) {
	if job.FlowID == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.flows[job.FlowID]
	if !ok {
		return
	}
	if st.remaining > 0 {
		st.remaining--
	}
	if st.remaining == 0 {
		st.flow.Terminal = true
	}
}

// Get returns a copy of the flow definition.
func (o *Orchestrator) Get(flowID string) (models.Flow, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	st, ok := o.flows[flowID]
	if !ok {
		return models.Flow{}, false
	}
	return st.flow.Clone(), true
}

type CancelResult struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	Cancelled       int    `json:"cancelled"`
	InFlight        int    `json:"inFlight"`
	AlreadyTerminal int    `json:"alreadyTerminal"`
}

// CancelFlow cancels every job of the flow that has not finished. Active
// jobs are flagged and recorded as cancelled when their send returns.
func (o *Orchestrator) CancelFlow(flowID string) (CancelResult, error) {
	o.mu.RLock()
	st, ok := o.flows[flowID]
	var ids []string
	if ok {
		ids = append(ids, st.flow.JobIDs...)
	}
	o.mu.RUnlock()

	if !ok {
		return CancelResult{}, apperr.NotFound(apperr.ErrFlowNotFound, flowID)
	}

	// Cancelling fires terminal listeners, which take o.mu.
	var res CancelResult
	for _, id := range ids {
		switch o.queue.CancelJob(id) {
		case queue.CancelRemoved:
			res.Cancelled++
		case queue.CancelFlagged:
			res.Cancelled++
			res.InFlight++
		case queue.CancelTerminal:
			res.AlreadyTerminal++
		}
	}

	o.mu.Lock()
	if st, ok := o.flows[flowID]; ok {
		st.flow.Terminal = true
		if res.Cancelled > 0 {
			st.flow.Cancelled = true
		}
	}
	o.mu.Unlock()

	if res.Cancelled > 0 {
		res.Status = "cancelled"
		res.Message = fmt.Sprintf("cancelled %d of %d jobs", res.Cancelled, len(ids))
	} else {
		res.Status = "no_pending_jobs"
		res.Message = "all jobs had already finished"
	}

	o.logger.Info("flow cancelled",
		zap.String("flow_id", flowID),
		zap.Int("cancelled", res.Cancelled),
		zap.Int("in_flight", res.InFlight),
		zap.Int("already_terminal", res.AlreadyTerminal),
	)
	return res, nil
}

// ListActive returns non-terminal flows, newest first.
func (o *Orchestrator) ListActive(limit int) []models.Flow {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	o.mu.RLock()
	active := make([]models.Flow, 0, len(o.flows))
	for _, st := range o.flows {
		if !st.flow.Terminal {
			active = append(active, st.flow.Clone())
		}
	}
	o.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID > active[j].ID
		}
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	if len(active) > limit {
		active = active[:limit]
	}
	return active
}

type SendRequest struct {
	To         string
	Template   string
	Variables  map[string]any
	Preference models.Preference
}

// Send queues a single job that belongs to no flow.
func (o *Orchestrator) Send(req SendRequest) (string, error) {
	if err := o.validate.Var(req.To, "required,email"); err != nil {
		return "", apperr.Validation("recipient %q is not a valid email address", req.To)
	}
	if req.Preference == "" {
		req.Preference = models.PreferAuto
	}
	if !req.Preference.Valid() {
		return "", apperr.Validation("unknown provider preference %q", req.Preference)
	}

	vars := mergeVars(req.Variables, map[string]any{"email": req.To})
	if err := o.templates.Validate(req.Template, vars); err != nil {
		return "", apperr.Validation("%v", err)
	}

	return o.queue.Enqueue(models.Job{
		To:          req.To,
		Template:    req.Template,
		Variables:   vars,
		Preference:  req.Preference,
		ReadyAt:     o.opts.Now(),
		MaxAttempts: o.opts.Policy().RetryAttempts,
	})
}

// mergeVars layers the maps in order; later maps win.
func mergeVars(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func newResetToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Package queue holds scheduled send jobs. A single mutex guards both the
// ready-time heap and the id index; PollReady selects and claims a job inside
// that critical section so a job is never owned by two workers.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/models"
)

var (
	ErrNotActive    = errors.New("job is not active")
	ErrNotClaimable = errors.New("job is not waiting or delayed")
	ErrTerminal     = errors.New("job is already terminal")
)

// Listener receives a copy of every job that reaches a terminal state. It is
// called without the queue lock held, exactly once per job.
type Listener func(job models.Job)

type CancelOutcome int

const (
	CancelNotFound CancelOutcome = iota
	CancelRemoved                // was waiting/delayed, now failed+cancelled
	CancelFlagged                // active; completion handler records the cancellation
	CancelTerminal               // already completed or failed
)

type Option func(*Queue)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	pending readyHeap
	seq     uint64

	listeners []Listener
	now       func() time.Time
	ready     chan struct{}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		jobs:  make(map[string]*entry),
		now:   time.Now,
		ready: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) OnTerminal(l Listener) {
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

// Ready is signalled whenever a job is enqueued or rescheduled.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) Enqueue(job models.Job) (string, error) {
	now := q.now()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	if job.Preference == "" {
		job.Preference = models.PreferAuto
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.ReadyAt.IsZero() {
		job.ReadyAt = now
	}
	job.Attempts = 0
	job.Cancelled = false
	job.LastError = ""
	job.Provider = ""
	job.LogID = ""
	job.ProcessedOn = nil
	job.FinishedAt = nil
	job.State = pendingState(job.ReadyAt, now)

	q.mu.Lock()
	if _, exists := q.jobs[job.ID]; exists {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s", apperr.ErrDuplicateJob, job.ID)
	}
	e := &entry{job: job.Clone(), seq: q.seq}
	q.seq++
	q.jobs[job.ID] = e
	heap.Push(&q.pending, e)
	q.mu.Unlock()

	q.signal()
	return job.ID, nil
}

// PollReady claims the ready job with the earliest ReadyAt and marks it active.
func (q *Queue) PollReady() (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() == 0 {
		return models.Job{}, false
	}

	now := q.now()
	if q.pending[0].job.ReadyAt.After(now) {
		return models.Job{}, false
	}

	e := heap.Pop(&q.pending).(*entry)
	activate(e, now)
	return e.job.Clone(), true
}

// NextReadyIn reports how long until the earliest pending job becomes ready.
func (q *Queue) NextReadyIn() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() == 0 {
		return 0, false
	}
	d := q.pending[0].job.ReadyAt.Sub(q.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// MarkActive claims a specific waiting or delayed job.
func (q *Queue) MarkActive(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return apperr.NotFound(apperr.ErrJobNotFound, id)
	}
	if !e.job.State.Pending() {
		return fmt.Errorf("%w: %s is %s", ErrNotClaimable, id, e.job.State)
	}

	heap.Remove(&q.pending, e.index)
	activate(e, q.now())
	return nil
}

func (q *Queue) MarkCompleted(id, provider, logID string) error {
	q.mu.Lock()
	e, err := q.activeLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	now := q.now()
	e.job.Provider = provider
	e.job.LogID = logID
	if e.cancelRequested {
		finishCancelled(e, now)
	} else {
		e.job.State = models.StateCompleted
		e.job.FinishedAt = &now
	}
	done := e.job.Clone()
	listeners := q.listeners
	q.mu.Unlock()

	notify(listeners, done)
	return nil
}

// MarkFailed moves a job straight to failed regardless of attempts left.
func (q *Queue) MarkFailed(id string, cause error) error {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return apperr.NotFound(apperr.ErrJobNotFound, id)
	}
	if e.job.State.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	if e.index >= 0 {
		heap.Remove(&q.pending, e.index)
	}

	q.failLocked(e, cause, q.now())
	done := e.job.Clone()
	listeners := q.listeners
	q.mu.Unlock()

	notify(listeners, done)
	return nil
}

// Retry records cause on an active job and puts it back at readyAt. The
// claim still counts as an attempt.
func (q *Queue) Retry(id string, cause error, readyAt time.Time) error {
	q.mu.Lock()
	e, err := q.activeLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	now := q.now()
	if e.cancelRequested {
		finishCancelled(e, now)
		done := e.job.Clone()
		listeners := q.listeners
		q.mu.Unlock()
		notify(listeners, done)
		return nil
	}

	if cause != nil {
		e.job.LastError = cause.Error()
	}
	q.rescheduleLocked(e, readyAt, now)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Defer puts an active job back without counting the claim as an attempt.
// Used when the send was never tried, e.g. the rate limit was reached.
func (q *Queue) Defer(id string, readyAt time.Time) error {
	q.mu.Lock()
	e, err := q.activeLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	now := q.now()
	if e.cancelRequested {
		finishCancelled(e, now)
		done := e.job.Clone()
		listeners := q.listeners
		q.mu.Unlock()
		notify(listeners, done)
		return nil
	}

	if e.job.Attempts > 0 {
		e.job.Attempts--
	}
	q.rescheduleLocked(e, readyAt, now)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Reschedule moves an active or pending job to readyAt. ReadyAt never moves
// backwards.
func (q *Queue) Reschedule(id string, readyAt time.Time) error {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return apperr.NotFound(apperr.ErrJobNotFound, id)
	}
	if e.job.State.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}

	now := q.now()
	if e.cancelRequested {
		finishCancelled(e, now)
		done := e.job.Clone()
		listeners := q.listeners
		q.mu.Unlock()
		notify(listeners, done)
		return nil
	}

	q.rescheduleLocked(e, readyAt, now)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Cancel reports whether the job was in a cancellable state.
func (q *Queue) Cancel(id string) bool {
	out := q.CancelJob(id)
	return out == CancelRemoved || out == CancelFlagged
}

func (q *Queue) CancelJob(id string) CancelOutcome {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return CancelNotFound
	}

	switch {
	case e.job.State.Terminal():
		q.mu.Unlock()
		return CancelTerminal
	case e.job.State == models.StateActive:
		e.cancelRequested = true
		q.mu.Unlock()
		return CancelFlagged
	}

	heap.Remove(&q.pending, e.index)
	finishCancelled(e, q.now())
	done := e.job.Clone()
	listeners := q.listeners
	q.mu.Unlock()

	notify(listeners, done)
	return CancelRemoved
}

func (q *Queue) Get(id string) (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return q.snapshot(e, q.now()), true
}

// Jobs returns the known jobs among ids, in the given order.
func (q *Queue) Jobs(ids []string) []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	out := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		if e, ok := q.jobs[id]; ok {
			out = append(out, q.snapshot(e, now))
		}
	}
	return out
}

// snapshot copies a job, reporting a pending job whose delay has elapsed as
// waiting.
func (q *Queue) snapshot(e *entry, now time.Time) models.Job {
	job := e.job.Clone()
	if job.State.Pending() {
		job.State = pendingState(job.ReadyAt, now)
	}
	return job
}

func (q *Queue) Counts() map[models.JobState]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := map[models.JobState]int{
		models.StateWaiting:   0,
		models.StateDelayed:   0,
		models.StateActive:    0,
		models.StateCompleted: 0,
		models.StateFailed:    0,
	}
	now := q.now()
	for _, e := range q.jobs {
		state := e.job.State
		if state.Pending() {
			state = pendingState(e.job.ReadyAt, now)
		}
		counts[state]++
	}
	return counts
}

func (q *Queue) activeLocked(id string) (*entry, error) {
	e, ok := q.jobs[id]
	if !ok {
		return nil, apperr.NotFound(apperr.ErrJobNotFound, id)
	}
	if e.job.State != models.StateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, e.job.State)
	}
	return e, nil
}

func (q *Queue) rescheduleLocked(e *entry, readyAt, now time.Time) {
	if readyAt.Before(e.job.ReadyAt) {
		readyAt = e.job.ReadyAt
	}
	e.job.ReadyAt = readyAt
	e.job.State = pendingState(readyAt, now)
	if e.index >= 0 {
		heap.Fix(&q.pending, e.index)
		return
	}
	heap.Push(&q.pending, e)
}

func (q *Queue) failLocked(e *entry, cause error, now time.Time) {
	if e.cancelRequested {
		finishCancelled(e, now)
		return
	}
	e.job.State = models.StateFailed
	if cause != nil {
		e.job.LastError = cause.Error()
	}
	e.job.FinishedAt = &now
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func activate(e *entry, now time.Time) {
	e.job.State = models.StateActive
	e.job.Attempts++
	e.job.ProcessedOn = &now
}

func finishCancelled(e *entry, now time.Time) {
	e.job.State = models.StateFailed
	e.job.Cancelled = true
	e.job.LastError = apperr.ErrCancelled.Error()
	e.job.FinishedAt = &now
}

func pendingState(readyAt, now time.Time) models.JobState {
	if readyAt.After(now) {
		return models.StateDelayed
	}
	return models.StateWaiting
}

func notify(listeners []Listener, job models.Job) {
	for _, l := range listeners {
		l(job)
	}
}

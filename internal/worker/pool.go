package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/delivery"
	"PulseFlow/internal/logging"
	"PulseFlow/internal/metrics"
	"PulseFlow/internal/models"
	"PulseFlow/internal/templates"
)

type JobSource interface {
	PollReady() (models.Job, bool)
	Ready() <-chan struct{}
	MarkCompleted(id, provider, logID string) error
	MarkFailed(id string, cause error) error
	Retry(id string, cause error, readyAt time.Time) error
	Defer(id string, readyAt time.Time) error
}

type Renderer interface {
	Render(name string, vars map[string]any) (templates.Rendered, error)
}

type Sender interface {
	Send(ctx context.Context, msg models.Message, pref models.Preference) (delivery.Result, error)
	Decide(job models.Job, err error, now time.Time) delivery.Decision
}

func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	jobs JobSource,
	renderer Renderer,
	sender Sender,
	pollInterval time.Duration,
	logger *zap.Logger,
) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			logger.Info("worker started", zap.Int("worker_id", id))

			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()

			for {
				if ctx.Err() != nil {
					logger.Info("worker shutting down", zap.Int("worker_id", id))
					return
				}

				job, ok := jobs.PollReady()
				if !ok {
					select {
					case <-ctx.Done():
						logger.Info("worker shutting down", zap.Int("worker_id", id))
						return
					case <-jobs.Ready():
					case <-ticker.C:
					}
					continue
				}

				process(ctx, id, job, jobs, renderer, sender, logger)
			}
		}(i)
	}
}

func process(ctx context.Context, workerID int, job models.Job, jobs JobSource, renderer Renderer, sender Sender, logger *zap.Logger) {
	log := logger.With(
		zap.Int("worker_id", workerID),
		zap.String("job_id", job.ID),
		zap.String("flow_id", job.FlowID),
		zap.String("template", job.Template),
		zap.Int("attempt", job.Attempts),
	)

	// ----------------------------
	// Render
	// ----------------------------
	rendered, err := renderer.Render(job.Template, job.Variables)
	if err != nil {
		log.Error("template render failed", zap.Error(err))
		if err := jobs.MarkFailed(job.ID, apperr.Terminal("render template", err)); err != nil {
			log.Error("failed to mark job failed", zap.Error(err))
		}
		metrics.EmailFailures.WithLabelValues("render").Inc()
		return
	}

	msg := models.Message{
		JobID:    job.ID,
		To:       job.To,
		Template: job.Template,
		Subject:  rendered.Subject,
		HTML:     rendered.HTML,
		Text:     rendered.Text,
	}

	// ----------------------------
	// Send
	// ----------------------------
	res, err := sender.Send(ctx, msg, job.Preference)
	if err == nil {
		if err := jobs.MarkCompleted(job.ID, string(res.Provider), res.LogID); err != nil {
			log.Error("failed to mark job completed", zap.Error(err))
			return
		}
		log.Info("email sent successfully",
			logging.Email("to", job.To),
			zap.String("provider", string(res.Provider)),
			zap.String("log_id", res.LogID),
		)
		return
	}

	// ----------------------------
	// Outcome
	// ----------------------------
	decision := sender.Decide(job, err, time.Now())
	switch decision.Action {
	case delivery.ActionDefer:
		if err := jobs.Defer(job.ID, decision.ReadyAt); err != nil {
			log.Error("failed to defer job", zap.Error(err))
			return
		}
		log.Debug("send deferred by rate limit", zap.Time("ready_at", decision.ReadyAt))

	case delivery.ActionRetry:
		if rerr := jobs.Retry(job.ID, err, decision.ReadyAt); rerr != nil {
			log.Error("failed to reschedule job", zap.Error(rerr))
			return
		}
		metrics.JobsRescheduled.Inc()
		log.Warn("email send failed, retry scheduled", zap.Time("ready_at", decision.ReadyAt), zap.Error(err))

	default:
		if ferr := jobs.MarkFailed(job.ID, err); ferr != nil {
			log.Error("failed to mark job failed", zap.Error(ferr))
			return
		}
		metrics.EmailFailures.WithLabelValues(string(apperr.KindOf(err))).Inc()
		log.Error("email send failed",
			logging.Email("to", job.To),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(err),
		)
	}
}

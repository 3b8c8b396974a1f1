// Package delivery routes a rendered message to an email provider and owns
// the delivery policy: failover between providers, the shared send rate
// limit and the retry decision for queued jobs.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/email"
	"PulseFlow/internal/logging"
	"PulseFlow/internal/metrics"
	"PulseFlow/internal/models"
)

type Result struct {
	Provider models.ProviderName `json:"provider"`
	LogID    string              `json:"logId"`
}

type Router struct {
	providers *Providers
	executors map[models.ProviderName]email.Executor
	timeout   atomic.Int64
	now       func() time.Time
	logger    *zap.Logger
}

func NewRouter(providers *Providers, executors map[models.ProviderName]email.Executor, timeout time.Duration, logger *zap.Logger) *Router {
	r := &Router{
		providers: providers,
		executors: executors,
		now:       time.Now,
		logger:    logger,
	}
	r.SetTimeout(timeout)
	return r
}

// SetTimeout bounds every single provider attempt.
func (r *Router) SetTimeout(d time.Duration) {
	r.timeout.Store(int64(d))
}

func (r *Router) Providers() *Providers {
	return r.providers
}

// Candidates lists the enabled providers for pref in the order they are tried.
func (r *Router) Candidates(pref models.Preference) []models.ProviderConfig {
	var order []models.ProviderName
	switch pref {
	case models.PrimaryOnly:
		order = []models.ProviderName{models.Primary}
	case models.FallbackOnly:
		order = []models.ProviderName{models.Fallback}
	default:
		order = []models.ProviderName{models.Primary, models.Fallback}
	}

	out := make([]models.ProviderConfig, 0, len(order))
	for _, name := range order {
		cfg, ok := r.providers.Get(name)
		if !ok || !cfg.Enabled {
			continue
		}
		if _, ok := r.executors[name]; !ok {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

// Send tries each candidate provider in turn until one accepts the message.
// Failing over costs no queue attempt.
func (r *Router) Send(ctx context.Context, msg models.Message, pref models.Preference) (Result, error) {
	candidates := r.Candidates(pref)
	if len(candidates) == 0 {
		return Result{}, apperr.Configuration(fmt.Sprintf("preference %s", pref), apperr.ErrNoProvider)
	}

	errs := make([]error, 0, len(candidates))
	for i, cfg := range candidates {
		logID, err := r.attempt(ctx, cfg, msg)
		if err == nil {
			metrics.EmailsSent.WithLabelValues(string(cfg.Name)).Inc()
			return Result{Provider: cfg.Name, LogID: logID}, nil
		}

		r.logger.Warn("provider attempt failed",
			zap.String("job_id", msg.JobID),
			zap.String("provider", string(cfg.Name)),
			logging.Email("to", msg.To),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", cfg.Name, err))

		if ctx.Err() != nil {
			break
		}
		if i < len(candidates)-1 {
			metrics.ProviderFailovers.Inc()
		}
	}

	return Result{}, combine(errs)
}

func (r *Router) attempt(ctx context.Context, cfg models.ProviderConfig, msg models.Message) (string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.executors[cfg.Name].Send(ctx, msg, cfg.Credentials)
}

// TestConnection performs a provider handshake with either the stored
// credentials or override, and records the outcome on the provider. Stored
// credentials are never modified.
func (r *Router) TestConnection(ctx context.Context, name models.ProviderName, override models.Credentials) (models.ProviderConfig, error) {
	if !name.Valid() {
		return models.ProviderConfig{}, apperr.Validation("unknown provider %q", name)
	}
	exec, ok := r.executors[name]
	if !ok {
		return models.ProviderConfig{}, apperr.Configuration(string(name), apperr.ErrNoProvider)
	}
	cfg, ok := r.providers.Get(name)
	if !ok {
		return models.ProviderConfig{}, apperr.Configuration(string(name), apperr.ErrNoProvider)
	}

	creds := cfg.Credentials
	if len(override) > 0 {
		creds = override
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	err := exec.Ping(ctx, creds)
	r.providers.RecordTest(name, err, r.now())

	updated, _ := r.providers.Get(name)
	return updated, err
}

func (r *Router) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	d := time.Duration(r.timeout.Load())
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// combine folds per-provider failures into one error. The result is terminal
// only when every provider rejected the message outright.
func combine(errs []error) error {
	joined := errors.Join(errs...)

	allConfig, allFinal := true, true
	for _, err := range errs {
		switch apperr.KindOf(err) {
		case apperr.KindConfiguration:
		case apperr.KindTerminal:
			allConfig = false
		default:
			allConfig, allFinal = false, false
		}
	}

	switch {
	case allConfig:
		return apperr.Configuration("all providers misconfigured", joined)
	case allFinal:
		return apperr.Terminal("all providers rejected message", joined)
	default:
		return apperr.Transient("all providers failed", joined)
	}
}

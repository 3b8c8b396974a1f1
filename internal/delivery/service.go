package delivery

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/metrics"
	"PulseFlow/internal/models"
)

// Service is the entry point for every send: it checks that a provider is
// available, takes a slot from the rate limiter and hands the message to the
// router.
type Service struct {
	router  *Router
	limiter Limiter
	policy  atomic.Pointer[models.Policy]
	logger  *zap.Logger
}

func NewService(router *Router, limiter Limiter, policy models.Policy, logger *zap.Logger) (*Service, error) {
	s := &Service{router: router, limiter: limiter, logger: logger}
	if err := s.ApplyPolicy(policy); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Policy() models.Policy {
	return *s.policy.Load()
}

func (s *Service) Router() *Router {
	return s.router
}

// ApplyPolicy swaps the delivery policy in place. Jobs already queued keep
// the attempt budget they were created with.
func (s *Service) ApplyPolicy(p models.Policy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	s.policy.Store(&p)
	s.limiter.SetLimit(p.RateLimit)
	s.router.SetTimeout(p.SendTimeout)
	return nil
}

// Send delivers msg once. A rate-limited call never reaches a provider and
// returns an error carrying the time to wait.
func (s *Service) Send(ctx context.Context, msg models.Message, pref models.Preference) (Result, error) {
	if len(s.router.Candidates(pref)) == 0 {
		return Result{}, apperr.Configuration(fmt.Sprintf("preference %s", pref), apperr.ErrNoProvider)
	}

	allowed, retryAfter, err := s.limiter.Allow(ctx)
	if err != nil {
		return Result{}, apperr.Transient("rate limiter unavailable", err)
	}
	if !allowed {
		metrics.RateLimitDeferrals.Inc()
		return Result{}, apperr.RateLimited(retryAfter)
	}

	return s.router.Send(ctx, msg, pref)
}

// Decide tells the worker whether a failed job is deferred, retried later or
// failed for good.
func (s *Service) Decide(job models.Job, err error, now time.Time) Decision {
	return decide(s.Policy(), job, err, now)
}

// TestSend sends msg immediately through the limiter and router, bypassing
// the queue.
func (s *Service) TestSend(ctx context.Context, msg models.Message, provider models.ProviderName) (Result, error) {
	pref, err := PreferenceFor(provider)
	if err != nil {
		return Result{}, err
	}
	return s.Send(ctx, msg, pref)
}

func (s *Service) TestConnection(ctx context.Context, name models.ProviderName, override models.Credentials) (models.ProviderConfig, error) {
	cfg, err := s.router.TestConnection(ctx, name, override)
	if err != nil {
		s.logger.Warn("provider connection test failed",
			zap.String("provider", string(name)),
			zap.Error(err),
		)
	}
	return cfg, err
}

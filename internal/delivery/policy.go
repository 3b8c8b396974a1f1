package delivery

import (
	"time"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/models"
)

// ValidatePolicy rejects values that would stall or disable delivery.
func ValidatePolicy(p models.Policy) error {
	switch {
	case p.RetryAttempts < 1:
		return apperr.Validation("retryAttempts must be at least 1, got %d", p.RetryAttempts)
	case p.RetryDelay < 0:
		return apperr.Validation("retryDelay must not be negative, got %s", p.RetryDelay)
	case p.RateLimit < 1:
		return apperr.Validation("rateLimit must be at least 1, got %d", p.RateLimit)
	case p.SendTimeout <= 0:
		return apperr.Validation("sendTimeout must be positive, got %s", p.SendTimeout)
	}
	return nil
}

type Action string

const (
	ActionRetry Action = "retry"
	ActionDefer Action = "defer"
	ActionFail  Action = "fail"
)

// Decision is what the worker does with a job after a failed send.
type Decision struct {
	Action  Action
	ReadyAt time.Time
}

// decide applies the outer retry policy. Provider failover has already
// happened inside the failed send.
func decide(p models.Policy, job models.Job, err error, now time.Time) Decision {
	switch {
	case apperr.IsRateLimited(err):
		wait := apperr.RetryAfter(err)
		if wait <= 0 {
			wait = time.Second
		}
		return Decision{Action: ActionDefer, ReadyAt: now.Add(wait)}
	case apperr.IsTransient(err) && job.Attempts < job.MaxAttempts:
		return Decision{Action: ActionRetry, ReadyAt: now.Add(p.RetryDelay)}
	default:
		return Decision{Action: ActionFail}
	}
}

// PreferenceFor maps an explicit provider choice to a routing preference.
// An empty name means auto.
func PreferenceFor(name models.ProviderName) (models.Preference, error) {
	switch name {
	case "":
		return models.PreferAuto, nil
	case models.Primary:
		return models.PrimaryOnly, nil
	case models.Fallback:
		return models.FallbackOnly, nil
	}
	return "", apperr.Validation("unknown provider %q", name)
}

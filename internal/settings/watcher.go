package settings

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"PulseFlow/internal/models"
)

const (
	Prefix = "email."

	KeyRetryAttempts = "email.retry_attempts"
	KeyRetryDelayMS  = "email.retry_delay_ms"
	KeyRateLimit     = "email.rate_limit"
	KeySendTimeoutMS = "email.send_timeout_ms"
	KeyPrimaryOn     = "email.primary.enabled"
	KeyPrimaryCfg    = "email.primary.config"
	KeyFallbackOn    = "email.fallback.enabled"
	KeyFallbackCfg   = "email.fallback.config"
)

type Source interface {
	List(ctx context.Context, prefix string) ([]Value, error)
}

type PolicyTarget interface {
	Policy() models.Policy
	ApplyPolicy(p models.Policy) error
}

type ProviderTarget interface {
	Get(name models.ProviderName) (models.ProviderConfig, bool)
	Apply(cfg models.ProviderConfig)
}

// Watcher polls the store and applies email settings. A value that fails
// validation is skipped and the one already in force stays.
type Watcher struct {
	source    Source
	policy    PolicyTarget
	providers ProviderTarget
	interval  time.Duration
	logger    *zap.Logger
}

func NewWatcher(source Source, policy PolicyTarget, providers ProviderTarget, interval time.Duration, logger *zap.Logger) *Watcher {
	return &Watcher{
		source:    source,
		policy:    policy,
		providers: providers,
		interval:  interval,
		logger:    logger,
	}
}

func (w *Watcher) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			if err := w.Refresh(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("settings refresh failed", zap.Error(err))
			}

			select {
			case <-ctx.Done():
				w.logger.Info("settings watcher stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}

// Refresh reads every email.* key once and applies what changed.
func (w *Watcher) Refresh(ctx context.Context) error {
	values, err := w.source.List(ctx, Prefix)
	if err != nil {
		return err
	}

	byKey := make(map[string]Value, len(values))
	for _, v := range values {
		if err := checkKnown(v); err != nil {
			w.logger.Warn("ignoring invalid setting", zap.String("key", v.Key), zap.Error(err))
			continue
		}
		byKey[v.Key] = v
	}

	w.applyPolicy(byKey)
	w.applyProvider(models.Primary, byKey[KeyPrimaryOn], byKey[KeyPrimaryCfg])
	w.applyProvider(models.Fallback, byKey[KeyFallbackOn], byKey[KeyFallbackCfg])
	return nil
}

func (w *Watcher) applyPolicy(byKey map[string]Value) {
	cur := w.policy.Policy()
	next := cur

	if v, ok := byKey[KeyRetryAttempts]; ok {
		if n, err := v.Int(); err == nil {
			next.RetryAttempts = n
		}
	}
	if v, ok := byKey[KeyRetryDelayMS]; ok {
		if d, err := v.Duration(time.Millisecond); err == nil {
			next.RetryDelay = d
		}
	}
	if v, ok := byKey[KeyRateLimit]; ok {
		if n, err := v.Int(); err == nil {
			next.RateLimit = n
		}
	}
	if v, ok := byKey[KeySendTimeoutMS]; ok {
		if d, err := v.Duration(time.Millisecond); err == nil {
			next.SendTimeout = d
		}
	}

	if next == cur {
		return
	}
	if err := w.policy.ApplyPolicy(next); err != nil {
		w.logger.Warn("rejected delivery policy", zap.Error(err))
		return
	}
	w.logger.Info("delivery policy updated",
		zap.Int("retry_attempts", next.RetryAttempts),
		zap.Duration("retry_delay", next.RetryDelay),
		zap.Int("rate_limit", next.RateLimit),
		zap.Duration("send_timeout", next.SendTimeout),
	)
}

func (w *Watcher) applyProvider(name models.ProviderName, enabled, config Value) {
	if enabled.Key == "" && config.Key == "" {
		return
	}

	cur, _ := w.providers.Get(name)
	next := models.ProviderConfig{Name: name, Enabled: cur.Enabled}

	if enabled.Key != "" {
		if b, err := enabled.Bool(); err == nil {
			next.Enabled = b
		}
	}
	if config.Key != "" {
		var creds map[string]string
		if err := config.Decode(&creds); err != nil {
			w.logger.Warn("ignoring provider config", zap.String("provider", string(name)), zap.Error(err))
		} else {
			next.Credentials = models.Credentials(creds)
		}
	}

	if next.Enabled == cur.Enabled && (next.Credentials == nil || cur.Credentials.Equal(next.Credentials)) {
		return
	}
	w.providers.Apply(next)
	w.logger.Info("provider settings updated",
		zap.String("provider", string(name)),
		zap.Bool("enabled", next.Enabled),
		zap.Bool("credentials_changed", next.Credentials != nil),
	)
}

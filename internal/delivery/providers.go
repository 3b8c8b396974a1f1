package delivery

import (
	"sync"
	"time"

	"PulseFlow/internal/models"
)

// Providers holds the primary and fallback configuration. Reads hand out
// copies; credentials are only replaced through Apply.
type Providers struct {
	mu      sync.RWMutex
	configs map[models.ProviderName]models.ProviderConfig
}

func NewProviders(configs ...models.ProviderConfig) *Providers {
	p := &Providers{configs: make(map[models.ProviderName]models.ProviderConfig, 2)}
	for _, cfg := range configs {
		p.Apply(cfg)
	}
	return p
}

func (p *Providers) Get(name models.ProviderName) (models.ProviderConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cfg, ok := p.configs[name]
	if !ok {
		return models.ProviderConfig{}, false
	}
	cfg.Credentials = cfg.Credentials.Clone()
	return cfg, true
}

// Apply replaces the enabled flag and credentials of a provider. The
// connection status resets to untested when credentials change.
func (p *Providers) Apply(cfg models.ProviderConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.configs[cfg.Name]
	if !ok {
		cur = models.ProviderConfig{Name: cfg.Name, Status: models.StatusUntested}
	}
	if cfg.Credentials != nil && !cur.Credentials.Equal(cfg.Credentials) {
		cur.Credentials = cfg.Credentials.Clone()
		cur.Status = models.StatusUntested
		cur.LastError = ""
		cur.LastTested = nil
	}
	cur.Enabled = cfg.Enabled
	p.configs[cfg.Name] = cur
}

func (p *Providers) RecordTest(name models.ProviderName, err error, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, ok := p.configs[name]
	if !ok {
		return
	}
	cfg.LastTested = &at
	if err != nil {
		cfg.Status = models.StatusError
		cfg.LastError = err.Error()
	} else {
		cfg.Status = models.StatusConnected
		cfg.LastError = ""
	}
	p.configs[name] = cfg
}

// List returns the known providers, primary first.
func (p *Providers) List() []models.ProviderConfig {
	out := make([]models.ProviderConfig, 0, 2)
	for _, name := range []models.ProviderName{models.Primary, models.Fallback} {
		if cfg, ok := p.Get(name); ok {
			out = append(out, cfg)
		}
	}
	return out
}

package stats

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"PulseFlow/internal/metrics"
	"PulseFlow/internal/models"
)

// Runner recomputes stats on a ticker and publishes them as gauges.
type Runner struct {
	agg      *Aggregator
	period   string
	interval time.Duration
	depth    func() map[models.JobState]int
	logger   *zap.Logger

	mu     sync.RWMutex
	latest *Stats
}

func NewRunner(agg *Aggregator, period string, interval time.Duration, depth func() map[models.JobState]int, logger *zap.Logger) *Runner {
	return &Runner{
		agg:      agg,
		period:   period,
		interval: interval,
		depth:    depth,
		logger:   logger,
	}
}

// Start runs one pass right away and then one per interval until ctx ends.
func (r *Runner) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("stats runner stopped")
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

func (r *Runner) tick(ctx context.Context) {
	if r.depth != nil {
		for state, n := range r.depth() {
			metrics.QueueDepth.WithLabelValues(string(state)).Set(float64(n))
		}
	}

	s, err := r.agg.ComputeStats(ctx, r.period)
	if err != nil {
		r.logger.Error("stats computation failed", zap.String("period", r.period), zap.Error(err))
		return
	}

	metrics.TemplateEmails.Reset()
	for _, t := range s.ByTemplate {
		metrics.TemplateEmails.WithLabelValues(t.Template).Set(float64(t.Count))
	}

	r.mu.Lock()
	r.latest = &s
	r.mu.Unlock()

	r.logger.Info("delivery summary",
		zap.String("period", s.Period),
		zap.Int("total_emails", s.TotalEmails),
		zap.Int("templates", len(s.ByTemplate)),
	)
}

func (r *Runner) Latest() (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return Stats{}, false
	}
	return *r.latest, true
}

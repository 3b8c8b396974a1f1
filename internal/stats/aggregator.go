// Package stats summarizes delivery outcomes over a trailing time window.
package stats

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/db"
	"PulseFlow/internal/models"
)

type TemplateStats struct {
	Template    string  `json:"template"`
	Count       int     `json:"count"`
	AvgAttempts float64 `json:"avgAttempts"`
}

type ProviderStats struct {
	Provider  string `json:"provider"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

type Stats struct {
	Period      string          `json:"period"`
	StartDate   time.Time       `json:"startDate"`
	EndDate     time.Time       `json:"endDate"`
	ByTemplate  []TemplateStats `json:"byTemplate"`
	ByProvider  []ProviderStats `json:"byProvider"`
	TotalEmails int             `json:"totalEmails"`
}

type Aggregator struct {
	history db.History
	now     func() time.Time
}

func NewAggregator(history db.History) *Aggregator {
	return &Aggregator{history: history, now: time.Now}
}

// ComputeStats counts terminal jobs that finished within period of now.
// Failed and cancelled jobs are included.
func (a *Aggregator) ComputeStats(ctx context.Context, period string) (Stats, error) {
	span, err := ParsePeriod(period)
	if err != nil {
		return Stats{}, err
	}
	if period == "" {
		period = "day"
	}

	end := a.now()
	start := end.Add(-span)

	jobs, err := a.history.Terminal(ctx, start, end)
	if err != nil {
		return Stats{}, fmt.Errorf("load terminal jobs: %w", err)
	}

	type acc struct {
		count    int
		attempts int
	}
	byTemplate := make(map[string]*acc)
	byProvider := make(map[string]*ProviderStats)

	for _, job := range jobs {
		t, ok := byTemplate[job.Template]
		if !ok {
			t = &acc{}
			byTemplate[job.Template] = t
		}
		t.count++
		t.attempts += job.Attempts

		if job.Provider == "" {
			continue
		}
		p, ok := byProvider[job.Provider]
		if !ok {
			p = &ProviderStats{Provider: job.Provider}
			byProvider[job.Provider] = p
		}
		if job.State == models.StateCompleted {
			p.Completed++
		} else {
			p.Failed++
		}
	}

	out := Stats{
		Period:      period,
		StartDate:   start,
		EndDate:     end,
		ByTemplate:  make([]TemplateStats, 0, len(byTemplate)),
		ByProvider:  make([]ProviderStats, 0, len(byProvider)),
		TotalEmails: len(jobs),
	}
	for name, t := range byTemplate {
		out.ByTemplate = append(out.ByTemplate, TemplateStats{
			Template:    name,
			Count:       t.count,
			AvgAttempts: float64(t.attempts) / float64(t.count),
		})
	}
	for _, p := range byProvider {
		out.ByProvider = append(out.ByProvider, *p)
	}

	sort.Slice(out.ByTemplate, func(i, j int) bool {
		if out.ByTemplate[i].Count != out.ByTemplate[j].Count {
			return out.ByTemplate[i].Count > out.ByTemplate[j].Count
		}
		return out.ByTemplate[i].Template < out.ByTemplate[j].Template
	})
	sort.Slice(out.ByProvider, func(i, j int) bool {
		return out.ByProvider[i].Provider < out.ByProvider[j].Provider
	})
	return out, nil
}

// ParsePeriod accepts day, week, month, a day count such as "7d", or any
// Go duration. Empty means day.
func ParsePeriod(period string) (time.Duration, error) {
	p := strings.ToLower(strings.TrimSpace(period))
	switch p {
	case "", "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	case "month":
		return 30 * 24 * time.Hour, nil
	}

	if days, ok := strings.CutSuffix(p, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}

	d, err := time.ParseDuration(p)
	if err != nil || d <= 0 {
		return 0, apperr.New(apperr.KindValidation, fmt.Sprintf("period %q", period), apperr.ErrInvalidPeriod)
	}
	return d, nil
}

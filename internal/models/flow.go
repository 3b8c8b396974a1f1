package models

import (
	"encoding/json"
	"time"
)

type FlowKind string

const (
	KindOnboarding        FlowKind = "onboarding"
	KindPasswordRecovery  FlowKind = "password-recovery"
	KindMarketingCampaign FlowKind = "marketing-campaign"
)

func (k FlowKind) Valid() bool {
	switch k {
	case KindOnboarding, KindPasswordRecovery, KindMarketingCampaign:
		return true
	}
	return false
}

// StepDefinition is one entry of a flow template. Delay is measured from
// flow creation, not from the previous step.
type StepDefinition struct {
	Template  string         `json:"template" yaml:"template"`
	Delay     time.Duration  `json:"delay" yaml:"delay"`
	Variables map[string]any `json:"variables,omitempty" yaml:"variables"`
}

type stepJSON struct {
	Template  string         `json:"template"`
	DelayMS   int64          `json:"delay"`
	Variables map[string]any `json:"variables,omitempty"`
}

// MarshalJSON writes Delay in milliseconds, the unit the API accepts.
func (s StepDefinition) MarshalJSON() ([]byte, error) {
	return json.Marshal(stepJSON{
		Template:  s.Template,
		DelayMS:   s.Delay.Milliseconds(),
		Variables: s.Variables,
	})
}

func (s *StepDefinition) UnmarshalJSON(data []byte) error {
	var v stepJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = StepDefinition{
		Template:  v.Template,
		Delay:     time.Duration(v.DelayMS) * time.Millisecond,
		Variables: v.Variables,
	}
	return nil
}

type Flow struct {
	ID         string           `json:"flowId"`
	Kind       FlowKind         `json:"kind"`
	To         string           `json:"to"`
	UserID     string           `json:"userId,omitempty"`
	Steps      []StepDefinition `json:"steps"`
	JobIDs     []string         `json:"jobIds"`
	CreatedAt  time.Time        `json:"createdAt"`
	Terminal   bool             `json:"terminal"`
	Cancelled  bool             `json:"cancelled,omitempty"`
	ResetToken string           `json:"-"`
	ExpiresAt  *time.Time       `json:"expiresAt,omitempty"`
}

// Clone copies the slices so callers can't reach into orchestrator state.
func (f Flow) Clone() Flow {
	c := f
	c.Steps = append([]StepDefinition(nil), f.Steps...)
	c.JobIDs = append([]string(nil), f.JobIDs...)
	if f.ExpiresAt != nil {
		t := *f.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}

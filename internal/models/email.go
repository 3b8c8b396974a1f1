package models

import "time"

type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Pending covers the two states a job can be claimed from.
func (s JobState) Pending() bool {
	return s == StateWaiting || s == StateDelayed
}

type Preference string

const (
	PreferAuto   Preference = "auto"
	PrimaryOnly  Preference = "primary-only"
	FallbackOnly Preference = "fallback-only"
)

func (p Preference) Valid() bool {
	switch p {
	case PreferAuto, PrimaryOnly, FallbackOnly:
		return true
	}
	return false
}

// Job is one scheduled, individually retryable email send.
type Job struct {
	ID         string         `json:"id"`
	FlowID     string         `json:"flowId,omitempty"`
	To         string         `json:"to"`
	Template   string         `json:"template"`
	Variables  map[string]any `json:"variables,omitempty"`
	Preference Preference     `json:"preference"`

	ReadyAt     time.Time `json:"readyAt"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`

	State     JobState `json:"state"`
	Cancelled bool     `json:"cancelled,omitempty"`
	LastError string   `json:"lastError,omitempty"`
	Provider  string   `json:"provider,omitempty"`
	LogID     string   `json:"logId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedOn *time.Time `json:"processedOn,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	c := j
	if j.Variables != nil {
		c.Variables = make(map[string]any, len(j.Variables))
		for k, v := range j.Variables {
			c.Variables[k] = v
		}
	}
	if j.ProcessedOn != nil {
		t := *j.ProcessedOn
		c.ProcessedOn = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// Message is a rendered email handed to the delivery layer.
type Message struct {
	JobID    string
	To       string
	Template string
	Subject  string
	HTML     string
	Text     string
}

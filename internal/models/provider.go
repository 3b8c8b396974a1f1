package models

import (
	"encoding/json"
	"maps"
	"time"
)

type ProviderName string

const (
	Primary  ProviderName = "primary"
	Fallback ProviderName = "fallback"
)

func (n ProviderName) Valid() bool {
	return n == Primary || n == Fallback
}

type ProviderStatus string

const (
	StatusConnected ProviderStatus = "connected"
	StatusError     ProviderStatus = "error"
	StatusUntested  ProviderStatus = "untested"
)

const redacted = "[REDACTED]"

// Credentials is opaque provider credential material. It never prints or
// serializes its contents.
type Credentials map[string]string

func (c Credentials) String() string   { return redacted }
func (c Credentials) GoString() string { return redacted }

func (c Credentials) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	keys := make(map[string]string, len(c))
	for k := range c {
		keys[k] = redacted
	}
	return json.Marshal(keys)
}

func (c Credentials) Clone() Credentials {
	if c == nil {
		return nil
	}
	return maps.Clone(c)
}

// Equal reports whether both hold the same keys and values. Nil and empty
// are equal.
func (c Credentials) Equal(o Credentials) bool {
	return maps.Equal(c, o)
}

type ProviderConfig struct {
	Name        ProviderName   `json:"provider"`
	Enabled     bool           `json:"enabled"`
	Credentials Credentials    `json:"config,omitempty"`
	LastTested  *time.Time     `json:"lastTested,omitempty"`
	Status      ProviderStatus `json:"status"`
	LastError   string         `json:"lastError,omitempty"`
}

// Policy governs queue-level retries and throughput.
type Policy struct {
	RetryAttempts int           `json:"retryAttempts"`
	RetryDelay    time.Duration `json:"retryDelay"`
	RateLimit     int           `json:"rateLimit"`
	SendTimeout   time.Duration `json:"sendTimeout"`
}

// Package settings reads delivery settings from the external config store
// and applies them to the running service.
package settings

import (
	"encoding/json"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"PulseFlow/internal/apperr"
)

type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeJSON    Type = "json"
)

type Rules struct {
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
	Options []string `json:"options,omitempty"`
}

// Value is one tagged setting. Raw holds the textual form; the typed
// accessors parse it on demand.
type Value struct {
	Key        string    `json:"key"`
	Type       Type      `json:"type"`
	Raw        string    `json:"value"`
	Validation *Rules    `json:"validation,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
	UpdatedBy  string    `json:"updatedBy,omitempty"`
}

// Change is one entry of a key's audit history.
type Change struct {
	Key       string    `json:"key"`
	OldValue  string    `json:"oldValue"`
	NewValue  string    `json:"newValue"`
	ChangedAt time.Time `json:"changedAt"`
	ChangedBy string    `json:"changedBy,omitempty"`
}

func (v Value) Validate() error {
	switch v.Type {
	case TypeString:
	case TypeNumber:
		if _, err := strconv.ParseFloat(strings.TrimSpace(v.Raw), 64); err != nil {
			return apperr.Validation("%s: %q is not a number", v.Key, v.Raw)
		}
	case TypeBoolean:
		if _, err := strconv.ParseBool(strings.TrimSpace(v.Raw)); err != nil {
			return apperr.Validation("%s: %q is not a boolean", v.Key, v.Raw)
		}
	case TypeJSON:
		if !json.Valid([]byte(v.Raw)) {
			return apperr.Validation("%s: value is not valid JSON", v.Key)
		}
	default:
		return apperr.Validation("%s: unknown type %q", v.Key, v.Type)
	}

	if v.Validation == nil {
		return nil
	}
	r := v.Validation

	if v.Type == TypeNumber && (r.Min != nil || r.Max != nil) {
		n, _ := strconv.ParseFloat(strings.TrimSpace(v.Raw), 64)
		if r.Min != nil && n < *r.Min {
			return apperr.Validation("%s: %v is below the minimum %v", v.Key, n, *r.Min)
		}
		if r.Max != nil && n > *r.Max {
			return apperr.Validation("%s: %v is above the maximum %v", v.Key, n, *r.Max)
		}
	}
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return apperr.Validation("%s: invalid pattern %q", v.Key, r.Pattern)
		}
		if !re.MatchString(v.Raw) {
			return apperr.Validation("%s: %q does not match %s", v.Key, v.Raw, r.Pattern)
		}
	}
	if len(r.Options) > 0 && !slices.Contains(r.Options, v.Raw) {
		return apperr.Validation("%s: %q is not one of %s", v.Key, v.Raw, strings.Join(r.Options, ", "))
	}
	return nil
}

func (v Value) String() string {
	return v.Raw
}

func (v Value) Int() (int, error) {
	if v.Type != TypeNumber {
		return 0, v.typeErr(TypeNumber)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.Raw), 64)
	if err != nil {
		return 0, apperr.Validation("%s: %q is not a number", v.Key, v.Raw)
	}
	if f != float64(int(f)) {
		return 0, apperr.Validation("%s: %v is not a whole number", v.Key, f)
	}
	return int(f), nil
}

func (v Value) Bool() (bool, error) {
	if v.Type != TypeBoolean {
		return false, v.typeErr(TypeBoolean)
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v.Raw))
	if err != nil {
		return false, apperr.Validation("%s: %q is not a boolean", v.Key, v.Raw)
	}
	return b, nil
}

// Duration reads a number in the given unit, e.g. time.Millisecond for
// keys ending in _ms.
func (v Value) Duration(unit time.Duration) (time.Duration, error) {
	n, err := v.Int()
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}

func (v Value) Decode(out any) error {
	if v.Type != TypeJSON {
		return v.typeErr(TypeJSON)
	}
	if err := json.Unmarshal([]byte(v.Raw), out); err != nil {
		return apperr.Validation("%s: %v", v.Key, err)
	}
	return nil
}

func (v Value) typeErr(want Type) error {
	return apperr.Validation("%s: expected %s, got %s", v.Key, want, v.Type)
}

func ptr(f float64) *float64 { return &f }

// Known email keys and the bounds enforced before a value is applied.
var knownRules = map[string]Value{
	KeyRetryAttempts: {Type: TypeNumber, Validation: &Rules{Min: ptr(1), Max: ptr(10)}},
	KeyRetryDelayMS:  {Type: TypeNumber, Validation: &Rules{Min: ptr(0), Max: ptr(float64(24 * time.Hour / time.Millisecond))}},
	KeyRateLimit:     {Type: TypeNumber, Validation: &Rules{Min: ptr(1), Max: ptr(100000)}},
	KeySendTimeoutMS: {Type: TypeNumber, Validation: &Rules{Min: ptr(100), Max: ptr(float64(5 * time.Minute / time.Millisecond))}},
	KeyPrimaryOn:     {Type: TypeBoolean},
	KeyFallbackOn:    {Type: TypeBoolean},
	KeyPrimaryCfg:    {Type: TypeJSON},
	KeyFallbackCfg:   {Type: TypeJSON},
}

// checkKnown validates v against the local rules for its key in addition to
// whatever rules the store attached.
func checkKnown(v Value) error {
	if err := v.Validate(); err != nil {
		return err
	}
	rule, ok := knownRules[v.Key]
	if !ok {
		return nil
	}
	if v.Type != rule.Type {
		return v.typeErr(rule.Type)
	}
	local := v
	local.Validation = rule.Validation
	return local.Validate()
}

package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultSender is the sending identity used when a sequence names none.
const DefaultSender = "default"

// Duration is a time.Duration that marshals to and from Go duration strings
// ("72h", "30m") so sequence definitions stay readable in JSON and TOML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(n)
	return nil
}

// UnmarshalText lets TOML decode duration strings.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText encodes the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// TriggerCondition describes which engagement events satisfy a step early.
type TriggerCondition struct {
	// Events lists the qualifying event types. Empty means the channel default.
	Events []EventType `json:"events,omitempty" toml:"events"`

	// AnyChannel accepts qualifying events observed on any channel, not just
	// the step's own.
	AnyChannel bool `json:"any_channel,omitempty" toml:"any_channel"`
}

// Step is one touch in a sequence.
type Step struct {
	Index      int              `json:"index" toml:"-"`
	Channel    Channel          `json:"channel" toml:"channel"`
	Dwell      Duration         `json:"dwell" toml:"dwell"`
	Template   string           `json:"template,omitempty" toml:"template"`
	IsFallback bool             `json:"is_fallback,omitempty" toml:"is_fallback"`
	Trigger    TriggerCondition `json:"trigger" toml:"trigger"`

	// Fallback is the index of the step to jump to when dwell expires with no
	// qualifying event. Nil means continue on the nominal path.
	Fallback *int `json:"fallback,omitempty" toml:"fallback"`

	// StopOnEngagement completes the enrollment on a qualifying event instead
	// of advancing to the next nominal step.
	StopOnEngagement bool `json:"stop_on_engagement,omitempty" toml:"stop_on_engagement"`
}

// QualifyingEvents returns the event types that satisfy the step's trigger.
func (s *Step) QualifyingEvents() []EventType {
	if len(s.Trigger.Events) > 0 {
		return s.Trigger.Events
	}
	return DefaultQualifyingEvents(s.Channel)
}

// Qualifies reports whether ev satisfies the step's trigger condition.
func (s *Step) Qualifies(ev *EngagementEvent) bool {
	if !s.Trigger.AnyChannel && ev.Channel != s.Channel {
		return false
	}
	for _, t := range s.QualifyingEvents() {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// Sequence is an immutable, versioned list of steps. Writing a sequence with
// an existing ID creates a new version; enrollments pin the version they
// were created against.
type Sequence struct {
	ID        string    `json:"id" toml:"id"`
	Version   int       `json:"version" toml:"-"`
	Name      string    `json:"name,omitempty" toml:"name"`
	Sender    string    `json:"sender,omitempty" toml:"sender"`
	Steps     []Step    `json:"steps" toml:"steps"`
	CreatedAt time.Time `json:"created_at" toml:"-"`
}

// Step returns the step at index i, or nil when out of range.
func (s *Sequence) Step(i int) *Step {
	if i < 0 || i >= len(s.Steps) {
		return nil
	}
	return &s.Steps[i]
}

// FirstStep returns the first step on the nominal path.
func (s *Sequence) FirstStep() *Step {
	return s.NextNominal(-1)
}

// NextNominal returns the first non-fallback step after index i, or nil.
func (s *Sequence) NextNominal(i int) *Step {
	for j := i + 1; j < len(s.Steps); j++ {
		if !s.Steps[j].IsFallback {
			return &s.Steps[j]
		}
	}
	return nil
}

// SenderIdentity returns the sending identity daily caps are counted against.
func (s *Sequence) SenderIdentity() string {
	if s.Sender == "" {
		return DefaultSender
	}
	return s.Sender
}

// Normalize assigns step indexes from their position.
func (s *Sequence) Normalize() {
	for i := range s.Steps {
		s.Steps[i].Index = i
	}
}

// Package channel defines the outbound send contract and the adapters that
// deliver steps to email, LinkedIn, SMS, and voice providers.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alfredjeanlab/outreach/internal/model"
)

var (
	// ErrTransient marks a failure worth retrying (network, timeout, 5xx).
	ErrTransient = errors.New("transient send failure")

	// ErrPermanent marks a failure that will not succeed on retry, such as a
	// bounced address.
	ErrPermanent = errors.New("permanent send failure")

	// ErrNoAdapter is returned when no adapter is registered for a channel.
	ErrNoAdapter = errors.New("no adapter registered for channel")
)

// Status is the provider-reported outcome of a send.
type Status string

const (
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusBounced Status = "bounced"
)

// SendRequest is one step delivery. Adapters must treat IdempotencyKey as a
// deduplication key so retries never double-send.
type SendRequest struct {
	EnrollmentID   string        `json:"enrollment_id"`
	StepIndex      int           `json:"step_index"`
	ContactID      string        `json:"contact_id"`
	Channel        model.Channel `json:"channel"`
	Template       string        `json:"template"`
	Sender         string        `json:"sender,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
}

// SendResult is the adapter's answer.
type SendResult struct {
	Status            Status `json:"status"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Adapter delivers a step on one channel.
type Adapter interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, req SendRequest) (SendResult, error)

// Send calls f.
func (f AdapterFunc) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	return f(ctx, req)
}

// IdempotencyKey returns the key for a step of an enrollment. Retries of the
// same step reuse it.
func IdempotencyKey(enrollmentID string, stepIndex int) string {
	return fmt.Sprintf("%s/%d", enrollmentID, stepIndex)
}

// Classify maps an adapter outcome onto a single error: nil for a
// successful send, ErrPermanent for a bounce, ErrTransient otherwise.
func Classify(res SendResult, err error) error {
	if err != nil {
		if errors.Is(err, ErrPermanent) || errors.Is(err, ErrTransient) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	switch res.Status {
	case StatusSent:
		return nil
	case StatusBounced:
		return fmt.Errorf("%w: %s", ErrPermanent, orDefault(res.Error, "bounced"))
	default:
		return fmt.Errorf("%w: %s", ErrTransient, orDefault(res.Error, "provider reported "+string(res.Status)))
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Registry maps channels to adapters. Adapters are chosen at configuration
// time; the registry is safe for concurrent lookups.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Channel]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.Channel]Adapter)}
}

// Register sets the adapter for ch, replacing any previous one.
func (r *Registry) Register(ch model.Channel, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[ch] = a
}

// Get returns the adapter for ch.
func (r *Registry) Get(ch model.Channel) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, ch)
	}
	return a, nil
}

// Channels lists the registered channels in sorted order.
func (r *Registry) Channels() []model.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/outreach/internal/model"
)

// EventStore is the slice of store.Store the Recorder writes to.
type EventStore interface {
	RecordEvent(ctx context.Context, event *model.Event) error
}

// Sink receives every recorded event in-process, e.g. the SSE hub.
type Sink interface {
	Broadcast(topic string, payload []byte)
}

// Recorder persists transition events to the audit table and publishes them
// on the bus. Both are best-effort; failures are logged but never returned.
type Recorder struct {
	store     EventStore
	publisher Publisher
	logger    *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
}

func NewRecorder(s EventStore, p Publisher, logger *slog.Logger) *Recorder {
	if p == nil {
		p = &NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, publisher: p, logger: logger}
}

// AddSink registers an in-process consumer.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Record writes and publishes a single event.
func (r *Recorder) Record(ctx context.Context, topic, enrollmentID, actor string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("failed to marshal event", "topic", topic, "enrollment_id", enrollmentID, "error", err)
		return
	}
	if err := r.store.RecordEvent(ctx, &model.Event{
		Topic:        topic,
		EnrollmentID: enrollmentID,
		Actor:        actor,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("failed to record event", "topic", topic, "enrollment_id", enrollmentID, "error", err)
	}
	if err := r.publisher.Publish(ctx, topic, event); err != nil {
		r.logger.Warn("failed to publish event", "topic", topic, "enrollment_id", enrollmentID, "error", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sinks {
		s.Broadcast(topic, payload)
	}
}

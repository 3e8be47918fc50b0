// Package client provides the interface the outreach CLI uses to talk to a
// running engine, and an HTTP/JSON implementation of it.
package client

import (
	"context"
	"encoding/json"

	"github.com/alfredjeanlab/outreach/internal/ingest"
	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/scheduler"
	"github.com/alfredjeanlab/outreach/internal/tracker"
)

// OutreachClient is implemented by HTTPClient.
type OutreachClient interface {
	// Sequences
	DefineSequence(ctx context.Context, seq *model.Sequence) (*model.Sequence, error)
	GetSequence(ctx context.Context, id string, version int) (*model.Sequence, error)
	ListSequences(ctx context.Context) ([]*model.Sequence, error)

	// Enrollments
	Enroll(ctx context.Context, req tracker.EnrollRequest) (*model.Enrollment, error)
	GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error)
	ListEnrollments(ctx context.Context, filter model.EnrollmentFilter) (*ListEnrollmentsResponse, error)
	CancelEnrollment(ctx context.Context, id, reason, actor string) (*model.Enrollment, error)
	ProcessEnrollment(ctx context.Context, id string) (*ProcessResponse, error)
	GetEvents(ctx context.Context, enrollmentID string) ([]*model.Event, error)

	// Engagement
	Ingest(ctx context.Context, raw ingest.RawEvent) (*IngestResponse, error)

	// Feed
	Watch(ctx context.Context, topics []string, fn func(StreamEvent) error) error

	Stats(ctx context.Context) (*StatsResponse, error)
	Health(ctx context.Context) (string, error)

	Close() error
}

// ListEnrollmentsResponse is a page of enrollments and the unpaged total.
type ListEnrollmentsResponse struct {
	Enrollments []*model.Enrollment `json:"enrollments"`
	Total       int                 `json:"total"`
}

// ProcessResponse reports whether a targeted pass ran and the result.
type ProcessResponse struct {
	Processed  bool              `json:"processed"`
	Enrollment *model.Enrollment `json:"enrollment"`
}

// IngestResponse is the outcome of posting an engagement event.
type IngestResponse struct {
	Event     *model.EngagementEvent `json:"event"`
	Duplicate bool                   `json:"duplicate"`
}

// StatsResponse holds enrollment counts and the serving scheduler's counters.
type StatsResponse struct {
	Enrollments map[model.Status]int `json:"enrollments"`
	Scheduler   *scheduler.Stats     `json:"scheduler,omitempty"`
}

// StreamEvent is one entry of the SSE transition feed.
type StreamEvent struct {
	ID    string
	Topic string
	Data  json.RawMessage
}

// Package server exposes the outreach engine over HTTP (JSON API and SSE
// feed) and gRPC (health and reflection only).
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alfredjeanlab/outreach/internal/events"
	"github.com/alfredjeanlab/outreach/internal/ingest"
	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/scheduler"
	"github.com/alfredjeanlab/outreach/internal/sequence"
	"github.com/alfredjeanlab/outreach/internal/store"
	"github.com/alfredjeanlab/outreach/internal/tracker"
)

// Processor runs a single enrollment through the scheduler on demand.
type Processor interface {
	ProcessEnrollment(ctx context.Context, id string) (bool, error)
	Stats() scheduler.Stats
}

// OutreachServer wires the engine components to the transports.
type OutreachServer struct {
	catalog   *sequence.Catalog
	tracker   *tracker.Tracker
	ingester  *ingest.Ingester
	processor Processor
	logger    *slog.Logger
	sseHub    *sseHub
}

// NewOutreachServer returns a server over the given components. Call Hub to
// obtain the SSE fan-out and register it on the event recorder.
func NewOutreachServer(cat *sequence.Catalog, tr *tracker.Tracker, in *ingest.Ingester, p Processor, logger *slog.Logger) *OutreachServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutreachServer{
		catalog:   cat,
		tracker:   tr,
		ingester:  in,
		processor: p,
		logger:    logger,
		sseHub:    newSSEHub(),
	}
}

// Hub returns the SSE fan-out for registration on the event recorder.
func (s *OutreachServer) Hub() events.Sink { return s.sseHub }

// inputError indicates invalid user input.
// Transport layers map this to 400.
type inputError string

func (e inputError) Error() string { return string(e) }

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var ve *model.ValidationError
	var ie inputError
	switch {
	case errors.As(err, &ve), errors.As(err, &ie):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrLeaseHeld),
		errors.Is(err, store.ErrNotClaimable),
		errors.Is(err, store.ErrAlreadyEnrolled),
		errors.Is(err, tracker.ErrOptedOut):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status, logging server-side failures.
func (s *OutreachServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

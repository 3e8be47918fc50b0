package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/outreach/internal/ingest"
	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/tracker"
)

// maxBodyBytes bounds request bodies, including webhook payloads.
const maxBodyBytes = 1 << 20

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *OutreachServer) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sequences", s.handleDefineSequence)
	mux.HandleFunc("GET /v1/sequences", s.handleListSequences)
	mux.HandleFunc("GET /v1/sequences/{id}", s.handleGetSequence)
	mux.HandleFunc("POST /v1/enrollments", s.handleEnroll)
	mux.HandleFunc("GET /v1/enrollments", s.handleListEnrollments)
	mux.HandleFunc("GET /v1/enrollments/{id}", s.handleGetEnrollment)
	mux.HandleFunc("POST /v1/enrollments/{id}/cancel", s.handleCancelEnrollment)
	mux.HandleFunc("POST /v1/enrollments/{id}/process", s.handleProcessEnrollment)
	mux.HandleFunc("GET /v1/enrollments/{id}/events", s.handleGetEvents)
	mux.HandleFunc("POST /v1/webhooks/engagement", s.handleEngagementWebhook)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/stats", s.handleGetStats)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	return AuthMiddleware(authToken, mux)
}

// handleHealth handles GET /v1/health.
func (s *OutreachServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDefineSequence handles POST /v1/sequences.
func (s *OutreachServer) handleDefineSequence(w http.ResponseWriter, r *http.Request) {
	var seq model.Sequence
	if err := decodeBody(r, &seq); err != nil {
		s.fail(w, r, err)
		return
	}
	defined, err := s.catalog.Define(r.Context(), &seq)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, defined)
}

// handleListSequences handles GET /v1/sequences.
func (s *OutreachServer) handleListSequences(w http.ResponseWriter, r *http.Request) {
	seqs, err := s.catalog.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if seqs == nil {
		seqs = []*model.Sequence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequences": seqs})
}

// handleGetSequence handles GET /v1/sequences/{id}?version=N.
func (s *OutreachServer) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, r, inputError("version must be a non-negative integer"))
			return
		}
		version = n
	}
	seq, err := s.catalog.Get(r.Context(), r.PathValue("id"), version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

// handleEnroll handles POST /v1/enrollments.
func (s *OutreachServer) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req tracker.EnrollRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	e, err := s.tracker.Enroll(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleListEnrollments handles GET /v1/enrollments.
// Query params: contact, sequence, status (comma separated), sort, limit, offset.
func (s *OutreachServer) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEnrollmentFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, total, err := s.tracker.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*model.Enrollment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrollments": list, "total": total})
}

func parseEnrollmentFilter(r *http.Request) (model.EnrollmentFilter, error) {
	q := r.URL.Query()
	filter := model.EnrollmentFilter{
		ContactID:  q.Get("contact"),
		SequenceID: q.Get("sequence"),
		Sort:       q.Get("sort"),
	}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				filter.Status = append(filter.Status, model.Status(st))
			}
		}
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, inputError(name + " must be a non-negative integer")
		}
		*dst = n
	}
	return filter, nil
}

// handleGetEnrollment handles GET /v1/enrollments/{id}.
func (s *OutreachServer) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := s.tracker.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// handleCancelEnrollment handles POST /v1/enrollments/{id}/cancel.
// The body is optional.
func (s *OutreachServer) handleCancelEnrollment(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil && err != errEmptyBody {
		s.fail(w, r, err)
		return
	}
	e, err := s.tracker.Cancel(r.Context(), r.PathValue("id"), req.Reason, req.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleProcessEnrollment handles POST /v1/enrollments/{id}/process.
func (s *OutreachServer) handleProcessEnrollment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	processed, err := s.processor.ProcessEnrollment(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	e, err := s.tracker.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": processed, "enrollment": e})
}

// handleGetEvents handles GET /v1/enrollments/{id}/events.
func (s *OutreachServer) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.tracker.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if evs == nil {
		evs = []*model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// handleEngagementWebhook handles POST /v1/webhooks/engagement. New events
// answer 202; duplicates answer 200 so providers stop redelivering.
func (s *OutreachServer) handleEngagementWebhook(w http.ResponseWriter, r *http.Request) {
	var raw ingest.RawEvent
	if err := decodeBody(r, &raw); err != nil {
		s.fail(w, r, err)
		return
	}
	ev, dup, err := s.ingester.Ingest(r.Context(), raw)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusAccepted
	if dup {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"event": ev, "duplicate": dup})
}

// handleGetStats handles GET /v1/stats.
func (s *OutreachServer) handleGetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.tracker.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := map[string]any{"enrollments": counts}
	if s.processor != nil {
		resp["scheduler"] = s.processor.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

var errEmptyBody = inputError("request body is required")

// decodeBody decodes a JSON request body into dst, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return errEmptyBody
		}
		return inputError(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

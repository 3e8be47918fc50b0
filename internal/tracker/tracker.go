// Package tracker owns the enrollment lifecycle outside the scheduler:
// creating enrollments, reading their history, and manual cancellation.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/outreach/internal/events"
	"github.com/alfredjeanlab/outreach/internal/idgen"
	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/sequence"
	"github.com/alfredjeanlab/outreach/internal/store"
)

// ErrOptedOut is returned when enrolling a contact that has unsubscribed.
var ErrOptedOut = errors.New("contact has unsubscribed")

// cancelLeaseTTL bounds how long a cancel holds the enrollment.
const cancelLeaseTTL = 30 * time.Second

// EnrollRequest describes a new enrollment.
type EnrollRequest struct {
	ContactID       string `json:"contact_id"`
	SequenceID      string `json:"sequence_id"`
	SequenceVersion int    `json:"sequence_version,omitempty"` // 0 = latest
	Timezone        string `json:"timezone,omitempty"`
	Actor           string `json:"actor,omitempty"`
}

// Tracker creates, reads, and cancels enrollments.
type Tracker struct {
	store    store.Store
	catalog  *sequence.Catalog
	recorder *events.Recorder
	logger   *slog.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func New(s store.Store, cat *sequence.Catalog, rec *events.Recorder, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    s,
		catalog:  cat,
		recorder: rec,
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enroll pins the contact to a sequence version and makes the first step due
// immediately.
func (t *Tracker) Enroll(ctx context.Context, req EnrollRequest) (*model.Enrollment, error) {
	var ve model.ValidationError
	if strings.TrimSpace(req.ContactID) == "" {
		ve.Errors = append(ve.Errors, model.FieldError{Field: "contact_id", Message: "is required"})
	}
	if strings.TrimSpace(req.SequenceID) == "" {
		ve.Errors = append(ve.Errors, model.FieldError{Field: "sequence_id", Message: "is required"})
	}
	if err := model.ValidateTimezone(req.Timezone); err != nil {
		var tzErr *model.ValidationError
		if errors.As(err, &tzErr) {
			ve.Errors = append(ve.Errors, tzErr.Errors...)
		}
	}
	if ve.HasErrors() {
		return nil, &ve
	}

	seq, err := t.catalog.Get(ctx, req.SequenceID, req.SequenceVersion)
	if err != nil {
		return nil, fmt.Errorf("sequence %s: %w", req.SequenceID, err)
	}

	// Stamp creation before the opt-out read so an unsubscribe that races
	// this call is received at or after CreatedAt.
	now := t.Now()
	if opted, err := t.optedOut(ctx, req.ContactID); err != nil {
		return nil, err
	} else if opted {
		return nil, ErrOptedOut
	}

	id, err := idgen.Enrollment()
	if err != nil {
		return nil, err
	}
	e := &model.Enrollment{
		ID:              id,
		ContactID:       req.ContactID,
		SequenceID:      seq.ID,
		SequenceVersion: seq.Version,
		Cursor:          seq.FirstStep().Index,
		Status:          model.StatusPending,
		DueAt:           &now,
		Timezone:        req.Timezone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := t.store.CreateEnrollment(ctx, e); err != nil {
		return nil, err
	}

	t.logger.Info("enrolled", "enrollment_id", e.ID, "contact_id", e.ContactID,
		"sequence_id", e.SequenceID, "version", e.SequenceVersion)
	t.recorder.Record(ctx, events.TopicEnrollmentCreated, e.ID, req.Actor, events.EnrollmentCreated{Enrollment: e})
	return e, nil
}

func (t *Tracker) optedOut(ctx context.Context, contactID string) (bool, error) {
	evs, err := t.store.ListEngagements(ctx, contactID, time.Time{})
	if err != nil {
		return false, fmt.Errorf("list engagements: %w", err)
	}
	for _, ev := range evs {
		if ev.Type == model.EventUnsubscribed {
			return true, nil
		}
	}
	return false, nil
}

// Get returns an enrollment with its attempt history.
func (t *Tracker) Get(ctx context.Context, id string) (*model.Enrollment, error) {
	return t.store.GetEnrollment(ctx, id)
}

// List returns enrollments matching filter and the total before paging.
func (t *Tracker) List(ctx context.Context, filter model.EnrollmentFilter) ([]*model.Enrollment, int, error) {
	for _, s := range filter.Status {
		if !s.IsValid() {
			return nil, 0, &model.ValidationError{Errors: []model.FieldError{{Field: "status", Message: fmt.Sprintf("invalid value %q", s)}}}
		}
	}
	return t.store.ListEnrollments(ctx, filter)
}

// Events returns the audit trail of an enrollment.
func (t *Tracker) Events(ctx context.Context, id string) ([]*model.Event, error) {
	if _, err := t.store.GetEnrollment(ctx, id); err != nil {
		return nil, err
	}
	return t.store.GetEvents(ctx, id)
}

// Cancel terminates an enrollment on operator request. It takes the lease
// like a worker would, so it fails with store.ErrLeaseHeld while a worker is
// mid-dispatch.
func (t *Tracker) Cancel(ctx context.Context, id, reason, actor string) (*model.Enrollment, error) {
	owner := "cancel-" + uuid.NewString()
	now := t.Now()
	e, err := t.store.AcquireLease(ctx, id, store.Lease{Owner: owner, TTL: cancelLeaseTTL}, now)
	if err != nil {
		return nil, err
	}

	if open := e.OpenAttempt(); open != nil {
		open.ClosedAt = &now
	}
	e.Status = model.StatusTerminated
	e.Reason = "cancelled"
	if reason != "" {
		e.Reason = "cancelled: " + reason
	}
	e.DueAt = nil
	e.UpdatedAt = now
	if err := t.store.SaveEnrollment(ctx, e, owner); err != nil {
		return nil, err
	}
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil

	t.logger.Info("enrollment cancelled", "enrollment_id", id, "actor", actor, "reason", reason)
	t.recorder.Record(ctx, events.TopicEnrollmentCancelled, id, actor, events.EnrollmentClosed{
		EnrollmentID: id, ContactID: e.ContactID, Status: e.Status, Reason: e.Reason,
	})
	return e, nil
}

// Stats returns enrollment counts by status.
func (t *Tracker) Stats(ctx context.Context) (map[model.Status]int, error) {
	return t.store.CountByStatus(ctx)
}

package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alfredjeanlab/outreach/internal/events"
	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/sequence"
	"github.com/alfredjeanlab/outreach/internal/store"
	"github.com/alfredjeanlab/outreach/internal/store/memory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTracker(t *testing.T) (*Tracker, *memory.Store) {
	t.Helper()
	st := memory.New()
	cat := sequence.NewCatalog(st, nil)
	_, err := cat.Define(context.Background(), &model.Sequence{
		ID: "seq-a",
		Steps: []model.Step{
			{Channel: model.ChannelEmail, Dwell: model.Duration(72 * time.Hour)},
			{Channel: model.ChannelSMS, Dwell: model.Duration(24 * time.Hour)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	tr := New(st, cat, events.NewRecorder(st, nil, nil), nil)
	tr.Now = func() time.Time { return t0 }
	return tr, st
}

func TestEnroll(t *testing.T) {
	tr, st := newTracker(t)
	ctx := context.Background()

	e, err := tr.Enroll(ctx, EnrollRequest{ContactID: "c-1", SequenceID: "seq-a", Timezone: "America/New_York"})
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != model.StatusPending || e.DueAt == nil || !e.DueAt.Equal(t0) || e.SequenceVersion != 1 {
		t.Fatalf("enrollment = %+v", e)
	}

	evs, _ := st.GetEvents(ctx, e.ID)
	if len(evs) != 1 || evs[0].Topic != events.TopicEnrollmentCreated {
		t.Fatalf("events = %+v", evs)
	}

	if _, err := tr.Enroll(ctx, EnrollRequest{ContactID: "c-1", SequenceID: "seq-a"}); !errors.Is(err, store.ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}
}

func TestEnroll_Validation(t *testing.T) {
	tr, _ := newTracker(t)
	tests := []struct {
		name string
		req  EnrollRequest
	}{
		{"missing contact", EnrollRequest{SequenceID: "seq-a"}},
		{"missing sequence", EnrollRequest{ContactID: "c-1"}},
		{"bad timezone", EnrollRequest{ContactID: "c-1", SequenceID: "seq-a", Timezone: "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Enroll(context.Background(), tt.req)
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
		})
	}
}

func TestEnroll_UnknownSequence(t *testing.T) {
	tr, _ := newTracker(t)
	_, err := tr.Enroll(context.Background(), EnrollRequest{ContactID: "c-1", SequenceID: "nope"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnroll_OptedOutContact(t *testing.T) {
	tr, st := newTracker(t)
	ctx := context.Background()
	_ = st.RecordEngagement(ctx, &model.EngagementEvent{
		ID: "evt-u", ContactID: "c-1", Type: model.EventUnsubscribed, Channel: model.ChannelEmail,
		ProviderEventID: "p", Timestamp: t0.Add(-time.Hour), ReceivedAt: t0.Add(-time.Hour),
	})
	if _, err := tr.Enroll(ctx, EnrollRequest{ContactID: "c-1", SequenceID: "seq-a"}); !errors.Is(err, ErrOptedOut) {
		t.Fatalf("expected ErrOptedOut, got %v", err)
	}
}

// unsubscribeOnRead records an unsubscribe right after the opt-out read.
type unsubscribeOnRead struct {
	store.Store
	now      func() time.Time
	received time.Time
}

func (u *unsubscribeOnRead) ListEngagements(ctx context.Context, contactID string, since time.Time) ([]*model.EngagementEvent, error) {
	evs, err := u.Store.ListEngagements(ctx, contactID, since)
	if u.received.IsZero() {
		u.received = u.now()
		_ = u.Store.RecordEngagement(ctx, &model.EngagementEvent{
			ID: "ev-race", ContactID: contactID, Channel: model.ChannelEmail, Type: model.EventUnsubscribed,
			ProviderEventID: "race", Timestamp: u.received, ReceivedAt: u.received,
		})
	}
	return evs, err
}

func TestEnroll_UnsubscribeRacingEnrollFallsInWindow(t *testing.T) {
	_, st := newTracker(t)
	clock := t0
	tick := func() time.Time {
		now := clock
		clock = clock.Add(time.Second)
		return now
	}
	racy := &unsubscribeOnRead{Store: st, now: tick}
	tr := New(racy, sequence.NewCatalog(st, nil), events.NewRecorder(st, nil, nil), nil)
	tr.Now = tick

	e, err := tr.Enroll(context.Background(), EnrollRequest{ContactID: "c-1", SequenceID: "seq-a"})
	if err != nil {
		t.Fatal(err)
	}
	if e.CreatedAt.After(racy.received) {
		t.Fatalf("created_at %v is after the racing unsubscribe at %v", e.CreatedAt, racy.received)
	}
	evs, _ := st.ListEngagements(context.Background(), "c-1", e.CreatedAt)
	if len(evs) != 1 {
		t.Fatalf("unsubscribe outside the enrollment window: %v", evs)
	}
}

func TestCancel(t *testing.T) {
	tr, st := newTracker(t)
	ctx := context.Background()
	e, _ := tr.Enroll(ctx, EnrollRequest{ContactID: "c-1", SequenceID: "seq-a"})

	got, err := tr.Cancel(ctx, e.ID, "requested by rep", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusTerminated || got.Reason != "cancelled: requested by rep" {
		t.Fatalf("cancelled = %+v", got)
	}
	stored, _ := st.GetEnrollment(ctx, e.ID)
	if stored.DueAt != nil || stored.LeaseOwner != "" {
		t.Fatalf("stored = %+v", stored)
	}

	if _, err := tr.Cancel(ctx, e.ID, "", "ops"); !errors.Is(err, store.ErrNotClaimable) {
		t.Fatalf("second cancel: expected ErrNotClaimable, got %v", err)
	}

	evs, _ := tr.Events(ctx, e.ID)
	if len(evs) != 2 || evs[1].Topic != events.TopicEnrollmentCancelled {
		t.Fatalf("events = %+v", evs)
	}

	// The contact may enroll again once the previous enrollment is terminal.
	if _, err := tr.Enroll(ctx, EnrollRequest{ContactID: "c-1", SequenceID: "seq-a"}); err != nil {
		t.Fatalf("re-enroll: %v", err)
	}
}

func TestCancel_LeaseHeld(t *testing.T) {
	tr, st := newTracker(t)
	ctx := context.Background()
	e, _ := tr.Enroll(ctx, EnrollRequest{ContactID: "c-1", SequenceID: "seq-a"})
	if _, err := st.AcquireLease(ctx, e.ID, store.Lease{Owner: "worker", TTL: time.Minute}, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Cancel(ctx, e.ID, "", "ops"); !errors.Is(err, store.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
}

func TestList_RejectsUnknownStatus(t *testing.T) {
	tr, _ := newTracker(t)
	_, _, err := tr.List(context.Background(), model.EnrollmentFilter{Status: []model.Status{"sleeping"}})
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

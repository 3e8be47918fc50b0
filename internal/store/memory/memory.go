// Package memory implements store.Store in process memory. It is used by the
// test suites and by `outreach serve` when no database URL is configured.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/store"
)

// Store is a thread-safe in-memory store. All reads return copies so callers
// can mutate results without racing other workers.
type Store struct {
	mu          sync.Mutex
	sequences   map[string][]*model.Sequence // id -> versions, ascending
	enrollments map[string]*record
	byContact   map[string][]string // contact id -> enrollment ids
	engagements []*model.EngagementEvent
	dedup       map[string]struct{}
	counters    map[string]int
	events      []*model.Event
	nextEventID int64
}

// record is an enrollment plus wake bookkeeping that is not part of the model.
// wakeSeq counts WakeContact calls; leaseWakeSeq is its value when the
// current lease was taken.
type record struct {
	e            *model.Enrollment
	wokenAt      *time.Time
	wakeSeq      int64
	leaseWakeSeq int64
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sequences:   make(map[string][]*model.Sequence),
		enrollments: make(map[string]*record),
		byContact:   make(map[string][]string),
		dedup:       make(map[string]struct{}),
		counters:    make(map[string]int),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// RunInTransaction calls fn with the store itself. Each method is atomic on
// its own; there is no multi-statement isolation.
func (s *Store) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

func (s *Store) CreateSequence(_ context.Context, seq *model.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.sequences[seq.ID]
	seq.Version = len(versions) + 1
	if seq.CreatedAt.IsZero() {
		seq.CreatedAt = time.Now().UTC()
	}
	s.sequences[seq.ID] = append(versions, cloneSequence(seq))
	return nil
}

func (s *Store) GetSequence(_ context.Context, id string, version int) (*model.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.sequences[id]
	if len(versions) == 0 {
		return nil, store.ErrNotFound
	}
	if version == 0 {
		return cloneSequence(versions[len(versions)-1]), nil
	}
	if version < 0 || version > len(versions) {
		return nil, store.ErrNotFound
	}
	return cloneSequence(versions[version-1]), nil
}

func (s *Store) ListSequences(_ context.Context) ([]*model.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Sequence, 0, len(s.sequences))
	for _, versions := range s.sequences {
		out = append(out, cloneSequence(versions[len(versions)-1]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateEnrollment(_ context.Context, e *model.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byContact[e.ContactID] {
		other := s.enrollments[id].e
		if other.SequenceID == e.SequenceID && !other.Status.IsTerminal() {
			return store.ErrAlreadyEnrolled
		}
	}
	s.enrollments[e.ID] = &record{e: cloneEnrollment(e)}
	s.byContact[e.ContactID] = append(s.byContact[e.ContactID], e.ID)
	return nil
}

func (s *Store) GetEnrollment(_ context.Context, id string) (*model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.enrollments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneEnrollment(r.e), nil
}

func (s *Store) ListEnrollments(_ context.Context, filter model.EnrollmentFilter) ([]*model.Enrollment, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Enrollment
	for _, r := range s.enrollments {
		e := r.e
		if filter.ContactID != "" && e.ContactID != filter.ContactID {
			continue
		}
		if filter.SequenceID != "" && e.SequenceID != filter.SequenceID {
			continue
		}
		if len(filter.Status) > 0 && !hasStatus(filter.Status, e.Status) {
			continue
		}
		out = append(out, cloneEnrollment(e))
	}
	sortEnrollments(out, filter.Sort)

	total := len(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			out = nil
		} else {
			out = out[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[model.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[model.Status]int)
	for _, r := range s.enrollments {
		counts[r.e.Status]++
	}
	return counts, nil
}

func (s *Store) ClaimDue(_ context.Context, lease store.Lease, now time.Time, limit int) ([]*model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*record
	for _, r := range s.enrollments {
		if r.e.IsLeased(now) {
			continue
		}
		switch r.e.Status {
		case model.StatusPending, model.StatusWaiting:
			if r.e.DueAt != nil && !r.e.DueAt.After(now) {
				due = append(due, r)
			}
		case model.StatusActive:
			// Stranded by a worker whose lease expired.
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return dueTime(due[i].e).Before(dueTime(due[j].e))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*model.Enrollment, 0, len(due))
	for _, r := range due {
		s.lease(r, lease, now)
		out = append(out, cloneEnrollment(r.e))
	}
	return out, nil
}

func (s *Store) AcquireLease(_ context.Context, id string, lease store.Lease, now time.Time) (*model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.enrollments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if r.e.Status.IsTerminal() {
		return nil, store.ErrNotClaimable
	}
	if r.e.IsLeased(now) {
		return nil, store.ErrLeaseHeld
	}
	s.lease(r, lease, now)
	return cloneEnrollment(r.e), nil
}

// lease marks r as claimed. Caller must hold s.mu.
func (s *Store) lease(r *record, lease store.Lease, now time.Time) {
	exp := now.Add(lease.TTL)
	r.e.LeaseOwner = lease.Owner
	r.e.LeaseExpiresAt = &exp
	r.e.Status = model.StatusActive
	r.e.UpdatedAt = now
	r.leaseWakeSeq = r.wakeSeq
}

func (s *Store) ReleaseLease(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.enrollments[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.e.LeaseOwner != owner {
		return store.ErrLeaseLost
	}
	r.e.LeaseOwner = ""
	r.e.LeaseExpiresAt = nil
	if r.e.Status == model.StatusActive {
		r.e.Status = model.StatusPending
		if len(r.e.History) > 0 {
			r.e.Status = model.StatusWaiting
		}
	}
	return nil
}

func (s *Store) SaveEnrollment(_ context.Context, e *model.Enrollment, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.enrollments[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	if r.e.LeaseOwner != owner {
		return store.ErrLeaseLost
	}

	saved := cloneEnrollment(e)
	saved.LeaseOwner = ""
	saved.LeaseExpiresAt = nil
	if saved.Status.IsTerminal() {
		saved.DueAt = nil
	} else if r.wokenAt != nil && r.wakeSeq > r.leaseWakeSeq {
		// An engagement arrived while the lease was held.
		if saved.DueAt == nil || r.wokenAt.Before(*saved.DueAt) {
			w := *r.wokenAt
			saved.DueAt = &w
		}
	}
	r.e = saved
	r.wokenAt = nil
	return nil
}

func (s *Store) RecordEngagement(_ context.Context, ev *model.EngagementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ev.DedupKey()
	if _, dup := s.dedup[key]; dup {
		return store.ErrDuplicate
	}
	s.dedup[key] = struct{}{}
	cp := *ev
	s.engagements = append(s.engagements, &cp)
	return nil
}

func (s *Store) ListEngagements(_ context.Context, contactID string, since time.Time) ([]*model.EngagementEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.EngagementEvent
	for _, ev := range s.engagements {
		if ev.ContactID != contactID || ev.ReceivedAt.Before(since) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) WakeContact(_ context.Context, contactID string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var woken []string
	for _, id := range s.byContact[contactID] {
		r := s.enrollments[id]
		if r.e.Status.IsTerminal() {
			continue
		}
		w := now
		r.wokenAt = &w
		r.wakeSeq++
		if r.e.DueAt == nil || now.Before(*r.e.DueAt) {
			d := now
			r.e.DueAt = &d
		}
		woken = append(woken, id)
	}
	return woken, nil
}

func (s *Store) ReserveSend(_ context.Context, sender string, channel model.Channel, day string, limit int) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.Join([]string{sender, string(channel), day}, "|")
	n := s.counters[key]
	if limit > 0 && n >= limit {
		return false, n, nil
	}
	n++
	s.counters[key] = n
	return true, n, nil
}

func (s *Store) RecordEvent(_ context.Context, event *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	event.ID = s.nextEventID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *Store) GetEvents(_ context.Context, enrollmentID string) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Event
	for _, ev := range s.events {
		if ev.EnrollmentID == enrollmentID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func hasStatus(list []model.Status, s model.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dueTime(e *model.Enrollment) time.Time {
	if e.DueAt == nil {
		return time.Time{}
	}
	return *e.DueAt
}

func sortEnrollments(list []*model.Enrollment, sortBy string) {
	desc := strings.HasPrefix(sortBy, "-")
	key := strings.TrimPrefix(sortBy, "-")
	less := func(a, b *model.Enrollment) bool {
		switch key {
		case "due_at":
			return dueTime(a).Before(dueTime(b))
		case "updated_at":
			return a.UpdatedAt.Before(b.UpdatedAt)
		default:
			if a.CreatedAt.Equal(b.CreatedAt) {
				return a.ID < b.ID
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	if key == "" {
		desc = true
	}
	sort.SliceStable(list, func(i, j int) bool {
		if desc {
			return less(list[j], list[i])
		}
		return less(list[i], list[j])
	})
}

func cloneSequence(seq *model.Sequence) *model.Sequence {
	cp := *seq
	cp.Steps = make([]model.Step, len(seq.Steps))
	for i, st := range seq.Steps {
		cp.Steps[i] = st
		if st.Fallback != nil {
			fb := *st.Fallback
			cp.Steps[i].Fallback = &fb
		}
		cp.Steps[i].Trigger.Events = append([]model.EventType(nil), st.Trigger.Events...)
	}
	return &cp
}

func cloneEnrollment(e *model.Enrollment) *model.Enrollment {
	cp := *e
	if e.DueAt != nil {
		d := *e.DueAt
		cp.DueAt = &d
	}
	if e.LeaseExpiresAt != nil {
		l := *e.LeaseExpiresAt
		cp.LeaseExpiresAt = &l
	}
	cp.History = make([]*model.ChannelAttempt, len(e.History))
	for i, a := range e.History {
		ac := *a
		if a.ClosedAt != nil {
			c := *a.ClosedAt
			ac.ClosedAt = &c
		}
		ac.EngagementEvents = append([]string(nil), a.EngagementEvents...)
		cp.History[i] = &ac
	}
	return &cp
}

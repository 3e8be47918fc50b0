package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/outreach/internal/idgen"
	"github.com/alfredjeanlab/outreach/internal/model"
)

var newAttemptID = idgen.Attempt

// notice is an event published once the transition is saved.
type notice struct {
	topic   string
	payload any
}

// transition accumulates the changes made to one enrollment under a lease.
type transition struct {
	e       *model.Enrollment
	seq     *model.Sequence
	now     time.Time
	notices []notice
}

func (t *transition) notify(topic string, payload any) {
	t.notices = append(t.notices, notice{topic: topic, payload: payload})
}

// wait parks the enrollment until at.
func (t *transition) wait(at time.Time) {
	t.e.DueAt = &at
	if len(t.e.History) > 0 {
		t.e.Status = model.StatusWaiting
	} else {
		t.e.Status = model.StatusPending
	}
}

// closeOpen closes the open attempt and attaches the consumed engagement
// events. With no open attempt they go on the latest attempt.
func (t *transition) closeOpen(consumed []string) {
	target := t.e.OpenAttempt()
	if target != nil {
		now := t.now
		target.ClosedAt = &now
	} else if n := len(t.e.History); n > 0 {
		target = t.e.History[n-1]
	}
	if target != nil && len(consumed) > 0 {
		target.EngagementEvents = append(target.EngagementEvents, consumed...)
	}
}

// Stats is a snapshot of scheduler activity since start.
type Stats struct {
	SchedulerID    string    `json:"scheduler_id"`
	Claimed        int64     `json:"claimed"`
	Processed      int64     `json:"processed"`
	Sent           int64     `json:"sent"`
	Failed         int64     `json:"failed"`
	Bounced        int64     `json:"bounced"`
	Deferred       int64     `json:"deferred"`
	Completed      int64     `json:"completed"`
	Terminated     int64     `json:"terminated"`
	LeaseConflicts int64     `json:"lease_conflicts"`
	Errors         int64     `json:"errors"`
	LastPoll       time.Time `json:"last_poll,omitzero"`
}

type counters struct {
	claimed, processed, sent, failed, bounced, deferred atomic.Int64
	completed, terminated, leaseConflicts, errors       atomic.Int64
	lastPoll                                            atomic.Int64
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		SchedulerID:    s.id,
		Claimed:        s.stats.claimed.Load(),
		Processed:      s.stats.processed.Load(),
		Sent:           s.stats.sent.Load(),
		Failed:         s.stats.failed.Load(),
		Bounced:        s.stats.bounced.Load(),
		Deferred:       s.stats.deferred.Load(),
		Completed:      s.stats.completed.Load(),
		Terminated:     s.stats.terminated.Load(),
		LeaseConflicts: s.stats.leaseConflicts.Load(),
		Errors:         s.stats.errors.Load(),
	}
	if ns := s.stats.lastPoll.Load(); ns > 0 {
		st.LastPoll = time.Unix(0, ns).UTC()
	}
	return st
}

// Package scheduler claims due enrollments, asks the router what to do with
// each, and applies the decision: policy checks, adapter sends, and the
// resulting state transition, all under the enrollment's lease.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alfredjeanlab/outreach/internal/channel"
	"github.com/alfredjeanlab/outreach/internal/events"
	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/policy"
	"github.com/alfredjeanlab/outreach/internal/router"
	"github.com/alfredjeanlab/outreach/internal/sequence"
	"github.com/alfredjeanlab/outreach/internal/store"
)

// Config tunes the poll loop.
type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	SendTimeout  time.Duration
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Workers:      8,
		BatchSize:    100,
		PollInterval: 5 * time.Second,
		LeaseTTL:     2 * time.Minute,
		SendTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.LeaseTTL <= c.SendTimeout {
		c.LeaseTTL = 4 * c.SendTimeout
	}
	return c
}

// maxDrainRounds bounds back-to-back claims within one tick.
const maxDrainRounds = 10

// Scheduler drives enrollments forward.
type Scheduler struct {
	store    store.Store
	catalog  *sequence.Catalog
	router   *router.Router
	policy   *policy.Policy
	adapters *channel.Registry
	recorder *events.Recorder
	logger   *slog.Logger
	cfg      Config

	id   string
	wake chan struct{}

	// Now is the clock; tests replace it.
	Now func() time.Time

	stats counters
}

// New creates a Scheduler.
func New(s store.Store, cat *sequence.Catalog, r *router.Router, p *policy.Policy,
	adapters *channel.Registry, rec *events.Recorder, logger *slog.Logger, cfg Config,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if r == nil {
		r = router.New(nil)
	}
	return &Scheduler{
		store:    s,
		catalog:  cat,
		router:   r,
		policy:   p,
		adapters: adapters,
		recorder: rec,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		id:       uuid.NewString(),
		wake:     make(chan struct{}, 1),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// ID identifies this scheduler instance in lease owner tokens.
func (s *Scheduler) ID() string { return s.id }

// Wake asks the poll loop to run before its next tick. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. In-flight enrollments finish their
// current step before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "scheduler_id", s.id, "workers", s.cfg.Workers,
		"poll_interval", s.cfg.PollInterval, "lease_ttl", s.cfg.LeaseTTL)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for round := 0; round < maxDrainRounds && ctx.Err() == nil; round++ {
			n, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error("poll failed", "error", err)
				break
			}
			if n < s.cfg.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped", "scheduler_id", s.id)
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// RunOnce claims one batch of due enrollments and processes them on the
// worker pool. It returns the number claimed.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	owner := s.id + "/" + uuid.NewString()
	claimed, err := s.store.ClaimDue(ctx, store.Lease{Owner: owner, TTL: s.cfg.LeaseTTL}, s.Now(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due: %w", err)
	}
	s.stats.lastPoll.Store(s.Now().UnixNano())
	if len(claimed) == 0 {
		return 0, nil
	}
	s.stats.claimed.Add(int64(len(claimed)))

	// Shutdown must not abandon a send between the adapter call and the save.
	work := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, e := range claimed {
		g.Go(func() error {
			if err := s.process(work, e, owner); err != nil {
				s.stats.errors.Add(1)
				s.logger.Error("process enrollment", "enrollment_id", e.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), nil
}

// ProcessEnrollment runs one decision for id immediately, regardless of its
// due time. It returns false without error when another worker holds the
// lease or the enrollment is already terminal.
func (s *Scheduler) ProcessEnrollment(ctx context.Context, id string) (bool, error) {
	owner := s.id + "/" + uuid.NewString()
	e, err := s.store.AcquireLease(ctx, id, store.Lease{Owner: owner, TTL: s.cfg.LeaseTTL}, s.Now())
	switch {
	case errors.Is(err, store.ErrLeaseHeld):
		s.stats.leaseConflicts.Add(1)
		s.logger.Debug("enrollment leased elsewhere", "enrollment_id", id)
		return false, nil
	case errors.Is(err, store.ErrNotClaimable):
		return false, nil
	case err != nil:
		return false, err
	}
	if err := s.process(context.WithoutCancel(ctx), e, owner); err != nil {
		return false, err
	}
	return true, nil
}

// process decides and applies actions for a leased enrollment, then saves it
// and releases the lease.
func (s *Scheduler) process(ctx context.Context, e *model.Enrollment, owner string) error {
	seq, err := s.catalog.Get(ctx, e.SequenceID, e.SequenceVersion)
	if err != nil {
		s.release(ctx, e.ID, owner)
		return fmt.Errorf("load sequence %s v%d: %w", e.SequenceID, e.SequenceVersion, err)
	}
	all, err := s.store.ListEngagements(ctx, e.ContactID, time.Time{})
	if err != nil {
		s.release(ctx, e.ID, owner)
		return fmt.Errorf("list engagements: %w", err)
	}
	recent := relevantEngagements(all, e.CreatedAt)

	now := s.Now()
	t := &transition{e: e, seq: seq, now: now}

	// A permanent failure re-runs the router inside the same lease. Each
	// re-run moves the cursor forward, so the loop is bounded by the steps.
	settled := false
	for i := 0; i <= len(seq.Steps)+1 && !settled; i++ {
		action := s.router.Decide(e, seq, now, recent)
		s.logger.Debug("decided", "enrollment_id", e.ID, "cursor", e.Cursor, "action", action.String())
		settled, err = s.apply(ctx, t, action)
		if err != nil {
			s.release(ctx, e.ID, owner)
			return err
		}
	}
	if !settled {
		t.wait(now.Add(s.cfg.PollInterval))
	}

	e.UpdatedAt = now
	if err := s.store.SaveEnrollment(ctx, e, owner); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			s.stats.leaseConflicts.Add(1)
		}
		return fmt.Errorf("save enrollment: %w", err)
	}
	s.stats.processed.Add(1)

	for _, n := range t.notices {
		s.recorder.Record(ctx, n.topic, e.ID, "scheduler", n.payload)
	}
	return nil
}

func (s *Scheduler) release(ctx context.Context, id, owner string) {
	if err := s.store.ReleaseLease(ctx, id, owner); err != nil && !errors.Is(err, store.ErrLeaseLost) {
		s.logger.Warn("release lease", "enrollment_id", id, "error", err)
	}
}

// apply mutates t.e for one action. It reports settled=false when the
// router must be consulted again before saving.
func (s *Scheduler) apply(ctx context.Context, t *transition, a router.Action) (bool, error) {
	e := t.e
	switch a.Kind {
	case router.KindWait:
		t.wait(a.Until)
		return true, nil

	case router.KindComplete, router.KindTerminate:
		if e.Status.IsTerminal() {
			return true, nil
		}
		t.closeOpen(a.Consumed)
		e.Status = a.Status
		e.Reason = a.Reason
		e.DueAt = nil
		if a.Status == model.StatusCompleted {
			s.stats.completed.Add(1)
		} else {
			s.stats.terminated.Add(1)
		}
		s.logger.Info("enrollment closed", "enrollment_id", e.ID, "status", a.Status, "reason", a.Reason)
		t.notify(events.TopicForStatus(a.Status), events.EnrollmentClosed{
			EnrollmentID: e.ID, ContactID: e.ContactID, Status: a.Status, Reason: a.Reason,
		})
		return true, nil

	case router.KindSend, router.KindFallback:
		return s.send(ctx, t, a)
	}
	return true, fmt.Errorf("unknown action %q", a.Kind)
}

func (s *Scheduler) send(ctx context.Context, t *transition, a router.Action) (bool, error) {
	e, seq, now := t.e, t.seq, t.now
	step := seq.Step(a.StepIndex)
	if step == nil {
		return true, fmt.Errorf("step %d out of range for %s v%d", a.StepIndex, seq.ID, seq.Version)
	}

	// A step with no adapter is skipped without consuming policy quota.
	adapter, lookupErr := s.adapters.Get(step.Channel)
	if lookupErr == nil {
		decision, err := s.policy.Authorize(ctx, policy.Request{
			ContactID:    e.ContactID,
			EnrollmentID: e.ID,
			Channel:      step.Channel,
			Sender:       seq.SenderIdentity(),
			Timezone:     e.Timezone,
		}, now)
		if err != nil {
			return true, fmt.Errorf("authorize: %w", err)
		}
		if !decision.Allow {
			s.stats.deferred.Add(1)
			t.wait(decision.RetryAfter)
			t.notify(events.TopicSendDeferred, events.SendDeferred{
				EnrollmentID: e.ID, StepIndex: step.Index, Channel: step.Channel,
				RetryAfter: decision.RetryAfter, Reason: decision.Reason,
			})
			return true, nil
		}
	}

	att, err := s.deliver(ctx, t, step, adapter, lookupErr, a.Kind == router.KindFallback)
	if err != nil {
		return true, err
	}

	t.closeOpen(a.Consumed)
	if step.Index != e.Cursor {
		e.RetryCount = 0
	}
	e.Cursor = step.Index
	e.ViaFallback = a.Kind == router.KindFallback
	e.History = append(e.History, att)

	switch att.Result {
	case model.ResultSent:
		e.RetryCount = 0
		t.wait(now.Add(step.Dwell.Std()))
		s.stats.sent.Add(1)
		t.notify(events.TopicEnrollmentAdvanced, events.AttemptRecorded{
			EnrollmentID: e.ID, ContactID: e.ContactID, Attempt: att, Retry: a.Retry,
		})
		return true, nil

	case model.ResultFailed:
		e.RetryCount++
		s.stats.failed.Add(1)
		t.notify(events.TopicAttemptFailed, events.AttemptRecorded{
			EnrollmentID: e.ID, ContactID: e.ContactID, Attempt: att, Retry: a.Retry,
		})
		if rp := s.router.Retry(); rp.ShouldRetry(e.RetryCount) {
			t.wait(now.Add(rp.NextDelay(e.RetryCount)))
			return true, nil
		}
		s.logger.Warn("send retries exhausted", "enrollment_id", e.ID, "step", step.Index, "error", att.Error)
		return false, nil

	default:
		e.RetryCount = 0
		s.stats.bounced.Add(1)
		t.notify(events.TopicAttemptBounced, events.AttemptRecorded{
			EnrollmentID: e.ID, ContactID: e.ContactID, Attempt: att,
		})
		return false, nil
	}
}

// deliver calls the channel adapter with a bounded timeout and records the
// outcome as an attempt. Adapter errors never escape; they become failed,
// bounced, or skipped attempts. A non-nil lookupErr means no adapter is
// registered and the attempt is skipped.
func (s *Scheduler) deliver(ctx context.Context, t *transition, step *model.Step, adapter channel.Adapter, lookupErr error, viaFallback bool) (*model.ChannelAttempt, error) {
	e, seq, now := t.e, t.seq, t.now
	id, err := newAttemptID()
	if err != nil {
		return nil, err
	}
	att := &model.ChannelAttempt{
		ID:           id,
		EnrollmentID: e.ID,
		StepIndex:    step.Index,
		AttemptNo:    attemptNo(e, step.Index),
		Channel:      step.Channel,
		SentAt:       now,
		ViaFallback:  viaFallback,
	}

	if lookupErr != nil {
		att.Result = model.ResultSkipped
		att.Error = lookupErr.Error()
		att.ClosedAt = &now
		s.logger.Warn("step skipped", "enrollment_id", e.ID, "step", step.Index, "error", lookupErr)
		return att, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	res, sendErr := adapter.Send(sendCtx, channel.SendRequest{
		EnrollmentID:   e.ID,
		StepIndex:      step.Index,
		ContactID:      e.ContactID,
		Channel:        step.Channel,
		Template:       step.Template,
		Sender:         seq.SenderIdentity(),
		IdempotencyKey: channel.IdempotencyKey(e.ID, step.Index),
	})
	cancel()

	att.ProviderMessageID = res.ProviderMessageID
	switch err := channel.Classify(res, sendErr); {
	case err == nil:
		att.Result = model.ResultSent
	case errors.Is(err, channel.ErrPermanent):
		att.Result = model.ResultBounced
		att.Error = err.Error()
		att.ClosedAt = &now
	default:
		att.Result = model.ResultFailed
		att.Error = err.Error()
		att.ClosedAt = &now
		s.logger.Warn("send failed", "enrollment_id", e.ID, "step", step.Index,
			"channel", step.Channel, "retry", e.RetryCount, "error", err)
	}
	return att, nil
}

func attemptNo(e *model.Enrollment, step int) int {
	n := 1
	for _, a := range e.History {
		if a.StepIndex == step {
			n++
		}
	}
	return n
}

// relevantEngagements keeps events received since the enrollment was created
// plus every unsubscribe. An unsubscribe recorded while the enrollment was
// being created still opts the contact out.
func relevantEngagements(evs []*model.EngagementEvent, since time.Time) []*model.EngagementEvent {
	out := evs[:0:0]
	for _, ev := range evs {
		if ev.Type == model.EventUnsubscribed || !ev.ReceivedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out
}

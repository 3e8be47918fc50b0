// Package router decides the next action for an enrollment. Decide is a pure
// function of the enrollment, its pinned sequence version, the clock, and the
// contact's recent engagement events; it performs no I/O.
package router

import (
	"fmt"
	"sort"
	"time"

	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/retry"
)

// Kind enumerates router actions.
type Kind string

const (
	KindSend      Kind = "send"
	KindWait      Kind = "wait"
	KindFallback  Kind = "fallback"
	KindComplete  Kind = "complete"
	KindTerminate Kind = "terminate"
)

// Terminal reasons recorded on the enrollment.
const (
	ReasonEngaged      = "engaged"
	ReasonExhausted    = "sequence exhausted"
	ReasonUnsubscribed = "unsubscribed"
	ReasonBounced      = "bounced"
	ReasonCancelled    = "cancelled"
)

// Action is the router's decision for one enrollment.
type Action struct {
	Kind Kind

	// StepIndex is the step to send for KindSend and KindFallback.
	StepIndex int

	// Retry marks a resend of the cursor step after a transient failure.
	Retry bool

	// Until is the time to re-evaluate for KindWait.
	Until time.Time

	// Status is the resulting terminal status for KindComplete and
	// KindTerminate.
	Status model.Status
	Reason string

	// Consumed lists engagement event IDs that caused this decision. They
	// are attached to the open attempt so they never trigger again.
	Consumed []string
}

// IsTerminal reports whether applying the action ends the enrollment.
func (a Action) IsTerminal() bool {
	return a.Kind == KindComplete || a.Kind == KindTerminate
}

func (a Action) String() string {
	switch a.Kind {
	case KindSend:
		if a.Retry {
			return fmt.Sprintf("send(step %d, retry)", a.StepIndex)
		}
		return fmt.Sprintf("send(step %d)", a.StepIndex)
	case KindFallback:
		return fmt.Sprintf("fallback(step %d)", a.StepIndex)
	case KindWait:
		return "wait(" + a.Until.UTC().Format(time.RFC3339) + ")"
	default:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Reason)
	}
}

// Send returns a send action for step i.
func Send(i int) Action { return Action{Kind: KindSend, StepIndex: i} }

// Fallback returns a fallback action to step i.
func Fallback(i int) Action { return Action{Kind: KindFallback, StepIndex: i} }

// WaitUntil returns a wait action.
func WaitUntil(t time.Time) Action { return Action{Kind: KindWait, Until: t} }

// Complete returns a completion action.
func Complete(reason string) Action {
	return Action{Kind: KindComplete, Status: model.StatusCompleted, Reason: reason}
}

// Terminate returns a termination action ending in status.
func Terminate(status model.Status, reason string) Action {
	return Action{Kind: KindTerminate, Status: status, Reason: reason}
}

// Router holds the policy inputs Decide needs beyond its arguments.
type Router struct {
	retry *retry.Policy
}

// New creates a Router. A nil policy uses retry.Default().
func New(p *retry.Policy) *Router {
	if p == nil {
		p = retry.Default()
	}
	return &Router{retry: p}
}

// Retry returns the router's retry policy.
func (r *Router) Retry() *retry.Policy { return r.retry }

// Decide computes the next action for e. events are the contact's engagement
// events since enrollment, in any order.
func (r *Router) Decide(e *model.Enrollment, seq *model.Sequence, now time.Time, events []*model.EngagementEvent) Action {
	if e.Status.IsTerminal() {
		return Terminate(e.Status, "already "+string(e.Status))
	}

	events = sortedEvents(events)
	consumed := e.Consumed()

	if a, ok := optOut(events, consumed); ok {
		return a
	}

	step := seq.Step(e.Cursor)
	if step == nil {
		return Complete(ReasonExhausted)
	}

	last := e.LastAttempt(e.Cursor)
	if last == nil {
		if e.ViaFallback {
			return Fallback(e.Cursor)
		}
		return Send(e.Cursor)
	}

	switch {
	case last.IsOpen():
		if ev := firstQualifying(e, step, last, events, consumed); ev != nil {
			a := advance(seq, step)
			a.Consumed = []string{ev.ID}
			return a
		}
		if deadline := last.SentAt.Add(step.Dwell.Std()); now.Before(deadline) {
			return WaitUntil(deadline)
		}
		return expire(seq, step)

	case last.Result == model.ResultFailed:
		if !r.retry.ShouldRetry(e.RetryCount) {
			return expire(seq, step)
		}
		if until := last.SentAt.Add(r.retry.NextDelay(e.RetryCount)); now.Before(until) {
			return WaitUntil(until)
		}
		a := Send(e.Cursor)
		if e.ViaFallback {
			a.Kind = KindFallback
		}
		a.Retry = true
		return a

	default:
		// Bounced, skipped, or closed without a successor.
		return expire(seq, step)
	}
}

// optOut finds an unconsumed unsubscribe or hard bounce. Unsubscribe wins
// when both are present.
func optOut(events []*model.EngagementEvent, consumed map[string]struct{}) (Action, bool) {
	var bounced *model.EngagementEvent
	for _, ev := range events {
		if _, done := consumed[ev.ID]; done {
			continue
		}
		switch ev.Type {
		case model.EventUnsubscribed:
			a := Terminate(model.StatusUnsubscribed, ReasonUnsubscribed)
			a.Consumed = []string{ev.ID}
			return a, true
		case model.EventBounced:
			if bounced == nil {
				bounced = ev
			}
		}
	}
	if bounced != nil {
		a := Terminate(model.StatusTerminated, ReasonBounced)
		a.Consumed = []string{bounced.ID}
		return a, true
	}
	return Action{}, false
}

// firstQualifying returns the earliest unconsumed event satisfying the step
// trigger while the attempt was open.
func firstQualifying(e *model.Enrollment, step *model.Step, open *model.ChannelAttempt, events []*model.EngagementEvent, consumed map[string]struct{}) *model.EngagementEvent {
	for _, ev := range events {
		if _, done := consumed[ev.ID]; done {
			continue
		}
		if ev.EnrollmentID != "" && ev.EnrollmentID != e.ID {
			continue
		}
		if !duringAttempt(ev, open) {
			continue
		}
		if step.Qualifies(ev) {
			return ev
		}
	}
	return nil
}

// ClockSkew is how far a provider timestamp may trail the attempt's send time
// and still count, provided the event was received after the send.
const ClockSkew = 2 * time.Minute

// duringAttempt reports whether ev happened while open was outstanding.
func duringAttempt(ev *model.EngagementEvent, open *model.ChannelAttempt) bool {
	if !ev.Timestamp.Before(open.SentAt) {
		return true
	}
	return !ev.Timestamp.Before(open.SentAt.Add(-ClockSkew)) && !ev.ReceivedAt.Before(open.SentAt)
}

// advance moves past step after a qualifying engagement.
func advance(seq *model.Sequence, step *model.Step) Action {
	if step.StopOnEngagement {
		return Complete(ReasonEngaged)
	}
	if next := seq.NextNominal(step.Index); next != nil {
		return Send(next.Index)
	}
	return Complete(ReasonEngaged)
}

// expire handles a step that ended without a qualifying engagement.
func expire(seq *model.Sequence, step *model.Step) Action {
	if step.Fallback != nil {
		return Fallback(*step.Fallback)
	}
	if next := seq.NextNominal(step.Index); next != nil {
		return Send(next.Index)
	}
	return Complete(ReasonExhausted)
}

func sortedEvents(events []*model.EngagementEvent) []*model.EngagementEvent {
	out := make([]*model.EngagementEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Package policy gates channel sends on contact-local quiet hours and
// per-sender daily caps.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/outreach/internal/model"
)

// Counter reserves daily send capacity. store.Store satisfies it.
type Counter interface {
	ReserveSend(ctx context.Context, sender string, channel model.Channel, day string, limit int) (bool, int, error)
}

// Rule is the resolved policy for one channel.
type Rule struct {
	Window   Window
	DailyCap int // 0 = unlimited
}

// Request describes a pending send.
type Request struct {
	ContactID    string
	EnrollmentID string
	Channel      model.Channel
	Sender       string
	Timezone     string
}

// Decision is the outcome of Authorize. When Allow is false the caller
// reschedules at RetryAfter without consuming a retry.
type Decision struct {
	Allow      bool
	RetryAfter time.Time
	Reason     string
}

// Allow is the granting decision.
var Allow = Decision{Allow: true}

// Deny returns a denial that may be retried at t.
func Deny(t time.Time, reason string) Decision {
	return Decision{RetryAfter: t, Reason: reason}
}

// Policy authorizes sends. It is safe for concurrent use; cap accounting is
// delegated to the Counter's atomic reservation.
type Policy struct {
	def     Rule
	rules   map[model.Channel]Rule
	counter Counter
	logger  *slog.Logger
}

// New creates a Policy. Channels missing from rules use def.
func New(def Rule, rules map[model.Channel]Rule, counter Counter, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if rules == nil {
		rules = make(map[model.Channel]Rule)
	}
	return &Policy{def: def, rules: rules, counter: counter, logger: logger}
}

// Rule returns the effective rule for channel c.
func (p *Policy) Rule(c model.Channel) Rule {
	if r, ok := p.rules[c]; ok {
		return r
	}
	return p.def
}

// Authorize checks quiet hours first, then reserves one unit of the daily
// cap. A send denied by quiet hours never consumes cap.
func (p *Policy) Authorize(ctx context.Context, req Request, now time.Time) (Decision, error) {
	rule := p.Rule(req.Channel)
	loc := location(req.Timezone)

	if !rule.Window.Contains(now, loc) {
		next := rule.Window.NextOpen(now, loc)
		p.logger.Debug("send deferred by quiet hours",
			"enrollment_id", req.EnrollmentID, "channel", req.Channel, "retry_after", next)
		return Deny(next, "quiet hours"), nil
	}

	if rule.DailyCap <= 0 || p.counter == nil {
		return Allow, nil
	}

	sender := req.Sender
	if sender == "" {
		sender = model.DefaultSender
	}
	ok, n, err := p.counter.ReserveSend(ctx, sender, req.Channel, DayKey(now), rule.DailyCap)
	if err != nil {
		return Decision{}, fmt.Errorf("reserve send: %w", err)
	}
	if !ok {
		next := NextDay(now)
		p.logger.Debug("send deferred by daily cap",
			"enrollment_id", req.EnrollmentID, "channel", req.Channel, "sender", sender, "count", n, "retry_after", next)
		return Deny(next, "daily cap reached"), nil
	}
	return Allow, nil
}

// DayKey is the counter bucket for t. Caps reset at UTC midnight.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextDay returns the next UTC midnight after t.
func NextDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Package ingest normalizes inbound engagement signals, deduplicates them,
// and wakes the affected enrollments. It never sends anything.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alfredjeanlab/outreach/internal/events"
	"github.com/alfredjeanlab/outreach/internal/idgen"
	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/store"
)

// RawEvent is the webhook and bus payload providers send.
type RawEvent struct {
	ContactID       string          `json:"contact_id"`
	EnrollmentID    string          `json:"enrollment_id,omitempty"`
	Channel         string          `json:"channel"`
	Type            string          `json:"type"`
	ProviderEventID string          `json:"provider_event_id"`
	Timestamp       time.Time       `json:"timestamp"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Waker is nudged after an event wakes enrollments, so the scheduler polls
// before its next tick.
type Waker interface {
	Wake()
}

// Ingester records engagement events.
type Ingester struct {
	store    store.Store
	recorder *events.Recorder
	waker    Waker
	logger   *slog.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func New(s store.Store, rec *events.Recorder, w Waker, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		store:    s,
		recorder: rec,
		waker:    w,
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

var typeAliases = map[string]model.EventType{
	"open":                model.EventOpened,
	"opened":              model.EventOpened,
	"click":               model.EventClicked,
	"clicked":             model.EventClicked,
	"reply":               model.EventReplied,
	"replied":             model.EventReplied,
	"response":            model.EventReplied,
	"connect":             model.EventConnected,
	"connected":           model.EventConnected,
	"connection_accepted": model.EventConnected,
	"answer":              model.EventAnswered,
	"answered":            model.EventAnswered,
	"call_connected":      model.EventAnswered,
	"bounce":              model.EventBounced,
	"bounced":             model.EventBounced,
	"hard_bounce":         model.EventBounced,
	"undeliverable":       model.EventBounced,
	"unsubscribe":         model.EventUnsubscribed,
	"unsubscribed":        model.EventUnsubscribed,
	"opt_out":             model.EventUnsubscribed,
	"optout":              model.EventUnsubscribed,
	"stop":                model.EventUnsubscribed,
}

var channelAliases = map[string]model.Channel{
	"email":     model.ChannelEmail,
	"mail":      model.ChannelEmail,
	"linkedin":  model.ChannelLinkedIn,
	"linked_in": model.ChannelLinkedIn,
	"sms":       model.ChannelSMS,
	"text":      model.ChannelSMS,
	"voice":     model.ChannelVoice,
	"call":      model.ChannelVoice,
	"phone":     model.ChannelVoice,
}

func key(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

// NormalizeType maps provider vocabulary onto an EventType. Unknown values
// are returned as-is and fail validation.
func NormalizeType(s string) model.EventType {
	if t, ok := typeAliases[key(s)]; ok {
		return t
	}
	return model.EventType(s)
}

// NormalizeChannel maps provider channel names onto a Channel.
func NormalizeChannel(s string) model.Channel {
	if c, ok := channelAliases[key(s)]; ok {
		return c
	}
	return model.Channel(s)
}

// Ingest records raw and wakes the contact's enrollments. A duplicate is
// reported with dup=true and a nil error; it wakes nothing.
func (in *Ingester) Ingest(ctx context.Context, raw RawEvent) (ev *model.EngagementEvent, dup bool, err error) {
	id, err := idgen.Engagement()
	if err != nil {
		return nil, false, err
	}
	ev = &model.EngagementEvent{
		ID:              id,
		ContactID:       strings.TrimSpace(raw.ContactID),
		EnrollmentID:    strings.TrimSpace(raw.EnrollmentID),
		Type:            NormalizeType(raw.Type),
		Channel:         NormalizeChannel(raw.Channel),
		Timestamp:       raw.Timestamp.UTC(),
		ProviderEventID: strings.TrimSpace(raw.ProviderEventID),
		RawPayload:      raw.Raw,
		ReceivedAt:      in.Now(),
	}
	if err := model.ValidateEngagement(ev); err != nil {
		return nil, false, err
	}

	if err := in.store.RecordEngagement(ctx, ev); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			in.logger.Debug("duplicate engagement event", "contact_id", ev.ContactID,
				"type", ev.Type, "provider_event_id", ev.ProviderEventID)
			return ev, true, nil
		}
		return nil, false, fmt.Errorf("record engagement: %w", err)
	}

	woken, err := in.store.WakeContact(ctx, ev.ContactID, ev.ReceivedAt)
	if err != nil {
		return nil, false, fmt.Errorf("wake contact %s: %w", ev.ContactID, err)
	}
	if len(woken) > 0 && in.waker != nil {
		in.waker.Wake()
	}

	in.logger.Info("engagement recorded", "contact_id", ev.ContactID, "type", ev.Type,
		"channel", ev.Channel, "woken", len(woken))
	if in.recorder != nil {
		in.recorder.Record(ctx, events.TopicEngagementRecorded, ev.EnrollmentID, "ingest",
			events.EngagementRecorded{Event: ev, Woken: woken})
	}
	return ev, false, nil
}

// Consume ingests every payload delivered on topic until ctx is done.
// Malformed payloads are logged and dropped.
func (in *Ingester) Consume(ctx context.Context, sub events.Subscriber, topic string) error {
	ch, cancel, err := sub.Subscribe(topic)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var raw RawEvent
			if err := json.Unmarshal(data, &raw); err != nil {
				in.logger.Warn("dropping malformed engagement payload", "topic", topic, "error", err)
				continue
			}
			if _, _, err := in.Ingest(ctx, raw); err != nil {
				in.logger.Warn("failed to ingest engagement", "contact_id", raw.ContactID, "error", err)
			}
		}
	}
}

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// SendSubjectPrefix is the subject prefix NATS-backed providers listen on;
// the channel name is appended ("outreach.send.sms").
const SendSubjectPrefix = "outreach.send."

// NATSAdapter delivers sends as NATS request-reply messages to a provider
// worker subscribed on SendSubjectPrefix + channel.
type NATSAdapter struct {
	conn *nats.Conn
}

// NewNATSAdapter creates an adapter on an existing connection.
func NewNATSAdapter(nc *nats.Conn) *NATSAdapter {
	return &NATSAdapter{conn: nc}
}

// Send implements Adapter.
func (a *NATSAdapter) Send(ctx context.Context, sr SendRequest) (SendResult, error) {
	data, err := json.Marshal(sr)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshaling send request: %w", err)
	}

	msg := nats.NewMsg(SendSubjectPrefix + string(sr.Channel))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, sr.IdempotencyKey)

	reply, err := a.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return SendResult{}, classifyRequestError(err)
	}

	var res SendResult
	if err := json.Unmarshal(reply.Data, &res); err != nil {
		return SendResult{}, fmt.Errorf("%w: decoding reply: %v", ErrTransient, err)
	}
	return res, nil
}

// classifyRequestError marks requests the server can never accept (oversized
// payload, malformed subject or message) as permanent. Timeouts, missing
// responders and connection trouble are transient.
func classifyRequestError(err error) error {
	switch {
	case errors.Is(err, nats.ErrMaxPayload), errors.Is(err, nats.ErrBadSubject), errors.Is(err, nats.ErrInvalidMsg):
		return fmt.Errorf("%w: nats request: %v", ErrPermanent, err)
	default:
		return fmt.Errorf("%w: nats request: %v", ErrTransient, err)
	}
}

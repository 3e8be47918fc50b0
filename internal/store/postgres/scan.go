package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/outreach/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanSequence(row scannable) (*model.Sequence, error) {
	var (
		seq   model.Sequence
		steps []byte
	)
	if err := row.Scan(&seq.ID, &seq.Version, &seq.Name, &seq.Sender, &steps, &seq.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &seq.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of %s v%d: %w", seq.ID, seq.Version, err)
	}
	seq.Normalize()
	return &seq, nil
}

func scanSequences(rows *sql.Rows) ([]*model.Sequence, error) {
	var out []*model.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// enrollmentDest returns scan destinations in enrollmentColumns order plus a
// finisher that copies nullable columns into e.
func enrollmentDest(e *model.Enrollment) ([]any, func()) {
	var (
		dueAt      sql.NullTime
		leaseOwner sql.NullString
		leaseExp   sql.NullTime
	)
	dest := []any{
		&e.ID,
		&e.ContactID,
		&e.SequenceID,
		&e.SequenceVersion,
		&e.Cursor,
		&e.Status,
		&dueAt,
		&e.Timezone,
		&e.RetryCount,
		&e.ViaFallback,
		&e.Reason,
		&e.CreatedAt,
		&e.UpdatedAt,
		&leaseOwner,
		&leaseExp,
	}
	return dest, func() {
		e.DueAt = timePtr(dueAt)
		e.LeaseOwner = leaseOwner.String
		e.LeaseExpiresAt = timePtr(leaseExp)
	}
}

// scanEnrollment scans a single row into a model.Enrollment. History is
// loaded separately.
func scanEnrollment(row scannable) (*model.Enrollment, error) {
	var e model.Enrollment
	dest, finish := enrollmentDest(&e)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	finish()
	return &e, nil
}

// scanEnrollmentWithTotal scans a row that has a leading total_count column
// followed by the enrollment columns.
func scanEnrollmentWithTotal(row scannable) (*model.Enrollment, int, error) {
	var (
		e     model.Enrollment
		total int
	)
	dest, finish := enrollmentDest(&e)
	if err := row.Scan(append([]any{&total}, dest...)...); err != nil {
		return nil, 0, err
	}
	finish()
	return &e, total, nil
}

func scanEnrollments(rows *sql.Rows) ([]*model.Enrollment, error) {
	var out []*model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanAttempt(row scannable) (*model.ChannelAttempt, error) {
	var (
		a        model.ChannelAttempt
		closedAt sql.NullTime
	)
	err := row.Scan(
		&a.ID,
		&a.EnrollmentID,
		&a.StepIndex,
		&a.AttemptNo,
		&a.Channel,
		&a.SentAt,
		&a.Result,
		&a.ViaFallback,
		&a.ProviderMessageID,
		&a.Error,
		&closedAt,
		pq.Array(&a.EngagementEvents),
	)
	if err != nil {
		return nil, err
	}
	a.ClosedAt = timePtr(closedAt)
	if len(a.EngagementEvents) == 0 {
		a.EngagementEvents = nil
	}
	return &a, nil
}

func scanEngagement(row scannable) (*model.EngagementEvent, error) {
	var (
		ev           model.EngagementEvent
		enrollmentID sql.NullString
		raw          []byte
	)
	err := row.Scan(
		&ev.ID,
		&ev.ContactID,
		&enrollmentID,
		&ev.Type,
		&ev.Channel,
		&ev.Timestamp,
		&ev.ProviderEventID,
		&raw,
		&ev.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.EnrollmentID = enrollmentID.String
	if len(raw) > 0 {
		ev.RawPayload = json.RawMessage(raw)
	}
	return &ev, nil
}

func scanEngagements(rows *sql.Rows) ([]*model.EngagementEvent, error) {
	var out []*model.EngagementEvent
	for rows.Next() {
		ev, err := scanEngagement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanEvent scans a single row into a model.Event.
func scanEvent(row scannable) (*model.Event, error) {
	var e model.Event
	var (
		actor   sql.NullString
		payload []byte
	)
	err := row.Scan(&e.ID, &e.Topic, &e.EnrollmentID, &actor, &payload, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Actor = actor.String
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

// scanEvents scans multiple rows into a slice of model.Event pointers.
func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullTimePtr converts a *time.Time to a sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullString converts a string to sql.NullString; empty string is null.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// jsonbBytes converts json.RawMessage to a []byte suitable for JSONB columns.
func jsonbBytes(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

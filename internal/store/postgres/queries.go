package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/store"
)

// enrollmentColumns is the column list used for SELECT statements on the
// enrollments table.
const enrollmentColumns = `id, contact_id, sequence_id, sequence_version, step_cursor,
	status, due_at, timezone, retry_count, via_fallback, reason, created_at, updated_at,
	lease_owner, lease_expires_at`

// attemptColumns is the column list used for SELECT statements on the
// channel_attempts table.
const attemptColumns = `id, enrollment_id, step_index, attempt_no, channel, sent_at,
	result, via_fallback, provider_message_id, error, closed_at, engagement_events`

const engagementColumns = `id, contact_id, enrollment_id, type, channel, timestamp,
	provider_event_id, raw_payload, received_at`

// terminalStatuses is the SQL list literal of terminal enrollment statuses.
const terminalStatuses = `('completed', 'terminated', 'unsubscribed')`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// --- sequences ---

func queryCreateSequence(ctx context.Context, db executor, seq *model.Sequence) error {
	steps, err := json.Marshal(seq.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	if seq.CreatedAt.IsZero() {
		seq.CreatedAt = time.Now().UTC()
	}
	return db.QueryRowContext(ctx, `
		INSERT INTO sequences (id, version, name, sender, steps, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5
		FROM sequences WHERE id = $1
		RETURNING version`,
		seq.ID, seq.Name, seq.Sender, steps, seq.CreatedAt,
	).Scan(&seq.Version)
}

func queryGetSequence(ctx context.Context, db executor, id string, version int) (*model.Sequence, error) {
	var row *sql.Row
	if version == 0 {
		row = db.QueryRowContext(ctx, `
			SELECT id, version, name, sender, steps, created_at
			FROM sequences WHERE id = $1
			ORDER BY version DESC LIMIT 1`, id)
	} else {
		row = db.QueryRowContext(ctx, `
			SELECT id, version, name, sender, steps, created_at
			FROM sequences WHERE id = $1 AND version = $2`, id, version)
	}
	seq, err := scanSequence(row)
	if err != nil {
		return nil, notFound(err)
	}
	return seq, nil
}

func queryListSequences(ctx context.Context, db executor) ([]*model.Sequence, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT ON (id) id, version, name, sender, steps, created_at
		FROM sequences
		ORDER BY id, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSequences(rows)
}

// --- enrollments ---

func queryCreateEnrollment(ctx context.Context, db executor, e *model.Enrollment) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO enrollments (
			id, contact_id, sequence_id, sequence_version, step_cursor,
			status, due_at, timezone, retry_count, via_fallback, reason,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID,
		e.ContactID,
		e.SequenceID,
		e.SequenceVersion,
		e.Cursor,
		string(e.Status),
		nullTimePtr(e.DueAt),
		e.Timezone,
		e.RetryCount,
		e.ViaFallback,
		e.Reason,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyEnrolled
	}
	return err
}

func queryGetEnrollment(ctx context.Context, db executor, id string) (*model.Enrollment, error) {
	row := db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id)
	e, err := scanEnrollment(row)
	if err != nil {
		return nil, notFound(err)
	}
	if err := attachHistory(ctx, db, []*model.Enrollment{e}); err != nil {
		return nil, err
	}
	return e, nil
}

func queryListEnrollments(ctx context.Context, db executor, filter model.EnrollmentFilter) ([]*model.Enrollment, int, error) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if filter.ContactID != "" {
		whereClauses = append(whereClauses, "contact_id = "+nextArg())
		args = append(args, filter.ContactID)
	}
	if filter.SequenceID != "" {
		whereClauses = append(whereClauses, "sequence_id = "+nextArg())
		args = append(args, filter.SequenceID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		whereClauses = append(whereClauses, "status = ANY("+nextArg()+")")
		args = append(args, pq.Array(statuses))
	}

	query := `SELECT COUNT(*) OVER() AS total_count, ` + enrollmentColumns + ` FROM enrollments`
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	query += " ORDER BY " + parseSortClause(filter.Sort)
	if filter.Limit > 0 {
		query += " LIMIT " + nextArg()
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + nextArg()
		args = append(args, filter.Offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var (
		enrollments []*model.Enrollment
		total       int
	)
	for rows.Next() {
		e, t, err := scanEnrollmentWithTotal(rows)
		if err != nil {
			return nil, 0, err
		}
		total = t
		enrollments = append(enrollments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := attachHistory(ctx, db, enrollments); err != nil {
		return nil, 0, err
	}
	return enrollments, total, nil
}

func queryCountByStatus(ctx context.Context, db executor) (map[model.Status]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM enrollments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.Status(status)] = n
	}
	return counts, rows.Err()
}

// queryClaimDue leases due enrollments. SKIP LOCKED lets concurrent
// schedulers claim disjoint batches without blocking each other.
func queryClaimDue(ctx context.Context, db executor, lease store.Lease, now time.Time, limit int) ([]*model.Enrollment, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE enrollments
		SET status = 'active', lease_owner = $1, lease_expires_at = $2,
			lease_acquired_at = $3, lease_wake_seq = wake_seq, updated_at = $3
		WHERE id IN (
			SELECT id FROM enrollments
			WHERE (status IN ('pending', 'waiting') AND due_at <= $3)
			   OR (status = 'active' AND (lease_expires_at IS NULL OR lease_expires_at <= $3))
			ORDER BY due_at NULLS FIRST
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+enrollmentColumns,
		lease.Owner, now.Add(lease.TTL), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	defer rows.Close()

	enrollments, err := scanEnrollments(rows)
	if err != nil {
		return nil, err
	}
	if err := attachHistory(ctx, db, enrollments); err != nil {
		return nil, err
	}
	return enrollments, nil
}

func queryAcquireLease(ctx context.Context, db executor, id string, lease store.Lease, now time.Time) (*model.Enrollment, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE enrollments
		SET status = 'active', lease_owner = $2, lease_expires_at = $3,
			lease_acquired_at = $4, lease_wake_seq = wake_seq, updated_at = $4
		WHERE id = $1
		  AND status NOT IN `+terminalStatuses+`
		  AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= $4)
		RETURNING `+enrollmentColumns,
		id, lease.Owner, now.Add(lease.TTL), now,
	)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, leaseConflict(ctx, db, id)
	}
	if err != nil {
		return nil, err
	}
	if err := attachHistory(ctx, db, []*model.Enrollment{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// leaseConflict explains why an AcquireLease update matched no row.
func leaseConflict(ctx context.Context, db executor, id string) error {
	var status string
	err := db.QueryRowContext(ctx, `SELECT status FROM enrollments WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return notFound(err)
	}
	if model.Status(status).IsTerminal() {
		return store.ErrNotClaimable
	}
	return store.ErrLeaseHeld
}

func queryReleaseLease(ctx context.Context, db executor, id, owner string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE enrollments
		SET lease_owner = NULL, lease_expires_at = NULL,
			status = CASE
				WHEN status <> 'active' THEN status
				WHEN EXISTS (SELECT 1 FROM channel_attempts a WHERE a.enrollment_id = enrollments.id) THEN 'waiting'
				ELSE 'pending'
			END
		WHERE id = $1 AND lease_owner = $2`,
		id, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// querySaveEnrollment writes the enrollment and upserts its attempts. A wake
// that bumped wake_seq after the lease snapshotted it pulls due_at forward to
// the wake time so the engagement is evaluated on the next poll. Wakes that
// preceded the claim were already visible to the worker and are ignored.
func querySaveEnrollment(ctx context.Context, db executor, e *model.Enrollment, owner string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE enrollments
		SET step_cursor = $3, status = $4, retry_count = $5, via_fallback = $6,
			reason = $7, updated_at = $8,
			due_at = CASE
				WHEN $9::boolean THEN NULL
				WHEN wake_seq > lease_wake_seq AND woken_at IS NOT NULL THEN LEAST($10::timestamptz, woken_at)
				ELSE $10::timestamptz
			END,
			lease_owner = NULL, lease_expires_at = NULL, woken_at = NULL
		WHERE id = $1 AND lease_owner = $2`,
		e.ID,
		owner,
		e.Cursor,
		string(e.Status),
		e.RetryCount,
		e.ViaFallback,
		e.Reason,
		e.UpdatedAt,
		e.Status.IsTerminal(),
		nullTimePtr(e.DueAt),
	)
	if err != nil {
		return fmt.Errorf("save enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrLeaseLost
	}

	for _, a := range e.History {
		if err := queryUpsertAttempt(ctx, db, a); err != nil {
			return err
		}
	}
	return nil
}

func queryUpsertAttempt(ctx context.Context, db executor, a *model.ChannelAttempt) error {
	events := a.EngagementEvents
	if events == nil {
		events = []string{}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO channel_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			result = EXCLUDED.result,
			provider_message_id = EXCLUDED.provider_message_id,
			error = EXCLUDED.error,
			closed_at = EXCLUDED.closed_at,
			engagement_events = EXCLUDED.engagement_events`,
		a.ID,
		a.EnrollmentID,
		a.StepIndex,
		a.AttemptNo,
		string(a.Channel),
		a.SentAt,
		string(a.Result),
		a.ViaFallback,
		a.ProviderMessageID,
		a.Error,
		nullTimePtr(a.ClosedAt),
		pq.Array(events),
	)
	if err != nil {
		return fmt.Errorf("upsert attempt %s: %w", a.ID, err)
	}
	return nil
}

// attachHistory loads the attempts for every enrollment in one query.
func attachHistory(ctx context.Context, db executor, enrollments []*model.Enrollment) error {
	if len(enrollments) == 0 {
		return nil
	}
	ids := make([]string, len(enrollments))
	byID := make(map[string]*model.Enrollment, len(enrollments))
	for i, e := range enrollments {
		ids[i] = e.ID
		byID[e.ID] = e
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM channel_attempts
		WHERE enrollment_id = ANY($1)
		ORDER BY sent_at, attempt_no`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("load attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return err
		}
		if e, ok := byID[a.EnrollmentID]; ok {
			e.History = append(e.History, a)
		}
	}
	return rows.Err()
}

// --- engagement ---

func queryRecordEngagement(ctx context.Context, db executor, ev *model.EngagementEvent) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO engagement_events (`+engagementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (contact_id, channel, type, provider_event_id) DO NOTHING`,
		ev.ID,
		ev.ContactID,
		nullString(ev.EnrollmentID),
		string(ev.Type),
		string(ev.Channel),
		ev.Timestamp,
		ev.ProviderEventID,
		jsonbBytes(ev.RawPayload),
		ev.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("record engagement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func queryListEngagements(ctx context.Context, db executor, contactID string, since time.Time) ([]*model.EngagementEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+engagementColumns+`
		FROM engagement_events
		WHERE contact_id = $1 AND received_at >= $2
		ORDER BY timestamp ASC`,
		contactID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEngagements(rows)
}

func queryWakeContact(ctx context.Context, db executor, contactID string, now time.Time) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE enrollments
		SET woken_at = $2, wake_seq = wake_seq + 1, due_at = LEAST(due_at, $2)
		WHERE contact_id = $1 AND status NOT IN `+terminalStatuses+`
		RETURNING id`,
		contactID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("wake contact: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- counters ---

func queryReserveSend(ctx context.Context, db executor, sender string, channel model.Channel, day string, limit int) (bool, int, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		INSERT INTO send_counters (sender, channel, day, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (sender, channel, day) DO UPDATE
		SET count = send_counters.count + 1
		WHERE $4 <= 0 OR send_counters.count < $4
		RETURNING count`,
		sender, string(channel), day, limit,
	).Scan(&count)
	if err == nil {
		return true, count, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, 0, fmt.Errorf("reserve send: %w", err)
	}
	err = db.QueryRowContext(ctx, `
		SELECT count FROM send_counters WHERE sender = $1 AND channel = $2 AND day = $3`,
		sender, string(channel), day,
	).Scan(&count)
	if err != nil {
		return false, 0, fmt.Errorf("read send counter: %w", err)
	}
	return false, count, nil
}

// --- events ---

func queryRecordEvent(ctx context.Context, db executor, e *model.Event) error {
	return db.QueryRowContext(ctx, `
		INSERT INTO events (topic, enrollment_id, actor, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		e.Topic, e.EnrollmentID, nullString(e.Actor), jsonbBytes(e.Payload),
	).Scan(&e.ID, &e.CreatedAt)
}

func queryGetEvents(ctx context.Context, db executor, enrollmentID string) ([]*model.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, topic, enrollment_id, actor, payload, created_at
		FROM events
		WHERE enrollment_id = $1
		ORDER BY created_at ASC, id ASC`,
		enrollmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func parseSortClause(sort string) string {
	if sort == "" {
		return "created_at DESC"
	}
	desc := strings.HasPrefix(sort, "-")
	col := strings.TrimPrefix(sort, "-")
	allowed := map[string]bool{
		"created_at": true, "updated_at": true, "due_at": true,
		"status": true, "contact_id": true,
	}
	if !allowed[col] {
		return "created_at DESC"
	}
	if desc {
		return col + " DESC"
	}
	return col + " ASC"
}

// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateSequence(ctx context.Context, seq *model.Sequence) error {
	return queryCreateSequence(ctx, s.db, seq)
}

func (s *PostgresStore) GetSequence(ctx context.Context, id string, version int) (*model.Sequence, error) {
	return queryGetSequence(ctx, s.db, id, version)
}

func (s *PostgresStore) ListSequences(ctx context.Context) ([]*model.Sequence, error) {
	return queryListSequences(ctx, s.db)
}

func (s *PostgresStore) CreateEnrollment(ctx context.Context, e *model.Enrollment) error {
	return queryCreateEnrollment(ctx, s.db, e)
}

func (s *PostgresStore) GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error) {
	return queryGetEnrollment(ctx, s.db, id)
}

func (s *PostgresStore) ListEnrollments(ctx context.Context, filter model.EnrollmentFilter) ([]*model.Enrollment, int, error) {
	return queryListEnrollments(ctx, s.db, filter)
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	return queryCountByStatus(ctx, s.db)
}

// ClaimDue runs in its own transaction so the row locks taken by SKIP LOCKED
// are held until the lease columns are written.
func (s *PostgresStore) ClaimDue(ctx context.Context, lease store.Lease, now time.Time, limit int) ([]*model.Enrollment, error) {
	var out []*model.Enrollment
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		out, err = tx.ClaimDue(ctx, lease, now, limit)
		return err
	})
	return out, err
}

func (s *PostgresStore) AcquireLease(ctx context.Context, id string, lease store.Lease, now time.Time) (*model.Enrollment, error) {
	return queryAcquireLease(ctx, s.db, id, lease, now)
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, id, owner string) error {
	return queryReleaseLease(ctx, s.db, id, owner)
}

// SaveEnrollment writes the enrollment row and its attempts atomically.
func (s *PostgresStore) SaveEnrollment(ctx context.Context, e *model.Enrollment, owner string) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.SaveEnrollment(ctx, e, owner)
	})
}

func (s *PostgresStore) RecordEngagement(ctx context.Context, ev *model.EngagementEvent) error {
	return queryRecordEngagement(ctx, s.db, ev)
}

func (s *PostgresStore) ListEngagements(ctx context.Context, contactID string, since time.Time) ([]*model.EngagementEvent, error) {
	return queryListEngagements(ctx, s.db, contactID, since)
}

func (s *PostgresStore) WakeContact(ctx context.Context, contactID string, now time.Time) ([]string, error) {
	return queryWakeContact(ctx, s.db, contactID, now)
}

func (s *PostgresStore) ReserveSend(ctx context.Context, sender string, channel model.Channel, day string, limit int) (bool, int, error) {
	return queryReserveSend(ctx, s.db, sender, channel, day, limit)
}

func (s *PostgresStore) RecordEvent(ctx context.Context, event *model.Event) error {
	return queryRecordEvent(ctx, s.db, event)
}

func (s *PostgresStore) GetEvents(ctx context.Context, enrollmentID string) ([]*model.Event, error) {
	return queryGetEvents(ctx, s.db, enrollmentID)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) CreateSequence(ctx context.Context, seq *model.Sequence) error {
	return queryCreateSequence(ctx, s.tx, seq)
}

func (s *txStore) GetSequence(ctx context.Context, id string, version int) (*model.Sequence, error) {
	return queryGetSequence(ctx, s.tx, id, version)
}

func (s *txStore) ListSequences(ctx context.Context) ([]*model.Sequence, error) {
	return queryListSequences(ctx, s.tx)
}

func (s *txStore) CreateEnrollment(ctx context.Context, e *model.Enrollment) error {
	return queryCreateEnrollment(ctx, s.tx, e)
}

func (s *txStore) GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error) {
	return queryGetEnrollment(ctx, s.tx, id)
}

func (s *txStore) ListEnrollments(ctx context.Context, filter model.EnrollmentFilter) ([]*model.Enrollment, int, error) {
	return queryListEnrollments(ctx, s.tx, filter)
}

func (s *txStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	return queryCountByStatus(ctx, s.tx)
}

func (s *txStore) ClaimDue(ctx context.Context, lease store.Lease, now time.Time, limit int) ([]*model.Enrollment, error) {
	return queryClaimDue(ctx, s.tx, lease, now, limit)
}

func (s *txStore) AcquireLease(ctx context.Context, id string, lease store.Lease, now time.Time) (*model.Enrollment, error) {
	return queryAcquireLease(ctx, s.tx, id, lease, now)
}

func (s *txStore) ReleaseLease(ctx context.Context, id, owner string) error {
	return queryReleaseLease(ctx, s.tx, id, owner)
}

func (s *txStore) SaveEnrollment(ctx context.Context, e *model.Enrollment, owner string) error {
	return querySaveEnrollment(ctx, s.tx, e, owner)
}

func (s *txStore) RecordEngagement(ctx context.Context, ev *model.EngagementEvent) error {
	return queryRecordEngagement(ctx, s.tx, ev)
}

func (s *txStore) ListEngagements(ctx context.Context, contactID string, since time.Time) ([]*model.EngagementEvent, error) {
	return queryListEngagements(ctx, s.tx, contactID, since)
}

func (s *txStore) WakeContact(ctx context.Context, contactID string, now time.Time) ([]string, error) {
	return queryWakeContact(ctx, s.tx, contactID, now)
}

func (s *txStore) ReserveSend(ctx context.Context, sender string, channel model.Channel, day string, limit int) (bool, int, error) {
	return queryReserveSend(ctx, s.tx, sender, channel, day, limit)
}

func (s *txStore) RecordEvent(ctx context.Context, event *model.Event) error {
	return queryRecordEvent(ctx, s.tx, event)
}

func (s *txStore) GetEvents(ctx context.Context, enrollmentID string) ([]*model.Event, error) {
	return queryGetEvents(ctx, s.tx, enrollmentID)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}

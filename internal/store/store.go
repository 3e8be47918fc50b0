package store

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/outreach/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an engagement event with the same dedup
	// key was already recorded.
	ErrDuplicate = errors.New("duplicate engagement event")

	// ErrAlreadyEnrolled is returned when a contact already has a
	// non-terminal enrollment in the same sequence.
	ErrAlreadyEnrolled = errors.New("contact already enrolled in sequence")

	// ErrLeaseHeld is returned when another worker holds an unexpired lease.
	ErrLeaseHeld = errors.New("enrollment lease held by another worker")

	// ErrLeaseLost is returned when a lease-guarded write finds the caller no
	// longer owns the lease.
	ErrLeaseLost = errors.New("enrollment lease lost")

	// ErrNotClaimable is returned when a lease is requested on a terminal
	// enrollment.
	ErrNotClaimable = errors.New("enrollment is terminal")
)

// Lease identifies a worker's claim on an enrollment.
type Lease struct {
	Owner string
	TTL   time.Duration
}

// Store defines the persistence interface for the sequencing engine.
type Store interface {
	// Sequences. CreateSequence assigns the next version for the sequence ID.
	CreateSequence(ctx context.Context, seq *model.Sequence) error
	GetSequence(ctx context.Context, id string, version int) (*model.Sequence, error) // version 0 = latest
	ListSequences(ctx context.Context) ([]*model.Sequence, error)                     // latest version of each

	// Enrollments
	CreateEnrollment(ctx context.Context, e *model.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error)
	ListEnrollments(ctx context.Context, filter model.EnrollmentFilter) ([]*model.Enrollment, int, error) // returns enrollments, total count, error
	CountByStatus(ctx context.Context) (map[model.Status]int, error)

	// Leases. ClaimDue leases up to limit enrollments that are due at now,
	// plus active ones whose lease expired. AcquireLease leases one
	// enrollment regardless of due time.
	ClaimDue(ctx context.Context, lease Lease, now time.Time, limit int) ([]*model.Enrollment, error)
	AcquireLease(ctx context.Context, id string, lease Lease, now time.Time) (*model.Enrollment, error)
	ReleaseLease(ctx context.Context, id, owner string) error

	// SaveEnrollment writes the enrollment and its history and releases the
	// lease. It fails with ErrLeaseLost if owner no longer holds the lease.
	// A wake-up recorded while the lease was held pulls due_at forward.
	SaveEnrollment(ctx context.Context, e *model.Enrollment, owner string) error

	// Engagement
	RecordEngagement(ctx context.Context, ev *model.EngagementEvent) error
	ListEngagements(ctx context.Context, contactID string, since time.Time) ([]*model.EngagementEvent, error)
	WakeContact(ctx context.Context, contactID string, now time.Time) ([]string, error)

	// ReserveSend atomically increments the send counter for (sender,
	// channel, day) if it is below limit. It returns whether the reservation
	// succeeded and the counter value afterwards.
	ReserveSend(ctx context.Context, sender string, channel model.Channel, day string, limit int) (bool, int, error)

	// Events
	RecordEvent(ctx context.Context, event *model.Event) error
	GetEvents(ctx context.Context, enrollmentID string) ([]*model.Event, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}

// ClaimableStatuses are the non-terminal statuses a worker may lease.
var ClaimableStatuses = []model.Status{model.StatusPending, model.StatusWaiting, model.StatusActive}

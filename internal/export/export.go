// Package export writes periodic JSONL snapshots of sequences and
// enrollments for downstream analytics.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alfredjeanlab/outreach/internal/model"
)

// Source is the read side of the store the exporter needs.
type Source interface {
	ListSequences(ctx context.Context) ([]*model.Sequence, error)
	ListEnrollments(ctx context.Context, filter model.EnrollmentFilter) ([]*model.Enrollment, int, error)
	GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error)
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}

// pageSize is how many enrollments are listed per store round trip.
const pageSize = 500

// header is the first JSONL record of a snapshot.
type header struct {
	Version         string               `json:"version"`
	Type            string               `json:"type"`
	Timestamp       time.Time            `json:"timestamp"`
	SequenceCount   int                  `json:"sequence_count"`
	EnrollmentCount int                  `json:"enrollment_count"`
	ByStatus        map[model.Status]int `json:"by_status"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WriteJSONL writes a snapshot to w: a header, then every sequence (latest
// version) sorted by ID, then every enrollment with its attempt history in
// creation order.
func WriteJSONL(ctx context.Context, s Source, w io.Writer, now time.Time) error {
	seqs, err := s.ListSequences(ctx)
	if err != nil {
		return fmt.Errorf("list sequences: %w", err)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i].ID < seqs[j].ID })

	var enrollments []*model.Enrollment
	for offset := 0; ; offset += pageSize {
		page, _, err := s.ListEnrollments(ctx, model.EnrollmentFilter{Sort: "created_at", Limit: pageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("list enrollments: %w", err)
		}
		for _, e := range page {
			full, err := s.GetEnrollment(ctx, e.ID)
			if err != nil {
				return fmt.Errorf("get enrollment %s: %w", e.ID, err)
			}
			enrollments = append(enrollments, full)
		}
		if len(page) < pageSize {
			break
		}
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count by status: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:         "1",
		Type:            "header",
		Timestamp:       now.UTC(),
		SequenceCount:   len(seqs),
		EnrollmentCount: len(enrollments),
		ByStatus:        counts,
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, seq := range seqs {
		if err := enc.Encode(record{Type: "sequence", Data: seq}); err != nil {
			return fmt.Errorf("encode sequence %s: %w", seq.ID, err)
		}
	}
	for _, e := range enrollments {
		if err := enc.Encode(record{Type: "enrollment", Data: e}); err != nil {
			return fmt.Errorf("encode enrollment %s: %w", e.ID, err)
		}
	}
	return nil
}

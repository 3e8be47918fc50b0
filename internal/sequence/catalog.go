// Package sequence manages versioned sequence definitions: validation,
// persistence, file loading, and a read-through cache of immutable versions.
package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alfredjeanlab/outreach/internal/events"
	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/store"
)

type key struct {
	id      string
	version int
}

// Catalog is the sequence store used by the rest of the engine. Written
// versions never change, so cached values are shared; callers must not
// modify returned sequences.
type Catalog struct {
	store    store.Store
	recorder *events.Recorder
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[key]*model.Sequence
}

// NewCatalog creates a Catalog over s.
func NewCatalog(s store.Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: s, logger: logger, cache: make(map[key]*model.Sequence)}
}

// WithRecorder makes Define publish outreach.sequence.defined through rec.
func (c *Catalog) WithRecorder(rec *events.Recorder) *Catalog {
	c.recorder = rec
	return c
}

// Define validates seq and writes it as the next version of its ID. The
// assigned version is set on seq.
func (c *Catalog) Define(ctx context.Context, seq *model.Sequence) (*model.Sequence, error) {
	seq.ID = strings.TrimSpace(seq.ID)
	seq.Normalize()
	if err := model.ValidateSequence(seq); err != nil {
		return nil, err
	}
	seq.CreatedAt = time.Now().UTC()
	if err := c.store.CreateSequence(ctx, seq); err != nil {
		return nil, fmt.Errorf("create sequence %s: %w", seq.ID, err)
	}
	c.put(seq)
	c.logger.Info("sequence defined", "sequence_id", seq.ID, "version", seq.Version, "steps", len(seq.Steps))
	if c.recorder != nil {
		c.recorder.Record(ctx, events.TopicSequenceDefined, "", "", events.SequenceDefined{Sequence: seq})
	}
	return seq, nil
}

// Get returns a specific version; version 0 means the latest, which is
// always read from the store.
func (c *Catalog) Get(ctx context.Context, id string, version int) (*model.Sequence, error) {
	if version > 0 {
		c.mu.RLock()
		seq, ok := c.cache[key{id, version}]
		c.mu.RUnlock()
		if ok {
			return seq, nil
		}
	}
	seq, err := c.store.GetSequence(ctx, id, version)
	if err != nil {
		return nil, err
	}
	c.put(seq)
	return seq, nil
}

// List returns the latest version of every sequence.
func (c *Catalog) List(ctx context.Context) ([]*model.Sequence, error) {
	return c.store.ListSequences(ctx)
}

func (c *Catalog) put(seq *model.Sequence) {
	c.mu.Lock()
	c.cache[key{seq.ID, seq.Version}] = seq
	c.mu.Unlock()
}

package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Destination is a snapshot target.
type Destination interface {
	// Write stores data under name, replacing any previous object.
	Write(ctx context.Context, name string, data []byte) error
}

// LatestName is the object every snapshot is also written to, so readers
// can always find the newest one.
const LatestName = "latest.jsonl"

// SnapshotName returns the timestamped object name for a snapshot taken at t.
func SnapshotName(t time.Time) string {
	return "snapshots/" + t.UTC().Format("20060102T150405Z") + ".jsonl"
}

// Exporter runs periodic snapshots to one or more destinations.
type Exporter struct {
	source       Source
	destinations []Destination
	interval     time.Duration
	logger       *slog.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExporter creates an exporter that snapshots source to the given
// destinations at the specified interval.
func NewExporter(source Source, destinations []Destination, interval time.Duration, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		source:       source,
		destinations: destinations,
		interval:     interval,
		logger:       logger,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start begins periodic export: one snapshot immediately, then one per tick.
func (x *Exporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	x.cancel = cancel

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		x.run(ctx)
	}()
}

// Stop cancels the exporter and waits for an in-flight snapshot to finish.
func (x *Exporter) Stop() {
	if x.cancel != nil {
		x.cancel()
	}
	x.wg.Wait()
}

func (x *Exporter) run(ctx context.Context) {
	x.logErr(x.ExportOnce(ctx))

	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			x.logErr(x.ExportOnce(ctx))
		}
	}
}

func (x *Exporter) logErr(err error) {
	if err != nil {
		x.logger.Error("snapshot export failed", "err", err)
	}
}

// ExportOnce takes one snapshot and writes it to every destination under
// both its timestamped name and LatestName. Destination failures are logged;
// the first one is returned after all destinations have been tried.
func (x *Exporter) ExportOnce(ctx context.Context) error {
	now := x.Now()
	var buf bytes.Buffer
	if err := WriteJSONL(ctx, x.source, &buf, now); err != nil {
		return err
	}
	data := buf.Bytes()

	var first error
	for i, dest := range x.destinations {
		for _, name := range []string{SnapshotName(now), LatestName} {
			if err := dest.Write(ctx, name, data); err != nil {
				x.logger.Error("snapshot destination write failed", "destination", fmt.Sprint(dest), "index", i, "name", name, "err", err)
				if first == nil {
					first = err
				}
			}
		}
	}

	x.logger.Info("snapshot exported", "destinations", len(x.destinations), "bytes", len(data))
	return first
}

// DirDestination writes snapshots to a local directory.
type DirDestination struct {
	Dir string
}

func (d DirDestination) Write(_ context.Context, name string, data []byte) error {
	p := filepath.Join(d.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, p)
}

func (d DirDestination) String() string { return "dir://" + d.Dir }

package export

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// memDestination records writes by name.
type memDestination struct {
	mu     sync.Mutex
	writes map[string][]byte
	calls  int
	err    error
}

func (d *memDestination) Write(_ context.Context, name string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return d.err
	}
	if d.writes == nil {
		d.writes = make(map[string][]byte)
	}
	d.writes[name] = append([]byte(nil), data...)
	return nil
}

func (d *memDestination) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSnapshotName(t *testing.T) {
	if got := SnapshotName(t0); got != "snapshots/20260302T090000Z.jsonl" {
		t.Fatalf("SnapshotName = %q", got)
	}
}

func TestExportOnce(t *testing.T) {
	st := seed(t, 2)
	good := &memDestination{}
	bad := &memDestination{err: errors.New("bucket gone")}

	x := NewExporter(st, []Destination{bad, good}, time.Hour, quietLogger())
	x.Now = func() time.Time { return t0 }

	if err := x.ExportOnce(context.Background()); err == nil {
		t.Fatal("expected the failing destination's error")
	}
	if len(good.writes) != 2 {
		t.Fatalf("good destination got %d objects", len(good.writes))
	}
	latest, snap := good.writes[LatestName], good.writes[SnapshotName(t0)]
	if string(latest) != string(snap) || len(nonEmptyLines(string(latest))) != 1+2+2 {
		t.Fatalf("latest and snapshot differ or are incomplete:\n%s", latest)
	}
}

func TestExporterStartStop(t *testing.T) {
	dest := &memDestination{}
	x := NewExporter(seed(t, 1), []Destination{dest}, 20*time.Millisecond, quietLogger())
	x.Start()

	deadline := time.Now().Add(2 * time.Second)
	for dest.count() < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least two snapshots, got %d writes", dest.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	x.Stop()

	after := dest.count()
	time.Sleep(50 * time.Millisecond)
	if dest.count() != after {
		t.Fatal("exporter kept running after Stop")
	}
}

func TestDirDestination(t *testing.T) {
	dir := t.TempDir()
	d := DirDestination{Dir: dir}
	if err := d.Write(context.Background(), SnapshotName(t0), []byte("{}\n")); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "snapshots", "20260302T090000Z.jsonl"))
	if err != nil || string(got) != "{}\n" {
		t.Fatalf("read back %q, %v", got, err)
	}
}

func TestS3Destination(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))

	var (
		mu    sync.Mutex
		puts  []string
		ctype string
	)
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if r.Method == http.MethodPut {
			puts = append(puts, r.URL.Path)
			ctype = r.Header.Get("Content-Type")
		}
		mu.Unlock()
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer fake.Close()

	d, err := NewS3Destination(context.Background(), "analytics", "outreach/", "us-east-1", fake.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Write(context.Background(), LatestName, []byte("{}\n")); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(puts) != 1 || puts[0] != "/analytics/outreach/latest.jsonl" {
		t.Fatalf("puts = %v", puts)
	}
	if !strings.Contains(ctype, "ndjson") {
		t.Fatalf("content type = %q", ctype)
	}
	if d.String() != "s3://analytics/outreach" {
		t.Fatalf("String() = %q", d.String())
	}
}

package sink

import (
	"testing"
	"time"

	"github.com/yaioyaio/devpulse/pkg/devpulse/event"
)

func newArchive(t *testing.T) *SQLiteArchive {
	t.Helper()
	a, err := NewSQLiteArchive(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteArchive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func sampleEvents() []event.Event {
	return []event.Event{
		event.New("file:modified", "watcher", event.SeverityInfo, event.FilePayload{
			Path:   "src/main.go",
			Action: "modified",
		}),
		event.New("git:commit", "git", event.SeverityInfo, event.GitPayload{
			Action: "commit",
			Branch: "main",
		}),
	}
}

func TestRecordAndCount(t *testing.T) {
	a := newArchive(t)

	if err := a.Record("batch", sampleEvents()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	count, err := a.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("Count = %d, want 2", count)
	}
}

func TestRecordIsIdempotentPerEvent(t *testing.T) {
	a := newArchive(t)

	events := sampleEvents()
	if err := a.Record("batch", events); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// A replayed batch upserts rather than duplicating rows.
	if err := a.Record("failed", events); err != nil {
		t.Fatalf("Record replay: %v", err)
	}

	count, err := a.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("Count = %d, want 2", count)
	}
}

func TestListByCategory(t *testing.T) {
	a := newArchive(t)

	if err := a.Record("batch", sampleEvents()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	files, err := a.List(event.CategoryFile, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("List returned %d events, want 1", len(files))
	}
	if files[0].Category != event.CategoryFile {
		t.Errorf("Category = %q", files[0].Category)
	}
	if _, ok := files[0].Data.(event.FilePayload); !ok {
		t.Errorf("payload type = %T, want FilePayload", files[0].Data)
	}

	all, err := a.List("", 10)
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List all returned %d events, want 2", len(all))
	}
}

func TestPrune(t *testing.T) {
	a := newArchive(t)

	if err := a.RecordFailed("failed", sampleEvents()); err != nil {
		t.Fatalf("RecordFailed: %v", err)
	}

	// A negative retention puts the cutoff in the future, pruning all rows.
	removed, err := a.Prune(-time.Minute)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("Prune removed %d rows, want 2", removed)
	}

	count, err := a.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("Count = %d after prune, want 0", count)
	}
}

func TestClosedArchive(t *testing.T) {
	a := newArchive(t)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := a.Record("batch", sampleEvents()); err != ErrArchiveClosed {
		t.Errorf("Record err = %v, want ErrArchiveClosed", err)
	}
	if _, err := a.Count(); err != ErrArchiveClosed {
		t.Errorf("Count err = %v, want ErrArchiveClosed", err)
	}
}

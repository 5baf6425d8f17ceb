package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yaioyaio/devpulse/pkg/devpulse/event"
)

func testEvent(severity event.Severity, path string) event.Event {
	return event.New("file:modified", "watcher", severity, event.FilePayload{
		Path:   path,
		Action: "modified",
	})
}

// quietConfig is a baseline with the flush timer pushed out of the way so
// tests control draining explicitly.
func quietConfig(name string) Config {
	return Config{
		Name:          name,
		FlushInterval: time.Hour,
	}
}

func TestDequeueHighestSeverityFirst(t *testing.T) {
	q := New(quietConfig("prio"))
	defer q.Shutdown()

	for i := 0; i < 3; i++ {
		q.Enqueue(testEvent(event.SeverityInfo, "info.go"))
	}
	crit1 := testEvent(event.SeverityCritical, "crit1.go")
	crit2 := testEvent(event.SeverityCritical, "crit2.go")
	q.Enqueue(crit1)
	q.Enqueue(crit2)

	got := q.Dequeue(5)
	if len(got) != 5 {
		t.Fatalf("Dequeue returned %d events, want 5", len(got))
	}
	if got[0].ID != crit1.ID || got[1].ID != crit2.ID {
		t.Errorf("critical events not first: %s, %s", got[0].ID, got[1].ID)
	}
	for _, evt := range got[2:] {
		if evt.Severity != event.SeverityInfo {
			t.Errorf("expected info after criticals, got %v", evt.Severity)
		}
	}
}

func TestDequeueFIFOWithinLane(t *testing.T) {
	q := New(quietConfig("fifo"))
	defer q.Shutdown()

	first := testEvent(event.SeverityInfo, "first.go")
	second := testEvent(event.SeverityInfo, "second.go")
	q.Enqueue(first)
	q.Enqueue(second)

	got := q.Dequeue(2)
	if got[0].ID != first.ID || got[1].ID != second.ID {
		t.Errorf("lane order broken: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestOverflowEvictsLowestPriorityOldest(t *testing.T) {
	var (
		mu      sync.Mutex
		evicted []event.Event
	)
	cfg := quietConfig("overflow")
	cfg.MaxSize = 2
	cfg.OnOverflow = func(events []event.Event) {
		mu.Lock()
		evicted = append(evicted, events...)
		mu.Unlock()
	}
	q := New(cfg)
	defer q.Shutdown()

	oldInfo := testEvent(event.SeverityInfo, "old.go")
	q.Enqueue(oldInfo)
	q.Enqueue(testEvent(event.SeverityWarning, "warn.go"))

	if ok := q.Enqueue(testEvent(event.SeverityCritical, "crit.go")); !ok {
		t.Fatal("enqueue should succeed after eviction")
	}

	stats := q.Stats()
	if stats.Size != 2 {
		t.Errorf("Size = %d, want 2", stats.Size)
	}
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0].ID != oldInfo.ID {
		t.Errorf("evicted = %v, want the oldest info event", evicted)
	}
}

func TestEnqueueNeverEvictsIncoming(t *testing.T) {
	cfg := quietConfig("incoming")
	cfg.MaxSize = 1
	q := New(cfg)
	defer q.Shutdown()

	q.Enqueue(testEvent(event.SeverityCritical, "held.go"))
	incoming := testEvent(event.SeverityDebug, "incoming.go")
	if ok := q.Enqueue(incoming); !ok {
		t.Fatal("enqueue rejected")
	}

	got := q.Dequeue(1)
	if len(got) != 1 || got[0].ID != incoming.ID {
		t.Errorf("expected the incoming debug event to displace the held one, got %v", got)
	}
}

func TestMemoryCapFatalError(t *testing.T) {
	var errs []error
	cfg := quietConfig("memcap")
	cfg.MaxMemoryMB = 1
	cfg.OnError = func(err error) { errs = append(errs, err) }
	q := New(cfg)
	defer q.Shutdown()

	// A payload whose doubled serialized size exceeds 1 MB on its own.
	big := make([]byte, 0, 600*1024)
	for len(big) < 600*1024 {
		big = append(big, 'x')
	}
	evt := event.New("system:blob", "test", event.SeverityInfo, event.SystemPayload{
		Component: "test",
		Message:   string(big),
	})

	if ok := q.Enqueue(evt); ok {
		t.Fatal("expected rejection for oversized event")
	}
	if len(errs) != 1 {
		t.Fatalf("OnError called %d times, want 1", len(errs))
	}
	var fatal *event.FatalCapacityError
	if !errors.As(errs[0], &fatal) {
		t.Errorf("err = %T, want *event.FatalCapacityError", errs[0])
	}
	if q.Stats().Size != 0 {
		t.Errorf("queue should remain empty, size = %d", q.Stats().Size)
	}
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	var flushed atomic.Int64
	cfg := quietConfig("autobatch")
	cfg.BatchSize = 3
	cfg.OnBatch = func(b Batch) {
		flushed.Add(int64(len(b.Events)))
	}
	q := New(cfg)
	defer q.Shutdown()

	for i := 0; i < 3; i++ {
		q.Enqueue(testEvent(event.SeverityInfo, "a.go"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for flushed.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := flushed.Load(); got != 3 {
		t.Errorf("flushed %d events, want 3", got)
	}
}

func TestFlushIntervalDrains(t *testing.T) {
	var flushed atomic.Int64
	cfg := Config{
		Name:          "timer",
		FlushInterval: 50 * time.Millisecond,
		OnBatch: func(b Batch) {
			flushed.Add(int64(len(b.Events)))
		},
	}
	q := New(cfg)
	defer q.Shutdown()

	q.Enqueue(testEvent(event.SeverityInfo, "a.go"))

	deadline := time.Now().Add(2 * time.Second)
	for flushed.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if flushed.Load() != 1 {
		t.Error("timer flush did not drain the queue")
	}
}

func TestFlushBatchHandedOutsideLock(t *testing.T) {
	cfg := quietConfig("reentrant")
	var q *Queue
	cfg.OnBatch = func(b Batch) {
		// Re-entry into the queue from the handler must not deadlock.
		q.Stats()
	}
	q = New(cfg)
	defer q.Shutdown()

	q.Enqueue(testEvent(event.SeverityInfo, "a.go"))
	q.Flush()
}

func TestFlushSurvivesPanickingHandler(t *testing.T) {
	var errs []error
	var calls atomic.Int64
	cfg := quietConfig("panicky")
	cfg.OnError = func(err error) { errs = append(errs, err) }
	cfg.OnBatch = func(b Batch) {
		if calls.Add(1) == 1 {
			panic("handler bug")
		}
	}
	q := New(cfg)
	defer q.Shutdown()

	q.Enqueue(testEvent(event.SeverityInfo, "a.go"))
	q.Flush()

	if len(errs) != 1 {
		t.Fatalf("OnError called %d times, want 1", len(errs))
	}
	var herr *event.HandlerError
	if !errors.As(errs[0], &herr) {
		t.Fatalf("err = %T, want *event.HandlerError", errs[0])
	}
	if herr.Events != 1 {
		t.Errorf("Events = %d, want 1", herr.Events)
	}

	// The flush guard must reset; later flushes still drain.
	q.Enqueue(testEvent(event.SeverityInfo, "b.go"))
	q.Flush()
	if calls.Load() != 2 {
		t.Error("flush after a handler panic never reached the handler")
	}
	if q.Stats().Size != 0 {
		t.Errorf("Size = %d after flush, want 0", q.Stats().Size)
	}
}

func TestEvictionReportsCapacityError(t *testing.T) {
	var errs []error
	cfg := quietConfig("capnotice")
	cfg.MaxSize = 1
	cfg.OnError = func(err error) { errs = append(errs, err) }
	q := New(cfg)
	defer q.Shutdown()

	q.Enqueue(testEvent(event.SeverityInfo, "a.go"))
	if ok := q.Enqueue(testEvent(event.SeverityInfo, "b.go")); !ok {
		t.Fatal("enqueue should succeed after eviction")
	}

	if len(errs) != 1 {
		t.Fatalf("OnError called %d times, want 1", len(errs))
	}
	var capErr *event.CapacityError
	if !errors.As(errs[0], &capErr) {
		t.Fatalf("err = %T, want *event.CapacityError", errs[0])
	}
	if capErr.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", capErr.Evicted)
	}
}

func TestRetryReinsertsAfterDelay(t *testing.T) {
	cfg := quietConfig("retry")
	cfg.RetryAttempts = 3
	cfg.RetryDelay = 20 * time.Millisecond
	q := New(cfg)
	defer q.Shutdown()

	evt := testEvent(event.SeverityInfo, "a.go")
	if ok := q.Retry(evt, errors.New("handler failed")); !ok {
		t.Fatal("first retry should be scheduled")
	}

	if q.Stats().PendingRetries != 1 {
		t.Errorf("PendingRetries = %d, want 1", q.Stats().PendingRetries)
	}

	deadline := time.Now().Add(2 * time.Second)
	for q.Stats().Size == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.Stats().Size != 1 {
		t.Error("retried event was not re-enqueued")
	}
}

func TestRetryExhaustion(t *testing.T) {
	var errs []error
	cfg := quietConfig("exhaust")
	cfg.RetryAttempts = 2
	cfg.RetryDelay = time.Millisecond
	cfg.OnError = func(err error) { errs = append(errs, err) }
	q := New(cfg)
	defer q.Shutdown()

	evt := testEvent(event.SeverityInfo, "a.go")
	cause := errors.New("handler failed")

	if !q.Retry(evt, cause) {
		t.Fatal("attempt 1 should schedule")
	}
	if !q.Retry(evt, cause) {
		t.Fatal("attempt 2 should schedule")
	}
	if q.Retry(evt, cause) {
		t.Fatal("attempt 3 should exhaust")
	}

	if len(errs) != 1 {
		t.Fatalf("OnError called %d times, want 1", len(errs))
	}
	var exhausted *event.RetryExhaustedError
	if !errors.As(errs[0], &exhausted) {
		t.Fatalf("err = %T, want *event.RetryExhaustedError", errs[0])
	}
	if exhausted.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", exhausted.Attempts)
	}
	if !errors.Is(errs[0], cause) {
		t.Error("exhaustion error should wrap the last cause")
	}
	if q.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", q.Stats().Failed)
	}

	// A permanently failed event cannot re-enter the retry cycle.
	if q.Retry(evt, cause) {
		t.Fatal("attempt 4 should stay failed")
	}
	if len(errs) != 1 {
		t.Errorf("OnError called %d times after re-retry, want 1", len(errs))
	}
	if q.Stats().Failed != 1 {
		t.Errorf("Failed = %d after re-retry, want 1", q.Stats().Failed)
	}
}

func TestRetryStateAgesOut(t *testing.T) {
	cfg := quietConfig("retrygc")
	cfg.RetryAttempts = 2
	cfg.RetryDelay = time.Millisecond
	q := New(cfg)
	defer q.Shutdown()

	q.Retry(testEvent(event.SeverityInfo, "a.go"), errors.New("boom"))

	// Past the retry horizon the first event's record is stale; the next
	// retry call prunes it.
	time.Sleep(50 * time.Millisecond)
	q.Retry(testEvent(event.SeverityInfo, "b.go"), errors.New("boom"))

	q.mu.Lock()
	tracked := len(q.retryCounts)
	q.mu.Unlock()
	if tracked != 1 {
		t.Errorf("tracked retry records = %d, want 1", tracked)
	}
}

func TestClearPreservesCounters(t *testing.T) {
	q := New(quietConfig("clear"))
	defer q.Shutdown()

	q.Enqueue(testEvent(event.SeverityInfo, "a.go"))
	q.Enqueue(testEvent(event.SeverityInfo, "b.go"))
	q.Clear()

	stats := q.Stats()
	if stats.Size != 0 {
		t.Errorf("Size = %d after Clear, want 0", stats.Size)
	}
	if stats.Enqueued != 2 {
		t.Errorf("Enqueued = %d, want 2", stats.Enqueued)
	}
}

func TestStatsSnapshot(t *testing.T) {
	q := New(quietConfig("stats"))
	defer q.Shutdown()

	q.Enqueue(testEvent(event.SeverityCritical, "a.go"))
	stats := q.Stats()
	if stats.Name != "stats" {
		t.Errorf("Name = %q", stats.Name)
	}
	if stats.PerPriority[len(stats.PerPriority)-1] != 1 {
		t.Errorf("PerPriority = %v, want critical lane occupied", stats.PerPriority)
	}
	if stats.MemoryBytes <= 0 {
		t.Error("MemoryBytes should be positive")
	}
	if stats.OldestAge < 0 {
		t.Errorf("OldestAge = %v", stats.OldestAge)
	}

	// Mutating the snapshot must not affect the queue.
	stats.PerPriority[0] = 99
	if q.Stats().PerPriority[0] == 99 {
		t.Error("snapshot shares lane counts with the queue")
	}
}

func TestShutdownDrainsAndIsIdempotent(t *testing.T) {
	var flushed atomic.Int64
	cfg := quietConfig("shutdown")
	cfg.BatchSize = 10
	cfg.OnBatch = func(b Batch) {
		flushed.Add(int64(len(b.Events)))
	}
	q := New(cfg)

	for i := 0; i < 5; i++ {
		q.Enqueue(testEvent(event.SeverityInfo, "a.go"))
	}

	q.Shutdown()
	if got := flushed.Load(); got != 5 {
		t.Errorf("drained %d events on shutdown, want 5", got)
	}

	// Second shutdown is a no-op, and enqueue after shutdown is rejected.
	q.Shutdown()
	if ok := q.Enqueue(testEvent(event.SeverityInfo, "late.go")); ok {
		t.Error("enqueue after shutdown should fail")
	}
}

func TestShutdownCancelsPendingRetries(t *testing.T) {
	cfg := quietConfig("retrystop")
	cfg.RetryDelay = time.Hour
	q := New(cfg)

	q.Retry(testEvent(event.SeverityInfo, "a.go"), errors.New("boom"))
	q.Shutdown()

	if q.Stats().PendingRetries != 0 {
		t.Errorf("PendingRetries = %d after shutdown, want 0", q.Stats().PendingRetries)
	}
}

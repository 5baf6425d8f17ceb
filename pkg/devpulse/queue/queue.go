// Package queue implements a named, capacity- and memory-bounded queue with
// priority lanes, batch draining, and retry with linear delay.
//
// A queue is safe for concurrent producers. All lane mutation happens behind
// one mutex; batch handlers run outside the lock. Within a lane events drain
// in FIFO order; across lanes the highest lane always drains first. A steady
// stream of high-priority events can starve lower lanes indefinitely - that
// is intentional (priority correctness over fairness).
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yaioyaio/devpulse/pkg/devpulse/event"
	"github.com/yaioyaio/devpulse/pkg/devpulse/observability"
)

// Config configures a bounded priority queue.
type Config struct {
	// Name identifies the queue in statistics, logs, and metrics.
	Name string

	// MaxSize caps the number of queued items. When reached, the single
	// oldest lowest-priority item is evicted before insertion.
	// Default: 1000.
	MaxSize int

	// MaxMemoryMB caps estimated queue memory. Estimates are serialized
	// size doubled as a UTF-16 safety margin. Default: 100.
	MaxMemoryMB int

	// BatchSize is the auto-flush trigger and the maximum items drained
	// per flush or dequeue call. Default: 50.
	BatchSize int

	// FlushInterval is the period of the automatic flush timer.
	// Default: 1 second.
	FlushInterval time.Duration

	// PriorityLevels is the number of lanes. Default: 5.
	PriorityLevels int

	// RetryAttempts is the per-event retry budget. Default: 3.
	RetryAttempts int

	// RetryDelay is the base re-insertion delay. The actual delay is
	// RetryDelay multiplied by the current retry count (linear, not
	// exponential). Default: 1 second.
	RetryDelay time.Duration

	// OnBatch receives each drained processing batch.
	OnBatch func(Batch)

	// OnOverflow receives evicted events, one call per eviction pass.
	OnOverflow func([]event.Event)

	// OnError receives eviction notices, batch handler panics, retry
	// exhaustion, and fatal capacity errors.
	OnError func(error)

	// Logger receives structured queue activity. Nil disables logging.
	Logger *slog.Logger

	// Metrics records queue metrics. Nil disables recording.
	Metrics observability.MetricsRecorder

	// Spans traces flush activity. Nil disables tracing.
	Spans observability.SpanManager
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Name:           "default",
	MaxSize:        1000,
	MaxMemoryMB:    100,
	BatchSize:      50,
	FlushInterval:  1 * time.Second,
	PriorityLevels: 5,
	RetryAttempts:  3,
	RetryDelay:     1 * time.Second,
}

// Batch is one drained set of events handed to a batch consumer.
type Batch struct {
	Queue  string
	Events []event.Event
}

// retryRecord tracks one event's retry budget. A count past RetryAttempts
// marks the event permanently failed. Records idle longer than the queue's
// retry horizon are pruned opportunistically.
type retryRecord struct {
	count int
	at    time.Time
}

// item wraps one queued event. Items are internal; callers only ever see
// the owned event.
type item struct {
	evt          event.Event
	priority     int
	enqueuedAt   time.Time
	retryCount   int
	sizeEstimate int64
}

// Queue is a bounded priority queue. Create with New; Shutdown releases the
// flush timer and drains remaining events.
type Queue struct {
	cfg      Config
	maxBytes int64
	retryTTL time.Duration

	mu          sync.Mutex
	lanes       [][]*item // index 0 = lowest priority
	size        int
	memoryBytes int64
	flushing    bool
	closed      bool

	enqueued      int64
	dequeued      int64
	dropped       int64
	failed        int64
	lastBatchTime time.Duration
	lastBatchRate float64 // events per second

	retryCounts map[string]retryRecord
	retryTimers map[string]*time.Timer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a queue and starts its periodic flush timer.
func New(cfg Config) *Queue {
	if cfg.Name == "" {
		cfg.Name = DefaultConfig.Name
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig.MaxSize
	}
	if cfg.MaxMemoryMB <= 0 {
		cfg.MaxMemoryMB = DefaultConfig.MaxMemoryMB
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig.FlushInterval
	}
	if cfg.PriorityLevels <= 0 {
		cfg.PriorityLevels = DefaultConfig.PriorityLevels
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultConfig.RetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig.RetryDelay
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}

	q := &Queue{
		cfg:      cfg,
		maxBytes: int64(cfg.MaxMemoryMB) * 1024 * 1024,
		// Twice the longest possible retry cycle; anything older is stale.
		retryTTL:    2 * cfg.RetryDelay * time.Duration(cfg.RetryAttempts+1),
		lanes:       make([][]*item, cfg.PriorityLevels),
		retryCounts: make(map[string]retryRecord),
		retryTimers: make(map[string]*time.Timer),
		stopCh:      make(chan struct{}),
	}

	q.wg.Add(1)
	go q.flushLoop()

	return q
}

// Name returns the queue's configured name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

// laneFor maps a severity to a lane index, clamped into the configured lane
// count. Critical lands in the top lane, debug in the bottom.
func (q *Queue) laneFor(sev event.Severity) int {
	lane := int(sev)
	if lane < 0 {
		lane = 0
	}
	if lane >= q.cfg.PriorityLevels {
		lane = q.cfg.PriorityLevels - 1
	}
	return lane
}

// estimateSize returns the serialized size doubled. Events that fail to
// encode are accounted at zero; they still count against MaxSize.
func estimateSize(evt event.Event) int64 {
	encoded, err := evt.Encode()
	if err != nil {
		return 0
	}
	return int64(len(encoded)) * 2
}

// Enqueue admits one event, evicting older items first if the queue is at
// its item or memory bound. It returns false only when eviction cannot free
// enough memory for the event, or after shutdown. Reaching BatchSize
// triggers an immediate asynchronous flush.
func (q *Queue) Enqueue(evt event.Event) bool {
	size := estimateSize(evt)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	var countEvicted, memEvicted []event.Event

	// Item-count bound: make room for exactly one.
	if q.size >= q.cfg.MaxSize {
		if victim := q.evictOneLocked(); victim != nil {
			countEvicted = append(countEvicted, victim.evt)
		}
	}

	// Memory bound: free until the new event fits. The incoming event is
	// never evicted by its own admission.
	if size > 0 && q.memoryBytes+size > q.maxBytes {
		var freed int64
		for q.memoryBytes+size > q.maxBytes && q.size > 0 {
			victim := q.evictOneLocked()
			if victim == nil {
				break
			}
			freed += victim.sizeEstimate
			memEvicted = append(memEvicted, victim.evt)
		}
		if q.memoryBytes+size > q.maxBytes {
			q.dropped++
			fatal := &event.FatalCapacityError{
				Queue:       q.cfg.Name,
				NeededBytes: size,
				FreedBytes:  freed,
			}
			q.mu.Unlock()
			q.notifyOverflow(countEvicted)
			q.notifyOverflow(memEvicted)
			if q.cfg.OnError != nil {
				q.cfg.OnError(fatal)
			}
			return false
		}
	}

	lane := q.laneFor(evt.Severity)
	q.lanes[lane] = append(q.lanes[lane], &item{
		evt:          evt,
		priority:     lane,
		enqueuedAt:   time.Now(),
		retryCount:   q.retryCounts[evt.ID].count,
		sizeEstimate: size,
	})
	q.size++
	q.memoryBytes += size
	q.enqueued++
	needsFlush := q.size >= q.cfg.BatchSize
	q.mu.Unlock()

	q.notifyOverflow(countEvicted)
	q.notifyOverflow(memEvicted)
	if evicted := len(countEvicted) + len(memEvicted); evicted > 0 && q.cfg.OnError != nil {
		q.cfg.OnError(&event.CapacityError{Queue: q.cfg.Name, Evicted: evicted})
	}
	q.cfg.Metrics.RecordEnqueue(context.Background(), q.cfg.Name, 1)

	if needsFlush {
		go q.Flush()
	}
	return true
}

// EnqueueBatch admits a batch and returns how many events were accepted.
func (q *Queue) EnqueueBatch(events []event.Event) int {
	accepted := 0
	for _, evt := range events {
		if q.Enqueue(evt) {
			accepted++
		}
	}
	return accepted
}

// evictOneLocked removes the oldest item from the lowest non-empty lane.
func (q *Queue) evictOneLocked() *item {
	for lane := 0; lane < q.cfg.PriorityLevels; lane++ {
		if len(q.lanes[lane]) == 0 {
			continue
		}
		victim := q.lanes[lane][0]
		q.lanes[lane] = q.lanes[lane][1:]
		q.size--
		q.memoryBytes -= victim.sizeEstimate
		q.dropped++
		return victim
	}
	return nil
}

// notifyOverflow emits one overflow notification for an eviction pass.
func (q *Queue) notifyOverflow(evicted []event.Event) {
	if len(evicted) == 0 {
		return
	}
	observability.LogOverflow(q.cfg.Logger, q.cfg.Name, len(evicted))
	q.cfg.Metrics.RecordEviction(context.Background(), q.cfg.Name, len(evicted))
	if q.cfg.OnOverflow != nil {
		q.cfg.OnOverflow(evicted)
	}
}

// Dequeue removes up to count events, highest lane first and FIFO within a
// lane. It returns fewer events if the queue empties first.
func (q *Queue) Dequeue(count int) []event.Event {
	q.mu.Lock()
	items := q.drainLocked(count)
	q.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	events := make([]event.Event, len(items))
	for i, it := range items {
		events[i] = it.evt
	}
	return events
}

// drainLocked removes up to max items in priority order.
func (q *Queue) drainLocked(max int) []*item {
	if max <= 0 || q.size == 0 {
		return nil
	}
	drained := make([]*item, 0, min(max, q.size))
	for lane := q.cfg.PriorityLevels - 1; lane >= 0 && len(drained) < max; lane-- {
		for len(q.lanes[lane]) > 0 && len(drained) < max {
			it := q.lanes[lane][0]
			q.lanes[lane] = q.lanes[lane][1:]
			q.size--
			q.memoryBytes -= it.sizeEstimate
			q.dequeued++
			drained = append(drained, it)
		}
	}
	return drained
}

// Flush drains up to BatchSize events and emits them as one processing
// batch. Concurrent calls are a no-op while a flush is in progress, as is
// flushing an empty queue.
func (q *Queue) Flush() {
	q.mu.Lock()
	if q.flushing || q.size == 0 {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	items := q.drainLocked(q.cfg.BatchSize)
	q.mu.Unlock()

	// The guard must drop even if the handler or instrumentation panics;
	// a stuck guard would turn every later flush into a no-op.
	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	events := make([]event.Event, len(items))
	for i, it := range items {
		events[i] = it.evt
	}

	ctx, span := q.cfg.Spans.StartFlushSpan(context.Background(), q.cfg.Name)
	start := time.Now()
	err := q.deliverBatch(events)
	elapsed := time.Since(start)
	q.cfg.Spans.EndSpanWithError(span, err)

	rate := 0.0
	if elapsed > 0 {
		rate = float64(len(events)) / elapsed.Seconds()
	}

	q.mu.Lock()
	q.lastBatchTime = elapsed
	q.lastBatchRate = rate
	q.mu.Unlock()

	if err != nil {
		observability.LogHandlerError(q.cfg.Logger, q.cfg.Name, len(events), err)
		if q.cfg.OnError != nil {
			q.cfg.OnError(&event.HandlerError{Queue: q.cfg.Name, Events: len(events), Err: err})
		}
	}

	observability.LogBatch(q.cfg.Logger, q.cfg.Name, len(events), float64(elapsed.Milliseconds()))
	q.cfg.Metrics.RecordBatch(ctx, q.cfg.Name, len(events), elapsed)
}

// deliverBatch hands one drained batch to the configured handler, converting
// a panic into an error.
func (q *Queue) deliverBatch(events []event.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("batch handler panic: %v", rec)
		}
	}()
	if q.cfg.OnBatch != nil {
		q.cfg.OnBatch(Batch{Queue: q.cfg.Name, Events: events})
	}
	return nil
}

// Retry schedules an event for re-insertion after RetryDelay multiplied by
// its current retry count. Once the per-event budget is spent the event is
// permanently failed and never re-enqueued; Retry then returns false, and
// keeps returning false for that event until its record ages out.
func (q *Queue) Retry(evt event.Event, cause error) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	now := time.Now()
	q.pruneRetryStateLocked(now)

	rec := q.retryCounts[evt.ID]
	if rec.count > q.cfg.RetryAttempts {
		// Already reported as exhausted.
		q.mu.Unlock()
		return false
	}
	if rec.count >= q.cfg.RetryAttempts {
		q.failed++
		q.retryCounts[evt.ID] = retryRecord{count: rec.count + 1, at: now}
		q.mu.Unlock()

		err := &event.RetryExhaustedError{
			EventID:  evt.ID,
			Attempts: rec.count,
			LastErr:  cause,
		}
		observability.LogRetryExhausted(q.cfg.Logger, q.cfg.Name, evt.ID, rec.count)
		q.cfg.Metrics.RecordRetry(context.Background(), q.cfg.Name, true)
		if q.cfg.OnError != nil {
			q.cfg.OnError(err)
		}
		return false
	}

	count := rec.count + 1
	q.retryCounts[evt.ID] = retryRecord{count: count, at: now}
	delay := q.cfg.RetryDelay * time.Duration(count)
	timer := time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.retryTimers, evt.ID)
		closed := q.closed
		q.mu.Unlock()
		if !closed {
			q.Enqueue(evt)
		}
	})
	q.retryTimers[evt.ID] = timer
	q.mu.Unlock()

	observability.LogRetry(q.cfg.Logger, q.cfg.Name, evt.ID, count, delay)
	q.cfg.Metrics.RecordRetry(context.Background(), q.cfg.Name, false)
	return true
}

// Clear empties all lanes and resets retry tracking. Cumulative counters
// are preserved.
func (q *Queue) Clear() {
	q.mu.Lock()
	timers := q.takeTimersLocked()
	q.lanes = make([][]*item, q.cfg.PriorityLevels)
	q.size = 0
	q.memoryBytes = 0
	q.retryCounts = make(map[string]retryRecord)
	q.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
}

// pruneRetryStateLocked drops retry records idle past the retry horizon.
// Bounded growth depends on this: successful events never report back, so
// their records can only age out.
func (q *Queue) pruneRetryStateLocked(now time.Time) {
	for id, rec := range q.retryCounts {
		if now.Sub(rec.at) > q.retryTTL {
			delete(q.retryCounts, id)
		}
	}
}

// takeTimersLocked detaches pending retry timers so they can be stopped
// outside the lock.
func (q *Queue) takeTimersLocked() []*time.Timer {
	timers := make([]*time.Timer, 0, len(q.retryTimers))
	for _, t := range q.retryTimers {
		timers = append(timers, t)
	}
	q.retryTimers = make(map[string]*time.Timer)
	return timers
}

// Shutdown stops the flush timer, drains the queue by repeated flushing,
// and clears state. It is idempotent.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	timers := q.takeTimersLocked()
	close(q.stopCh)
	q.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	q.wg.Wait()

	drained := 0
	for {
		q.mu.Lock()
		remaining := q.size
		busy := q.flushing
		q.mu.Unlock()
		if remaining == 0 && !busy {
			break
		}
		if busy {
			// An in-flight flush owns the guard; wait for it.
			time.Sleep(time.Millisecond)
			continue
		}
		drained += min(remaining, q.cfg.BatchSize)
		q.Flush()
	}

	q.mu.Lock()
	q.retryCounts = make(map[string]retryRecord)
	q.mu.Unlock()

	observability.LogShutdown(q.cfg.Logger, "queue:"+q.cfg.Name, drained)
}

// flushLoop runs the periodic flush timer until shutdown.
func (q *Queue) flushLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.mu.Lock()
			q.pruneRetryStateLocked(time.Now())
			q.mu.Unlock()
			q.Flush()
		}
	}
}

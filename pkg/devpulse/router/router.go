// Package router distributes events across a set of named bounded queues
// under ordered predicate-based routing rules, and drives the registered
// batch processor for each queue. Handler failures are rerouted into a
// dedicated failure queue instead of propagating to producers.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/yaioyaio/devpulse/pkg/devpulse/event"
	"github.com/yaioyaio/devpulse/pkg/devpulse/observability"
	"github.com/yaioyaio/devpulse/pkg/devpulse/queue"
)

// System queue names. These queues are created at construction and cannot
// be destroyed.
const (
	QueueDefault  = "default"
	QueuePriority = "priority"
	QueueBatch    = "batch"
	QueueFailed   = "failed"
)

// Rule routes matching events to a target queue. Rules evaluate in
// descending Priority order; the first match wins.
type Rule struct {
	Name     string
	Match    func(event.Event) bool
	Target   string
	Priority int
}

// Config configures a Router.
type Config struct {
	// MetricsInterval is the period of the aggregate statistics emission.
	// Default: 30 seconds.
	MetricsInterval time.Duration

	// MaxQueues caps the total queue count. Default: 16.
	MaxQueues int

	// OnMetrics receives the periodic aggregate statistics snapshot.
	OnMetrics func(map[string]queue.Statistics)

	// Logger receives structured router activity. Nil disables logging.
	Logger *slog.Logger

	// Metrics records queue metrics for all owned queues.
	Metrics observability.MetricsRecorder

	// Spans traces flush activity for all owned queues.
	Spans observability.SpanManager
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MetricsInterval: 30 * time.Second,
	MaxQueues:       16,
}

// Router owns a fixed set of named queues and the rules that feed them.
type Router struct {
	cfg Config

	mu         sync.RWMutex
	queues     map[string]*queue.Queue
	rules      []Rule // descending priority
	processors map[string]event.BatchHandler
	closed     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a router, bootstraps the four system queues with their
// distinct tunings, installs the default routing rules, and starts the
// metrics timer.
func New(cfg Config) *Router {
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = DefaultConfig.MetricsInterval
	}
	if cfg.MaxQueues <= 0 {
		cfg.MaxQueues = DefaultConfig.MaxQueues
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}

	r := &Router{
		cfg:        cfg,
		queues:     make(map[string]*queue.Queue),
		processors: make(map[string]event.BatchHandler),
		stopCh:     make(chan struct{}),
	}

	for name, qcfg := range systemQueueConfigs() {
		r.attachQueue(name, qcfg)
	}

	r.rules = defaultRules()
	sortRules(r.rules)

	r.wg.Add(1)
	go r.metricsLoop()

	return r
}

// systemQueueConfigs returns the per-queue tuning for the protected queues.
// The priority queue has extra lanes and a short flush interval; the batch
// queue favors capacity and large batches; the failed queue retries hardest
// with the longest delay.
func systemQueueConfigs() map[string]queue.Config {
	return map[string]queue.Config{
		QueueDefault: {},
		QueuePriority: {
			MaxSize:        500,
			BatchSize:      20,
			FlushInterval:  100 * time.Millisecond,
			PriorityLevels: 10,
		},
		QueueBatch: {
			MaxSize:       5000,
			BatchSize:     200,
			FlushInterval: 5 * time.Second,
		},
		QueueFailed: {
			FlushInterval: 10 * time.Second,
			RetryAttempts: 5,
			RetryDelay:    5 * time.Second,
		},
	}
}

// defaultRules returns the bootstrap routing rules. All are removable at
// runtime.
func defaultRules() []Rule {
	return []Rule{
		{
			Name:     "severity-priority",
			Match:    func(evt event.Event) bool { return evt.Severity >= event.SeverityError },
			Target:   QueuePriority,
			Priority: 100,
		},
		{
			Name:     "git-priority",
			Match:    func(evt event.Event) bool { return evt.Category == event.CategoryGit },
			Target:   QueuePriority,
			Priority: 90,
		},
		{
			Name:     "file-batch",
			Match:    func(evt event.Event) bool { return evt.Category == event.CategoryFile },
			Target:   QueueBatch,
			Priority: 80,
		},
	}
}

// attachQueue constructs a queue wired into the router's dispatch path.
// Caller must not hold the lock for New; CreateQueue locks around it.
func (r *Router) attachQueue(name string, qcfg queue.Config) *queue.Queue {
	qcfg.Name = name
	qcfg.Logger = r.cfg.Logger
	qcfg.Metrics = r.cfg.Metrics
	qcfg.Spans = r.cfg.Spans
	qcfg.OnBatch = func(b queue.Batch) {
		r.dispatchBatch(name, b)
	}
	q := queue.New(qcfg)
	r.queues[name] = q
	return q
}

// CreateQueue adds a named queue. The name must be unused and the router's
// queue limit not yet reached.
func (r *Router) CreateQueue(name string, qcfg queue.Config) (*queue.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queues[name]; ok {
		return nil, fmt.Errorf("create queue %q: %w", name, event.ErrQueueExists)
	}
	if len(r.queues) >= r.cfg.MaxQueues {
		return nil, fmt.Errorf("create queue %q: %w", name, event.ErrTooManyQueues)
	}
	return r.attachQueue(name, qcfg), nil
}

// DestroyQueue shuts down and removes a non-system queue.
func (r *Router) DestroyQueue(name string) error {
	if isSystemQueue(name) {
		return fmt.Errorf("destroy queue %q: %w", name, event.ErrSystemQueue)
	}

	r.mu.Lock()
	q, ok := r.queues[name]
	if ok {
		delete(r.queues, name)
		delete(r.processors, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("destroy queue %q: %w", name, event.ErrQueueNotFound)
	}
	q.Shutdown()
	return nil
}

// GetQueue returns a queue by name.
func (r *Router) GetQueue(name string) (*queue.Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

// isSystemQueue reports whether name is one of the protected queues.
func isSystemQueue(name string) bool {
	switch name {
	case QueueDefault, QueuePriority, QueueBatch, QueueFailed:
		return true
	}
	return false
}

// AddRule registers a routing rule.
func (r *Router) AddRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	sortRules(r.rules)
}

// RemoveRule removes a routing rule by name.
func (r *Router) RemoveRule(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rules[:0]
	for _, rule := range r.rules {
		if rule.Name != name {
			kept = append(kept, rule)
		}
	}
	r.rules = kept
}

// sortRules orders rules by descending priority, stable so that rules with
// equal priority keep registration order.
func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}

// RouteEvent delivers one event to the queue selected by the first matching
// rule. Events matching no rule, or whose target queue rejects them, fall
// back to the default queue.
func (r *Router) RouteEvent(evt event.Event) bool {
	r.mu.RLock()
	target := QueueDefault
	for _, rule := range r.rules {
		if rule.Match != nil && rule.Match(evt) {
			target = rule.Target
			break
		}
	}
	q, ok := r.queues[target]
	fallback := r.queues[QueueDefault]
	r.mu.RUnlock()

	if ok && q.Enqueue(evt) {
		return true
	}
	if target == QueueDefault || fallback == nil {
		return false
	}
	return fallback.Enqueue(evt)
}

// RouteBatch routes a batch and returns how many events were accepted.
func (r *Router) RouteBatch(events []event.Event) int {
	accepted := 0
	for _, evt := range events {
		if r.RouteEvent(evt) {
			accepted++
		}
	}
	return accepted
}

// RegisterProcessor attaches the batch handler for a queue. Batches drained
// from that queue are delivered to the handler; a failing handler sends the
// whole batch to the failed queue.
func (r *Router) RegisterProcessor(queueName string, handler event.BatchHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[queueName]; !ok {
		return fmt.Errorf("register processor for %q: %w", queueName, event.ErrQueueNotFound)
	}
	r.processors[queueName] = handler
	return nil
}

// UnregisterProcessor detaches a queue's batch handler.
func (r *Router) UnregisterProcessor(queueName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processors, queueName)
}

// dispatchBatch forwards one drained batch to its processor. A queue with
// no processor logs a warning but still counts the batch as processed.
func (r *Router) dispatchBatch(queueName string, b queue.Batch) {
	r.mu.RLock()
	handler := r.processors[queueName]
	r.mu.RUnlock()

	if handler == nil {
		observability.LogUnhandledBatch(r.cfg.Logger, queueName, len(b.Events))
		return
	}

	err := runHandler(handler, b.Events)
	if err == nil {
		return
	}

	observability.LogHandlerError(r.cfg.Logger, queueName,
		len(b.Events), &event.HandlerError{Queue: queueName, Events: len(b.Events), Err: err})

	// Reroute the failed batch, except when the failing queue already is
	// the failed queue - that would loop.
	if queueName == QueueFailed {
		return
	}
	r.mu.RLock()
	failed := r.queues[QueueFailed]
	r.mu.RUnlock()
	if failed == nil {
		return
	}
	for _, evt := range b.Events {
		failed.Enqueue(evt)
	}
}

// runHandler invokes a batch handler, converting a panic into an error.
func runHandler(handler event.BatchHandler, events []event.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(events)
}

// AllStats recomputes the aggregate statistics for every owned queue.
func (r *Router) AllStats() map[string]queue.Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]queue.Statistics, len(r.queues))
	for name, q := range r.queues {
		stats[name] = q.Stats()
	}
	return stats
}

// FlushAll flushes every owned queue once.
func (r *Router) FlushAll() {
	r.mu.RLock()
	queues := make([]*queue.Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.RUnlock()

	for _, q := range queues {
		q.Flush()
	}
}

// Shutdown stops the metrics timer and shuts down every queue, draining
// each. It is idempotent.
func (r *Router) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stopCh)
	queues := make([]*queue.Queue, 0, len(r.queues))
	for name, q := range r.queues {
		if name == QueueFailed {
			continue
		}
		queues = append(queues, q)
	}
	// The failed queue drains last so reroutes from other queues' final
	// batches still land somewhere.
	if failed, ok := r.queues[QueueFailed]; ok {
		queues = append(queues, failed)
	}
	r.mu.Unlock()

	r.wg.Wait()
	for _, q := range queues {
		q.Shutdown()
	}
	observability.LogShutdown(r.cfg.Logger, "router", 0)
}

// metricsLoop re-emits the aggregate statistics on the configured interval.
func (r *Router) metricsLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.cfg.OnMetrics != nil {
				r.cfg.OnMetrics(r.AllStats())
			}
		}
	}
}

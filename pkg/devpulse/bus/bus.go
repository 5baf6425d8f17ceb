// Package bus is the single entry and exit point of the devpulse pipeline.
// Producers publish events; the bus validates and deduplicates them, tracks
// running statistics, dispatches synchronously to pattern subscribers, and
// forwards into the queue router for batch consumers. Direct subscription
// and routed batch consumption are independent delivery paths - every
// published event takes both.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yaioyaio/devpulse/pkg/devpulse/event"
	"github.com/yaioyaio/devpulse/pkg/devpulse/observability"
	"github.com/yaioyaio/devpulse/pkg/devpulse/queue"
	"github.com/yaioyaio/devpulse/pkg/devpulse/router"
)

// Config configures a Bus.
type Config struct {
	// Validator gates every published event. Nil uses a validator with
	// default dedup settings.
	Validator *event.Validator

	// Router receives every valid event for batch-oriented consumers.
	// Nil disables routed delivery.
	Router *router.Router

	// OnHandlerError is called when a subscriber handler panics. The
	// failure is isolated; remaining subscribers still receive the event.
	OnHandlerError func(evt event.Event, subscriptionID string, err error)

	// Logger receives structured bus activity. Nil disables logging.
	Logger *slog.Logger

	// Metrics records publish metrics. Nil disables recording.
	Metrics observability.MetricsRecorder

	// Spans traces each publish pass. Nil disables tracing.
	Spans observability.SpanManager
}

// subscription is one registered pattern handler.
type subscription struct {
	id      string
	pattern string
	handler event.Handler
	paused  atomic.Bool
}

// Subscription is a handle to an active subscription.
type Subscription struct {
	sub *subscription
	bus *Bus
}

// ID returns the opaque subscription identifier.
func (s *Subscription) ID() string { return s.sub.id }

// Unsubscribe removes the subscription.
func (s *Subscription) Unsubscribe() { s.bus.Unsubscribe(s.sub.id) }

// Pause temporarily stops delivery.
func (s *Subscription) Pause() { s.sub.paused.Store(true) }

// Resume continues delivery after pause.
func (s *Subscription) Resume() { s.sub.paused.Store(false) }

// IsPaused returns true if the subscription is paused.
func (s *Subscription) IsPaused() bool { return s.sub.paused.Load() }

// Stats is a snapshot of the bus's running counters.
type Stats struct {
	TotalEvents        int64            `json:"total_events"`
	ValidationFailures int64            `json:"validation_failures"`
	Duplicates         int64            `json:"duplicates"`
	ByCategory         map[string]int64 `json:"by_category"`
	BySeverity         map[string]int64 `json:"by_severity"`
	EventsPerHour      float64          `json:"events_per_hour"`
	SubscriberCount    int              `json:"subscriber_count"`
}

// Bus validates, counts, and fans out published events.
type Bus struct {
	cfg Config

	mu    sync.RWMutex
	subs  map[string]*subscription
	order []string // subscription IDs in registration order

	statsMu            sync.Mutex
	totalEvents        int64
	validationFailures int64
	duplicates         int64
	byCategory         map[event.Category]int64
	bySeverity         map[event.Severity]int64
	minuteBuckets      map[int64]int64 // unix minute -> publish count

	closed atomic.Bool
}

// New creates a bus.
func New(cfg Config) *Bus {
	if cfg.Validator == nil {
		cfg.Validator = event.NewValidator(event.DefaultValidatorConfig)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}

	return &Bus{
		cfg:           cfg,
		subs:          make(map[string]*subscription),
		byCategory:    make(map[event.Category]int64),
		bySeverity:    make(map[event.Severity]int64),
		minuteBuckets: make(map[int64]int64),
	}
}

// Publish runs one event through the pipeline: validation and duplicate
// suppression, counters, synchronous dispatch to matching subscribers in
// registration order, then forwarding into the router. Failures never
// propagate to the caller; they surface through statistics and callbacks.
func (b *Bus) Publish(ctx context.Context, evt event.Event) {
	if b.closed.Load() {
		return
	}

	done := observability.TimedOperation()
	ctx, span := b.cfg.Spans.StartPublishSpan(ctx, evt.Type, evt.ID)

	result := b.cfg.Validator.Validate(evt)
	if !result.Valid {
		verr := &event.ValidationError{EventID: evt.ID, Errors: result.Errors}
		b.recordRejection(verr.IsDuplicate())
		observability.LogValidationFailure(b.cfg.Logger, evt.ID, result.Errors)
		b.cfg.Metrics.RecordPublish(ctx, string(evt.Category), false)
		b.cfg.Spans.EndSpanWithError(span, verr)
		return
	}

	b.recordPublish(evt)

	for _, sub := range b.matchingSubscriptions(evt.Type) {
		if sub.paused.Load() {
			continue
		}
		b.invoke(sub, evt)
	}

	if b.cfg.Router != nil {
		b.cfg.Router.RouteEvent(evt)
	}

	observability.LogPublish(b.cfg.Logger, evt.ID, evt.Type, done())
	b.cfg.Metrics.RecordPublish(ctx, string(evt.Category), true)
	b.cfg.Spans.EndSpanWithError(span, nil)
}

// invoke runs one subscriber handler, isolating panics.
func (b *Bus) invoke(sub *subscription, evt event.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("subscriber panic: %v", rec)
			observability.LogHandlerError(b.cfg.Logger, "bus", 1, err)
			if b.cfg.OnHandlerError != nil {
				b.cfg.OnHandlerError(evt, sub.id, err)
			}
		}
	}()
	sub.handler(evt)
}

// Subscribe registers a handler for event types matching pattern. Patterns
// are an exact type, a scope with a trailing wildcard segment such as
// "file:*", or "*" for all events. Handlers run synchronously in
// registration order.
func (b *Bus) Subscribe(pattern string, handler event.Handler) *Subscription {
	sub := &subscription{
		id:      uuid.New().String(),
		pattern: pattern,
		handler: handler,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.order = append(b.order, sub.id)
	b.mu.Unlock()

	return &Subscription{sub: sub, bus: b}
}

// Unsubscribe removes a subscription by its identifier.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	kept := b.order[:0]
	for _, sid := range b.order {
		if sid != id {
			kept = append(kept, sid)
		}
	}
	b.order = kept
}

// matchingSubscriptions returns subscribers for an event type in
// registration order.
func (b *Bus) matchingSubscriptions(eventType string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := make([]*subscription, 0, len(b.order))
	for _, id := range b.order {
		sub := b.subs[id]
		if sub != nil && matchPattern(sub.pattern, eventType) {
			matched = append(matched, sub)
		}
	}
	return matched
}

// matchPattern reports whether a subscription pattern matches an event
// type. "*" matches everything; a pattern ending in "*" matches by prefix.
func matchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == eventType
}

// recordPublish updates the running counters for an accepted event.
func (b *Bus) recordPublish(evt event.Event) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	b.totalEvents++
	b.byCategory[evt.Category]++
	b.bySeverity[evt.Severity]++

	minute := time.Now().Unix() / 60
	b.minuteBuckets[minute]++
	b.pruneBucketsLocked(minute)
}

// recordRejection updates the validation-failure counters.
func (b *Bus) recordRejection(duplicate bool) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.validationFailures++
	if duplicate {
		b.duplicates++
	}
}

// pruneBucketsLocked drops minute buckets older than one hour.
func (b *Bus) pruneBucketsLocked(nowMinute int64) {
	for minute := range b.minuteBuckets {
		if nowMinute-minute > 60 {
			delete(b.minuteBuckets, minute)
		}
	}
}

// Stats returns a snapshot of the running counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subscriberCount := len(b.subs)
	b.mu.RUnlock()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	nowMinute := time.Now().Unix() / 60
	b.pruneBucketsLocked(nowMinute)
	var lastHour int64
	for _, count := range b.minuteBuckets {
		lastHour += count
	}

	stats := Stats{
		TotalEvents:        b.totalEvents,
		ValidationFailures: b.validationFailures,
		Duplicates:         b.duplicates,
		ByCategory:         make(map[string]int64, len(b.byCategory)),
		BySeverity:         make(map[string]int64, len(b.bySeverity)),
		EventsPerHour:      float64(lastHour),
		SubscriberCount:    subscriberCount,
	}
	for category, count := range b.byCategory {
		stats.ByCategory[string(category)] = count
	}
	for severity, count := range b.bySeverity {
		stats.BySeverity[severity.String()] = count
	}
	return stats
}

// QueueStats proxies to the router's aggregate statistics. It returns nil
// when no router is attached.
func (b *Bus) QueueStats() map[string]queue.Statistics {
	if b.cfg.Router == nil {
		return nil
	}
	return b.cfg.Router.AllStats()
}

// Shutdown stops accepting events, shuts down the attached router (draining
// its queues), and releases all subscriptions. It is idempotent.
func (b *Bus) Shutdown() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	if b.cfg.Router != nil {
		b.cfg.Router.Shutdown()
	}

	b.mu.Lock()
	b.subs = make(map[string]*subscription)
	b.order = nil
	b.mu.Unlock()

	observability.LogShutdown(b.cfg.Logger, "bus", 0)
}

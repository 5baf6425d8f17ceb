// Package sink holds boundary consumers wired to queue batches: an archive
// that persists processed batches to SQLite and a forwarder that relays
// events to NATS for other services. Sinks are attached as batch processors;
// the queues themselves stay memory-only.
package sink

import "context"

// Publisher sends an event payload to an external system.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close() error
}

// NoopPublisher discards everything. Useful when forwarding is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, subject string, payload []byte) error { return nil }
func (NoopPublisher) Close() error                                                      { return nil }

var _ Publisher = NoopPublisher{}

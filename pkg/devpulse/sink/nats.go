package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/yaioyaio/devpulse/pkg/devpulse/event"
)

// NATSForwarder relays events to NATS subjects of the form
// devpulse.<category>.<type>. It implements Publisher for raw payloads and
// offers ForwardBatch for direct use as a queue batch processor.
type NATSForwarder struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSForwarder connects to NATS with automatic reconnection. The
// prefix defaults to "devpulse" when empty.
func NewNATSForwarder(url, prefix string, opts ...nats.Option) (*NATSForwarder, error) {
	if prefix == "" {
		prefix = "devpulse"
	}
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSForwarder{conn: nc, prefix: prefix}, nil
}

// Publish sends a raw payload to a subject.
func (f *NATSForwarder) Publish(ctx context.Context, subject string, payload []byte) error {
	return f.conn.Publish(subject, payload)
}

// Forward encodes one event and publishes it under its category and type.
func (f *NATSForwarder) Forward(ctx context.Context, evt event.Event) error {
	data, err := evt.Encode()
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", evt.ID, err)
	}
	subject := fmt.Sprintf("%s.%s.%s", f.prefix, evt.Category, evt.Type)
	return f.conn.Publish(subject, data)
}

// ForwardBatch publishes every event in a batch. The first failure aborts
// the batch so the queue's retry path can replay it.
func (f *NATSForwarder) ForwardBatch(events []event.Event) error {
	for _, evt := range events {
		if err := f.Forward(context.Background(), evt); err != nil {
			return err
		}
	}
	return f.conn.Flush()
}

// Close drains the connection.
func (f *NATSForwarder) Close() error {
	f.conn.Close()
	return nil
}

var _ Publisher = (*NATSForwarder)(nil)

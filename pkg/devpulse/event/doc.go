// Package event defines the event model shared by every devpulse component,
// together with the structural validator and duplicate suppressor that gate
// entry into the pipeline.
//
// Events are immutable once created: constructors assign the identity fields
// and callers treat the returned value as read-only. The payload is a tagged
// union keyed by category - each category carries its own concrete struct, so
// validation is exhaustive type switching rather than ad hoc field probing.
package event

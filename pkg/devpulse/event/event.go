package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category is the coarse classification of an event.
type Category string

const (
	CategoryFile     Category = "file"
	CategoryGit      Category = "git"
	CategoryBuild    Category = "build"
	CategoryTest     Category = "test"
	CategorySystem   Category = "system"
	CategoryActivity Category = "activity"
	CategoryStage    Category = "stage"
)

// Known reports whether c is one of the defined categories.
func (c Category) Known() bool {
	switch c {
	case CategoryFile, CategoryGit, CategoryBuild, CategoryTest,
		CategorySystem, CategoryActivity, CategoryStage:
		return true
	}
	return false
}

// Severity is the ordered importance of an event.
// Higher values are more severe.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether s is within the defined range.
func (s Severity) Valid() bool {
	return s >= SeverityDebug && s <= SeverityCritical
}

// MarshalJSON encodes the severity as its name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity from its name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	sev, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// ParseSeverity converts a severity name to its value.
func ParseSeverity(name string) (Severity, error) {
	switch name {
	case "debug":
		return SeverityDebug, nil
	case "info":
		return SeverityInfo, nil
	case "warning":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

// Payload is the category-specific body of an event.
// Each implementation reports the category it belongs to, which must match
// the event's Category field for the event to validate.
type Payload interface {
	Category() Category
}

// FilePayload describes file-system activity.
type FilePayload struct {
	Path      string `json:"path"`
	Action    string `json:"action"` // created, modified, deleted, renamed
	Extension string `json:"extension,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	OldPath   string `json:"old_path,omitempty"` // set for renames
}

// Category implements Payload.
func (FilePayload) Category() Category { return CategoryFile }

// GitPayload describes version-control activity.
type GitPayload struct {
	Action     string `json:"action"` // commit, branch, merge, push, checkout
	CommitHash string `json:"commit_hash,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Author     string `json:"author,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Category implements Payload.
func (GitPayload) Category() Category { return CategoryGit }

// BuildPayload describes a build run.
type BuildPayload struct {
	Target     string        `json:"target"`
	Status     string        `json:"status"` // started, succeeded, failed
	Duration   time.Duration `json:"duration,omitempty"`
	OutputTail string        `json:"output_tail,omitempty"`
}

// Category implements Payload.
func (BuildPayload) Category() Category { return CategoryBuild }

// TestPayload describes a test run.
type TestPayload struct {
	Suite    string        `json:"suite"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Category implements Payload.
func (TestPayload) Category() Category { return CategoryTest }

// SystemPayload describes internal pipeline conditions (overflow, retry
// exhaustion, shutdown) emitted by devpulse itself.
type SystemPayload struct {
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Category implements Payload.
func (SystemPayload) Category() Category { return CategorySystem }

// ActivityPayload describes developer tooling activity.
type ActivityPayload struct {
	Actor  string         `json:"actor"`
	Action string         `json:"action"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Category implements Payload.
func (ActivityPayload) Category() Category { return CategoryActivity }

// StagePayload describes progress through an analysis stage.
type StagePayload struct {
	Stage    string  `json:"stage"`
	Status   string  `json:"status"` // entered, progressed, completed
	Progress float64 `json:"progress,omitempty"`
}

// Category implements Payload.
func (StagePayload) Category() Category { return CategoryStage }

// Event is the unit flowing through the pipeline.
//
// ID, Type, Category, Severity, Timestamp, and Source are assigned at
// construction and never change. Metadata and Tags are opaque to the core.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Category  Category       `json:"category"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Data      Payload        `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

// Option configures event creation.
type Option func(*Event)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) {
		e.Timestamp = t
	}
}

// WithMetadata attaches opaque metadata.
func WithMetadata(md map[string]any) Option {
	return func(e *Event) {
		e.Metadata = md
	}
}

// WithTags attaches opaque tags.
func WithTags(tags ...string) Option {
	return func(e *Event) {
		e.Tags = tags
	}
}

// New creates an event. The category is derived from the payload.
func New(eventType, source string, severity Severity, payload Payload, opts ...Option) Event {
	e := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Severity:  severity,
		Timestamp: time.Now(),
		Source:    source,
		Data:      payload,
	}
	if payload != nil {
		e.Category = payload.Category()
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Encode returns the canonical JSON form of the event.
// Queues use the encoded length for memory accounting; sinks use the bytes
// directly for transport and archival.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// eventWire mirrors Event with a raw payload so the union can be decoded
// after the category is known.
type eventWire struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Category  Category        `json:"category"`
	Severity  Severity        `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
}

// Decode parses the canonical JSON form produced by Encode.
func Decode(data []byte) (Event, error) {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	e := Event{
		ID:        w.ID,
		Type:      w.Type,
		Category:  w.Category,
		Severity:  w.Severity,
		Timestamp: w.Timestamp,
		Source:    w.Source,
		Metadata:  w.Metadata,
		Tags:      w.Tags,
	}

	if len(w.Data) == 0 || string(w.Data) == "null" {
		return e, nil
	}

	payload, err := decodePayload(w.Category, w.Data)
	if err != nil {
		return Event{}, err
	}
	e.Data = payload
	return e, nil
}

func decodePayload(category Category, raw json.RawMessage) (Payload, error) {
	unmarshal := func(dst Payload) (Payload, error) {
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", category, err)
		}
		return dst, nil
	}

	switch category {
	case CategoryFile:
		p, err := unmarshal(&FilePayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*FilePayload), nil
	case CategoryGit:
		p, err := unmarshal(&GitPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*GitPayload), nil
	case CategoryBuild:
		p, err := unmarshal(&BuildPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*BuildPayload), nil
	case CategoryTest:
		p, err := unmarshal(&TestPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*TestPayload), nil
	case CategorySystem:
		p, err := unmarshal(&SystemPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*SystemPayload), nil
	case CategoryActivity:
		p, err := unmarshal(&ActivityPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*ActivityPayload), nil
	case CategoryStage:
		p, err := unmarshal(&StagePayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*StagePayload), nil
	}
	return nil, fmt.Errorf("unknown event category %q", category)
}

// Handler consumes a single event. Handlers run synchronously during
// dispatch; a panicking handler is isolated by the caller.
type Handler func(Event)

// BatchHandler consumes a drained batch from a named queue.
// Returning an error sends every event in the batch to the failure queue.
type BatchHandler func(events []Event) error

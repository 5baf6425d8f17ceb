package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	commitHashRe = regexp.MustCompile(`^[0-9a-f]{40}$`)
	branchNameRe = regexp.MustCompile(`^[A-Za-z0-9\-_/]+$`)
)

// ValidatorConfig configures validation and duplicate suppression.
type ValidatorConfig struct {
	// DedupWindow is how long a fingerprint suppresses repeats.
	// Default: 5 seconds.
	DedupWindow time.Duration

	// MaxEntries caps the dedup store. When exceeded the single oldest
	// entry is evicted. Default: 1000.
	MaxEntries int

	// OnDuplicate is called when an event is suppressed as a duplicate.
	OnDuplicate func(Event)
}

// DefaultValidatorConfig provides reasonable defaults.
var DefaultValidatorConfig = ValidatorConfig{
	DedupWindow: 5 * time.Second,
	MaxEntries:  1000,
}

// Result is the outcome of validating one event.
type Result struct {
	Valid  bool
	Errors []string
}

// BatchResult is the outcome of validating a batch. Each event's result is
// independent: one malformed event never aborts the batch.
type BatchResult struct {
	Valid  bool
	Errors map[string][]string // event ID -> errors, only failing events
}

// dedupEntry records one seen fingerprint.
type dedupEntry struct {
	hash   string
	seenAt time.Time
}

// Validator structurally validates events and suppresses duplicates inside a
// sliding window. Expired entries are cleaned opportunistically on every
// call; there is no background timer.
type Validator struct {
	mu      sync.Mutex
	cfg     ValidatorConfig
	entries map[string]dedupEntry
	order   []string // fingerprints in insertion order, oldest first
}

// NewValidator creates a validator with the given configuration.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultValidatorConfig.DedupWindow
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultValidatorConfig.MaxEntries
	}
	return &Validator{
		cfg:     cfg,
		entries: make(map[string]dedupEntry),
	}
}

// Validate checks one event. A structurally valid event is fingerprinted and
// recorded; a repeat inside the window fails with DuplicateEventMessage.
func (v *Validator) Validate(evt Event) Result {
	errs := structuralErrors(evt)
	if len(errs) > 0 {
		return Result{Valid: false, Errors: errs}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	v.expireLocked(now)

	hash := Fingerprint(evt)
	if entry, ok := v.entries[hash]; ok && now.Sub(entry.seenAt) < v.cfg.DedupWindow {
		if v.cfg.OnDuplicate != nil {
			v.cfg.OnDuplicate(evt)
		}
		return Result{Valid: false, Errors: []string{DuplicateEventMessage}}
	}

	v.recordLocked(hash, now)
	return Result{Valid: true}
}

// ValidateBatch checks each event independently.
func (v *Validator) ValidateBatch(events []Event) BatchResult {
	result := BatchResult{Valid: true, Errors: make(map[string][]string)}
	for i, evt := range events {
		r := v.Validate(evt)
		if r.Valid {
			continue
		}
		result.Valid = false
		key := evt.ID
		if key == "" {
			key = fmt.Sprintf("event[%d]", i)
		}
		result.Errors[key] = r.Errors
	}
	return result
}

// Clear resets the dedup store.
func (v *Validator) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = make(map[string]dedupEntry)
	v.order = v.order[:0]
}

// Size returns the number of tracked fingerprints.
func (v *Validator) Size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// expireLocked drops entries older than the window. The order slice is
// insertion-ordered, so expired entries are always a prefix.
func (v *Validator) expireLocked(now time.Time) {
	cut := 0
	for _, hash := range v.order {
		entry, ok := v.entries[hash]
		if ok && now.Sub(entry.seenAt) < v.cfg.DedupWindow {
			break
		}
		if ok {
			delete(v.entries, hash)
		}
		cut++
	}
	if cut > 0 {
		v.order = v.order[cut:]
	}
}

// recordLocked stores a fingerprint, evicting the oldest entry past the cap.
func (v *Validator) recordLocked(hash string, now time.Time) {
	v.entries[hash] = dedupEntry{hash: hash, seenAt: now}
	v.order = append(v.order, hash)

	if len(v.entries) > v.cfg.MaxEntries {
		oldest := v.order[0]
		v.order = v.order[1:]
		delete(v.entries, oldest)
	}
}

// Fingerprint computes the category-aware content hash used for duplicate
// suppression. File events collapse on type+path+action, git events on
// type+commit (or type+branch), everything else on type+source+payload.
func Fingerprint(evt Event) string {
	h := sha256.New()
	h.Write([]byte(evt.Type))
	h.Write([]byte{0})

	switch data := evt.Data.(type) {
	case FilePayload:
		h.Write([]byte(data.Path))
		h.Write([]byte{0})
		h.Write([]byte(data.Action))
	case GitPayload:
		if data.CommitHash != "" {
			h.Write([]byte(data.CommitHash))
		} else {
			h.Write([]byte(data.Branch))
		}
	default:
		h.Write([]byte(evt.Source))
		h.Write([]byte{0})
		if encoded, err := json.Marshal(evt.Data); err == nil {
			h.Write(encoded)
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

// structuralErrors returns every structural problem with the event.
func structuralErrors(evt Event) []string {
	var errs []string

	if evt.ID == "" {
		errs = append(errs, "missing id")
	}
	if evt.Type == "" {
		errs = append(errs, "missing type")
	}
	if evt.Source == "" {
		errs = append(errs, "missing source")
	}
	if evt.Timestamp.IsZero() {
		errs = append(errs, "missing timestamp")
	}
	if !evt.Severity.Valid() {
		errs = append(errs, fmt.Sprintf("invalid severity %d", evt.Severity))
	}
	if !evt.Category.Known() {
		errs = append(errs, fmt.Sprintf("unknown category %q", evt.Category))
	}
	if evt.Data == nil {
		errs = append(errs, "missing payload")
		return errs
	}
	if evt.Category.Known() && evt.Data.Category() != evt.Category {
		errs = append(errs, fmt.Sprintf("payload category %q does not match event category %q",
			evt.Data.Category(), evt.Category))
	}

	switch data := evt.Data.(type) {
	case FilePayload:
		errs = append(errs, filePayloadErrors(data)...)
	case GitPayload:
		errs = append(errs, gitPayloadErrors(data)...)
	}

	return errs
}

func filePayloadErrors(data FilePayload) []string {
	var errs []string

	if data.Path == "" {
		errs = append(errs, "file path is empty")
	} else {
		for _, segment := range strings.Split(data.Path, "/") {
			if segment == ".." {
				errs = append(errs, "file path contains parent directory traversal")
				break
			}
		}
	}
	if data.Action == "" {
		errs = append(errs, "file action is empty")
	}
	if data.Extension != "" && data.Path != "" {
		ext := "." + strings.TrimPrefix(data.Extension, ".")
		if !strings.HasSuffix(data.Path, ext) {
			errs = append(errs, fmt.Sprintf("declared extension %q does not match path %q",
				data.Extension, data.Path))
		}
	}

	return errs
}

func gitPayloadErrors(data GitPayload) []string {
	var errs []string

	if data.Action == "" {
		errs = append(errs, "git action is empty")
	}
	if data.CommitHash != "" && !commitHashRe.MatchString(data.CommitHash) {
		errs = append(errs, fmt.Sprintf("invalid commit hash %q", data.CommitHash))
	}
	if data.Branch != "" && !branchNameRe.MatchString(data.Branch) {
		errs = append(errs, fmt.Sprintf("invalid branch name %q", data.Branch))
	}

	return errs
}

package event

import (
	"strings"
	"testing"
	"time"
)

func newFileEvent(path string) Event {
	return New("file:modified", "watcher", SeverityInfo, FilePayload{
		Path:   path,
		Action: "modified",
	})
}

func TestValidateAcceptsWellFormedEvent(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig)
	result := v.Validate(newFileEvent("src/main.go"))
	if !result.Valid {
		t.Fatalf("expected valid, got errors %v", result.Errors)
	}
}

func TestValidateStructural(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig)

	evt := newFileEvent("src/main.go")
	evt.ID = ""
	evt.Source = ""
	evt.Severity = Severity(99)

	result := v.Validate(evt)
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if len(result.Errors) < 3 {
		t.Errorf("expected errors for id, source, severity; got %v", result.Errors)
	}
}

func TestValidateCategoryPayloadMismatch(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig)

	evt := newFileEvent("src/main.go")
	evt.Category = CategoryGit

	result := v.Validate(evt)
	if result.Valid {
		t.Fatal("expected invalid for category/payload mismatch")
	}
}

func TestValidateFilePathTraversal(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig)
	result := v.Validate(newFileEvent("../etc/passwd"))
	if result.Valid {
		t.Fatal("expected invalid for parent directory traversal")
	}
}

func TestValidateFileExtensionMismatch(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig)
	evt := New("file:modified", "watcher", SeverityInfo, FilePayload{
		Path:      "src/main.go",
		Action:    "modified",
		Extension: ".py",
	})
	result := v.Validate(evt)
	if result.Valid {
		t.Fatal("expected invalid for extension mismatch")
	}
}

func TestValidateGitPayload(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig)

	bad := New("git:commit", "git", SeverityInfo, GitPayload{
		Action:     "commit",
		CommitHash: "not-a-hash",
	})
	if v.Validate(bad).Valid {
		t.Error("expected invalid commit hash to fail")
	}

	badBranch := New("git:branch", "git", SeverityInfo, GitPayload{
		Action: "branch",
		Branch: "feat ure",
	})
	if v.Validate(badBranch).Valid {
		t.Error("expected invalid branch name to fail")
	}

	good := New("git:commit", "git", SeverityInfo, GitPayload{
		Action:     "commit",
		CommitHash: strings.Repeat("0", 40),
		Branch:     "feature/queue-rework",
	})
	if result := v.Validate(good); !result.Valid {
		t.Errorf("expected valid, got %v", result.Errors)
	}
}

func TestValidateSuppressesDuplicates(t *testing.T) {
	v := NewValidator(ValidatorConfig{DedupWindow: 100 * time.Millisecond, MaxEntries: 10})

	evt := newFileEvent("src/main.go")
	if result := v.Validate(evt); !result.Valid {
		t.Fatalf("first event rejected: %v", result.Errors)
	}

	// Same fingerprint, different ID.
	dup := newFileEvent("src/main.go")
	result := v.Validate(dup)
	if result.Valid {
		t.Fatal("expected duplicate rejection")
	}
	if len(result.Errors) != 1 || result.Errors[0] != DuplicateEventMessage {
		t.Errorf("Errors = %v, want [%q]", result.Errors, DuplicateEventMessage)
	}

	// After the window passes, the same content is accepted again.
	time.Sleep(150 * time.Millisecond)
	if result := v.Validate(newFileEvent("src/main.go")); !result.Valid {
		t.Errorf("expected acceptance after dedup window, got %v", result.Errors)
	}
}

func TestValidateDedupEvictsOldest(t *testing.T) {
	v := NewValidator(ValidatorConfig{DedupWindow: time.Minute, MaxEntries: 2})

	v.Validate(newFileEvent("a.go"))
	v.Validate(newFileEvent("b.go"))
	v.Validate(newFileEvent("c.go")) // evicts a.go's entry

	if v.Size() != 2 {
		t.Fatalf("Size = %d, want 2", v.Size())
	}
	if result := v.Validate(newFileEvent("a.go")); !result.Valid {
		t.Errorf("expected a.go to be accepted after eviction, got %v", result.Errors)
	}
	if result := v.Validate(newFileEvent("c.go")); result.Valid {
		t.Error("expected c.go to still be a duplicate")
	}
}

func TestValidateOnDuplicateCallback(t *testing.T) {
	var seen int
	v := NewValidator(ValidatorConfig{
		DedupWindow: time.Minute,
		MaxEntries:  10,
		OnDuplicate: func(evt Event) { seen++ },
	})

	v.Validate(newFileEvent("x.go"))
	v.Validate(newFileEvent("x.go"))
	if seen != 1 {
		t.Errorf("OnDuplicate called %d times, want 1", seen)
	}
}

func TestValidateBatchIndependent(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig)

	good := newFileEvent("a.go")
	bad := newFileEvent("b.go")
	bad.Source = ""

	result := v.ValidateBatch([]Event{good, bad})
	if result.Valid {
		t.Fatal("expected batch to be invalid")
	}
	if _, ok := result.Errors[good.ID]; ok {
		t.Error("valid event should not carry errors")
	}
	if errs := result.Errors[bad.ID]; len(errs) == 0 {
		t.Error("invalid event should carry errors")
	}
}

func TestFingerprintDistinguishesContent(t *testing.T) {
	a := Fingerprint(newFileEvent("a.go"))
	b := Fingerprint(newFileEvent("b.go"))
	if a == b {
		t.Error("expected different fingerprints for different paths")
	}

	// Identity fields do not contribute.
	x := newFileEvent("same.go")
	y := newFileEvent("same.go")
	if Fingerprint(x) != Fingerprint(y) {
		t.Error("expected equal fingerprints for equal content")
	}
}

func TestClearResetsDedupState(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig)
	v.Validate(newFileEvent("a.go"))
	v.Clear()
	if v.Size() != 0 {
		t.Errorf("Size = %d after Clear, want 0", v.Size())
	}
	if result := v.Validate(newFileEvent("a.go")); !result.Valid {
		t.Errorf("expected acceptance after Clear, got %v", result.Errors)
	}
}

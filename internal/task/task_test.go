package task

import (
	"regexp"
	"testing"
	"time"
)

func TestNewGeneratesTraceableID(t *testing.T) {
	tk := New("summarize this", WithPlatformHint("gemini"))

	pattern := regexp.MustCompile(`^gemini_\d{8}_[0-9a-f]{8}$`)
	if !pattern.MatchString(tk.ID) {
		t.Fatalf("unexpected id format: %s", tk.ID)
	}
}

func TestNewWithoutHintUsesTaskPrefix(t *testing.T) {
	tk := New("hello")

	pattern := regexp.MustCompile(`^task_\d{8}_[0-9a-f]{8}$`)
	if !pattern.MatchString(tk.ID) {
		t.Fatalf("unexpected id format: %s", tk.ID)
	}
}

func TestNewIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID("", time.Now())
		if seen[id] {
			t.Fatalf("duplicate id after %d generations: %s", i, id)
		}
		seen[id] = true
	}
}

func TestConstraintsDefaults(t *testing.T) {
	tk := New("hello")
	if tk.Constraints.Timeout != DefaultTimeout {
		t.Fatalf("expected default timeout %v, got %v", DefaultTimeout, tk.Constraints.Timeout)
	}

	tk = New("hello", WithConstraints(Constraints{Timeout: 5 * time.Second, MaxRetries: 1}))
	if tk.Constraints.Timeout != 5*time.Second || tk.Constraints.MaxRetries != 1 {
		t.Fatalf("explicit constraints overridden: %+v", tk.Constraints)
	}
}

func TestStorePutGetList(t *testing.T) {
	store := NewStore()

	first := New("a")
	second := New("b")
	store.Put(Record{Task: first, Result: Result{TaskID: first.ID, Status: StatusSuccess}, FinishedAt: time.Now().Add(-time.Minute)})
	store.Put(Record{Task: second, Result: Result{TaskID: second.ID, Status: StatusFailed}, FinishedAt: time.Now()})

	rec, err := store.Get(first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Result.Status != StatusSuccess {
		t.Fatalf("unexpected status: %v", rec.Result.Status)
	}

	if _, err := store.Get("missing"); err == nil {
		t.Fatalf("expected error for unknown task")
	}

	list := store.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	if list[0].Task.ID != second.ID {
		t.Fatalf("expected newest first, got %s", list[0].Task.ID)
	}
}

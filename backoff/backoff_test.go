package backoff

import (
	"testing"
	"time"
)

func TestShouldRetryBelowCeiling(t *testing.T) {
	tr := NewTracker()
	key := "status:alice"

	if !tr.ShouldRetry(key) {
		t.Fatal("fresh key should be retryable")
	}
	for i := 0; i < DefaultMaxFailures-1; i++ {
		tr.RecordFailure(key)
	}
	if !tr.ShouldRetry(key) {
		t.Fatalf("key with %d failures should still be retryable", DefaultMaxFailures-1)
	}
	tr.RecordFailure(key)
	if tr.ShouldRetry(key) {
		t.Fatalf("key with %d failures should be parked", DefaultMaxFailures)
	}
}

func TestShouldRetryAfterCooldown(t *testing.T) {
	tr := NewTracker()
	key := "viewers:bob"

	now := time.Now()
	tr.now = func() time.Time { return now }
	for i := 0; i < DefaultMaxFailures; i++ {
		tr.RecordFailure(key)
	}
	if tr.ShouldRetry(key) {
		t.Fatal("key at ceiling should be parked")
	}

	// Advance past the cool-down; the key should open up again even though the
	// count never reset.
	tr.now = func() time.Time { return now.Add(DefaultCooldown + time.Second) }
	if !tr.ShouldRetry(key) {
		t.Fatal("key should be retryable after cool-down elapses")
	}
}

func TestRecordSuccessClears(t *testing.T) {
	tr := NewTracker()
	key := "status:carol"
	tr.RecordFailure(key)
	tr.RecordFailure(key)
	if got := tr.FailureCount(key); got != 2 {
		t.Fatalf("FailureCount = %d, want 2", got)
	}
	tr.RecordSuccess(key)
	if got := tr.FailureCount(key); got != 0 {
		t.Fatalf("FailureCount after success = %d, want 0", got)
	}
	if !tr.ShouldRetry(key) {
		t.Fatal("cleared key should be retryable")
	}
}

func TestResetByPrefix(t *testing.T) {
	tr := NewTracker()
	tr.RecordFailure("viewers:alice")
	tr.RecordFailure("viewers:bob")
	tr.RecordFailure("status:alice")

	tr.ResetByPrefix("viewers:")

	if got := tr.FailureCount("viewers:alice"); got != 0 {
		t.Errorf("viewers:alice count = %d, want 0", got)
	}
	if got := tr.FailureCount("viewers:bob"); got != 0 {
		t.Errorf("viewers:bob count = %d, want 0", got)
	}
	if got := tr.FailureCount("status:alice"); got != 1 {
		t.Errorf("status:alice count = %d, want 1 (different prefix)", got)
	}
}

func TestCustomCeiling(t *testing.T) {
	tr := NewTrackerWith(2, time.Hour)
	key := "status:dave"
	tr.RecordFailure(key)
	if !tr.ShouldRetry(key) {
		t.Fatal("one failure under ceiling of 2 should retry")
	}
	tr.RecordFailure(key)
	if tr.ShouldRetry(key) {
		t.Fatal("two failures at ceiling of 2 should park")
	}
}

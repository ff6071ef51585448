package docmirror

import (
	"errors"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) (*FailedQueue, *FakeClock) {
	t.Helper()
	clock := NewFakeClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	q := NewFailedQueue(NewMemoryStore(), clock, DefaultBackoff())
	q.setJitter(func(time.Duration) time.Duration { return 0 })
	return q, clock
}

func TestBackoffDelaySchedule(t *testing.T) {
	cfg := DefaultBackoff()
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for retries, expected := range want {
		if got := cfg.Delay(retries); got != expected {
			t.Fatalf("Delay(%d) = %s, want %s", retries, got, expected)
		}
	}
}

func TestBackoffDelayMonotonic(t *testing.T) {
	cfg := DefaultBackoff()
	prev := time.Duration(0)
	for retries := 0; retries < 20; retries++ {
		got := cfg.Delay(retries)
		if got < prev {
			t.Fatalf("Delay(%d) = %s shrank below %s", retries, got, prev)
		}
		if got > cfg.MaxDelay {
			t.Fatalf("Delay(%d) = %s exceeds cap %s", retries, got, cfg.MaxDelay)
		}
		prev = got
	}
}

func TestRecordFailureCreatesThenIncrements(t *testing.T) {
	q, clock := newTestQueue(t)

	entry, err := q.RecordFailure("doc-1", errors.New("boom"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.RetryCount != 0 {
		t.Fatalf("first failure retryCount = %d, want 0", entry.RetryCount)
	}
	if !entry.FailedAt.Equal(clock.Now()) {
		t.Fatalf("failedAt = %s, want %s", entry.FailedAt, clock.Now())
	}
	if got := entry.NextRetryAt.Sub(clock.Now()); got != time.Second {
		t.Fatalf("first nextRetryAt delta = %s, want 1s", got)
	}

	entry, err = q.RecordFailure("doc-1", errors.New("boom again"))
	if err != nil {
		t.Fatalf("record second: %v", err)
	}
	if entry.RetryCount != 1 {
		t.Fatalf("second failure retryCount = %d, want 1", entry.RetryCount)
	}
	if entry.LastError != "boom again" {
		t.Fatalf("lastError = %q", entry.LastError)
	}
	if got := entry.NextRetryAt.Sub(clock.Now()); got != 2*time.Second {
		t.Fatalf("second nextRetryAt delta = %s, want 2s", got)
	}
}

func TestRecordFailureJitterBounded(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	q := NewFailedQueue(NewMemoryStore(), clock, DefaultBackoff())
	for i := 0; i < 50; i++ {
		entry, err := q.RecordFailure("doc-jitter", errors.New("x"))
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		base := q.Config().Delay(entry.RetryCount)
		delta := entry.NextRetryAt.Sub(clock.Now())
		if delta < base || delta >= base+500*time.Millisecond {
			t.Fatalf("attempt %d: delta %s outside [%s, %s)", i, delta, base, base+500*time.Millisecond)
		}
		if err := q.Resolve("doc-jitter"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	q, clock := newTestQueue(t)
	var entry FailedSnapshotEntry
	var err error
	for i := 0; i < 6; i++ {
		entry, err = q.RecordFailure("doc-1", errors.New("down"))
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if entry.RetryCount != 5 {
		t.Fatalf("retryCount = %d, want 5", entry.RetryCount)
	}
	if !q.CircuitOpen(entry) {
		t.Fatalf("circuit should be open at retryCount 5")
	}

	clock.Advance(time.Hour)
	due, err := q.Due()
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("open circuit still due for automatic retry: %v", due)
	}
}

func TestDueRespectsNextRetryAt(t *testing.T) {
	q, clock := newTestQueue(t)
	if _, err := q.RecordFailure("doc-1", errors.New("x")); err != nil {
		t.Fatalf("record: %v", err)
	}

	due, err := q.Due()
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("entry due before backoff elapsed")
	}

	clock.Advance(time.Second)
	due, err = q.Due()
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].DocumentID != "doc-1" {
		t.Fatalf("due = %v, want doc-1", due)
	}
}

func TestRearmReclosesCircuit(t *testing.T) {
	q, _ := newTestQueue(t)
	for i := 0; i < 7; i++ {
		if _, err := q.RecordFailure("doc-1", errors.New("down")); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	entries, err := q.Rearm()
	if err != nil {
		t.Fatalf("rearm: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].RetryCount != 0 {
		t.Fatalf("retryCount after rearm = %d, want 0", entries[0].RetryCount)
	}
	due, err := q.Due()
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("rearmed entry not immediately due")
	}
}

func TestResolveRemovesEntry(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.RecordFailure("doc-1", errors.New("x")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := q.Resolve("doc-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := q.Get("doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after resolve = %v, want ErrNotFound", err)
	}
}

func TestStatsProjection(t *testing.T) {
	q, clock := newTestQueue(t)
	if _, err := q.RecordFailure("doc-due", errors.New("x")); err != nil {
		t.Fatalf("record: %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := q.RecordFailure("doc-waiting", errors.New("x")); err != nil {
		t.Fatalf("record: %v", err)
	}
	for i := 0; i < 6; i++ {
		if _, err := q.RecordFailure("doc-circuit", errors.New("x")); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	stats, err := q.Stats(true)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("total = %d, want 3", stats.Total)
	}
	if stats.DueForRetry != 1 {
		t.Fatalf("dueForRetry = %d, want 1", stats.DueForRetry)
	}
	if stats.CircuitBreaker != 1 {
		t.Fatalf("circuitBreaker = %d, want 1", stats.CircuitBreaker)
	}
	if stats.OldestFailure == nil || !stats.OldestFailure.Equal(clock.Now().Add(-time.Minute)) {
		t.Fatalf("oldestFailure = %v", stats.OldestFailure)
	}

	offline, err := q.Stats(false)
	if err != nil {
		t.Fatalf("stats offline: %v", err)
	}
	if offline.DueForRetry != 0 {
		t.Fatalf("offline dueForRetry = %d, want 0", offline.DueForRetry)
	}
}

package docmirror

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// BackoffConfig holds the retry schedule shared by the failed-snapshot queue
// and the lifecycle binding's acquisition retries.
type BackoffConfig struct {
	InitialDelay     time.Duration
	Factor           float64
	MaxDelay         time.Duration
	JitterBound      time.Duration
	CircuitThreshold int
}

// DefaultBackoff is the production schedule: 1s, 2s, 4s, ... capped at 30s,
// plus up to 500ms of jitter so many documents reconnecting at once do not
// retry in lockstep. The circuit opens after five consecutive failures.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay:     time.Second,
		Factor:           2,
		MaxDelay:         30 * time.Second,
		JitterBound:      500 * time.Millisecond,
		CircuitThreshold: 5,
	}
}

func (c BackoffConfig) normalized() BackoffConfig {
	def := DefaultBackoff()
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.Factor < 1 {
		c.Factor = def.Factor
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.JitterBound < 0 {
		c.JitterBound = def.JitterBound
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = def.CircuitThreshold
	}
	return c
}

// Delay returns the base delay before the (retryCount+1)-th attempt, without
// jitter: min(MaxDelay, InitialDelay·Factor^retryCount).
func (c BackoffConfig) Delay(retryCount int) time.Duration {
	delay := c.InitialDelay
	for i := 0; i < retryCount; i++ {
		delay = time.Duration(float64(delay) * c.Factor)
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// FailedQueue is the durable record of snapshot uploads that could not reach
// the remote service. It is the single writable source of truth: everything
// the UI shows about failing documents is a read-only projection of these
// entries.
type FailedQueue struct {
	mu     sync.Mutex
	store  Store
	clock  Clock
	cfg    BackoffConfig
	jitter func(bound time.Duration) time.Duration
}

func NewFailedQueue(store Store, clock Clock, cfg BackoffConfig) *FailedQueue {
	if clock == nil {
		clock = SystemClock()
	}
	return &FailedQueue{
		store: store,
		clock: clock,
		cfg:   cfg.normalized(),
		jitter: func(bound time.Duration) time.Duration {
			if bound <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(bound)))
		},
	}
}

// Config returns the backoff schedule the queue was built with.
func (q *FailedQueue) Config() BackoffConfig {
	return q.cfg
}

// RecordFailure upserts the entry for a document after a failed upload:
// first failure creates the entry with retryCount 0, subsequent failures
// increment retryCount and overwrite lastError. The next eligible retry time
// is recomputed from the backoff schedule each time.
func (q *FailedQueue) RecordFailure(id string, cause error) (FailedSnapshotEntry, error) {
	if cause == nil {
		cause = errors.New("upload failed")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	entry, err := q.store.LoadFailedSnapshot(id)
	switch {
	case errors.Is(err, ErrNotFound):
		entry = FailedSnapshotEntry{DocumentID: id, FailedAt: now, RetryCount: 0}
	case err != nil:
		return FailedSnapshotEntry{}, err
	default:
		entry.RetryCount++
	}
	entry.LastError = cause.Error()
	entry.NextRetryAt = now.Add(q.cfg.Delay(entry.RetryCount) + q.jitter(q.cfg.JitterBound))
	if err := q.store.SaveFailedSnapshot(entry); err != nil {
		return FailedSnapshotEntry{}, err
	}
	return entry, nil
}

// Resolve deletes a document's entry after a successful upload.
func (q *FailedQueue) Resolve(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.DeleteFailedSnapshot(id)
}

// Get returns the entry for one document, or ErrNotFound.
func (q *FailedQueue) Get(id string) (FailedSnapshotEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.LoadFailedSnapshot(id)
}

// Entries returns every entry ordered by first failure time.
func (q *FailedQueue) Entries() ([]FailedSnapshotEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.store.ListFailedSnapshots()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FailedAt.Before(entries[j].FailedAt)
	})
	return entries, nil
}

// CircuitOpen reports whether an entry has exhausted automatic retries.
func (q *FailedQueue) CircuitOpen(entry FailedSnapshotEntry) bool {
	return entry.RetryCount >= q.cfg.CircuitThreshold
}

// Due returns the entries eligible for automatic retry now: circuit still
// closed and nextRetryAt reached. The scan is O(failing documents).
func (q *FailedQueue) Due() ([]FailedSnapshotEntry, error) {
	entries, err := q.Entries()
	if err != nil {
		return nil, err
	}
	now := q.clock.Now()
	due := entries[:0]
	for _, entry := range entries {
		if q.CircuitOpen(entry) {
			continue
		}
		if entry.NextRetryAt.After(now) {
			continue
		}
		due = append(due, entry)
	}
	return due, nil
}

// Rearm resets every entry's retry count to zero and makes it immediately
// eligible, re-closing any open circuit. Only an explicit user action calls
// this.
func (q *FailedQueue) Rearm() ([]FailedSnapshotEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.store.ListFailedSnapshots()
	if err != nil {
		return nil, err
	}
	now := q.clock.Now()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FailedAt.Before(entries[j].FailedAt)
	})
	for i := range entries {
		entries[i].RetryCount = 0
		entries[i].NextRetryAt = now
		if err := q.store.SaveFailedSnapshot(entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Stats is the aggregate view the orchestrator and diagnostics expose.
type Stats struct {
	Total          int        `json:"total"`
	DueForRetry    int        `json:"dueForRetry"`
	CircuitBreaker int        `json:"circuitBreaker"`
	OldestFailure  *time.Time `json:"oldestFailure,omitempty"`
}

// Stats computes the aggregate projection in one pass over the entries.
func (q *FailedQueue) Stats(online bool) (Stats, error) {
	entries, err := q.Entries()
	if err != nil {
		return Stats{}, err
	}
	now := q.clock.Now()
	stats := Stats{Total: len(entries)}
	for _, entry := range entries {
		if q.CircuitOpen(entry) {
			stats.CircuitBreaker++
			continue
		}
		if online && !entry.NextRetryAt.After(now) {
			stats.DueForRetry++
		}
	}
	if len(entries) > 0 {
		oldest := entries[0].FailedAt
		stats.OldestFailure = &oldest
	}
	return stats, nil
}

// setJitter overrides the jitter source; tests use it for determinism.
func (q *FailedQueue) setJitter(fn func(bound time.Duration) time.Duration) {
	q.jitter = fn
}

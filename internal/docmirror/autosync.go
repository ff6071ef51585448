package docmirror

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// UploadFunc performs one snapshot upload attempt for a document, including
// any sync-mode bookkeeping on success. The orchestrator owns the failure
// bookkeeping around it.
type UploadFunc func(ctx context.Context, id string) error

// RetryResult is the outcome of one forced retry attempt.
type RetryResult struct {
	DocumentID string `json:"documentId"`
	Synced     bool   `json:"synced"`
	Error      string `json:"error,omitempty"`
}

// Orchestrator drives automatic retries of failed snapshot uploads. A
// periodic scan picks up entries whose backoff has elapsed, skips open
// circuits, and only runs while the network monitor reports online. The loop
// is panic-isolated: a bug in an upload attempt leaves the entry unresolved
// for the next scan instead of crashing the host process.
type Orchestrator struct {
	queue       *FailedQueue
	net         *NetworkMonitor
	upload      UploadFunc
	logger      Logger
	interval    time.Duration
	concurrency int

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

type OrchestratorOptions struct {
	Queue        *FailedQueue
	Network      *NetworkMonitor
	Upload       UploadFunc
	Logger       Logger
	ScanInterval time.Duration
	// Concurrency bounds simultaneous upload attempts during a scan or a
	// forced retry so a reconnect burst cannot overwhelm the remote service.
	Concurrency int
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Queue == nil || opts.Upload == nil {
		return nil, ErrInvalidInput
	}
	interval := opts.ScanInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Orchestrator{
		queue:       opts.Queue,
		net:         opts.Network,
		upload:      opts.Upload,
		logger:      ensureLogger(opts.Logger),
		interval:    interval,
		concurrency: concurrency,
	}, nil
}

// Start launches the periodic scan loop.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	stop := o.stop
	done := o.done
	o.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.ScanOnce(context.Background())
			}
		}
	}()
}

// Stop halts the scan loop and waits for it to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	stop := o.stop
	done := o.done
	o.mu.Unlock()
	close(stop)
	<-done
}

// ScanOnce runs one retry pass: every due entry gets one attempt, bounded by
// the configured concurrency. Offline scans are free no-ops.
func (o *Orchestrator) ScanOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("docmirror: retry scan panicked: %v", r)
		}
	}()
	if o.net != nil && !o.net.Online() {
		return
	}
	due, err := o.queue.Due()
	if err != nil {
		o.logger.Printf("docmirror: retry scan failed to list entries: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	o.attemptAll(ctx, due)
}

// Attempt performs one upload attempt for a document and folds the outcome
// back into the queue: success deletes the entry, failure upserts it with an
// incremented retry count and fresh backoff.
func (o *Orchestrator) Attempt(ctx context.Context, id string) error {
	err := o.safeUpload(ctx, id)
	if err == nil {
		if resolveErr := o.queue.Resolve(id); resolveErr != nil {
			o.logger.Printf("docmirror: resolve failed entry for %s: %v", id, resolveErr)
		}
		return nil
	}
	if _, recordErr := o.queue.RecordFailure(id, err); recordErr != nil {
		o.logger.Printf("docmirror: record failure for %s: %v", id, recordErr)
	}
	return err
}

func (o *Orchestrator) safeUpload(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upload panicked: %v", r)
		}
	}()
	return o.upload(ctx, id)
}

func (o *Orchestrator) attemptAll(ctx context.Context, entries []FailedSnapshotEntry) []RetryResult {
	results := make([]RetryResult, len(entries))
	sem := make(chan struct{}, o.concurrency)
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			err := o.Attempt(ctx, id)
			result := RetryResult{DocumentID: id, Synced: err == nil}
			if err != nil {
				result.Error = err.Error()
			}
			results[i] = result
		}(i, entry.DocumentID)
	}
	wg.Wait()
	return results
}

// ForceRetryAll re-arms every open circuit (retryCount back to zero) and
// attempts every entry immediately, regardless of nextRetryAt. This is the
// explicit user action that recovers documents stuck past the circuit
// threshold.
func (o *Orchestrator) ForceRetryAll(ctx context.Context) ([]RetryResult, error) {
	entries, err := o.queue.Rearm()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []RetryResult{}, nil
	}
	return o.attemptAll(ctx, entries), nil
}

// Stats returns the aggregate failure-queue projection.
func (o *Orchestrator) Stats() (Stats, error) {
	online := true
	if o.net != nil {
		online = o.net.Online()
	}
	return o.queue.Stats(online)
}

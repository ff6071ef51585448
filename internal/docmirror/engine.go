package docmirror

import (
	"context"
	"errors"
	"time"
)

// SnapshotService is the remote durability surface the engine uploads to. The
// HTTP implementation lives in internal/remotesync; the engine only needs
// store-and-purge.
type SnapshotService interface {
	UploadSnapshot(ctx context.Context, documentID, cloudID string, snapshot []byte) (cloudID2 string, err error)
	DeleteSnapshot(ctx context.Context, cloudID string) error
}

// Engine is the composition root of the sync subsystem: one registry of live
// replicas, one sync-mode state machine, one durable failure queue, and one
// retry orchestrator, all sharing a store and a network monitor.
type Engine struct {
	store        Store
	registry     *Registry
	modes        *SyncModes
	queue        *FailedQueue
	orchestrator *Orchestrator
	net          *NetworkMonitor
	auth         AuthSource
	snapshots    SnapshotService
	logger       Logger
	clock        Clock
}

type EngineOptions struct {
	Store     Store
	Dialer    TransportDialer
	Snapshots SnapshotService
	Auth      AuthSource
	Network   *NetworkMonitor
	Logger    Logger
	Clock     Clock
	Backoff   BackoffConfig
	// ScanInterval and Concurrency tune the retry orchestrator; zero values
	// take the defaults.
	ScanInterval time.Duration
	Concurrency  int
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	logger := ensureLogger(opts.Logger)
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	net := opts.Network
	if net == nil {
		net = NewNetworkMonitor(NetworkMonitorOptions{})
	}
	registry, err := NewRegistry(RegistryOptions{
		Store:  opts.Store,
		Dialer: opts.Dialer,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	queue := NewFailedQueue(opts.Store, clock, opts.Backoff)
	modes := NewSyncModes(opts.Store, clock, opts.Auth, net)
	e := &Engine{
		store:     opts.Store,
		registry:  registry,
		modes:     modes,
		queue:     queue,
		net:       net,
		auth:      opts.Auth,
		snapshots: opts.Snapshots,
		logger:    logger,
		clock:     clock,
	}
	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Queue:        queue,
		Network:      net,
		Upload:       e.uploadSnapshot,
		Logger:       logger,
		ScanInterval: opts.ScanInterval,
		Concurrency:  opts.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	e.orchestrator = orchestrator
	return e, nil
}

// Registry exposes the live-instance registry for lifecycle bindings.
func (e *Engine) Registry() *Registry { return e.registry }

// Network exposes the shared connectivity monitor.
func (e *Engine) Network() *NetworkMonitor { return e.net }

// Queue exposes the durable failure queue, read-mostly for diagnostics.
func (e *Engine) Queue() *FailedQueue { return e.queue }

// Start launches the background retry loop and the network probe.
func (e *Engine) Start() {
	e.net.Start()
	e.orchestrator.Start()
}

// Close stops background work and tears down live instances. The store is
// closed last; callers must not use the engine afterwards.
func (e *Engine) Close() error {
	e.orchestrator.Stop()
	e.net.Stop()
	e.registry.Close()
	return e.store.Close()
}

// AcquireDocument hands out the shared instance for an identifier.
func (e *Engine) AcquireDocument(externalID string, opts AcquireOptions) (*DocumentInstance, error) {
	return e.registry.Acquire(externalID, opts)
}

// ReleaseDocument returns a previously acquired reference.
func (e *Engine) ReleaseDocument(externalID string) error {
	return e.registry.Release(externalID)
}

// OpenBinding mounts a document with lifecycle management on top of the
// engine's shared registry and network monitor.
func (e *Engine) OpenBinding(externalID string, opts BindingOptions) (*Binding, error) {
	if opts.Auth == nil {
		opts.Auth = e.auth
	}
	return OpenBinding(BindingDeps{
		Registry: e.registry,
		Network:  e.net,
		Clock:    e.clock,
		Backoff:  e.queue.Config(),
	}, externalID, opts)
}

// GetSyncMode returns the persisted mode record for a document.
func (e *Engine) GetSyncMode(externalID string) (SyncModeRecord, error) {
	return e.modes.Get(externalID)
}

// ListSyncModes returns every persisted mode record.
func (e *Engine) ListSyncModes() ([]SyncModeRecord, error) {
	return e.store.ListSyncModes()
}

// EnableCloudSync opts a document into cloud sync and attempts the first
// snapshot upload immediately. When that upload fails the document stays
// pending-sync and the failure queue owns the retry; enablement is not
// reverted for a transient error.
func (e *Engine) EnableCloudSync(ctx context.Context, externalID string) (SyncModeRecord, error) {
	rec, err := e.modes.EnableCloudSync(externalID)
	if err != nil {
		return SyncModeRecord{}, err
	}
	if rec.Mode == ModeCloudEnabled {
		return rec, nil
	}
	if err := e.orchestrator.Attempt(ctx, rec.DocumentID); err != nil {
		e.logger.Printf("docmirror: first sync for %s queued for retry: %v", rec.DocumentID, err)
		return e.modes.Get(rec.DocumentID)
	}
	return e.modes.Get(rec.DocumentID)
}

// DisableCloudSync opts a document out. With purgeRemote the uploaded copy is
// deleted from the service before the linkage is cleared; a failed remote
// delete aborts the purge so the cloudId is never orphaned silently.
func (e *Engine) DisableCloudSync(ctx context.Context, externalID string, purgeRemote bool) (SyncModeRecord, error) {
	rec, err := e.modes.Get(externalID)
	if err != nil {
		return SyncModeRecord{}, err
	}
	if purgeRemote && rec.CloudID != "" {
		if e.snapshots == nil {
			return SyncModeRecord{}, ErrNotImplemented
		}
		if err := e.snapshots.DeleteSnapshot(ctx, rec.CloudID); err != nil {
			return SyncModeRecord{}, err
		}
	}
	if err := e.queue.Resolve(rec.DocumentID); err != nil && !errors.Is(err, ErrNotFound) {
		e.logger.Printf("docmirror: clear failed entry for %s: %v", rec.DocumentID, err)
	}
	return e.modes.DisableCloudSync(externalID, purgeRemote)
}

// NotifyModified records a local edit so the document shows as out of date
// until the next successful upload.
func (e *Engine) NotifyModified(externalID string) error {
	return e.modes.MarkModified(externalID)
}

// SaveNow performs one immediate upload attempt for a document, with the same
// success and failure bookkeeping as the background retry loop.
func (e *Engine) SaveNow(ctx context.Context, externalID string) error {
	id, err := Normalize(externalID)
	if err != nil {
		return err
	}
	return e.orchestrator.Attempt(ctx, id)
}

// uploadSnapshot is the single upload path shared by EnableCloudSync, SaveNow
// and the retry orchestrator. It folds mode/status transitions around the
// remote call; the caller folds the outcome into the failure queue.
func (e *Engine) uploadSnapshot(ctx context.Context, id string) error {
	rec, err := e.modes.Get(id)
	if err != nil {
		return err
	}
	if rec.Mode == ModeLocalOnly {
		// Disabled since the failure was recorded; nothing left to upload.
		return nil
	}
	if e.snapshots == nil {
		return ErrNotImplemented
	}
	if err := e.modes.MarkSyncing(id); err != nil {
		return err
	}
	snapshot, err := e.store.LoadSnapshot(id)
	if errors.Is(err, ErrNotFound) {
		snapshot = NewDocument().Snapshot()
	} else if err != nil {
		_ = e.modes.MarkError(id)
		return err
	}
	cloudID, err := e.snapshots.UploadSnapshot(ctx, id, rec.CloudID, snapshot)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			_ = e.modes.MarkConflict(id)
		} else {
			_ = e.modes.MarkError(id)
		}
		return err
	}
	if rec.Mode == ModePendingSync {
		_, err = e.modes.ConfirmFirstSync(id, cloudID)
		return err
	}
	_, err = e.modes.MarkSynced(id)
	return err
}

// GetStats returns the aggregate failure-queue projection.
func (e *Engine) GetStats() (Stats, error) {
	return e.orchestrator.Stats()
}

// ForceRetryAll re-arms every failed entry and retries immediately.
func (e *Engine) ForceRetryAll(ctx context.Context) ([]RetryResult, error) {
	return e.orchestrator.ForceRetryAll(ctx)
}

// Diagnostics is the support-bundle export: everything needed to reason about
// a user's sync health without access to their machine.
type Diagnostics struct {
	GeneratedAt time.Time             `json:"generatedAt"`
	Online      bool                  `json:"online"`
	Stats       Stats                 `json:"stats"`
	Entries     []FailedSnapshotEntry `json:"entries"`
	SyncModes   []SyncModeRecord      `json:"syncModes"`
}

// ExportDiagnostics assembles the current failure-queue and sync-mode state.
func (e *Engine) ExportDiagnostics() (Diagnostics, error) {
	stats, err := e.orchestrator.Stats()
	if err != nil {
		return Diagnostics{}, err
	}
	entries, err := e.queue.Entries()
	if err != nil {
		return Diagnostics{}, err
	}
	modes, err := e.store.ListSyncModes()
	if err != nil {
		return Diagnostics{}, err
	}
	return Diagnostics{
		GeneratedAt: e.clock.Now().UTC(),
		Online:      e.net.Online(),
		Stats:       stats,
		Entries:     entries,
		SyncModes:   modes,
	}, nil
}

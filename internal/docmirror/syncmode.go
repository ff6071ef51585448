package docmirror

import (
	"errors"
	"sync"
)

// AuthSource reports the authentication state owned by the external auth
// service. The engine treats it as an input.
type AuthSource interface {
	Authenticated() bool
	Token() string
}

// StaticAuth is an AuthSource with a fixed token; empty means
// unauthenticated.
type StaticAuth string

func (a StaticAuth) Authenticated() bool { return a != "" }
func (a StaticAuth) Token() string       { return string(a) }

type connectivity interface {
	Online() bool
}

// SyncModes is the per-document mode/status state machine. Every mutation is
// persisted synchronously before returning success, so a crash mid-operation
// shows the last durably-committed mode on restart, never an ambiguous one.
type SyncModes struct {
	mu    sync.Mutex
	store Store
	clock Clock
	auth  AuthSource
	net   connectivity
}

func NewSyncModes(store Store, clock Clock, auth AuthSource, net connectivity) *SyncModes {
	if clock == nil {
		clock = SystemClock()
	}
	return &SyncModes{store: store, clock: clock, auth: auth, net: net}
}

// Get returns the persisted record for a document. A document that was never
// touched by sync is local-only and quiescent.
func (m *SyncModes) Get(externalID string) (SyncModeRecord, error) {
	id, err := Normalize(externalID)
	if err != nil {
		return SyncModeRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *SyncModes) getLocked(id string) (SyncModeRecord, error) {
	rec, err := m.store.LoadSyncMode(id)
	if errors.Is(err, ErrNotFound) {
		return SyncModeRecord{DocumentID: id, Mode: ModeLocalOnly, Status: StatusSynced}, nil
	}
	if err != nil {
		return SyncModeRecord{}, err
	}
	return rec, nil
}

// EnableCloudSync transitions local-only → pending-sync. It fails closed
// when unauthenticated and fails with an explicit offline error when the
// network is down; in both cases the mode stays local-only and nothing is
// queued, since no upload was attempted.
func (m *SyncModes) EnableCloudSync(externalID string) (SyncModeRecord, error) {
	id, err := Normalize(externalID)
	if err != nil {
		return SyncModeRecord{}, err
	}
	if m.auth == nil || !m.auth.Authenticated() {
		return SyncModeRecord{}, ErrNotAuthenticated
	}
	if m.net != nil && !m.net.Online() {
		return SyncModeRecord{}, ErrOffline
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.getLocked(id)
	if err != nil {
		return SyncModeRecord{}, err
	}
	switch rec.Mode {
	case ModeCloudEnabled, ModePendingSync:
		return rec, nil
	}
	rec.Mode = ModePendingSync
	rec.Status = StatusPending
	if err := m.store.SaveSyncMode(rec); err != nil {
		return SyncModeRecord{}, err
	}
	return rec, nil
}

// ConfirmFirstSync completes enablement after the first successful snapshot
// upload: pending-sync → cloud-enabled, status synced.
func (m *SyncModes) ConfirmFirstSync(externalID, cloudID string) (SyncModeRecord, error) {
	id, err := Normalize(externalID)
	if err != nil {
		return SyncModeRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.getLocked(id)
	if err != nil {
		return SyncModeRecord{}, err
	}
	if rec.Mode != ModePendingSync {
		return SyncModeRecord{}, ErrInvalidState
	}
	now := m.clock.Now()
	rec.Mode = ModeCloudEnabled
	rec.Status = StatusSynced
	rec.CloudID = cloudID
	rec.LastSyncedAt = &now
	if err := m.store.SaveSyncMode(rec); err != nil {
		return SyncModeRecord{}, err
	}
	return rec, nil
}

// RevertPendingSync abandons enablement after an explicit first-upload
// failure with no retry scheduled: pending-sync → local-only. When a
// background retry is queued instead, the mode stays pending-sync and this
// is not called.
func (m *SyncModes) RevertPendingSync(externalID string) (SyncModeRecord, error) {
	id, err := Normalize(externalID)
	if err != nil {
		return SyncModeRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.getLocked(id)
	if err != nil {
		return SyncModeRecord{}, err
	}
	if rec.Mode != ModePendingSync {
		return SyncModeRecord{}, ErrInvalidState
	}
	rec.Mode = ModeLocalOnly
	rec.Status = StatusSynced
	if err := m.store.SaveSyncMode(rec); err != nil {
		return SyncModeRecord{}, err
	}
	return rec, nil
}

// DisableCloudSync stops future uploads for a document. The already-uploaded
// remote copy is kept unless the caller purges it (the engine performs the
// actual remote delete; this only clears the linkage).
func (m *SyncModes) DisableCloudSync(externalID string, purgeRemote bool) (SyncModeRecord, error) {
	id, err := Normalize(externalID)
	if err != nil {
		return SyncModeRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.getLocked(id)
	if err != nil {
		return SyncModeRecord{}, err
	}
	rec.Mode = ModeLocalOnly
	rec.Status = StatusSynced
	if purgeRemote {
		rec.CloudID = ""
		rec.LastSyncedAt = nil
	}
	if err := m.store.SaveSyncMode(rec); err != nil {
		return SyncModeRecord{}, err
	}
	return rec, nil
}

// MarkModified records a local edit on a document that flows to the cloud.
// Local-only documents have no sync status to advance.
func (m *SyncModes) MarkModified(externalID string) error {
	return m.setStatus(externalID, StatusModified)
}

// MarkSyncing records an in-flight upload.
func (m *SyncModes) MarkSyncing(externalID string) error {
	return m.setStatus(externalID, StatusSyncing)
}

// MarkError records a failed upload of a cloud-enabled document.
func (m *SyncModes) MarkError(externalID string) error {
	return m.setStatus(externalID, StatusError)
}

// MarkConflict flags a divergence needing manual resolution. The engine only
// signals conflicts; it never auto-resolves them.
func (m *SyncModes) MarkConflict(externalID string) error {
	return m.setStatus(externalID, StatusConflict)
}

func (m *SyncModes) setStatus(externalID string, status SyncStatus) error {
	id, err := Normalize(externalID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if rec.Mode == ModeLocalOnly {
		return nil
	}
	rec.Status = status
	return m.store.SaveSyncMode(rec)
}

// MarkSynced records a successful upload of an already cloud-enabled
// document and refreshes lastSyncedAt.
func (m *SyncModes) MarkSynced(externalID string) (SyncModeRecord, error) {
	id, err := Normalize(externalID)
	if err != nil {
		return SyncModeRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.getLocked(id)
	if err != nil {
		return SyncModeRecord{}, err
	}
	if rec.Mode == ModeLocalOnly {
		return rec, nil
	}
	now := m.clock.Now()
	rec.Status = StatusSynced
	rec.LastSyncedAt = &now
	if err := m.store.SaveSyncMode(rec); err != nil {
		return SyncModeRecord{}, err
	}
	return rec, nil
}

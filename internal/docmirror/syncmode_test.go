package docmirror

import (
	"errors"
	"testing"
	"time"
)

type fakeNet struct{ online bool }

func (f *fakeNet) Online() bool { return f.online }

func newTestModes(t *testing.T) (*SyncModes, *MemoryStore, *fakeNet) {
	t.Helper()
	store := NewMemoryStore()
	net := &fakeNet{online: true}
	clock := NewFakeClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	return NewSyncModes(store, clock, StaticAuth("token"), net), store, net
}

func TestGetDefaultsToLocalOnly(t *testing.T) {
	m, _, _ := newTestModes(t)
	rec, err := m.Get("doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Mode != ModeLocalOnly || rec.Status != StatusSynced {
		t.Fatalf("default record = %+v", rec)
	}
}

func TestEnableCloudSyncRequiresAuth(t *testing.T) {
	store := NewMemoryStore()
	m := NewSyncModes(store, nil, StaticAuth(""), &fakeNet{online: true})
	if _, err := m.EnableCloudSync("doc-1"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
	rec, err := m.Get("doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Mode != ModeLocalOnly {
		t.Fatalf("mode changed on failed enable: %s", rec.Mode)
	}
}

func TestEnableCloudSyncRequiresOnline(t *testing.T) {
	m, _, net := newTestModes(t)
	net.online = false
	if _, err := m.EnableCloudSync("doc-1"); !errors.Is(err, ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", err)
	}
	rec, _ := m.Get("doc-1")
	if rec.Mode != ModeLocalOnly {
		t.Fatalf("mode changed on offline enable: %s", rec.Mode)
	}
}

func TestEnableCloudSyncTransitionsToPending(t *testing.T) {
	m, _, _ := newTestModes(t)
	rec, err := m.EnableCloudSync("ydoc-doc-1")
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if rec.DocumentID != "doc-1" {
		t.Fatalf("documentId = %q, want canonical doc-1", rec.DocumentID)
	}
	if rec.Mode != ModePendingSync || rec.Status != StatusPending {
		t.Fatalf("record = %+v", rec)
	}

	// Idempotent: enabling again keeps the persisted state.
	again, err := m.EnableCloudSync("doc-1")
	if err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if again.Mode != ModePendingSync {
		t.Fatalf("re-enable mode = %s", again.Mode)
	}
}

func TestConfirmFirstSync(t *testing.T) {
	m, _, _ := newTestModes(t)
	if _, err := m.EnableCloudSync("doc-1"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	rec, err := m.ConfirmFirstSync("doc-1", "cloud-abc")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if rec.Mode != ModeCloudEnabled || rec.Status != StatusSynced {
		t.Fatalf("record = %+v", rec)
	}
	if rec.CloudID != "cloud-abc" || rec.LastSyncedAt == nil {
		t.Fatalf("linkage not recorded: %+v", rec)
	}
}

func TestConfirmFirstSyncRequiresPending(t *testing.T) {
	m, _, _ := newTestModes(t)
	if _, err := m.ConfirmFirstSync("doc-1", "cloud-abc"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestRevertPendingSync(t *testing.T) {
	m, _, _ := newTestModes(t)
	if _, err := m.EnableCloudSync("doc-1"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	rec, err := m.RevertPendingSync("doc-1")
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if rec.Mode != ModeLocalOnly || rec.Status != StatusSynced {
		t.Fatalf("record = %+v", rec)
	}
	if _, err := m.RevertPendingSync("doc-1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second revert = %v, want ErrInvalidState", err)
	}
}

func TestDisableCloudSyncKeepsRemoteByDefault(t *testing.T) {
	m, _, _ := newTestModes(t)
	mustEnableAndConfirm(t, m, "doc-1", "cloud-abc")

	rec, err := m.DisableCloudSync("doc-1", false)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if rec.Mode != ModeLocalOnly {
		t.Fatalf("mode = %s", rec.Mode)
	}
	if rec.CloudID != "cloud-abc" {
		t.Fatalf("cloudId cleared without purge: %+v", rec)
	}
}

func TestDisableCloudSyncPurgeClearsLinkage(t *testing.T) {
	m, _, _ := newTestModes(t)
	mustEnableAndConfirm(t, m, "doc-1", "cloud-abc")

	rec, err := m.DisableCloudSync("doc-1", true)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if rec.CloudID != "" || rec.LastSyncedAt != nil {
		t.Fatalf("linkage survived purge: %+v", rec)
	}
}

func TestStatusMarksNoOpForLocalOnly(t *testing.T) {
	m, store, _ := newTestModes(t)
	if err := m.MarkModified("doc-1"); err != nil {
		t.Fatalf("mark modified: %v", err)
	}
	if _, err := store.LoadSyncMode("doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("local-only status mark was persisted: %v", err)
	}
}

func TestStatusTransitionsForCloudEnabled(t *testing.T) {
	m, _, _ := newTestModes(t)
	mustEnableAndConfirm(t, m, "doc-1", "cloud-abc")

	if err := m.MarkModified("doc-1"); err != nil {
		t.Fatalf("mark modified: %v", err)
	}
	rec, _ := m.Get("doc-1")
	if rec.Status != StatusModified {
		t.Fatalf("status = %s, want modified", rec.Status)
	}

	if err := m.MarkSyncing("doc-1"); err != nil {
		t.Fatalf("mark syncing: %v", err)
	}
	if err := m.MarkError("doc-1"); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	rec, _ = m.Get("doc-1")
	if rec.Status != StatusError {
		t.Fatalf("status = %s, want error", rec.Status)
	}

	synced, err := m.MarkSynced("doc-1")
	if err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if synced.Status != StatusSynced || synced.LastSyncedAt == nil {
		t.Fatalf("record = %+v", synced)
	}

	if err := m.MarkConflict("doc-1"); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}
	rec, _ = m.Get("doc-1")
	if rec.Status != StatusConflict {
		t.Fatalf("status = %s, want conflict", rec.Status)
	}
}

func mustEnableAndConfirm(t *testing.T, m *SyncModes, id, cloudID string) {
	t.Helper()
	if _, err := m.EnableCloudSync(id); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := m.ConfirmFirstSync(id, cloudID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
}

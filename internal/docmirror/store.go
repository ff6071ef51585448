package docmirror

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SyncMode says whether a document flows to the remote collaboration service.
type SyncMode string

const (
	ModeLocalOnly    SyncMode = "local-only"
	ModePendingSync  SyncMode = "pending-sync"
	ModeCloudEnabled SyncMode = "cloud-enabled"
)

// SyncStatus is the per-document sync progress, orthogonal to SyncMode.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusSyncing  SyncStatus = "syncing"
	StatusModified SyncStatus = "modified"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
	StatusError    SyncStatus = "error"
)

// SyncModeRecord is persisted per document, whether or not an instance is
// currently live.
type SyncModeRecord struct {
	DocumentID   string     `json:"documentId" msgpack:"documentId"`
	Mode         SyncMode   `json:"mode" msgpack:"mode"`
	Status       SyncStatus `json:"status" msgpack:"status"`
	CloudID      string     `json:"cloudId,omitempty" msgpack:"cloudId"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty" msgpack:"lastSyncedAt"`
}

// FailedSnapshotEntry records a document whose snapshot cannot currently
// reach the remote service. At most one entry exists per document.
type FailedSnapshotEntry struct {
	DocumentID  string    `json:"documentId" msgpack:"documentId"`
	FailedAt    time.Time `json:"failedAt" msgpack:"failedAt"`
	RetryCount  int       `json:"retryCount" msgpack:"retryCount"`
	LastError   string    `json:"lastError" msgpack:"lastError"`
	NextRetryAt time.Time `json:"nextRetryAt" msgpack:"nextRetryAt"`
}

// Store is the local durable layer. Three conceptual tables, all keyed by
// canonical document id, all surviving process restarts: document snapshot
// bytes, sync-mode metadata, and failed-snapshot entries.
type Store interface {
	LoadSnapshot(id string) ([]byte, error)
	SaveSnapshot(id string, data []byte) error
	DeleteSnapshot(id string) error

	LoadSyncMode(id string) (SyncModeRecord, error)
	SaveSyncMode(rec SyncModeRecord) error
	DeleteSyncMode(id string) error
	ListSyncModes() ([]SyncModeRecord, error)

	LoadFailedSnapshot(id string) (FailedSnapshotEntry, error)
	SaveFailedSnapshot(entry FailedSnapshotEntry) error
	DeleteFailedSnapshot(id string) error
	ListFailedSnapshots() ([]FailedSnapshotEntry, error)

	Close() error
}

// BuildStoreFromDSN dispatches on the DSN scheme: a bare path or badger://
// opens the embedded badger store, memory:// the in-memory store, and
// postgres:// the hosted backend.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file", "badger":
		path := dsnPath(parsed, dsn)
		if path == "" {
			return nil, ErrInvalidInput
		}
		return NewBadgerStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) string {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw)
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	return path
}

package docmirror

import (
	"strings"
	"sync"
)

// MemoryStore keeps all three tables in process memory. It exists for tests
// and for the memory:// backend profile; nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	modes     map[string]SyncModeRecord
	failed    map[string]FailedSnapshotEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: map[string][]byte{},
		modes:     map[string]SyncModeRecord{},
		failed:    map[string]FailedSnapshotEntry{},
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) LoadSnapshot(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) SaveSnapshot(id string, data []byte) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[id] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) DeleteSnapshot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, id)
	return nil
}

func (s *MemoryStore) LoadSyncMode(id string) (SyncModeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.modes[id]
	if !ok {
		return SyncModeRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) SaveSyncMode(rec SyncModeRecord) error {
	if strings.TrimSpace(rec.DocumentID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[rec.DocumentID] = rec
	return nil
}

func (s *MemoryStore) DeleteSyncMode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.modes, id)
	return nil
}

func (s *MemoryStore) ListSyncModes() ([]SyncModeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]SyncModeRecord, 0, len(s.modes))
	for _, rec := range s.modes {
		records = append(records, rec)
	}
	return records, nil
}

func (s *MemoryStore) LoadFailedSnapshot(id string) (FailedSnapshotEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.failed[id]
	if !ok {
		return FailedSnapshotEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) SaveFailedSnapshot(entry FailedSnapshotEntry) error {
	if strings.TrimSpace(entry.DocumentID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[entry.DocumentID] = entry
	return nil
}

func (s *MemoryStore) DeleteFailedSnapshot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, id)
	return nil
}

func (s *MemoryStore) ListFailedSnapshots() ([]FailedSnapshotEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]FailedSnapshotEntry, 0, len(s.failed))
	for _, entry := range s.failed {
		entries = append(entries, entry)
	}
	return entries, nil
}

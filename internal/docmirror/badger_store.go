package docmirror

import (
	"errors"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	badgerSnapshotPrefix = "doc/"
	badgerSyncModePrefix = "mode/"
	badgerFailedPrefix   = "fail/"
)

// BadgerStore is the default on-device durable store: a single embedded
// badger database holding all three tables under key prefixes.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrInvalidInput
	}
	opts := badger.DefaultOptions(path)
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// NewInMemoryBadgerStore opens a badger store that never touches disk.
// Used by tests that want the real backend without a TempDir.
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *BadgerStore) set(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *BadgerStore) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) scan(prefix string, fn func(value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) LoadSnapshot(id string) ([]byte, error) {
	return s.get(badgerSnapshotPrefix + id)
}

func (s *BadgerStore) SaveSnapshot(id string, data []byte) error {
	return s.set(badgerSnapshotPrefix+id, data)
}

func (s *BadgerStore) DeleteSnapshot(id string) error {
	return s.delete(badgerSnapshotPrefix + id)
}

func (s *BadgerStore) LoadSyncMode(id string) (SyncModeRecord, error) {
	data, err := s.get(badgerSyncModePrefix + id)
	if err != nil {
		return SyncModeRecord{}, err
	}
	var rec SyncModeRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return SyncModeRecord{}, err
	}
	return rec, nil
}

func (s *BadgerStore) SaveSyncMode(rec SyncModeRecord) error {
	if strings.TrimSpace(rec.DocumentID) == "" {
		return ErrInvalidInput
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return s.set(badgerSyncModePrefix+rec.DocumentID, data)
}

func (s *BadgerStore) DeleteSyncMode(id string) error {
	return s.delete(badgerSyncModePrefix + id)
}

func (s *BadgerStore) ListSyncModes() ([]SyncModeRecord, error) {
	var records []SyncModeRecord
	err := s.scan(badgerSyncModePrefix, func(value []byte) error {
		var rec SyncModeRecord
		if err := msgpack.Unmarshal(value, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *BadgerStore) LoadFailedSnapshot(id string) (FailedSnapshotEntry, error) {
	data, err := s.get(badgerFailedPrefix + id)
	if err != nil {
		return FailedSnapshotEntry{}, err
	}
	var entry FailedSnapshotEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return FailedSnapshotEntry{}, err
	}
	return entry, nil
}

func (s *BadgerStore) SaveFailedSnapshot(entry FailedSnapshotEntry) error {
	if strings.TrimSpace(entry.DocumentID) == "" {
		return ErrInvalidInput
	}
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	return s.set(badgerFailedPrefix+entry.DocumentID, data)
}

func (s *BadgerStore) DeleteFailedSnapshot(id string) error {
	return s.delete(badgerFailedPrefix + id)
}

func (s *BadgerStore) ListFailedSnapshots() ([]FailedSnapshotEntry, error) {
	var entries []FailedSnapshotEntry
	err := s.scan(badgerFailedPrefix, func(value []byte) error {
		var entry FailedSnapshotEntry
		if err := msgpack.Unmarshal(value, &entry); err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

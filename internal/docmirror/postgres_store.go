package docmirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDocumentsTable = "docmirror_documents"
	postgresSyncMetaTable  = "docmirror_sync_metadata"
	postgresFailedTable    = "docmirror_failed_snapshots"
	postgresOpTimeout      = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore backs the durable layer with a hosted database, for
// deployments where the engine runs server-side rather than on-device.
// Connection and schema setup are lazy so constructing the store never
// blocks startup on an unreachable database.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()
		schema := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				document_id TEXT PRIMARY KEY,
				snapshot BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(postgresDocumentsTable)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				document_id TEXT PRIMARY KEY,
				record TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(postgresSyncMetaTable)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				document_id TEXT PRIMARY KEY,
				entry TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(postgresFailedTable)),
		}
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) LoadSnapshot(id string) ([]byte, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE document_id = $1", quoteIdentifier(postgresDocumentsTable))
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *PostgresStore) SaveSnapshot(id string, data []byte) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (document_id, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (document_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, quoteIdentifier(postgresDocumentsTable))
	_, err := s.db.ExecContext(ctx, query, id, data)
	return err
}

func (s *PostgresStore) DeleteSnapshot(id string) error {
	return s.deleteRow(postgresDocumentsTable, id)
}

func (s *PostgresStore) LoadSyncMode(id string) (SyncModeRecord, error) {
	var rec SyncModeRecord
	if err := s.loadJSON(postgresSyncMetaTable, "record", id, &rec); err != nil {
		return SyncModeRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) SaveSyncMode(rec SyncModeRecord) error {
	if strings.TrimSpace(rec.DocumentID) == "" {
		return ErrInvalidInput
	}
	return s.saveJSON(postgresSyncMetaTable, "record", rec.DocumentID, rec)
}

func (s *PostgresStore) DeleteSyncMode(id string) error {
	return s.deleteRow(postgresSyncMetaTable, id)
}

func (s *PostgresStore) ListSyncModes() ([]SyncModeRecord, error) {
	var records []SyncModeRecord
	err := s.listJSON(postgresSyncMetaTable, "record", func(payload string) error {
		var rec SyncModeRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
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

func (s *PostgresStore) LoadFailedSnapshot(id string) (FailedSnapshotEntry, error) {
	var entry FailedSnapshotEntry
	if err := s.loadJSON(postgresFailedTable, "entry", id, &entry); err != nil {
		return FailedSnapshotEntry{}, err
	}
	return entry, nil
}

func (s *PostgresStore) SaveFailedSnapshot(entry FailedSnapshotEntry) error {
	if strings.TrimSpace(entry.DocumentID) == "" {
		return ErrInvalidInput
	}
	return s.saveJSON(postgresFailedTable, "entry", entry.DocumentID, entry)
}

func (s *PostgresStore) DeleteFailedSnapshot(id string) error {
	return s.deleteRow(postgresFailedTable, id)
}

func (s *PostgresStore) ListFailedSnapshots() ([]FailedSnapshotEntry, error) {
	var entries []FailedSnapshotEntry
	err := s.listJSON(postgresFailedTable, "entry", func(payload string) error {
		var entry FailedSnapshotEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
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

func (s *PostgresStore) loadJSON(table, column, id string, out any) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE document_id = $1", quoteIdentifier(column), quoteIdentifier(table))
	var payload string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(payload), out)
}

func (s *PostgresStore) saveJSON(table, column, id string, value any) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (document_id, %s, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (document_id)
		DO UPDATE SET %s = EXCLUDED.%s, updated_at = NOW()`,
		quoteIdentifier(table), quoteIdentifier(column), quoteIdentifier(column), quoteIdentifier(column))
	_, err = s.db.ExecContext(ctx, query, id, string(payload))
	return err
}

func (s *PostgresStore) listJSON(table, column string, fn func(payload string) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s", quoteIdentifier(column), quoteIdentifier(table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) deleteRow(table, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", quoteIdentifier(table))
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

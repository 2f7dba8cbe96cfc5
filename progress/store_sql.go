package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultSnapshotTable holds one snapshot row per report.
const DefaultSnapshotTable = DefaultSnapshotCollection

// SQLSnapshotStore persists snapshots through database/sql. The DDL targets
// SQLite; the snapshot itself is stored as a JSON payload.
type SQLSnapshotStore struct {
	db    *sql.DB
	table string

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewSQLSnapshotStore builds a store on db, defaulting the table to
// report_progress_snapshots.
func NewSQLSnapshotStore(db *sql.DB, table string) *SQLSnapshotStore {
	if table == "" {
		table = DefaultSnapshotTable
	}
	return &SQLSnapshotStore{db: db, table: table}
}

func (s *SQLSnapshotStore) Load(ctx context.Context, reportID string) (*Snapshot, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var payload string
	q := fmt.Sprintf(`SELECT payload FROM %s WHERE report_id = ?`, s.table)
	err := s.db.QueryRowContext(ctx, q, reportID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("load", err, reportID)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, storeError("decode", err, reportID)
	}
	return &snap, nil
}

// Save upserts the row unless the stored snapshot is stable, in which case
// the conditional update touches nothing.
func (s *SQLSnapshotStore) Save(ctx context.Context, snap Snapshot) (bool, error) {
	if snap.ReportID == "" {
		return false, errSnapshotID()
	}
	if err := s.ensureSchema(ctx); err != nil {
		return false, err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return false, storeError("encode", err, snap.ReportID)
	}
	q := fmt.Sprintf(`INSERT INTO %s (report_id, payload, is_stable, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(report_id) DO UPDATE SET
			payload = excluded.payload,
			is_stable = excluded.is_stable,
			updated_at = excluded.updated_at
		WHERE %s.is_stable = 0`, s.table, s.table)
	res, err := s.db.ExecContext(ctx, q, snap.ReportID, string(payload), snap.IsStable, snap.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, storeError("save", err, snap.ReportID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeError("save", err, snap.ReportID)
	}
	return n > 0, nil
}

func (s *SQLSnapshotStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return storeError("configure", errors.New("sql snapshot store not configured"), "")
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		report_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		is_stable INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return storeError("migrate", err, "")
	}
	s.schemaReady = true
	return nil
}

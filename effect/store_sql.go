package effect

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-relato/retry"
)

// sortableTime keeps lexical order equal to chronological order for UTC values.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLOutcomeStore persists facts through database/sql. The DDL targets SQLite.
type SQLOutcomeStore struct {
	db    *sql.DB
	table string
	now   func() time.Time

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewSQLOutcomeStore builds a store on db, defaulting the table to effect_results.
func NewSQLOutcomeStore(db *sql.DB, table string) *SQLOutcomeStore {
	if table == "" {
		table = "effect_results"
	}
	return &SQLOutcomeStore{
		db:    db,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLOutcomeStore) Append(ctx context.Context, outcome Outcome) (Outcome, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return Outcome{}, err
	}
	outcome, err := prepareOutcome(outcome, s.now())
	if err != nil {
		return Outcome{}, err
	}
	metadata, err := json.Marshal(outcome.Metadata)
	if err != nil {
		return Outcome{}, storeError("encode", err, outcome.Key())
	}
	q := fmt.Sprintf(`INSERT INTO %s (
		id, report_id, effect_type, effect_ref, status, failure_category,
		attempt, metadata, error_message, final, executed_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err = s.db.ExecContext(ctx, q,
		outcome.ID,
		outcome.ReportID,
		string(outcome.EffectType),
		outcome.EffectRef,
		string(outcome.Status),
		string(outcome.FailureCategory),
		outcome.Attempt,
		string(metadata),
		outcome.ErrorMessage,
		outcome.Final(),
		outcome.ExecutedAt.Format(sortableTime),
		outcome.CreatedAt.Format(sortableTime),
	)
	if err != nil {
		return Outcome{}, storeError("append", err, outcome.Key())
	}
	return outcome, nil
}

func (s *SQLOutcomeStore) HasSuccess(ctx context.Context, key Key) (bool, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return false, err
	}
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE report_id = ? AND effect_type = ? AND effect_ref = ? AND status = ? LIMIT 1`, s.table)
	var one int
	err := s.db.QueryRowContext(ctx, q, key.ReportID, string(key.EffectType), key.EffectRef, string(StatusSuccess)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storeError("has_success", err, key)
	}
	return true, nil
}

func (s *SQLOutcomeStore) Latest(ctx context.Context, key Key) (*Outcome, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE report_id = ? AND effect_type = ? AND effect_ref = ?
		ORDER BY created_at DESC, seq DESC LIMIT 1`, outcomeColumns, s.table)
	rows, err := s.db.QueryContext(ctx, q, key.ReportID, string(key.EffectType), key.EffectRef)
	if err != nil {
		return nil, storeError("latest", err, key)
	}
	out, err := scanOutcomes(rows)
	if err != nil {
		return nil, storeError("latest", err, key)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (s *SQLOutcomeStore) ListByReport(ctx context.Context, reportID string) ([]Outcome, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE report_id = ? ORDER BY created_at ASC, seq ASC`, outcomeColumns, s.table)
	rows, err := s.db.QueryContext(ctx, q, reportID)
	if err != nil {
		return nil, storeError("list_by_report", err, Key{ReportID: reportID})
	}
	out, err := scanOutcomes(rows)
	if err != nil {
		return nil, storeError("list_by_report", err, Key{ReportID: reportID})
	}
	return out, nil
}

func (s *SQLOutcomeStore) ListFailed(ctx context.Context, query Query) ([]Outcome, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	query = query.normalize()
	placeholders := make([]string, len(query.Statuses))
	args := make([]any, 0, len(query.Statuses)+2)
	for i, status := range query.Statuses {
		placeholders[i] = "?"
		args = append(args, string(status))
	}
	where := fmt.Sprintf("o.status IN (%s) AND o.final = 0", strings.Join(placeholders, ", "))
	if !query.Since.IsZero() {
		where += " AND o.created_at >= ?"
		args = append(args, query.Since.UTC().Format(sortableTime))
	}
	args = append(args, query.Limit)
	// o must be the latest fact of its key
	q := fmt.Sprintf(`SELECT %s FROM %s AS o WHERE %s AND NOT EXISTS (
		SELECT 1 FROM %s AS n
		WHERE n.report_id = o.report_id AND n.effect_type = o.effect_type AND n.effect_ref = o.effect_ref
		AND (n.created_at > o.created_at OR (n.created_at = o.created_at AND n.seq > o.seq))
	) ORDER BY o.created_at ASC, o.seq ASC LIMIT ?`, qualifiedColumns("o"), s.table, where, s.table)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeError("list_failed", err, Key{})
	}
	out, err := scanOutcomes(rows)
	if err != nil {
		return nil, storeError("list_failed", err, Key{})
	}
	return out, nil
}

const outcomeColumns = `id, report_id, effect_type, effect_ref, status, failure_category,
	attempt, metadata, error_message, executed_at, created_at`

func qualifiedColumns(alias string) string {
	cols := strings.Split(outcomeColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanOutcomes(rows *sql.Rows) ([]Outcome, error) {
	defer rows.Close()
	var out []Outcome
	for rows.Next() {
		var (
			o            Outcome
			effectType   string
			status       string
			category     string
			metadataJSON sql.NullString
			errorMessage sql.NullString
			executedAt   string
			createdAt    string
		)
		if err := rows.Scan(
			&o.ID,
			&o.ReportID,
			&effectType,
			&o.EffectRef,
			&status,
			&category,
			&o.Attempt,
			&metadataJSON,
			&errorMessage,
			&executedAt,
			&createdAt,
		); err != nil {
			return nil, err
		}
		o.EffectType = Kind(effectType)
		o.Status = Status(status)
		if category != "" {
			o.FailureCategory = retry.ParseCategory(category)
		}
		o.ErrorMessage = errorMessage.String
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &o.Metadata); err != nil {
				return nil, err
			}
		}
		o.ExecutedAt = parseSortable(executedAt)
		o.CreatedAt = parseSortable(createdAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

func parseSortable(raw string) time.Time {
	if ts, err := time.Parse(sortableTime, raw); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	return time.Time{}
}

// ensureSchema creates the table on first use. A failed attempt is retried
// by the next call.
func (s *SQLOutcomeStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return storeError("configure", fmt.Errorf("sql outcome store not configured"), Key{})
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			report_id TEXT NOT NULL,
			effect_type TEXT NOT NULL,
			effect_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			failure_category TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			error_message TEXT,
			final INTEGER NOT NULL DEFAULT 0,
			executed_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_key_idx ON %s (report_id, effect_type, effect_ref, created_at)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status, final, created_at)`, s.table, s.table),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storeError("migrate", err, Key{})
		}
	}
	s.schemaReady = true
	return nil
}

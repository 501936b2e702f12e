package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	// Registers the sqlite driver.
	_ "modernc.org/sqlite"
)

// SQLiteLedger persists the chain in a local SQLite file. SQLite has no
// advisory locks, so appends serialize on a process mutex; the file must not
// be shared by multiple writer processes.
type SQLiteLedger struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteLedger wraps an open database handle and creates the schema.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		event_type      TEXT NOT NULL,
		envelope_id     TEXT NOT NULL DEFAULT '',
		organization_id TEXT NOT NULL DEFAULT '',
		entry_hash      TEXT NOT NULL,
		previous_hash   TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		entry           TEXT NOT NULL
	);`
	if _, err := l.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Append(ctx context.Context, e *Entry) error {
	_, err := l.appendSerialized(ctx, func(head string) (*Entry, error) {
		if e.PreviousEntryHash != head {
			return nil, ErrChainMismatch
		}
		return e, nil
	})
	return err
}

func (l *SQLiteLedger) AppendAtomic(ctx context.Context, build BuildFunc) (*Entry, error) {
	return l.appendSerialized(ctx, build)
}

func (l *SQLiteLedger) appendSerialized(ctx context.Context, build BuildFunc) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head string
	err = tx.QueryRowContext(ctx,
		`SELECT entry_hash FROM audit_entries ORDER BY seq DESC LIMIT 1`,
	).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	e, err := build(head)
	if err != nil {
		return nil, err
	}
	if e.PreviousEntryHash != head {
		return nil, ErrChainMismatch
	}
	computed, err := ComputeEntryHash(e)
	if err != nil {
		return nil, err
	}
	if computed != e.EntryHash {
		return nil, ErrHashMismatch
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, event_type, envelope_id, organization_id, entry_hash, previous_hash, created_at, entry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.EnvelopeID, e.OrganizationID,
		e.EntryHash, e.PreviousEntryHash, e.Timestamp.Format(sqliteTimeLayout), string(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	clone := *e
	return &clone, nil
}

const sqliteTimeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func (l *SQLiteLedger) Head(ctx context.Context) (string, error) {
	var head string
	err := l.db.QueryRowContext(ctx,
		`SELECT entry_hash FROM audit_entries ORDER BY seq DESC LIMIT 1`,
	).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	return head, nil
}

func (l *SQLiteLedger) Get(ctx context.Context, id string) (*Entry, error) {
	var raw string
	err := l.db.QueryRowContext(ctx,
		`SELECT entry FROM audit_entries WHERE id = ?`, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return unmarshalEntry([]byte(raw))
}

func (l *SQLiteLedger) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (l *SQLiteLedger) Since(ctx context.Context, offset int64) ([]*Entry, error) {
	if offset < 0 {
		offset = 0
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT entry FROM audit_entries ORDER BY seq ASC LIMIT -1 OFFSET ?`, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTextEntries(rows)
}

func (l *SQLiteLedger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		conds []string
		args  []any
	)
	if f.OrganizationID != "" {
		conds = append(conds, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.EnvelopeID != "" {
		conds = append(conds, "envelope_id = ?")
		args = append(args, f.EnvelopeID)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.From.Format(sqliteTimeLayout))
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.To.Format(sqliteTimeLayout))
	}
	query := `SELECT entry FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTextEntries(rows)
}

func scanTextEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e, err := unmarshalEntry([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

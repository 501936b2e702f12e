package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	// Registers the postgres driver.
	_ "github.com/lib/pq"
)

// chainLockKey is the fixed advisory-lock key serializing appends across all
// processes that share one database. pg_advisory_xact_lock holds it until
// the transaction commits or rolls back.
const chainLockKey int64 = 0x5449_4c4c_4552 // "TILLER"

// PostgresLedger persists the chain in Postgres. Appends run inside a
// transaction that first takes the advisory lock, so the head read and the
// insert are atomic with respect to every other writer.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps an open database handle.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Init creates the schema if missing.
func (l *PostgresLedger) Init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq             BIGSERIAL PRIMARY KEY,
		id              TEXT NOT NULL UNIQUE,
		event_type      TEXT NOT NULL,
		envelope_id     TEXT NOT NULL DEFAULT '',
		organization_id TEXT NOT NULL DEFAULT '',
		entry_hash      TEXT NOT NULL,
		previous_hash   TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		entry           JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_org ON audit_entries (organization_id);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_envelope ON audit_entries (envelope_id);
	`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Append(ctx context.Context, e *Entry) error {
	_, err := l.appendWithLock(ctx, func(head string) (*Entry, error) {
		if e.PreviousEntryHash != head {
			return nil, ErrChainMismatch
		}
		return e, nil
	})
	return err
}

func (l *PostgresLedger) AppendAtomic(ctx context.Context, build BuildFunc) (*Entry, error) {
	return l.appendWithLock(ctx, build)
}

func (l *PostgresLedger) appendWithLock(ctx context.Context, build BuildFunc) (*Entry, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("acquire chain lock: %w", err)
	}

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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.EventType, e.EnvelopeID, e.OrganizationID,
		e.EntryHash, e.PreviousEntryHash, e.Timestamp, raw,
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

func (l *PostgresLedger) Head(ctx context.Context) (string, error) {
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

func (l *PostgresLedger) Get(ctx context.Context, id string) (*Entry, error) {
	var raw []byte
	err := l.db.QueryRowContext(ctx,
		`SELECT entry FROM audit_entries WHERE id = $1`, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return unmarshalEntry(raw)
}

func (l *PostgresLedger) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (l *PostgresLedger) Since(ctx context.Context, offset int64) ([]*Entry, error) {
	if offset < 0 {
		offset = 0
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT entry FROM audit_entries ORDER BY seq ASC OFFSET $1`, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (l *PostgresLedger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.OrganizationID != "" {
		conds = append(conds, "organization_id = "+arg(f.OrganizationID))
	}
	if f.EnvelopeID != "" {
		conds = append(conds, "envelope_id = "+arg(f.EnvelopeID))
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = "+arg(f.EventType))
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at <= "+arg(f.To))
	}
	query := `SELECT entry FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func unmarshalEntry(raw []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e, err := unmarshalEntry(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

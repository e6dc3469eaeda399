// Package reconcile persists operations whose outcome is unknown after the
// gateway gave up retrying, so an operator can re-check and resolve them.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	apperrors "github.com/terminal-bench/agentworld/internal/errors"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS reconcile_entries (
	id              TEXT PRIMARY KEY,
	agent           TEXT NOT NULL,
	operation       TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	error_code      TEXT NOT NULL,
	message         TEXT NOT NULL,
	attempts        BIGINT NOT NULL,
	created_at      BIGINT NOT NULL,
	updated_at      BIGINT NOT NULL,
	resolved_at     BIGINT,
	UNIQUE (operation, idempotency_key)
);
CREATE INDEX IF NOT EXISTS reconcile_entries_open ON reconcile_entries (resolved_at, created_at);
`

// Entry is one operation awaiting manual reconciliation.
type Entry struct {
	ID             string     `json:"id"`
	Agent          string     `json:"agent"`
	Operation      string     `json:"operation"`
	IdempotencyKey string     `json:"idempotency_key"`
	ErrorCode      string     `json:"error_code"`
	Message        string     `json:"message"`
	Attempts       int64      `json:"attempts"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Store is a database/sql backed reconciliation queue. Queries are written
// with ? placeholders and rebound for Postgres.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported reconcile driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("reconcile dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}
	s := &Store{db: db, driver: driver, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the reconciliation table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate reconcile schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record opens an entry for the operation, or bumps the attempt count and
// reopens an existing one with the same operation and idempotency key.
func (s *Store) Record(ctx context.Context, e Entry) (*Entry, error) {
	e.Agent = strings.TrimSpace(e.Agent)
	e.Operation = strings.TrimSpace(e.Operation)
	e.IdempotencyKey = strings.TrimSpace(e.IdempotencyKey)
	if e.Operation == "" {
		return nil, fmt.Errorf("operation is required")
	}
	if e.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	if e.Attempts <= 0 {
		e.Attempts = 1
	}
	now := s.now().UTC().UnixMilli()

	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO reconcile_entries (
	id, agent, operation, idempotency_key, error_code, message, attempts, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (operation, idempotency_key) DO UPDATE SET
	attempts    = reconcile_entries.attempts + excluded.attempts,
	error_code  = excluded.error_code,
	message     = excluded.message,
	updated_at  = excluded.updated_at,
	resolved_at = NULL
`),
		uuid.New().String(),
		e.Agent,
		e.Operation,
		e.IdempotencyKey,
		e.ErrorCode,
		e.Message,
		e.Attempts,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("record reconcile entry: %w", err)
	}
	return s.Get(ctx, e.Operation, e.IdempotencyKey)
}

const selectColumns = `id, agent, operation, idempotency_key, error_code, message, attempts, created_at, updated_at, resolved_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                Entry
		created, updated int64
		resolved         sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.Agent, &e.Operation, &e.IdempotencyKey, &e.ErrorCode, &e.Message,
		&e.Attempts, &created, &updated, &resolved); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	if resolved.Valid {
		t := time.UnixMilli(resolved.Int64).UTC()
		e.ResolvedAt = &t
	}
	return &e, nil
}

// Get returns the entry for an operation and idempotency key.
func (s *Store) Get(ctx context.Context, operation, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+selectColumns+`
FROM reconcile_entries WHERE operation = ? AND idempotency_key = ?`), operation, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(apperrors.CodeReconciliationPending, "no reconciliation entry for %s %s", operation, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get reconcile entry: %w", err)
	}
	return e, nil
}

// Pending lists unresolved entries, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+selectColumns+`
FROM reconcile_entries WHERE resolved_at IS NULL ORDER BY created_at ASC, id ASC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list reconcile entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reconcile entry: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reconcile entries: %w", err)
	}
	return out, nil
}

// Resolve marks an entry as reconciled. Resolving twice is a no-op.
func (s *Store) Resolve(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE reconcile_entries SET resolved_at = ?, updated_at = ? WHERE id = ? AND resolved_at IS NULL`),
		s.now().UTC().UnixMilli(), s.now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("resolve reconcile entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve reconcile entry: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM reconcile_entries WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(apperrors.CodeReconciliationPending, "reconciliation entry %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("resolve reconcile entry: %w", err)
	}
	return nil
}

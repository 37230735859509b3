// Package invoices persists extracted invoice records and executes
// generated, read-only retrieval statements against PostgreSQL.
package invoices

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// execer is the statement-execution surface auditQuery needs; *pgxpool.Pool
// satisfies it and tests supply a fake.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// ExtractedRecord is one invoice ready for persistence. Nil fields persist
// as SQL NULLs. Records are immutable once written.
type ExtractedRecord struct {
	Identity      string
	InvoiceDate   *time.Time
	Amount        *float64
	Tax           *float64
	Payee         *string
	PaymentMethod *string
	RawPath       string
}

// QueryResult carries the column order and converted row values of one
// executed retrieval statement.
type QueryResult struct {
	Columns []string
	Rows    [][]any
}

// Empty reports whether the statement matched no rows.
func (r *QueryResult) Empty() bool { return r == nil || len(r.Rows) == 0 }

// Store wraps a pgx pool over the three-table schema.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invoices: connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			identity TEXT PRIMARY KEY,
			display_name TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS invoices (
			id BIGSERIAL PRIMARY KEY,
			identity TEXT NOT NULL REFERENCES users(identity),
			invoice_date DATE,
			amount NUMERIC(12,2),
			tax NUMERIC(12,2),
			payee TEXT,
			payment_method TEXT,
			raw_path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_identity_created ON invoices (identity, created_at);`,
		`CREATE TABLE IF NOT EXISTS queries (
			id BIGSERIAL PRIMARY KEY,
			identity TEXT NOT NULL REFERENCES users(identity),
			query_text TEXT NOT NULL,
			query_result TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("invoices: init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveExtraction upserts the owning user and inserts the invoice in one
// transaction; a failure at any step leaves nothing visible.
func (s *Store) SaveExtraction(ctx context.Context, rec ExtractedRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("invoices: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO users (identity, display_name) VALUES ($1, $2)
		 ON CONFLICT (identity) DO NOTHING`,
		rec.Identity, rec.Identity,
	)
	if err != nil {
		return fmt.Errorf("invoices: upsert user: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO invoices (identity, invoice_date, amount, tax, payee, payment_method, raw_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Identity, rec.InvoiceDate, rec.Amount, rec.Tax, rec.Payee, rec.PaymentMethod, rec.RawPath,
	)
	if err != nil {
		return fmt.Errorf("invoices: insert invoice: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("invoices: commit: %w", err)
	}
	return nil
}

// ExecuteQuery re-validates the statement is read-only, runs it, and
// records the statement plus its stringified result under the owner key.
// An execution error returns (nil, err); zero matching rows return an
// empty (non-nil) result.
func (s *Store) ExecuteQuery(ctx context.Context, stmt, ownerKey string) (*QueryResult, error) {
	if err := ValidateReadOnly(stmt); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("invoices: execute query: %w", err)
	}
	defer rows.Close()

	var columns []string
	for _, fd := range rows.FieldDescriptions() {
		columns = append(columns, fd.Name)
	}

	result := &QueryResult{Columns: columns}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("invoices: read row: %w", err)
		}
		converted := make([]any, len(values))
		for i, v := range values {
			converted[i] = normalizeValue(v)
		}
		result.Rows = append(result.Rows, converted)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invoices: iterate rows: %w", err)
	}

	if err := auditQuery(ctx, s.pool, ownerKey, stmt, result); err != nil {
		return nil, err
	}
	return result, nil
}

// auditQuery records an executed statement under the owner key. The owner
// may never have uploaded an invoice, so the users row is upserted first to
// satisfy the foreign key.
func auditQuery(ctx context.Context, db execer, ownerKey, stmt string, result *QueryResult) error {
	serialized, err := json.Marshal(resultMaps(result))
	if err != nil {
		serialized = []byte("[]")
	}
	_, err = db.Exec(ctx,
		`INSERT INTO users (identity, display_name) VALUES ($1, $2)
		 ON CONFLICT (identity) DO NOTHING`,
		ownerKey, ownerKey,
	)
	if err != nil {
		return fmt.Errorf("invoices: audit upsert user: %w", err)
	}
	_, err = db.Exec(ctx,
		`INSERT INTO queries (identity, query_text, query_result) VALUES ($1, $2, $3)`,
		ownerKey, stmt, string(serialized),
	)
	if err != nil {
		return fmt.Errorf("invoices: audit query: %w", err)
	}
	return nil
}

func resultMaps(result *QueryResult) []map[string]any {
	out := make([]map[string]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		m := make(map[string]any, len(result.Columns))
		for i, col := range result.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// normalizeValue converts driver types to plain Go values so rows survive
// JSON serialization and spreadsheet rendering.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format("2006-01-02")
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case pgtype.Date:
		if !t.Valid {
			return nil
		}
		return t.Time.Format("2006-01-02")
	default:
		return v
	}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ParseInvoiceDate accepts the date layouts the extraction model emits.
func ParseInvoiceDate(s *string) *time.Time {
	if s == nil {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "02/01/2006", "01/02/2006"} {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t
		}
	}
	return nil
}

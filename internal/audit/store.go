package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var schemaSQL = []string{`CREATE TABLE IF NOT EXISTS period_restriction_audit (
	id UUID PRIMARY KEY,
	accounting_period TEXT NOT NULL,
	company TEXT NOT NULL DEFAULT '',
	action_type TEXT NOT NULL,
	action_by TEXT NOT NULL DEFAULT '',
	action_date TIMESTAMPTZ NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	affected_transaction TEXT NOT NULL DEFAULT '',
	transaction_doctype TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS period_restriction_audit_period_idx
	ON period_restriction_audit (accounting_period, action_date DESC)`,
}

const insertSQL = `INSERT INTO period_restriction_audit
	(id, accounting_period, company, action_type, action_by, action_date, reason, affected_transaction, transaction_doctype)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Store mirrors audit entries into a local Postgres table.
type Store struct {
	db Execer
}

// NewStore returns a new Store.
func NewStore(db Execer) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the audit table and its index when missing. Run it
// inside a transaction to apply both or neither.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("audit store not initialised")
	}
	for _, stmt := range schemaSQL {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
	}
	return nil
}

// Record persists the entry. Replays of the same entry ID are ignored.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if s == nil || s.db == nil {
		return errors.New("audit store not initialised")
	}
	_, err := s.db.Exec(ctx, insertSQL,
		entry.ID,
		entry.AccountingPeriod,
		entry.Company,
		string(entry.Action),
		entry.ActionBy,
		entry.ActionDate,
		entry.Reason,
		entry.AffectedTransaction,
		entry.TransactionDocType,
	)
	return err
}

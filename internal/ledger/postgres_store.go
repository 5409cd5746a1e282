package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists ledger entries in PostgreSQL.
//
// Atomicity: each Append runs in a transaction holding a per-contract
// advisory lock, so the balance computed inside the transaction cannot
// be invalidated by a concurrent insert for the same contract. The
// unique primary key on entry_id is the dedup backstop across replicas.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (p *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize appends per contract.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, entry.ContractID); err != nil {
		return err
	}

	// Dedup before the balance guard: a redelivered entry for a funded
	// contract must read as a duplicate, not as a second funding.
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE entry_id = $1)`,
		entry.EntryID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrDuplicateEntry
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN type = 'fund' THEN amount ELSE -amount END), 0)
		FROM ledger_entries
		WHERE contract_id = $1`, entry.ContractID).Scan(&balance)
	if err != nil {
		return err
	}

	switch entry.Type {
	case EntryFund:
		if balance != 0 {
			return ErrAlreadyFunded
		}
	case EntryRelease, EntryRefund:
		if balance-entry.Amount < 0 {
			return ErrNotFunded
		}
	default:
		return fmt.Errorf("unknown entry type %q", entry.Type)
	}
	entry.ResultingBalance = balance + signedAmount(entry)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (entry_id, contract_id, type, amount, resulting_balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.EntryID, entry.ContractID, string(entry.Type),
		entry.Amount, entry.ResultingBalance, entry.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicateEntry
		}
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, entryID string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT entry_id, contract_id, type, amount, resulting_balance, created_at
		FROM ledger_entries
		WHERE entry_id = $1`, entryID)

	e := &Entry{}
	var typ string
	err := row.Scan(&e.EntryID, &e.ContractID, &typ, &e.Amount, &e.ResultingBalance, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Type = EntryType(typ)
	return e, nil
}

func (p *PostgresStore) ListByContract(ctx context.Context, contractID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT entry_id, contract_id, type, amount, resulting_balance, created_at
		FROM ledger_entries
		WHERE contract_id = $1
		ORDER BY created_at, entry_id`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		if err := rows.Scan(&e.EntryID, &e.ContractID, &typ, &e.Amount, &e.ResultingBalance, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		result = append(result, e)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

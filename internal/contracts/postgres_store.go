package contracts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gigvault/gigvault/internal/pagination"
)

// PostgresStore persists contract data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contractColumns = `id, project_id, client_id, freelancer_id, status,
		       title, scope, final_amount, duration, start_date, payment_terms, deliverables,
		       escrow_status, version, cancel_reason,
		       accepted_at, funded_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Contract) error {
	deliverables, _ := json.Marshal(c.Details.Deliverables)
	if c.Details.Deliverables == nil {
		deliverables = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		c.ID, c.ProjectID, c.ClientID, c.FreelancerID, string(c.Status),
		c.Details.Title, c.Details.Scope, c.Details.FinalAmount, c.Details.Duration,
		nullTime(c.Details.StartDate), c.Details.PaymentTerms, deliverables,
		string(c.EscrowStatus), c.Version, nullString(c.CancelReason),
		nullTime(c.AcceptedAt), nullTime(c.FundedAt), nullTime(c.ResolvedAt),
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContractNotFound
	}
	return c, err
}

// UpdateIf writes the contract's mutable fields as a single conditional
// UPDATE guarded on the version column. A zero row count against an
// existing row means a concurrent writer won; the caller must refetch.
func (p *PostgresStore) UpdateIf(ctx context.Context, c *Contract, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE contracts SET
			status = $1, escrow_status = $2, cancel_reason = $3,
			accepted_at = $4, funded_at = $5, resolved_at = $6,
			updated_at = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		string(c.Status), string(c.EscrowStatus), nullString(c.CancelReason),
		nullTime(c.AcceptedAt), nullTime(c.FundedAt), nullTime(c.ResolvedAt),
		c.UpdatedAt, c.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM contracts WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrContractNotFound
		}
		return ErrVersionConflict
	}
	c.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, status Status, cursor *pagination.Cursor, limit int) ([]*Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE (client_id = $1 OR freelancer_id = $1)`
	args := []interface{}{userID}

	if status != "" {
		args = append(args, string(status))
		query += ` AND status = $2`
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += ` AND (created_at, id) < ($` + strconv.Itoa(len(args)-1) + `, $` + strconv.Itoa(len(args)) + `)`
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListEscrowStates(ctx context.Context, limit int) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_status FROM contracts
		WHERE escrow_status IN ('funded', 'released', 'refunded')
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	states := make(map[string]string)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		states[id] = status
	}
	return states, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(s scanner) (*Contract, error) {
	c := &Contract{}
	var (
		status, escrowStatus string
		startDate            sql.NullTime
		cancelReason         sql.NullString
		acceptedAt           sql.NullTime
		fundedAt             sql.NullTime
		resolvedAt           sql.NullTime
		deliverables         []byte
	)

	err := s.Scan(
		&c.ID, &c.ProjectID, &c.ClientID, &c.FreelancerID, &status,
		&c.Details.Title, &c.Details.Scope, &c.Details.FinalAmount, &c.Details.Duration,
		&startDate, &c.Details.PaymentTerms, &deliverables,
		&escrowStatus, &c.Version, &cancelReason,
		&acceptedAt, &fundedAt, &resolvedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = Status(status)
	c.EscrowStatus = EscrowStatus(escrowStatus)
	c.CancelReason = cancelReason.String
	if startDate.Valid {
		c.Details.StartDate = &startDate.Time
	}
	if acceptedAt.Valid {
		c.AcceptedAt = &acceptedAt.Time
	}
	if fundedAt.Valid {
		c.FundedAt = &fundedAt.Time
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	if len(deliverables) > 0 {
		_ = json.Unmarshal(deliverables, &c.Details.Deliverables)
	}
	return c, nil
}


// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

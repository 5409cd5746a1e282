package payments

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payment orders in PostgreSQL. Idempotency is
// enforced by a partial unique index on idempotency_key for orders in
// the created status.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, gateway_order_id, contract_id, project_id, amount, currency,
		       status, idempotency_key, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_orders (
			id, gateway_order_id, contract_id, project_id, amount, currency,
			status, idempotency_key, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.GatewayOrderID, o.ContractID, nullString(o.ProjectID), o.Amount, o.Currency,
		string(o.Status), o.IdempotencyKey, o.CreatedAt, o.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateOrder
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM payment_orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM payment_orders
		WHERE idempotency_key = $1
		ORDER BY created_at DESC
		LIMIT 1`, key)
	return scanOrder(row)
}

func (p *PostgresStore) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM payment_orders WHERE gateway_order_id = $1`, gatewayOrderID)
	return scanOrder(row)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to OrderStatus) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_orders SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(to), id, string(from),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM payment_orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrOrderNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM payment_orders
		WHERE status = 'created' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	var o Order
	var status string
	var projectID sql.NullString
	err := s.Scan(
		&o.ID, &o.GatewayOrderID, &o.ContractID, &projectID, &o.Amount, &o.Currency,
		&status, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)
	o.ProjectID = projectID.String
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)

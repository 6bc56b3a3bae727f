package order

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists order data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, task_id, creator_id, provider_id, agent_id, status,
		       gross_amount, net_amount, fee_amount,
		       pairing_created_at, delivered_at, accepted_at, auto_accepted_at,
		       paid_at, completed_at,
		       refund_request_reason, cancel_request_reason, last_pay_tx_hash,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, task_id, creator_id, provider_id, agent_id, status,
			gross_amount, net_amount, fee_amount,
			pairing_created_at, delivered_at, accepted_at, auto_accepted_at,
			paid_at, completed_at,
			refund_request_reason, cancel_request_reason, last_pay_tx_hash,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13,
			$14, $15,
			$16, $17, $18,
			$19, $20
		)`,
		o.ID, o.TaskID, o.CreatorID, nullString(o.ProviderID), nullString(o.AgentID), string(o.Status),
		o.GrossAmount, nullString(o.NetAmount), nullString(o.FeeAmount),
		nullTime(o.PairingCreatedAt), nullTime(o.DeliveredAt), nullTime(o.AcceptedAt), nullTime(o.AutoAcceptedAt),
		nullTime(o.PaidAt), nullTime(o.CompletedAt),
		nullString(o.RefundRequestReason), nullString(o.CancelRequestReason), nullString(o.LastPayTxHash),
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// UpdateIf writes the full record, guarded by the expected current status.
// A zero row count means either the order is gone or another caller already
// moved it; the two cases are disambiguated with a follow-up read.
func (p *PostgresStore) UpdateIf(ctx context.Context, o *Order, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			provider_id = $1, agent_id = $2, status = $3,
			gross_amount = $4, net_amount = $5, fee_amount = $6,
			pairing_created_at = $7, delivered_at = $8, accepted_at = $9,
			auto_accepted_at = $10, paid_at = $11, completed_at = $12,
			refund_request_reason = $13, cancel_request_reason = $14,
			last_pay_tx_hash = $15, updated_at = $16
		WHERE id = $17 AND status = $18`,
		nullString(o.ProviderID), nullString(o.AgentID), string(o.Status),
		o.GrossAmount, nullString(o.NetAmount), nullString(o.FeeAmount),
		nullTime(o.PairingCreatedAt), nullTime(o.DeliveredAt), nullTime(o.AcceptedAt),
		nullTime(o.AutoAcceptedAt), nullTime(o.PaidAt), nullTime(o.CompletedAt),
		nullString(o.RefundRequestReason), nullString(o.CancelRequestReason),
		nullString(o.LastPayTxHash), o.UpdatedAt,
		o.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, o.ID); getErr == ErrOrderNotFound {
			return ErrOrderNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int, opts ...ListOption) ([]*Order, error) {
	lo := applyListOpts(opts)

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = $1`
	args := []interface{}{string(status)}

	if c := lo.cursor; c != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, c.CreatedAt, c.ID)
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListWaitingSince(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Order, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	// Pairing waits from pairing_created_at; the other waiting states wait
	// from their last transition.
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = ANY($1)
		  AND COALESCE(pairing_created_at, updated_at) < $2
		LIMIT $3`, pq.Array(names), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		providerID       sql.NullString
		agentID          sql.NullString
		status           string
		netAmount        sql.NullString
		feeAmount        sql.NullString
		pairingCreatedAt sql.NullTime
		deliveredAt      sql.NullTime
		acceptedAt       sql.NullTime
		autoAcceptedAt   sql.NullTime
		paidAt           sql.NullTime
		completedAt      sql.NullTime
		refundReason     sql.NullString
		cancelReason     sql.NullString
		lastPayTxHash    sql.NullString
	)

	err := s.Scan(
		&o.ID, &o.TaskID, &o.CreatorID, &providerID, &agentID, &status,
		&o.GrossAmount, &netAmount, &feeAmount,
		&pairingCreatedAt, &deliveredAt, &acceptedAt, &autoAcceptedAt,
		&paidAt, &completedAt,
		&refundReason, &cancelReason, &lastPayTxHash,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.ProviderID = providerID.String
	o.AgentID = agentID.String
	o.NetAmount = netAmount.String
	o.FeeAmount = feeAmount.String
	o.RefundRequestReason = refundReason.String
	o.CancelRequestReason = cancelReason.String
	o.LastPayTxHash = lastPayTxHash.String
	if pairingCreatedAt.Valid {
		o.PairingCreatedAt = &pairingCreatedAt.Time
	}
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	if acceptedAt.Valid {
		o.AcceptedAt = &acceptedAt.Time
	}
	if autoAcceptedAt.Valid {
		o.AutoAcceptedAt = &autoAcceptedAt.Time
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}

	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
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

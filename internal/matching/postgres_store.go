package matching

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// PostgresQueueStore persists queue items in PostgreSQL.
type PostgresQueueStore struct {
	db *sql.DB
}

// NewPostgresQueueStore creates a new PostgreSQL-backed queue store.
func NewPostgresQueueStore(db *sql.DB) *PostgresQueueStore {
	return &PostgresQueueStore{db: db}
}

var _ QueueStore = (*PostgresQueueStore)(nil)

const itemColumns = `id, order_id, task_id, agent_address, status, created_at, updated_at, consumed_at, canceled_at`

func (p *PostgresQueueStore) Enqueue(ctx context.Context, item *QueueItem) error {
	item.AgentAddress = strings.ToLower(item.AgentAddress)
	item.Status = ItemQueued
	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, order_id, task_id, agent_address, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.ID, item.OrderID, item.TaskID, item.AgentAddress, string(item.Status),
		item.CreatedAt, item.UpdatedAt,
	)
	return err
}

func (p *PostgresQueueStore) Get(ctx context.Context, id string) (*QueueItem, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	return item, err
}

func (p *PostgresQueueStore) GetByOrder(ctx context.Context, orderID string) (*QueueItem, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE order_id = $1 AND status = 'queued'`, orderID)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	return item, err
}

func (p *PostgresQueueStore) ListQueued(ctx context.Context, agentAddress string) ([]*QueueItem, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE agent_address = $1 AND status = 'queued'
		ORDER BY created_at ASC, id ASC`,
		strings.ToLower(agentAddress))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (p *PostgresQueueStore) CountQueued(ctx context.Context, agentAddress string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items
		WHERE agent_address = $1 AND status = 'queued'`,
		strings.ToLower(agentAddress)).Scan(&count)
	return count, err
}

func (p *PostgresQueueStore) SetStatusIf(ctx context.Context, id string, to, expected ItemStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE queue_items SET status = $1, updated_at = $2,
			consumed_at = CASE WHEN $1 = 'consumed' THEN $2 ELSE consumed_at END,
			canceled_at = CASE WHEN $1 = 'canceled' THEN $2 ELSE canceled_at END
		WHERE id = $3 AND status = $4`,
		string(to), time.Now(), id, string(expected))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, id); getErr == ErrItemNotFound {
			return ErrItemNotFound
		}
		return ErrNotQueued
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(s scanner) (*QueueItem, error) {
	item := &QueueItem{}
	var status string
	var consumedAt, canceledAt sql.NullTime
	err := s.Scan(&item.ID, &item.OrderID, &item.TaskID, &item.AgentAddress, &status,
		&item.CreatedAt, &item.UpdatedAt, &consumedAt, &canceledAt)
	if err != nil {
		return nil, err
	}
	item.Status = ItemStatus(status)
	if consumedAt.Valid {
		item.ConsumedAt = &consumedAt.Time
	}
	if canceledAt.Valid {
		item.CanceledAt = &canceledAt.Time
	}
	return item, nil
}

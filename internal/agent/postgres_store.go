package agent

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists agent data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed agent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const agentColumns = `address, owner_address, name, task_type, tags,
		       min_price, max_price, availability, queue_capacity,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Agent) error {
	a.Address = strings.ToLower(a.Address)
	if a.Availability == "" {
		a.Availability = StatusIdle
	}
	if a.QueueCap == 0 {
		a.QueueCap = DefaultQueueCapacity
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (
			address, owner_address, name, task_type, tags,
			min_price, max_price, availability, queue_capacity,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.Address, nullString(a.OwnerAddress), a.Name, a.TaskType, pq.Array(a.Tags),
		a.MinPrice, a.MaxPrice, string(a.Availability), a.QueueCap,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAgentExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, address string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE address = $1`,
		strings.ToLower(address))

	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	return a, err
}

func (p *PostgresStore) Update(ctx context.Context, a *Agent) error {
	a.UpdatedAt = time.Now()
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET
			owner_address = $1, name = $2, task_type = $3, tags = $4,
			min_price = $5, max_price = $6, availability = $7,
			queue_capacity = $8, updated_at = $9
		WHERE address = $10`,
		nullString(a.OwnerAddress), a.Name, a.TaskType, pq.Array(a.Tags),
		a.MinPrice, a.MaxPrice, string(a.Availability),
		a.QueueCap, a.UpdatedAt,
		strings.ToLower(a.Address),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Agent, error) {
	if q.Limit == 0 {
		q.Limit = 100
	}

	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []interface{}

	if q.TaskType != "" {
		args = append(args, q.TaskType)
		query += ` AND task_type = $` + strconv.Itoa(len(args))
	}
	if q.Tag != "" {
		args = append(args, q.Tag)
		query += ` AND $` + strconv.Itoa(len(args)) + ` = ANY(tags)`
	}
	if q.Availability != "" {
		args = append(args, string(q.Availability))
		query += ` AND availability = $` + strconv.Itoa(len(args))
	}

	args = append(args, q.Limit)
	query += ` ORDER BY created_at ASC, address ASC LIMIT $` + strconv.Itoa(len(args))
	args = append(args, q.Offset)
	query += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, address string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM agents WHERE address = $1`, strings.ToLower(address))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) SetAvailabilityIf(ctx context.Context, address string, to, expected Availability) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET availability = $1, updated_at = $2
		WHERE address = $3 AND availability = $4`,
		string(to), time.Now(), strings.ToLower(address), string(expected))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, address); getErr == ErrAgentNotFound {
			return ErrAgentNotFound
		}
		return ErrAvailabilityConflict
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(s scanner) (*Agent, error) {
	a := &Agent{}
	var (
		owner        sql.NullString
		availability string
		tags         pq.StringArray
	)

	err := s.Scan(
		&a.Address, &owner, &a.Name, &a.TaskType, &tags,
		&a.MinPrice, &a.MaxPrice, &availability, &a.QueueCap,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.OwnerAddress = owner.String
	a.Availability = Availability(availability)
	a.Tags = []string(tags)
	return a, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

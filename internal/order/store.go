package order

import (
	"context"
	"time"

	"github.com/mbd888/taskpay/internal/pagination"
)

// ListOption configures list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var lo listOpts
	for _, opt := range opts {
		opt(&lo)
	}
	return lo
}

// WithCursor resumes a listing after the position encoded in cursor.
// Malformed cursors are ignored and listing starts from the newest order.
func WithCursor(cursor string) ListOption {
	return func(lo *listOpts) {
		c, err := pagination.Decode(cursor)
		if err != nil || c == nil {
			return
		}
		lo.cursor = c
	}
}

// Store persists order data.
//
// UpdateIf is the concurrency backbone: it writes the full record only if
// the stored status still equals expected, and returns ErrStatusConflict
// otherwise. Every state transition goes through it.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	UpdateIf(ctx context.Context, o *Order, expected Status) error
	// ListByStatus returns orders in a status, newest first. A cursor
	// option turns it into keyset pagination on (created_at, id).
	ListByStatus(ctx context.Context, status Status, limit int, opts ...ListOption) ([]*Order, error)
	// ListWaitingSince returns orders in any of the given waiting statuses
	// whose waiting period started before the cutoff. Used by the TTL
	// rollback scanner.
	ListWaitingSince(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Order, error)
}

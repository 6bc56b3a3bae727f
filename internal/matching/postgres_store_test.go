//go:build integration

package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/taskpay/internal/testutil"
)

func setupQueueStore(t *testing.T) (*PostgresQueueStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresQueueStore(db), cleanup
}

const queueAgent = "0xagent000000000000000000000000000000qq01"

func TestPostgresQueue_EnqueueAndGet(t *testing.T) {
	store, cleanup := setupQueueStore(t)
	defer cleanup()

	ctx := context.Background()
	item := &QueueItem{ID: "q_pg_001", OrderID: "ord_q_001", AgentAddress: "0xAGENT000000000000000000000000000000QQ01"}

	if err := store.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := store.Get(ctx, "q_pg_001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.OrderID != "ord_q_001" {
		t.Errorf("OrderID: got %s, want ord_q_001", got.OrderID)
	}
	if got.AgentAddress != queueAgent {
		t.Errorf("AgentAddress: got %s, want lowercased %s", got.AgentAddress, queueAgent)
	}
	if got.Status != ItemQueued {
		t.Errorf("Status: got %s, want %s", got.Status, ItemQueued)
	}

	byOrder, err := store.GetByOrder(ctx, "ord_q_001")
	if err != nil {
		t.Fatalf("GetByOrder failed: %v", err)
	}
	if byOrder.ID != "q_pg_001" {
		t.Errorf("GetByOrder: got %s, want q_pg_001", byOrder.ID)
	}
}

func TestPostgresQueue_GetNotFound(t *testing.T) {
	store, cleanup := setupQueueStore(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := store.Get(ctx, "q_nonexistent"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Expected ErrItemNotFound, got %v", err)
	}
	if _, err := store.GetByOrder(ctx, "ord_nonexistent"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Expected ErrItemNotFound from GetByOrder, got %v", err)
	}
}

func TestPostgresQueue_FIFOOrder(t *testing.T) {
	store, cleanup := setupQueueStore(t)
	defer cleanup()

	ctx := context.Background()
	ids := []string{"q_fifo_a", "q_fifo_b", "q_fifo_c"}
	for i, id := range ids {
		item := &QueueItem{ID: id, OrderID: "ord_fifo_" + id, AgentAddress: queueAgent}
		if err := store.Enqueue(ctx, item); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
		// Distinct created_at so FIFO order does not hinge on the ID tiebreak.
		_, err := store.db.ExecContext(ctx,
			`UPDATE queue_items SET created_at = created_at + ($1 * interval '1 second') WHERE id = $2`, i, id)
		if err != nil {
			t.Fatalf("adjust created_at for %s: %v", id, err)
		}
	}

	items, err := store.ListQueued(ctx, queueAgent)
	if err != nil {
		t.Fatalf("ListQueued failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("Expected 3 queued items, got %d", len(items))
	}
	for i, id := range ids {
		if items[i].ID != id {
			t.Errorf("Position %d: got %s, want %s", i, items[i].ID, id)
		}
	}

	count, err := store.CountQueued(ctx, queueAgent)
	if err != nil {
		t.Fatalf("CountQueued failed: %v", err)
	}
	if count != 3 {
		t.Errorf("CountQueued: got %d, want 3", count)
	}

	// Canceling the head drops it from the queue view.
	if err := store.SetStatusIf(ctx, "q_fifo_a", ItemCanceled, ItemQueued); err != nil {
		t.Fatalf("SetStatusIf failed: %v", err)
	}
	items, err = store.ListQueued(ctx, queueAgent)
	if err != nil {
		t.Fatalf("ListQueued after cancel failed: %v", err)
	}
	if len(items) != 2 || items[0].ID != "q_fifo_b" {
		t.Errorf("Expected q_fifo_b at head after cancel, got %v", items)
	}
}

func TestPostgresQueue_SetStatusIf(t *testing.T) {
	store, cleanup := setupQueueStore(t)
	defer cleanup()

	ctx := context.Background()
	item := &QueueItem{ID: "q_pg_002", OrderID: "ord_q_002", AgentAddress: queueAgent}
	if err := store.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := store.SetStatusIf(ctx, "q_pg_002", ItemConsumed, ItemQueued); err != nil {
		t.Fatalf("SetStatusIf failed: %v", err)
	}

	got, err := store.Get(ctx, "q_pg_002")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != ItemConsumed {
		t.Errorf("Status: got %s, want %s", got.Status, ItemConsumed)
	}
	if !got.UpdatedAt.After(got.CreatedAt.Add(-time.Second)) {
		t.Errorf("UpdatedAt not refreshed: %v", got.UpdatedAt)
	}
	if got.ConsumedAt == nil {
		t.Error("ConsumedAt not stamped on consume")
	}
	if got.CanceledAt != nil {
		t.Errorf("CanceledAt set on consume: %v", got.CanceledAt)
	}

	// A second mover sees the item already gone from the queue.
	err = store.SetStatusIf(ctx, "q_pg_002", ItemCanceled, ItemQueued)
	if !errors.Is(err, ErrNotQueued) {
		t.Errorf("Expected ErrNotQueued, got %v", err)
	}

	err = store.SetStatusIf(ctx, "q_nonexistent", ItemCanceled, ItemQueued)
	if !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Expected ErrItemNotFound, got %v", err)
	}
}

func TestPostgresQueue_OneLiveEntryPerOrder(t *testing.T) {
	store, cleanup := setupQueueStore(t)
	defer cleanup()

	ctx := context.Background()
	first := &QueueItem{ID: "q_pg_003", OrderID: "ord_q_003", AgentAddress: queueAgent}
	if err := store.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Same order cannot sit in two queues at once.
	dup := &QueueItem{ID: "q_pg_004", OrderID: "ord_q_003", AgentAddress: "0xother000000000000000000000000000000qq02"}
	if err := store.Enqueue(ctx, dup); err == nil {
		t.Fatal("Expected unique violation for second live entry, got nil")
	}

	// Once the first entry leaves the queue, re-enqueueing is allowed.
	if err := store.SetStatusIf(ctx, "q_pg_003", ItemCanceled, ItemQueued); err != nil {
		t.Fatalf("SetStatusIf failed: %v", err)
	}
	if err := store.Enqueue(ctx, dup); err != nil {
		t.Fatalf("Enqueue after cancel failed: %v", err)
	}
}

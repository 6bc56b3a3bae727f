//go:build integration

package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/taskpay/internal/pagination"
	"github.com/mbd888/taskpay/internal/testutil"
)

func setupOrderStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func testOrder(id string) *Order {
	now := time.Now().Truncate(time.Microsecond)
	return &Order{
		ID:          id,
		TaskID:      "task_" + id,
		CreatorID:   "0xcreator00000000000000000000000000000001",
		Status:      StatusStandby,
		GrossAmount: "5000000",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestPostgresOrder_CreateAndGet(t *testing.T) {
	store, cleanup := setupOrderStore(t)
	defer cleanup()

	ctx := context.Background()
	o := testOrder("ord_pg_001")

	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got.ID != o.ID {
		t.Errorf("ID: got %s, want %s", got.ID, o.ID)
	}
	if got.TaskID != o.TaskID {
		t.Errorf("TaskID: got %s, want %s", got.TaskID, o.TaskID)
	}
	if got.CreatorID != o.CreatorID {
		t.Errorf("CreatorID: got %s, want %s", got.CreatorID, o.CreatorID)
	}
	if got.Status != StatusStandby {
		t.Errorf("Status: got %s, want %s", got.Status, StatusStandby)
	}
	if got.GrossAmount != "5000000" {
		t.Errorf("GrossAmount: got %s, want 5000000", got.GrossAmount)
	}
	if got.ProviderID != "" {
		t.Errorf("ProviderID should be empty, got %s", got.ProviderID)
	}
	if got.NetAmount != "" {
		t.Errorf("NetAmount should be empty, got %s", got.NetAmount)
	}
	if got.PairingCreatedAt != nil {
		t.Errorf("PairingCreatedAt should be nil, got %v", got.PairingCreatedAt)
	}
	if got.DeliveredAt != nil {
		t.Errorf("DeliveredAt should be nil, got %v", got.DeliveredAt)
	}
}

func TestPostgresOrder_GetNotFound(t *testing.T) {
	store, cleanup := setupOrderStore(t)
	defer cleanup()

	_, err := store.Get(context.Background(), "ord_nonexistent")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestPostgresOrder_UpdateIf(t *testing.T) {
	store, cleanup := setupOrderStore(t)
	defer cleanup()

	ctx := context.Background()
	o := testOrder("ord_pg_002")
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now := time.Now().Truncate(time.Microsecond)
	o.Status = StatusPairing
	o.AgentID = "0xagent000000000000000000000000000000001"
	o.ProviderID = "0xprovider0000000000000000000000000000001"
	o.PairingCreatedAt = &now
	o.UpdatedAt = now

	if err := store.UpdateIf(ctx, o, StatusStandby); err != nil {
		t.Fatalf("UpdateIf failed: %v", err)
	}

	got, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if got.Status != StatusPairing {
		t.Errorf("Status: got %s, want %s", got.Status, StatusPairing)
	}
	if got.AgentID != o.AgentID {
		t.Errorf("AgentID: got %s, want %s", got.AgentID, o.AgentID)
	}
	if got.PairingCreatedAt == nil {
		t.Error("PairingCreatedAt should not be nil after update")
	}
}

func TestPostgresOrder_UpdateIfConflict(t *testing.T) {
	store, cleanup := setupOrderStore(t)
	defer cleanup()

	ctx := context.Background()
	o := testOrder("ord_pg_003")
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Guard expects a status the row does not hold.
	o.Status = StatusInProgress
	err := store.UpdateIf(ctx, o, StatusPairing)
	if !errors.Is(err, ErrStatusConflict) {
		t.Errorf("Expected ErrStatusConflict, got %v", err)
	}

	// The row is untouched after a failed guard.
	got, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusStandby {
		t.Errorf("Status: got %s, want %s", got.Status, StatusStandby)
	}
}

func TestPostgresOrder_UpdateIfNotFound(t *testing.T) {
	store, cleanup := setupOrderStore(t)
	defer cleanup()

	o := testOrder("ord_nonexistent")
	err := store.UpdateIf(context.Background(), o, StatusStandby)
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestPostgresOrder_ListByStatus(t *testing.T) {
	store, cleanup := setupOrderStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	for i, id := range []string{"ord_list_a", "ord_list_b", "ord_list_c"} {
		o := testOrder(id)
		o.CreatedAt = now.Add(time.Duration(i) * time.Second)
		o.UpdatedAt = o.CreatedAt
		if i == 2 {
			o.Status = StatusInProgress
		}
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	results, err := store.ListByStatus(ctx, StatusStandby, 10)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 standby orders, got %d", len(results))
	}
	// Newest first.
	if results[0].ID != "ord_list_b" {
		t.Errorf("Expected ord_list_b first, got %s", results[0].ID)
	}

	results, err = store.ListByStatus(ctx, StatusStandby, 1)
	if err != nil {
		t.Fatalf("ListByStatus with limit failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 result with limit, got %d", len(results))
	}

	// Keyset pagination resumes strictly after the last row of a page.
	cursor := pagination.Encode(results[0].CreatedAt, results[0].ID)
	results, err = store.ListByStatus(ctx, StatusStandby, 10, WithCursor(cursor))
	if err != nil {
		t.Fatalf("ListByStatus with cursor failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result after cursor, got %d", len(results))
	}
	if results[0].ID != "ord_list_a" {
		t.Errorf("Expected ord_list_a after cursor, got %s", results[0].ID)
	}
}

func TestPostgresOrder_ListWaitingSince(t *testing.T) {
	store, cleanup := setupOrderStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)
	stale := now.Add(-2 * time.Hour)

	// Stale pairing: waits from pairing_created_at.
	a := testOrder("ord_wait_a")
	a.Status = StatusPairing
	a.PairingCreatedAt = &stale
	a.UpdatedAt = now
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create ord_wait_a failed: %v", err)
	}

	// Fresh pairing: not yet expired.
	b := testOrder("ord_wait_b")
	b.Status = StatusPairing
	b.PairingCreatedAt = &now
	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("Create ord_wait_b failed: %v", err)
	}

	// Stale executing: waits from updated_at.
	c := testOrder("ord_wait_c")
	c.Status = StatusExecuting
	c.UpdatedAt = stale
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create ord_wait_c failed: %v", err)
	}

	// Stale but status not asked for.
	d := testOrder("ord_wait_d")
	d.Status = StatusInProgress
	d.UpdatedAt = stale
	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create ord_wait_d failed: %v", err)
	}

	results, err := store.ListWaitingSince(ctx,
		[]Status{StatusPairing, StatusExecuting}, now.Add(-1*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListWaitingSince failed: %v", err)
	}

	found := map[string]bool{}
	for _, o := range results {
		found[o.ID] = true
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 waiting orders, got %d (%v)", len(results), found)
	}
	if !found["ord_wait_a"] || !found["ord_wait_c"] {
		t.Errorf("Expected ord_wait_a and ord_wait_c, got %v", found)
	}
}

//go:build integration

package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/taskpay/internal/testutil"
)

func setupAgentStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func testAgent(address string) *Agent {
	return &Agent{
		Address:  address,
		Name:     "translator",
		TaskType: "translation",
		Tags:     []string{"en", "ja"},
		MinPrice: "100000",
		MaxPrice: "10000000",
	}
}

func TestPostgresAgent_CreateAndGet(t *testing.T) {
	store, cleanup := setupAgentStore(t)
	defer cleanup()

	ctx := context.Background()
	a := testAgent("0xAGENT000000000000000000000000000000Ab01")
	a.OwnerAddress = "0xowner000000000000000000000000000000001"

	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Lookup is case-insensitive on address.
	got, err := store.Get(ctx, "0xagent000000000000000000000000000000AB01")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got.Address != "0xagent000000000000000000000000000000ab01" {
		t.Errorf("Address: got %s, want lowercased", got.Address)
	}
	if got.OwnerAddress != a.OwnerAddress {
		t.Errorf("OwnerAddress: got %s, want %s", got.OwnerAddress, a.OwnerAddress)
	}
	if got.TaskType != "translation" {
		t.Errorf("TaskType: got %s, want translation", got.TaskType)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "en" || got.Tags[1] != "ja" {
		t.Errorf("Tags: got %v, want [en ja]", got.Tags)
	}
	if got.Availability != StatusIdle {
		t.Errorf("Availability: got %s, want %s", got.Availability, StatusIdle)
	}
	if got.QueueCap != DefaultQueueCapacity {
		t.Errorf("QueueCap: got %d, want %d", got.QueueCap, DefaultQueueCapacity)
	}
}

func TestPostgresAgent_CreateDuplicate(t *testing.T) {
	store, cleanup := setupAgentStore(t)
	defer cleanup()

	ctx := context.Background()
	if err := store.Create(ctx, testAgent("0xagent000000000000000000000000000000ab02")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := store.Create(ctx, testAgent("0xAgent000000000000000000000000000000Ab02"))
	if !errors.Is(err, ErrAgentExists) {
		t.Errorf("Expected ErrAgentExists, got %v", err)
	}
}

func TestPostgresAgent_Update(t *testing.T) {
	store, cleanup := setupAgentStore(t)
	defer cleanup()

	ctx := context.Background()
	a := testAgent("0xagent000000000000000000000000000000ab03")
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	a.Name = "translator-v2"
	a.Tags = []string{"en", "ja", "ko"}
	a.MaxPrice = "20000000"
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, a.Address)
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if got.Name != "translator-v2" {
		t.Errorf("Name: got %s, want translator-v2", got.Name)
	}
	if len(got.Tags) != 3 {
		t.Errorf("Tags: got %v, want 3 entries", got.Tags)
	}
	if got.MaxPrice != "20000000" {
		t.Errorf("MaxPrice: got %s, want 20000000", got.MaxPrice)
	}
}

func TestPostgresAgent_UpdateNotFound(t *testing.T) {
	store, cleanup := setupAgentStore(t)
	defer cleanup()

	err := store.Update(context.Background(), testAgent("0xmissing00000000000000000000000000000001"))
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestPostgresAgent_List(t *testing.T) {
	store, cleanup := setupAgentStore(t)
	defer cleanup()

	ctx := context.Background()

	a := testAgent("0xagent000000000000000000000000000000ab04")
	b := testAgent("0xagent000000000000000000000000000000ab05")
	b.TaskType = "image-gen"
	b.Tags = []string{"sdxl"}
	c := testAgent("0xagent000000000000000000000000000000ab06")
	c.Availability = StatusBusy

	for _, ag := range []*Agent{a, b, c} {
		if err := store.Create(ctx, ag); err != nil {
			t.Fatalf("Create %s failed: %v", ag.Address, err)
		}
	}

	results, err := store.List(ctx, Query{TaskType: "translation"})
	if err != nil {
		t.Fatalf("List by task type failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected 2 translation agents, got %d", len(results))
	}

	results, err = store.List(ctx, Query{Tag: "sdxl"})
	if err != nil {
		t.Fatalf("List by tag failed: %v", err)
	}
	if len(results) != 1 || results[0].Address != b.Address {
		t.Errorf("Expected only %s for tag sdxl, got %v", b.Address, results)
	}

	results, err = store.List(ctx, Query{Availability: StatusIdle})
	if err != nil {
		t.Fatalf("List by availability failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected 2 idle agents, got %d", len(results))
	}

	results, err = store.List(ctx, Query{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List with paging failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 agent on second page, got %d", len(results))
	}
}

func TestPostgresAgent_Delete(t *testing.T) {
	store, cleanup := setupAgentStore(t)
	defer cleanup()

	ctx := context.Background()
	a := testAgent("0xagent000000000000000000000000000000ab07")
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Delete(ctx, a.Address); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, a.Address); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, a.Address); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound on second delete, got %v", err)
	}
}

func TestPostgresAgent_SetAvailabilityIf(t *testing.T) {
	store, cleanup := setupAgentStore(t)
	defer cleanup()

	ctx := context.Background()
	a := testAgent("0xagent000000000000000000000000000000ab08")
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.SetAvailabilityIf(ctx, a.Address, StatusBusy, StatusIdle); err != nil {
		t.Fatalf("SetAvailabilityIf failed: %v", err)
	}

	got, err := store.Get(ctx, a.Address)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Availability != StatusBusy {
		t.Errorf("Availability: got %s, want %s", got.Availability, StatusBusy)
	}

	// Second claim against the stale expected value loses.
	err = store.SetAvailabilityIf(ctx, a.Address, StatusBusy, StatusIdle)
	if !errors.Is(err, ErrAvailabilityConflict) {
		t.Errorf("Expected ErrAvailabilityConflict, got %v", err)
	}

	err = store.SetAvailabilityIf(ctx, "0xmissing00000000000000000000000000000002", StatusBusy, StatusIdle)
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

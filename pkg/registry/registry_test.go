package registry

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/arkhaios/docvec/pkg/errs"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE registry_bindings (
			collection TEXT NOT NULL,
			field_path TEXT NOT NULL,
			slot_column_name TEXT NOT NULL,
			data_type TEXT NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_used INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(collection, field_path),
			UNIQUE(collection, slot_column_name)
		)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func TestAllocateAndBind(t *testing.T) {
	db := openTestDB(t)
	r := New(db, 3)
	ctx := context.Background()

	slot, ok := r.AllocateSlot("users")
	if !ok || slot != 0 {
		t.Fatalf("expected slot 0, got %d ok=%v", slot, ok)
	}
	b, err := r.Bind(ctx, "users", "email", slot, TypeText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.SlotColumn != "slot_0" {
		t.Errorf("SlotColumn = %q, want slot_0", b.SlotColumn)
	}

	got, ok := r.Mapping("users", "email")
	if !ok || got.DataType != TypeText {
		t.Fatalf("mapping not found or wrong type: %+v ok=%v", got, ok)
	}
}

func TestDoubleBindFails(t *testing.T) {
	db := openTestDB(t)
	r := New(db, 3)
	ctx := context.Background()

	slot, _ := r.AllocateSlot("users")
	if _, err := r.Bind(ctx, "users", "email", slot, TypeText); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	slot2, _ := r.AllocateSlot("users")
	if _, err := r.Bind(ctx, "users", "email", slot2, TypeText); !errors.Is(err, errs.ErrUniqueConstraint) {
		t.Errorf("expected ErrUniqueConstraint on double-bind, got %v", err)
	}
}

func TestSlotPoolExhaustion(t *testing.T) {
	db := openTestDB(t)
	r := New(db, 2)
	ctx := context.Background()

	s0, _ := r.AllocateSlot("users")
	if _, err := r.Bind(ctx, "users", "a", s0, TypeText); err != nil {
		t.Fatal(err)
	}
	s1, _ := r.AllocateSlot("users")
	if _, err := r.Bind(ctx, "users", "b", s1, TypeText); err != nil {
		t.Fatal(err)
	}

	if _, ok := r.AllocateSlot("users"); ok {
		t.Error("expected slot pool exhaustion")
	}
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	r := New(db, DefaultSlotCount)
	ctx := context.Background()

	slot, _ := r.AllocateSlot("users")
	if _, err := r.Bind(ctx, "users", "email", slot, TypeText); err != nil {
		t.Fatal(err)
	}

	stats := r.Stats("users")
	if stats.SlotCount != DefaultSlotCount {
		t.Errorf("SlotCount = %d, want %d", stats.SlotCount, DefaultSlotCount)
	}
	if stats.UsedSlots != 1 || stats.FreeSlots != DefaultSlotCount-1 {
		t.Errorf("unexpected usage: used=%d free=%d", stats.UsedSlots, stats.FreeSlots)
	}
}

func TestForgetClearsCollection(t *testing.T) {
	db := openTestDB(t)
	r := New(db, 3)
	ctx := context.Background()

	slot, _ := r.AllocateSlot("users")
	if _, err := r.Bind(ctx, "users", "email", slot, TypeText); err != nil {
		t.Fatal(err)
	}
	r.Forget("users")

	if _, ok := r.Mapping("users", "email"); ok {
		t.Error("expected mapping to be forgotten")
	}
	freeSlot, ok := r.AllocateSlot("users")
	if !ok || freeSlot != 0 {
		t.Errorf("expected slot 0 free again after Forget, got %d ok=%v", freeSlot, ok)
	}
}

func TestLoadRepopulatesFromPersistedState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	r1 := New(db, 3)
	slot, _ := r1.AllocateSlot("users")
	if _, err := r1.Bind(ctx, "users", "email", slot, TypeText); err != nil {
		t.Fatal(err)
	}

	r2 := New(db, 3)
	if err := r2.Load(ctx, "users"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, ok := r2.Mapping("users", "email")
	if !ok || b.Slot != slot {
		t.Fatalf("expected reloaded mapping at slot %d, got %+v ok=%v", slot, b, ok)
	}
}

func TestInferDataType(t *testing.T) {
	cases := []struct {
		val  any
		want DataType
	}{
		{42, TypeInteger},
		{float64(42), TypeInteger},
		{float64(4.5), TypeReal},
		{"hello", TypeText},
		{true, TypeText},
		{nil, TypeText},
	}
	for _, tc := range cases {
		if got := InferDataType(tc.val); got != tc.want {
			t.Errorf("InferDataType(%v) = %v, want %v", tc.val, got, tc.want)
		}
	}
}

package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/arkhaios/docvec/pkg/pattern"
	"github.com/arkhaios/docvec/pkg/registry"
)

func openTestDB(t *testing.T, slotCount int) (*sql.DB, *registry.Registry, *pattern.Analyzer, *Engine) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ddl := `
		CREATE TABLE registry_bindings (
			collection TEXT NOT NULL, field_path TEXT NOT NULL, slot_column_name TEXT NOT NULL,
			data_type TEXT NOT NULL, usage_count INTEGER NOT NULL DEFAULT 0,
			last_used INTEGER NOT NULL DEFAULT 0, created_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(collection, field_path), UNIQUE(collection, slot_column_name));
		CREATE TABLE query_patterns (
			collection TEXT NOT NULL, field_path TEXT NOT NULL, query_count INTEGER NOT NULL DEFAULT 0,
			avg_result_count REAL NOT NULL DEFAULT 0, last_queried INTEGER NOT NULL DEFAULT 0,
			UNIQUE(collection, field_path));`
	if _, err := db.Exec(ddl); err != nil {
		t.Fatalf("create ddl tables: %v", err)
	}

	reg := registry.New(db, slotCount)
	var cols string
	for i := 0; i < slotCount; i++ {
		cols += fmt.Sprintf(", %s TEXT", registry.SlotColumn(i))
	}
	docsDDL := fmt.Sprintf(`
		CREATE TABLE documents (
			_id TEXT NOT NULL, _collection TEXT NOT NULL, _deleted INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL%s)`, cols)
	if _, err := db.Exec(docsDDL); err != nil {
		t.Fatalf("create documents table: %v", err)
	}

	pat := pattern.New(db, pattern.DefaultPromotionThreshold)
	eng := New(db, reg, pat, nil)
	return db, reg, pat, eng
}

func insertDoc(t *testing.T, db *sql.DB, collection, id string, payload map[string]any) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO documents (_id, _collection, payload) VALUES (?, ?, ?)`, id, collection, string(b)); err != nil {
		t.Fatalf("insert doc: %v", err)
	}
}

func TestPromoteEndToEndBindsIndexesAndBackfills(t *testing.T) {
	db, reg, _, eng := openTestDB(t, registry.DefaultSlotCount)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		insertDoc(t, db, "users", fmt.Sprintf("u%d", i), map[string]any{"role": "engineer", "age": float64(30 + i)})
	}

	ok, err := eng.Promote(ctx, "users", "role", "engineer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected promotion to succeed")
	}

	binding, bound := reg.Mapping("users", "role")
	if !bound {
		t.Fatal("expected role to be bound after promotion")
	}

	var count int
	row := db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM documents WHERE %s = ?`, binding.SlotColumn), "engineer")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("query slot column: %v", err)
	}
	if count != 5 {
		t.Errorf("expected backfill to populate 5 rows, got %d", count)
	}
}

func TestPromoteIsIdempotent(t *testing.T) {
	db, _, _, eng := openTestDB(t, registry.DefaultSlotCount)
	ctx := context.Background()
	insertDoc(t, db, "users", "u1", map[string]any{"role": "engineer"})

	if ok, err := eng.Promote(ctx, "users", "role", "engineer"); err != nil || !ok {
		t.Fatalf("first promote: ok=%v err=%v", ok, err)
	}
	ok, err := eng.Promote(ctx, "users", "role", "engineer")
	if err != nil {
		t.Fatalf("second promote returned error: %v", err)
	}
	if ok {
		t.Error("expected second promote to be a no-op (ok=false)")
	}
}

func TestPromoteRejectsReservedFieldNames(t *testing.T) {
	_, _, _, eng := openTestDB(t, registry.DefaultSlotCount)
	if _, err := eng.Promote(context.Background(), "users", "_id", "x"); err == nil {
		t.Error("expected error promoting reserved field _id")
	}
	if _, err := eng.Promote(context.Background(), "users", "$set", "x"); err == nil {
		t.Error("expected error promoting field starting with $")
	}
}

func TestPromoteRejectsArrayIndexSegment(t *testing.T) {
	_, _, _, eng := openTestDB(t, registry.DefaultSlotCount)
	if _, err := eng.Promote(context.Background(), "users", "tags.0", "x"); err == nil {
		t.Error("expected error promoting a path with a numeric segment")
	}
}

func TestPromoteSkipsWhenSlotPoolExhausted(t *testing.T) {
	db, _, _, eng := openTestDB(t, 1)
	ctx := context.Background()
	insertDoc(t, db, "users", "u1", map[string]any{"role": "engineer", "age": float64(30)})

	if ok, err := eng.Promote(ctx, "users", "role", "engineer"); err != nil || !ok {
		t.Fatalf("first promote: ok=%v err=%v", ok, err)
	}
	ok, err := eng.Promote(ctx, "users", "age", float64(30))
	if err != nil {
		t.Fatalf("expected no error on pool exhaustion, got: %v", err)
	}
	if ok {
		t.Error("expected promotion to be skipped when the slot pool is exhausted")
	}
}

func TestBackfillOverLargeCollection(t *testing.T) {
	// Seed scenario 4: backfill must leave no NULL slots where the payload
	// holds a value, across more rows than a single backfill page.
	db, reg, _, eng := openTestDB(t, registry.DefaultSlotCount)
	ctx := context.Background()

	const total = 2500
	for i := 0; i < total; i++ {
		insertDoc(t, db, "events", fmt.Sprintf("e%d", i), map[string]any{"kind": "click"})
	}

	if ok, err := eng.Promote(ctx, "events", "kind", "click"); err != nil || !ok {
		t.Fatalf("promote: ok=%v err=%v", ok, err)
	}
	binding, _ := reg.Mapping("events", "kind")

	var nullCount int
	row := db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM documents WHERE _collection = 'events' AND %s IS NULL`, binding.SlotColumn))
	if err := row.Scan(&nullCount); err != nil {
		t.Fatalf("query null count: %v", err)
	}
	if nullCount != 0 {
		t.Errorf("expected no NULL slots after backfill, got %d", nullCount)
	}
}

func TestRecoverNullSlotsRepairsInterruptedBackfill(t *testing.T) {
	db, reg, _, eng := openTestDB(t, registry.DefaultSlotCount)
	ctx := context.Background()
	insertDoc(t, db, "users", "u1", map[string]any{"role": "engineer"})
	insertDoc(t, db, "users", "u2", map[string]any{"role": "engineer"})

	if ok, err := eng.Promote(ctx, "users", "role", "engineer"); err != nil || !ok {
		t.Fatalf("promote: ok=%v err=%v", ok, err)
	}
	binding, _ := reg.Mapping("users", "role")

	if _, err := db.Exec(fmt.Sprintf(`UPDATE documents SET %s = NULL WHERE _id = 'u2'`, binding.SlotColumn)); err != nil {
		t.Fatalf("simulate interrupted backfill: %v", err)
	}

	repaired, err := eng.RecoverNullSlots(ctx, "users", "role")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repaired != 1 {
		t.Errorf("expected 1 row repaired, got %d", repaired)
	}
}

func TestExtractIndexedValuesOmitsAbsentFields(t *testing.T) {
	db, reg, _, eng := openTestDB(t, registry.DefaultSlotCount)
	ctx := context.Background()
	insertDoc(t, db, "users", "u1", map[string]any{"role": "engineer"})
	if ok, err := eng.Promote(ctx, "users", "role", "engineer"); err != nil || !ok {
		t.Fatalf("promote: ok=%v err=%v", ok, err)
	}
	_ = reg

	out := eng.ExtractIndexedValues("users", map[string]any{"name": "ada"})
	if len(out) != 0 {
		t.Errorf("expected no extracted values for a document missing the bound field, got %v", out)
	}

	out2 := eng.ExtractIndexedValues("users", map[string]any{"role": "manager"})
	if out2["slot_0"] != "manager" {
		t.Errorf("expected slot_0=manager, got %v", out2)
	}
}

func TestUpdateIndexedColumnsNullsAbsentFields(t *testing.T) {
	db, reg, _, eng := openTestDB(t, registry.DefaultSlotCount)
	ctx := context.Background()
	insertDoc(t, db, "users", "u1", map[string]any{"role": "engineer"})
	if ok, err := eng.Promote(ctx, "users", "role", "engineer"); err != nil || !ok {
		t.Fatalf("promote: ok=%v err=%v", ok, err)
	}
	binding, _ := reg.Mapping("users", "role")

	if err := eng.UpdateIndexedColumns(ctx, "users", "u1", map[string]any{"name": "ada"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var value sql.NullString
	row := db.QueryRow(fmt.Sprintf(`SELECT %s FROM documents WHERE _id = 'u1'`, binding.SlotColumn))
	if err := row.Scan(&value); err != nil {
		t.Fatalf("query slot: %v", err)
	}
	if value.Valid {
		t.Errorf("expected slot to be explicitly nulled when the field is absent from the update, got %v", value.String)
	}
}

func TestFlattenDescendsObjectsNotArrays(t *testing.T) {
	doc := map[string]any{
		"name": "ada",
		"address": map[string]any{
			"city": "london",
		},
		"tags": []any{"a", "b"},
	}
	paths := Flatten(doc)
	seen := make(map[string]any)
	for _, pv := range paths {
		seen[pv.Path] = pv.Value
	}
	if _, ok := seen["name"]; !ok {
		t.Error("expected top-level scalar field name")
	}
	if _, ok := seen["address.city"]; !ok {
		t.Error("expected nested object field to flatten to address.city")
	}
	if _, ok := seen["tags"]; !ok {
		t.Error("expected array field itself to be a leaf")
	}
	if _, ok := seen["tags.0"]; ok {
		t.Error("array elements must never produce a path segment")
	}
}

func TestAnalyzeAfterInsertPromotesOnceThresholdCrossed(t *testing.T) {
	db, reg, pat, eng := openTestDB(t, registry.DefaultSlotCount)
	ctx := context.Background()

	for i := int64(0); i < pattern.DefaultPromotionThreshold; i++ {
		pat.Record(ctx, 1000, "users", []string{"role"}, 1)
	}
	if !pat.ShouldPromote("users", "role") {
		t.Fatal("expected threshold crossed after DefaultPromotionThreshold observations")
	}

	insertDoc(t, db, "users", "u1", map[string]any{"role": "engineer"})
	eng.AnalyzeAfterInsert(ctx, "users", map[string]any{"role": "engineer"})

	if _, bound := reg.Mapping("users", "role"); !bound {
		t.Error("expected AnalyzeAfterInsert to promote role once its threshold was crossed")
	}
}

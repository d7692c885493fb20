package pattern

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE query_patterns (
			collection TEXT NOT NULL,
			field_path TEXT NOT NULL,
			query_count INTEGER NOT NULL DEFAULT 0,
			avg_result_count REAL NOT NULL DEFAULT 0,
			last_queried INTEGER NOT NULL DEFAULT 0,
			UNIQUE(collection, field_path)
		)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func TestRecordIncrementsMonotonically(t *testing.T) {
	db := openTestDB(t)
	a := New(db, 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a.Record(ctx, int64(i), "users", []string{"email"}, 10)
	}
	e, ok := a.Get("users", "email")
	if !ok || e.Count != 5 {
		t.Fatalf("expected count 5, got %+v ok=%v", e, ok)
	}
}

func TestAvgResultCountMonotoneUnderRepeatedObservations(t *testing.T) {
	db := openTestDB(t)
	a := New(db, 100)
	ctx := context.Background()

	a.Record(ctx, 0, "users", []string{"email"}, 50)
	e1, _ := a.Get("users", "email")

	for i := 0; i < 10; i++ {
		a.Record(ctx, int64(i), "users", []string{"email"}, 50)
	}
	e2, _ := a.Get("users", "email")

	if e2.AvgResultCount < e1.AvgResultCount-1e-9 {
		t.Errorf("avg_result_count decreased under repeated identical observations: %v -> %v", e1.AvgResultCount, e2.AvgResultCount)
	}
	if e2.AvgResultCount != 50 {
		t.Errorf("expected avg to converge to 50, got %v", e2.AvgResultCount)
	}
}

func TestShouldPromote(t *testing.T) {
	db := openTestDB(t)
	a := New(db, 3)
	ctx := context.Background()

	a.Record(ctx, 0, "users", []string{"email"}, 1)
	if a.ShouldPromote("users", "email") {
		t.Error("should not promote below threshold")
	}

	a.Record(ctx, 1, "users", []string{"email"}, 1)
	a.Record(ctx, 2, "users", []string{"email"}, 1)
	if !a.ShouldPromote("users", "email") {
		t.Error("expected promotion eligibility at threshold")
	}
}

func TestShouldPromoteFalseWhenAlreadyIndexed(t *testing.T) {
	db := openTestDB(t)
	a := New(db, 1)
	ctx := context.Background()

	a.Record(ctx, 0, "users", []string{"email"}, 1)
	a.MarkIndexed("users", "email")
	if a.ShouldPromote("users", "email") {
		t.Error("should not re-promote an already-indexed field")
	}
}

func TestImpactThresholds(t *testing.T) {
	cases := []struct {
		e    Entry
		want Impact
	}{
		{Entry{Count: 1001, AvgResultCount: 101}, ImpactHigh},
		{Entry{Count: 501, AvgResultCount: 1}, ImpactMedium},
		{Entry{Count: 1, AvgResultCount: 51}, ImpactMedium},
		{Entry{Count: 1, AvgResultCount: 1}, ImpactLow},
	}
	for _, tc := range cases {
		if got := tc.e.Impact(); got != tc.want {
			t.Errorf("Impact(%+v) = %v, want %v", tc.e, got, tc.want)
		}
	}
}

func TestSuggestionsSortedByImpact(t *testing.T) {
	db := openTestDB(t)
	a := New(db, 100)
	ctx := context.Background()

	a.Record(ctx, 0, "users", []string{"low_field"}, 1)
	for i := 0; i < 1100; i++ {
		a.Record(ctx, int64(i), "users", []string{"high_field"}, 150)
	}

	suggestions := a.Suggestions("users")
	if len(suggestions) != 2 {
		t.Fatalf("expected 2 suggestions, got %d", len(suggestions))
	}
	if suggestions[0].FieldPath != "high_field" {
		t.Errorf("expected high_field first, got %s", suggestions[0].FieldPath)
	}
}

func TestLoadRepopulatesFromPersistedState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a1 := New(db, 100)
	a1.Record(ctx, 0, "users", []string{"email"}, 10)

	a2 := New(db, 100)
	if err := a2.Load(ctx, "users"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e, ok := a2.Get("users", "email")
	if !ok || e.Count != 1 {
		t.Fatalf("expected reloaded entry with count 1, got %+v ok=%v", e, ok)
	}
}

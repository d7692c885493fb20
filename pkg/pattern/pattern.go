// Package pattern implements the Pattern Analyzer (spec 4.E): tracks how
// often each (collection, field_path) is queried and how large the result
// sets tend to be, driving the Schema Evolution Engine's promotion
// decisions.
package pattern

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/arkhaios/docvec/pkg/errs"
)

// DefaultPromotionThreshold is the query count at which a field becomes
// eligible for promotion (spec 4.E: "Default threshold = 100").
const DefaultPromotionThreshold = 100

// Impact is the qualitative suggestion-sort bucket (spec 4.E).
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

// Entry is the tracked state for one (collection, field_path) pair.
type Entry struct {
	Collection      string
	FieldPath       string
	Count           int64
	LastQueriedUnix int64
	AvgResultCount  float64
	IsIndexedNow    bool
}

// Impact classifies e per spec 4.E's thresholds: high when count > 1000 and
// avg_result_count > 100; medium when count > 500 or avg_result_count > 50;
// else low.
func (e Entry) Impact() Impact {
	switch {
	case e.Count > 1000 && e.AvgResultCount > 100:
		return ImpactHigh
	case e.Count > 500 || e.AvgResultCount > 50:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

// Analyzer owns the in-memory and persisted (query_patterns table) view of
// query frequency per field.
type Analyzer struct {
	db        *sql.DB
	threshold int64

	mu      sync.Mutex
	entries map[string]map[string]*Entry // collection -> field_path -> entry
}

// New returns an Analyzer. threshold <= 0 uses DefaultPromotionThreshold.
func New(db *sql.DB, threshold int64) *Analyzer {
	if threshold <= 0 {
		threshold = DefaultPromotionThreshold
	}
	return &Analyzer{
		db:        db,
		threshold: threshold,
		entries:   make(map[string]map[string]*Entry),
	}
}

func (a *Analyzer) entry(collection, field string) *Entry {
	byField, ok := a.entries[collection]
	if !ok {
		byField = make(map[string]*Entry)
		a.entries[collection] = byField
	}
	e, ok := byField[field]
	if !ok {
		e = &Entry{Collection: collection, FieldPath: field}
		byField[field] = e
	}
	return e
}

// Record registers that a query touched fields with the given result_count.
// Count increments monotonically; avg_result_count is updated as the
// running mean of the last two observations — the spec leaves the exact
// formula open, requiring only monotone non-decreasing behavior under
// repeated identical observations, which this running mean satisfies: once
// it converges to a repeated value x, (x+x)/2 == x forever after.
//
// Persistence of the updated counters is best-effort: spec §7 singles out
// the Pattern Analyzer as the one place the core may swallow an error (a
// failed counter write degrades promotion timing, never correctness), so a
// storage failure here is discarded: it is neither returned nor logged.
func (a *Analyzer) Record(ctx context.Context, nowUnix int64, collection string, fields []string, resultCount int) {
	a.mu.Lock()
	touched := make([]*Entry, 0, len(fields))
	for _, field := range fields {
		e := a.entry(collection, field)
		e.Count++
		e.LastQueriedUnix = nowUnix
		if e.Count == 1 {
			e.AvgResultCount = float64(resultCount)
		} else {
			e.AvgResultCount = (e.AvgResultCount + float64(resultCount)) / 2
		}
		snapshot := *e
		touched = append(touched, &snapshot)
	}
	a.mu.Unlock()

	for _, e := range touched {
		_ = a.persist(ctx, e)
	}
}

func (a *Analyzer) persist(ctx context.Context, e *Entry) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO query_patterns (collection, field_path, query_count, avg_result_count, last_queried)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, field_path) DO UPDATE SET
			query_count = excluded.query_count,
			avg_result_count = excluded.avg_result_count,
			last_queried = excluded.last_queried`,
		e.Collection, e.FieldPath, e.Count, e.AvgResultCount, e.LastQueriedUnix)
	return err
}

// ShouldPromote reports whether (collection, field) has crossed the
// promotion threshold and isn't already indexed (spec 4.E).
func (a *Analyzer) ShouldPromote(collection, field string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[collection][field]
	if !ok {
		return false
	}
	return e.Count >= a.threshold && !e.IsIndexedNow
}

// MarkIndexed flips is_indexed_now, called by the Schema Evolution Engine
// once a promotion commits.
func (a *Analyzer) MarkIndexed(collection, field string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entry(collection, field).IsIndexedNow = true
}

// Get returns the current entry for (collection, field), if tracked.
func (a *Analyzer) Get(collection, field string) (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[collection][field]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Suggestions returns tracked fields for collection sorted by impact
// (high first), for an eventual admin surface (spec 4.E / SPEC_FULL §12).
func (a *Analyzer) Suggestions(collection string) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, 0, len(a.entries[collection]))
	for _, e := range a.entries[collection] {
		out = append(out, *e)
	}
	rank := map[Impact]int{ImpactHigh: 0, ImpactMedium: 1, ImpactLow: 2}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := rank[out[i].Impact()], rank[out[j].Impact()]
		if ri != rj {
			return ri < rj
		}
		return out[i].Count > out[j].Count
	})
	return out
}

// Forget clears the in-memory view for a collection, used when a collection
// is dropped (spec §3: "Query Pattern entries accrete forever within a
// collection; they reset only on collection drop").
func (a *Analyzer) Forget(collection string) {
	a.mu.Lock()
	delete(a.entries, collection)
	a.mu.Unlock()
}

// Load repopulates in-memory entries from the query_patterns table, used on
// startup so promotion decisions survive a restart.
func (a *Analyzer) Load(ctx context.Context, collection string) error {
	rows, err := a.db.QueryContext(ctx, `
		SELECT field_path, query_count, avg_result_count, last_queried
		FROM query_patterns WHERE collection = ?`, collection)
	if err != nil {
		return errs.Wrap("pattern.Load", errs.KindTransient, err)
	}
	defer rows.Close()

	a.mu.Lock()
	defer a.mu.Unlock()
	for rows.Next() {
		var e Entry
		e.Collection = collection
		if err := rows.Scan(&e.FieldPath, &e.Count, &e.AvgResultCount, &e.LastQueriedUnix); err != nil {
			return errs.Wrap("pattern.Load", errs.KindTransient, err)
		}
		cp := e
		a.entry(collection, e.FieldPath)
		a.entries[collection][e.FieldPath] = &cp
	}
	return rows.Err()
}

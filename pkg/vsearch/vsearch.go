// Package vsearch implements the Vector Search Engine (spec 4.H): brute-force
// k-nearest-neighbor search over vectors stored alongside documents, ranked
// under one of several distance/similarity metrics with metadata and
// collection filtering. Adapted from the teacher's linear scan path
// (pkg/core/store_search.go's fetchCandidates/scoreCandidates, absent the
// HNSW/IVF indexing the teacher layers on top of it — spec §9 scopes this
// engine to brute force only).
package vsearch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/arkhaios/docvec/pkg/errs"
	"github.com/arkhaios/docvec/pkg/logging"
	"github.com/arkhaios/docvec/pkg/vector"
)

// MaxDimensions bounds a single vector's length (spec §5 resource bounds).
const MaxDimensions = 4096

// DefaultLimit is applied when Options.Limit is zero.
const DefaultLimit = 10

// Options carries the optional parameters of a search call (spec 4.H
// contract).
type Options struct {
	Limit          int
	Metric         vector.Metric
	Collection     string
	ModelName      string
	Dimensions     int
	Threshold      *float64
	IncludeSelf    bool
	MetadataFilter map[string]any
}

// VectorRef identifies the stored vector and document a Result scored.
type VectorRef struct {
	VectorID   string
	DocumentID string
	Collection string
}

// Result is one ranked hit.
type Result struct {
	Ref   VectorRef
	Score float64
}

// Stats reports what a Search call did (spec 4.H: "statistics
// {query_time_ms, vectors_scanned, vectors_filtered, results_returned,
// cache_hit}"). CacheHit is always false: this engine has no result cache.
type Stats struct {
	QueryTimeMs     float64
	VectorsScanned  int
	VectorsFiltered int
	ResultsReturned int
	CacheHit        bool
}

// Engine scans the vectors table for k-NN queries.
type Engine struct {
	db     *sql.DB
	logger logging.Logger
}

// New returns an Engine backed by db, which must already have the vectors
// table created (pkg/store's Store.createTables does this).
func New(db *sql.DB, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{db: db, logger: logger}
}

type storedVector struct {
	id         string
	documentID string
	collection string
	vec        []float32
	metadata   map[string]any
}

// Upsert stores or replaces the vector associated with (collection,
// documentID, modelName), returning the vector's own id. Dimensions above
// MaxDimensions and non-finite scalars are rejected as input errors.
func (e *Engine) Upsert(ctx context.Context, collection, documentID string, v []float32, modelName string, metadata map[string]any) (string, error) {
	if err := vector.ValidateFinite(v); err != nil {
		return "", errs.Input("vsearch.Upsert", err)
	}
	if len(v) > MaxDimensions {
		return "", errs.Input("vsearch.Upsert", fmt.Errorf("vector has %d dimensions, max is %d", len(v), MaxDimensions))
	}

	blob, err := vector.EncodeBlob(v)
	if err != nil {
		return "", errs.Input("vsearch.Upsert", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", errs.Input("vsearch.Upsert", fmt.Errorf("marshal metadata: %w", err))
	}

	var id string
	err = e.db.QueryRowContext(ctx, `
		SELECT id FROM vectors WHERE collection = ? AND document_id = ? AND model_name = ?`,
		collection, documentID, modelName).Scan(&id)
	if err == sql.ErrNoRows {
		id = uuid.NewString()
	} else if err != nil {
		return "", errs.Wrap("vsearch.Upsert", errs.KindTransient, err)
	}

	now := time.Now().Unix()
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO vectors (id, document_id, collection, vector_blob, dimensions, normalized, model_name, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(collection, document_id, model_name) DO UPDATE SET
			vector_blob = excluded.vector_blob,
			dimensions = excluded.dimensions,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		id, documentID, collection, blob, len(v), modelName, string(metaJSON), now, now)
	if err != nil {
		return "", errs.Wrap("vsearch.Upsert", errs.KindTransient, err)
	}
	return id, nil
}

// Delete removes the vector associated with (collection, documentID,
// modelName), if any.
func (e *Engine) Delete(ctx context.Context, collection, documentID, modelName string) error {
	_, err := e.db.ExecContext(ctx, `
		DELETE FROM vectors WHERE collection = ? AND document_id = ? AND model_name = ?`,
		collection, documentID, modelName)
	if err != nil {
		return errs.Wrap("vsearch.Delete", errs.KindTransient, err)
	}
	return nil
}

// Search ranks stored vectors against query under the 8-step algorithm (spec
// 4.H): cheapest-filter candidate load, dimension filter, metadata filter,
// metric scoring, threshold, sort, include_self dedup, limit.
func (e *Engine) Search(ctx context.Context, query []float32, opts Options) ([]Result, Stats, error) {
	start := time.Now()

	if len(query) == 0 {
		return nil, Stats{}, errs.Input("vsearch.Search", errs.ErrEmptyQuery)
	}
	if err := vector.ValidateFinite(query); err != nil {
		return nil, Stats{}, errs.Input("vsearch.Search", err)
	}

	metric := opts.Metric
	if metric == "" {
		metric = vector.MetricCosine
	}
	if !metric.Valid() {
		return nil, Stats{}, errs.Input("vsearch.Search", fmt.Errorf("%w: %q", errs.ErrUnknownMetric, metric))
	}
	if opts.Threshold != nil && *opts.Threshold < 0 {
		return nil, Stats{}, errs.Input("vsearch.Search", errs.ErrNegativeThreshold)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	candidates, err := e.loadCandidates(ctx, opts)
	if err != nil {
		return nil, Stats{}, err
	}
	scanned := len(candidates)

	survivors := make([]storedVector, 0, len(candidates))
	for _, c := range candidates {
		if len(c.vec) != len(query) {
			continue
		}
		if !matchesMetadata(c.metadata, opts.MetadataFilter) {
			continue
		}
		survivors = append(survivors, c)
	}
	filtered := scanned - len(survivors)

	type scored struct {
		storedVector
		score float64
	}
	ranked := make([]scored, 0, len(survivors))
	for _, c := range survivors {
		score, err := vector.Compute(metric, query, c.vec)
		if err != nil {
			return nil, Stats{}, errs.Internal("vsearch.Search", err)
		}
		if opts.Threshold != nil {
			if metric.IsDistance() && score > *opts.Threshold {
				continue
			}
			if !metric.IsDistance() && score < *opts.Threshold {
				continue
			}
		}
		ranked = append(ranked, scored{storedVector: c, score: score})
	}

	if metric.IsDistance() {
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })
	} else {
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	}

	if !opts.IncludeSelf {
		deduped := ranked[:0:0]
		for _, r := range ranked {
			if isSelf(query, r.vec) {
				continue
			}
			deduped = append(deduped, r)
		}
		ranked = deduped
	}

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	results := make([]Result, 0, len(ranked))
	for _, r := range ranked {
		results = append(results, Result{
			Ref: VectorRef{
				VectorID:   r.id,
				DocumentID: r.documentID,
				Collection: r.collection,
			},
			Score: r.score,
		})
	}

	stats := Stats{
		QueryTimeMs:     float64(time.Since(start).Microseconds()) / 1000.0,
		VectorsScanned:  scanned,
		VectorsFiltered: filtered,
		ResultsReturned: len(results),
		CacheHit:        false,
	}
	return results, stats, nil
}

// loadCandidates picks the cheapest available filter — collection, else
// model_name, else dimensions — per spec 4.H step 1, falling back to a full
// table scan when none of the three is given.
func (e *Engine) loadCandidates(ctx context.Context, opts Options) ([]storedVector, error) {
	query := "SELECT id, document_id, collection, vector_blob, metadata FROM vectors"
	var args []any

	switch {
	case opts.Collection != "":
		query += " WHERE collection = ?"
		args = append(args, opts.Collection)
	case opts.ModelName != "":
		query += " WHERE model_name = ?"
		args = append(args, opts.ModelName)
	case opts.Dimensions > 0:
		query += " WHERE dimensions = ?"
		args = append(args, opts.Dimensions)
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap("vsearch.loadCandidates", errs.KindTransient, err)
	}
	defer rows.Close()

	var out []storedVector
	for rows.Next() {
		var sv storedVector
		var blob []byte
		var metaJSON sql.NullString
		if err := rows.Scan(&sv.id, &sv.documentID, &sv.collection, &blob, &metaJSON); err != nil {
			return nil, errs.Wrap("vsearch.loadCandidates", errs.KindTransient, err)
		}
		vec, err := vector.DecodeBlob(blob)
		if err != nil {
			e.logger.Warn("skipping vector with corrupt blob", "id", sv.id, "error", err)
			continue
		}
		sv.vec = vec
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &sv.metadata); err != nil {
				e.logger.Warn("skipping vector with corrupt metadata", "id", sv.id, "error", err)
				continue
			}
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

// matchesMetadata requires every key in want to be present in have with an
// exactly equal value (spec 4.H: "exact match on top-level metadata keys").
// Values decoded from JSON can be slices or maps, which aren't comparable
// with ==, so equality is checked structurally.
func matchesMetadata(have, want map[string]any) bool {
	for k, v := range want {
		hv, ok := have[k]
		if !ok || !reflect.DeepEqual(hv, v) {
			return false
		}
	}
	return true
}

// isSelf reports whether a and b are the same vector within the spec's 1e-6
// equality tolerance (spec 4.A semantics), used to drop a query vector's own
// stored copy from results when include_self is false.
func isSelf(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	sq, err := vector.SquaredEuclidean(a, b)
	if err != nil {
		return false
	}
	return sq <= vector.EqualTolerance*vector.EqualTolerance
}

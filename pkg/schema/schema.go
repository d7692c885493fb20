// Package schema implements the Schema Evolution Engine (spec 4.F): it
// promotes hot JSON fields onto indexed slot columns, keeps slot columns in
// sync on every write, and recovers interrupted backfills.
package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/arkhaios/docvec/pkg/errs"
	"github.com/arkhaios/docvec/pkg/filter"
	"github.com/arkhaios/docvec/pkg/logging"
	"github.com/arkhaios/docvec/pkg/pattern"
	"github.com/arkhaios/docvec/pkg/registry"
)

// BackfillPageSize is the number of rows rewritten per backfill page (spec
// §5: "Maximum backfill page: 1,000 rows").
const BackfillPageSize = 1000

// identifierPattern restricts collection names accepted into DDL text:
// CREATE INDEX's partial-index predicate can't be parameterized, so the
// collection name is validated before being embedded as a literal.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Engine ties the Registry and Pattern Analyzer together to drive
// promotion.
type Engine struct {
	db      *sql.DB
	reg     *registry.Registry
	pat     *pattern.Analyzer
	logger  logging.Logger
}

// New returns an Engine.
func New(db *sql.DB, reg *registry.Registry, pat *pattern.Analyzer, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{db: db, reg: reg, pat: pat, logger: logger}
}

// PathValue is one leaf field-path/value pair discovered by flattening a
// document.
type PathValue struct {
	Path  string
	Value any
}

// Flatten walks doc, yielding one PathValue per leaf. It only descends into
// nested objects — arrays and scalars are leaves — so array indices never
// appear as field-path segments (spec 4.B/4.C: numeric path segments from
// array indices must never be eligible for promotion).
func Flatten(doc map[string]any) []PathValue {
	var out []PathValue
	flattenInto(doc, "", &out)
	return out
}

func flattenInto(m map[string]any, prefix string, out *[]PathValue) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(nested, path, out)
			continue
		}
		*out = append(*out, PathValue{Path: path, Value: v})
	}
}

// isPurelyNumericSegment reports whether a path segment is made entirely of
// digits, the shape an array index would take if one ever reached here.
func isPurelyNumericSegment(seg string) bool {
	if seg == "" {
		return false
	}
	_, err := strconv.Atoi(seg)
	return err == nil
}

func hasNumericSegment(path string) bool {
	for _, seg := range strings.Split(path, ".") {
		if isPurelyNumericSegment(seg) {
			return true
		}
	}
	return false
}

// AnalyzeAfterInsert walks document and promotes any field path the
// Pattern Analyzer already considers hot (spec 4.F: "consults the Pattern
// Analyzer, and promotes any qualifying field").
func (e *Engine) AnalyzeAfterInsert(ctx context.Context, collection string, document map[string]any) {
	for _, pv := range Flatten(document) {
		if hasNumericSegment(pv.Path) {
			continue
		}
		if _, bound := e.reg.Mapping(collection, pv.Path); bound {
			continue
		}
		if e.pat.ShouldPromote(collection, pv.Path) {
			if _, err := e.Promote(ctx, collection, pv.Path, pv.Value); err != nil {
				e.logger.Warn("promotion failed", "collection", collection, "field", pv.Path, "error", err)
			}
		}
	}
}

// Promote runs the five-step promotion protocol (spec 4.F). It returns
// false (never an error) when the field is already bound or the slot pool
// is exhausted — promotion is advisory and those are expected outcomes, not
// failures. ok is true once the binding and its partial index have
// committed; a backfill failure after that point is logged, not returned,
// and leaves NULL slots for a later write or RecoverNullSlots to fill.
func (e *Engine) Promote(ctx context.Context, collection, fieldPath string, sampleValue any) (bool, error) {
	if strings.HasPrefix(fieldPath, "$") || strings.HasPrefix(fieldPath, "_") {
		return false, errs.Input("schema.Promote", fmt.Errorf("%w: %q", errs.ErrReservedName, fieldPath))
	}
	if hasNumericSegment(fieldPath) {
		return false, errs.Input("schema.Promote", fmt.Errorf("%w: array index segment in %q", errs.ErrReservedName, fieldPath))
	}

	// Idempotent: promoting an already-bound field changes no state (spec §8).
	if _, bound := e.reg.Mapping(collection, fieldPath); bound {
		return false, nil
	}

	if !identifierPattern.MatchString(collection) {
		return false, errs.Input("schema.Promote", fmt.Errorf("%w: collection name %q", errs.ErrInvalidValue, collection))
	}

	// Step 1: reserve a free slot.
	slot, ok := e.reg.AllocateSlot(collection)
	if !ok {
		e.logger.Warn("slot pool exhausted, promotion skipped", "collection", collection, "field", fieldPath)
		return false, nil
	}

	// Step 2: infer data type from the sample value.
	dataType := registry.InferDataType(sampleValue)

	// Step 3: persist the Registry entry, and
	// Step 4: create the partial index — both atomic in one transaction so a
	// mid-step failure leaves no observable change (spec 4.F promotion
	// protocol preamble).
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errs.Wrap("schema.Promote", errs.KindTransient, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	binding, err := e.reg.BindTx(ctx, tx, collection, fieldPath, slot, dataType)
	if err != nil {
		return false, err
	}

	indexName := fmt.Sprintf("idx_%s_%s", collection, binding.SlotColumn)
	escapedCollection := strings.ReplaceAll(collection, "'", "''")
	ddl := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON documents(%s) WHERE _collection = '%s'`,
		indexName, binding.SlotColumn, escapedCollection)
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return false, errs.Wrap("schema.Promote", errs.KindInternal, err)
	}

	if err := tx.Commit(); err != nil {
		return false, errs.Wrap("schema.Promote", errs.KindTransient, err)
	}
	committed = true

	// BindTx deferred the in-memory update until the transaction actually
	// committed; apply it now, then mirror the same fact into the Pattern
	// Analyzer so ShouldPromote stops re-triggering for this field.
	e.reg.ApplyBinding(binding)
	e.pat.MarkIndexed(collection, fieldPath)

	// Step 5: backfill.
	if err := e.Backfill(ctx, collection, fieldPath, binding.SlotColumn); err != nil {
		// Non-fatal: an interrupted backfill leaves NULL slots that a later
		// write or RecoverNullSlots will fix (spec §5 Cancellation).
		e.logger.Warn("backfill incomplete, will be recovered lazily", "collection", collection, "field", fieldPath, "error", err)
	}

	return true, nil
}

// Backfill scans live documents of collection in pages of BackfillPageSize,
// ordered by rowid, writing the extracted field value into slotColumn for
// each (spec 4.F step 5). It is idempotent: re-running it yields the same
// state.
func (e *Engine) Backfill(ctx context.Context, collection, fieldPath, slotColumn string) error {
	path := filter.SplitPath(fieldPath)
	var lastRowID int64

	for {
		rows, err := e.db.QueryContext(ctx, `
			SELECT rowid, payload FROM documents
			WHERE _collection = ? AND _deleted = 0 AND rowid > ?
			ORDER BY rowid LIMIT ?`, collection, lastRowID, BackfillPageSize)
		if err != nil {
			return errs.Wrap("schema.Backfill", errs.KindTransient, err)
		}

		type page struct {
			rowid   int64
			payload []byte
		}
		var batch []page
		for rows.Next() {
			var p page
			if err := rows.Scan(&p.rowid, &p.payload); err != nil {
				rows.Close()
				return errs.Wrap("schema.Backfill", errs.KindTransient, err)
			}
			batch = append(batch, p)
		}
		closeErr := rows.Close()
		if closeErr != nil {
			return errs.Wrap("schema.Backfill", errs.KindTransient, closeErr)
		}

		for _, p := range batch {
			value, err := extractJSON(p.payload, path)
			if err != nil {
				return errs.Wrap("schema.Backfill", errs.KindInternal, err)
			}
			if _, err := e.db.ExecContext(ctx,
				fmt.Sprintf(`UPDATE documents SET %s = ? WHERE rowid = ?`, slotColumn),
				value, p.rowid); err != nil {
				return errs.Wrap("schema.Backfill", errs.KindTransient, err)
			}
			lastRowID = p.rowid
		}

		if len(batch) < BackfillPageSize {
			return nil
		}
	}
}

// RecoverNullSlots repairs rows left with a NULL slot value after an
// interrupted backfill (spec §5: scans "slot IS NULL AND
// json_extract(payload, '$.field') IS NOT NULL" and repairs them).
func (e *Engine) RecoverNullSlots(ctx context.Context, collection, fieldPath string) (int, error) {
	binding, ok := e.reg.Mapping(collection, fieldPath)
	if !ok {
		return 0, errs.Input("schema.RecoverNullSlots", fmt.Errorf("%q is not a promoted field", fieldPath))
	}
	path := filter.SplitPath(fieldPath)
	jsonPath := fmt.Sprintf("json_extract(payload, '$.%s')", fieldPath)

	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT rowid, payload FROM documents
		WHERE _collection = ? AND %s IS NULL AND %s IS NOT NULL`, binding.SlotColumn, jsonPath), collection)
	if err != nil {
		return 0, errs.Wrap("schema.RecoverNullSlots", errs.KindTransient, err)
	}
	defer rows.Close()

	type row struct {
		rowid   int64
		payload []byte
	}
	var batch []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.rowid, &r.payload); err != nil {
			return 0, errs.Wrap("schema.RecoverNullSlots", errs.KindTransient, err)
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return 0, errs.Wrap("schema.RecoverNullSlots", errs.KindTransient, err)
	}

	repaired := 0
	for _, r := range batch {
		value, err := extractJSON(r.payload, path)
		if err != nil {
			return repaired, errs.Wrap("schema.RecoverNullSlots", errs.KindInternal, err)
		}
		if _, err := e.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE documents SET %s = ? WHERE rowid = ?`, binding.SlotColumn),
			value, r.rowid); err != nil {
			return repaired, errs.Wrap("schema.RecoverNullSlots", errs.KindTransient, err)
		}
		repaired++
	}
	return repaired, nil
}

// ExtractIndexedValues returns slot_column -> value for every bound field
// present in document (spec 4.F: "returns only non-undefined extractions").
// Absent fields are omitted rather than explicitly nulled — used for
// Insert, where an omitted column already defaults to NULL.
func (e *Engine) ExtractIndexedValues(collection string, document map[string]any) map[string]any {
	out := make(map[string]any)
	for _, b := range e.reg.MappingsOf(collection) {
		if v, ok := filter.GetPath(document, filter.SplitPath(b.FieldPath)); ok {
			out[b.SlotColumn] = v
		}
	}
	return out
}

// UpdateIndexedColumns recomputes every bound slot value for docID in one
// statement (spec 4.G: "recompute every bound slot value in the same
// write"). Unlike ExtractIndexedValues, it explicitly sets absent fields to
// NULL so a removed field clears its slot.
func (e *Engine) UpdateIndexedColumns(ctx context.Context, collection, docID string, document map[string]any) error {
	bindings := e.reg.MappingsOf(collection)
	if len(bindings) == 0 {
		return nil
	}
	setClauses := make([]string, 0, len(bindings))
	args := make([]any, 0, len(bindings)+2)
	for _, b := range bindings {
		value, _ := filter.GetPath(document, filter.SplitPath(b.FieldPath))
		setClauses = append(setClauses, b.SlotColumn+" = ?")
		args = append(args, value)
	}
	args = append(args, docID, collection)
	query := fmt.Sprintf(`UPDATE documents SET %s WHERE _id = ? AND _collection = ?`, strings.Join(setClauses, ", "))
	_, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.Wrap("schema.UpdateIndexedColumns", errs.KindTransient, err)
	}
	return nil
}

func unmarshalDocument(payload []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, errs.Wrap("schema.unmarshalDocument", errs.KindInternal, err)
	}
	return doc, nil
}

func extractJSON(payload []byte, path []string) (any, error) {
	doc, err := unmarshalDocument(payload)
	if err != nil {
		return nil, err
	}
	v, ok := filter.GetPath(doc, path)
	if !ok {
		return nil, nil
	}
	return v, nil
}

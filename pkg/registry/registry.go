// Package registry implements the Index Registry (spec 4.C): the in-memory
// and persisted record of which field paths have been promoted onto which
// generic slot column, per collection.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/arkhaios/docvec/pkg/errs"
)

// DataType is the SQL storage type inferred for a promoted field (spec 4.C:
// "integer number -> INTEGER; non-integer number -> REAL; anything else ->
// TEXT").
type DataType string

const (
	TypeInteger DataType = "INTEGER"
	TypeReal    DataType = "REAL"
	TypeText    DataType = "TEXT"
)

// DefaultSlotCount is the default number of generic slot columns reserved
// per collection (spec §5 resource bounds: "Maximum indexed slots per
// collection: configurable (default 20)").
const DefaultSlotCount = 20

// SlotColumnPrefix names the generic columns in the documents table: slot_0,
// slot_1, ... slot_{N-1}.
const SlotColumnPrefix = "slot_"

// Binding records one (collection, field_path) -> slot mapping.
type Binding struct {
	Collection   string
	FieldPath    string
	Slot         int
	SlotColumn   string
	DataType     DataType
	UsageCount   int64
	LastUsedUnix int64
	CreatedUnix  int64
}

// Stats summarizes a collection's slot usage.
type Stats struct {
	Collection  string
	SlotCount   int
	UsedSlots   int
	FreeSlots   int
	Bindings    []Binding
}

// Registry owns the in-memory view of bindings, backed by the
// registry_bindings table (spec §6 persisted state layout). It is
// single-writer per (collection, field) per the concurrency model in spec
// §5, so a coarse mutex is sufficient — no per-row locking is required.
type Registry struct {
	db        *sql.DB
	slotCount int

	mu   sync.RWMutex
	byCollection map[string]map[string]*Binding // collection -> field_path -> binding
	usedSlots    map[string]map[int]bool        // collection -> slot -> used
}

// New returns a Registry with the given slot pool size per collection.
func New(db *sql.DB, slotCount int) *Registry {
	if slotCount <= 0 {
		slotCount = DefaultSlotCount
	}
	return &Registry{
		db:           db,
		slotCount:    slotCount,
		byCollection: make(map[string]map[string]*Binding),
		usedSlots:    make(map[string]map[int]bool),
	}
}

// SlotCount returns the fixed slot pool cardinality (spec 4.C invariant:
// "slot pool cardinality is fixed at initialization").
func (r *Registry) SlotCount() int { return r.slotCount }

// SlotColumn returns the generic column name for a slot index.
func SlotColumn(slot int) string {
	return fmt.Sprintf("%s%d", SlotColumnPrefix, slot)
}

// Load populates the in-memory view for a collection from persisted state.
// It is idempotent and safe to call repeatedly (e.g. lazily on first use).
func (r *Registry) Load(ctx context.Context, collection string) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT field_path, slot_column_name, data_type, usage_count, last_used, created_at
		FROM registry_bindings WHERE collection = ?`, collection)
	if err != nil {
		return errs.Wrap("registry.Load", errs.KindTransient, err)
	}
	defer rows.Close()

	fields := make(map[string]*Binding)
	used := make(map[int]bool)
	for rows.Next() {
		var b Binding
		var slotColumn string
		if err := rows.Scan(&b.FieldPath, &slotColumn, &b.DataType, &b.UsageCount, &b.LastUsedUnix, &b.CreatedUnix); err != nil {
			return errs.Wrap("registry.Load", errs.KindTransient, err)
		}
		slot, err := slotFromColumn(slotColumn)
		if err != nil {
			return errs.Wrap("registry.Load", errs.KindInternal, err)
		}
		b.Collection = collection
		b.Slot = slot
		b.SlotColumn = slotColumn
		fields[b.FieldPath] = &b
		used[slot] = true
	}
	if err := rows.Err(); err != nil {
		return errs.Wrap("registry.Load", errs.KindTransient, err)
	}

	r.mu.Lock()
	r.byCollection[collection] = fields
	r.usedSlots[collection] = used
	r.mu.Unlock()
	return nil
}

func slotFromColumn(col string) (int, error) {
	if !strings.HasPrefix(col, SlotColumnPrefix) {
		return 0, fmt.Errorf("registry: malformed slot column %q", col)
	}
	var n int
	if _, err := fmt.Sscanf(col[len(SlotColumnPrefix):], "%d", &n); err != nil {
		return 0, fmt.Errorf("registry: malformed slot column %q: %w", col, err)
	}
	return n, nil
}

func (r *Registry) ensureLoaded(collection string) {
	r.mu.RLock()
	_, ok := r.byCollection[collection]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if _, ok := r.byCollection[collection]; !ok {
			r.byCollection[collection] = make(map[string]*Binding)
			r.usedSlots[collection] = make(map[int]bool)
		}
		r.mu.Unlock()
	}
}

// Mapping returns the binding for (collection, field_path), if any.
func (r *Registry) Mapping(collection, fieldPath string) (*Binding, bool) {
	r.ensureLoaded(collection)
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byCollection[collection][fieldPath]
	return b, ok
}

// MappingsOf returns all bindings for a collection.
func (r *Registry) MappingsOf(collection string) []Binding {
	r.ensureLoaded(collection)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.byCollection[collection]))
	for _, b := range r.byCollection[collection] {
		out = append(out, *b)
	}
	return out
}

// AllocateSlot returns the next free slot id for collection, or ok=false if
// the pool is exhausted.
func (r *Registry) AllocateSlot(collection string) (slot int, ok bool) {
	r.ensureLoaded(collection)
	r.mu.RLock()
	defer r.mu.RUnlock()
	used := r.usedSlots[collection]
	for i := 0; i < r.slotCount; i++ {
		if !used[i] {
			return i, true
		}
	}
	return 0, false
}

// Bind persists a new binding and marks the slot used. It fails with a
// consistency error on a double-bind of the same field_path (spec 4.C
// invariant: "Double-bind fails").
func (r *Registry) Bind(ctx context.Context, collection, fieldPath string, slot int, dataType DataType) (*Binding, error) {
	r.ensureLoaded(collection)

	r.mu.Lock()
	if _, exists := r.byCollection[collection][fieldPath]; exists {
		r.mu.Unlock()
		return nil, errs.Wrap("registry.Bind", errs.KindConsistency,
			fmt.Errorf("%w: %s.%s already bound", errs.ErrUniqueConstraint, collection, fieldPath))
	}
	if r.usedSlots[collection][slot] {
		r.mu.Unlock()
		return nil, errs.Wrap("registry.Bind", errs.KindInternal,
			fmt.Errorf("%w: slot %d already in use", errs.ErrRegistryCorruption, slot))
	}
	r.mu.Unlock()

	slotColumn := SlotColumn(slot)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO registry_bindings (collection, field_path, slot_column_name, data_type, usage_count, last_used, created_at)
		VALUES (?, ?, ?, ?, 0, 0, unixepoch())`,
		collection, fieldPath, slotColumn, dataType)
	if err != nil {
		return nil, errs.Wrap("registry.Bind", errs.KindConsistency, err)
	}

	b := &Binding{
		Collection: collection,
		FieldPath:  fieldPath,
		Slot:       slot,
		SlotColumn: slotColumn,
		DataType:   dataType,
	}
	r.mu.Lock()
	r.byCollection[collection][fieldPath] = b
	r.usedSlots[collection][slot] = true
	r.mu.Unlock()
	return b, nil
}

// Execer is satisfied by *sql.DB and *sql.Tx, letting BindTx run as part of
// a caller-managed transaction (the Schema Evolution Engine binds and
// creates the partial index atomically).
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// BindTx is Bind's persistence step run against an arbitrary Execer (a
// transaction handle, typically), deferring the in-memory update: the
// caller must call ApplyBinding once the transaction actually commits, since
// a rolled-back transaction must leave the Registry's cached view
// unchanged. Callers are responsible for committing/rolling back the
// transaction themselves.
func (r *Registry) BindTx(ctx context.Context, exec Execer, collection, fieldPath string, slot int, dataType DataType) (*Binding, error) {
	r.ensureLoaded(collection)

	r.mu.RLock()
	_, exists := r.byCollection[collection][fieldPath]
	r.mu.RUnlock()
	if exists {
		return nil, errs.Wrap("registry.BindTx", errs.KindConsistency,
			fmt.Errorf("%w: %s.%s already bound", errs.ErrUniqueConstraint, collection, fieldPath))
	}

	slotColumn := SlotColumn(slot)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO registry_bindings (collection, field_path, slot_column_name, data_type, usage_count, last_used, created_at)
		VALUES (?, ?, ?, ?, 0, 0, unixepoch())`,
		collection, fieldPath, slotColumn, dataType)
	if err != nil {
		return nil, errs.Wrap("registry.BindTx", errs.KindConsistency, err)
	}

	return &Binding{
		Collection: collection,
		FieldPath:  fieldPath,
		Slot:       slot,
		SlotColumn: slotColumn,
		DataType:   dataType,
	}, nil
}

// ApplyBinding updates the in-memory view to match a binding already
// committed to storage by BindTx. Call this only after the enclosing
// transaction commits successfully.
func (r *Registry) ApplyBinding(b *Binding) {
	r.ensureLoaded(b.Collection)
	r.mu.Lock()
	r.byCollection[b.Collection][b.FieldPath] = b
	r.usedSlots[b.Collection][b.Slot] = true
	r.mu.Unlock()
}

// Stats reports slot usage for a collection.
func (r *Registry) Stats(collection string) Stats {
	r.ensureLoaded(collection)
	r.mu.RLock()
	defer r.mu.RUnlock()

	bindings := make([]Binding, 0, len(r.byCollection[collection]))
	for _, b := range r.byCollection[collection] {
		bindings = append(bindings, *b)
	}
	used := len(r.usedSlots[collection])
	return Stats{
		Collection: collection,
		SlotCount:  r.slotCount,
		UsedSlots:  used,
		FreeSlots:  r.slotCount - used,
		Bindings:   bindings,
	}
}

// Forget clears the in-memory view for a collection, used when a collection
// is dropped (spec §3: registry state is "destroyed only when the
// collection is dropped").
func (r *Registry) Forget(collection string) {
	r.mu.Lock()
	delete(r.byCollection, collection)
	delete(r.usedSlots, collection)
	r.mu.Unlock()
}

// InferDataType implements the §4.C inference rule from a sample value
// decoded from JSON (so integers already arrive as float64 when whole).
func InferDataType(sample any) DataType {
	switch v := sample.(type) {
	case int, int32, int64:
		return TypeInteger
	case float32:
		if float64(v) == float64(int64(v)) {
			return TypeInteger
		}
		return TypeReal
	case float64:
		if v == float64(int64(v)) {
			return TypeInteger
		}
		return TypeReal
	default:
		return TypeText
	}
}

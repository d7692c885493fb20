package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arkhaios/docvec/pkg/errs"
	"github.com/arkhaios/docvec/pkg/filter"
	"github.com/arkhaios/docvec/pkg/translate"
)

// Document is the envelope plus payload returned by Find/FindOne (spec §3
// data model): a stable identifier, collection, monotonic version,
// created/updated timestamps, and the full payload.
type Document struct {
	ID        string
	Collection string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Payload   map[string]any
}

// FindOptions carries the optional sort/limit/skip parameters of a query
// (spec 4.D contract), reusing the translator's SortKey type directly.
type FindOptions struct {
	Limit *int
	Skip  *int
	Sort  []translate.SortKey
}

func envelopeSelectList() string {
	return "_id, _collection, _version, _created_at, _updated_at, payload"
}

// Insert assigns _id if absent, snapshots payload as canonical JSON,
// computes indexed slot values, and writes envelope + payload + slots in one
// statement (spec 4.G Insert), then reports the insert to the Schema
// Evolution Engine for possible promotions.
func (s *Store) Insert(ctx context.Context, collection, id string, payload map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("store.Insert"); err != nil {
		return "", err
	}
	if err := rejectReservedTopLevelKeys(payload); err != nil {
		return "", err
	}
	if err := s.ensureCollectionLoaded(ctx, collection); err != nil {
		return "", err
	}

	if id == "" {
		id = newDocumentID()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Input("store.Insert", fmt.Errorf("marshal payload: %w", err))
	}

	slotValues := s.schemaEng.ExtractIndexedValues(collection, payload)
	columns := []string{"_id", "_collection", "_version", "_created_at", "_updated_at", "_deleted", "payload"}
	now := time.Now().Unix()
	args := []any{id, collection, int64(1), now, now, 0, string(body)}
	for col, v := range slotValues {
		columns = append(columns, col)
		args = append(args, v)
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(columns)), ",")
	query := fmt.Sprintf("INSERT INTO documents (%s) VALUES (%s)", strings.Join(columns, ", "), placeholders)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return "", errs.Wrap("store.Insert", errs.KindConsistency,
				fmt.Errorf("%w: _id %q in collection %q", errs.ErrDuplicateID, id, collection))
		}
		return "", errs.Wrap("store.Insert", errs.KindTransient, err)
	}

	s.schemaEng.AnalyzeAfterInsert(ctx, collection, payload)
	return id, nil
}

// Update applies a MongoDB-style update document to the live document
// identified by (collection, id): rebuilds the payload JSON, bumps version,
// updates _updated_at, and recomputes every bound slot value in the same
// write (spec 4.G Update operators).
func (s *Store) Update(ctx context.Context, collection, id string, updateDoc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("store.Update"); err != nil {
		return err
	}
	if err := s.ensureCollectionLoaded(ctx, collection); err != nil {
		return err
	}

	u, err := filter.ParseUpdate(updateDoc)
	if err != nil {
		return errs.Input("store.Update", err)
	}
	if u.IsEmpty() {
		return nil
	}

	var rawPayload string
	var version int64
	err = s.db.QueryRowContext(ctx, `
		SELECT payload, _version FROM documents WHERE _collection = ? AND _id = ? AND _deleted = 0`,
		collection, id).Scan(&rawPayload, &version)
	if err == sql.ErrNoRows {
		return errs.Wrap("store.Update", errs.KindInput, errs.ErrNotFound)
	}
	if err != nil {
		return errs.Wrap("store.Update", errs.KindTransient, err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
		return errs.Internal("store.Update", fmt.Errorf("unmarshal stored payload: %w", err))
	}
	if err := filter.Apply(u, payload); err != nil {
		return errs.Input("store.Update", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errs.Input("store.Update", fmt.Errorf("marshal payload: %w", err))
	}

	bindings := s.reg.MappingsOf(collection)
	setClauses := []string{"payload = ?", "_version = ?", "_updated_at = ?"}
	args := []any{string(body), version + 1, time.Now().Unix()}
	for _, b := range bindings {
		v, _ := filter.GetPath(payload, filter.SplitPath(b.FieldPath))
		setClauses = append(setClauses, b.SlotColumn+" = ?")
		args = append(args, v)
	}
	args = append(args, collection, id)

	query := fmt.Sprintf(
		"UPDATE documents SET %s WHERE _collection = ? AND _id = ? AND _deleted = 0",
		strings.Join(setClauses, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errs.Wrap("store.Update", errs.KindTransient, err)
	}

	s.schemaEng.AnalyzeAfterInsert(ctx, collection, payload)
	return nil
}

// Delete tombstones a document: sets _deleted and leaves the envelope in
// place for possible recovery (spec 4.G Delete). Physical deletion is a
// separate maintenance operation, out of scope here.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("store.Delete"); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET _deleted = 1, _updated_at = ? WHERE _collection = ? AND _id = ? AND _deleted = 0`,
		time.Now().Unix(), collection, id)
	if err != nil {
		return errs.Wrap("store.Delete", errs.KindTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap("store.Delete", errs.KindTransient, err)
	}
	if n == 0 {
		return errs.Wrap("store.Delete", errs.KindInput, errs.ErrNotFound)
	}
	return nil
}

// Find translates filterDoc against collection and returns matching live
// documents, reporting touched field paths to the Pattern Analyzer.
func (s *Store) Find(ctx context.Context, collection string, filterDoc map[string]any, opts FindOptions) ([]Document, error) {
	node, err := filter.Parse(filterDoc)
	if err != nil {
		return nil, errs.Input("store.Find", err)
	}
	return s.findNode(ctx, collection, node, opts)
}

func (s *Store) findNode(ctx context.Context, collection string, node *filter.Node, opts FindOptions) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("store.Find"); err != nil {
		return nil, err
	}
	if err := s.ensureCollectionLoaded(ctx, collection); err != nil {
		return nil, err
	}

	res, err := s.translator.Translate(collection, node, translate.Options{
		Limit: opts.Limit, Skip: opts.Skip, Sort: opts.Sort,
		SelectList: envelopeSelectList(),
	})
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, res.Query, res.Params...)
	if err != nil {
		return nil, errs.Wrap("store.Find", errs.KindTransient, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var rawPayload string
		var created, updated int64
		if err := rows.Scan(&d.ID, &d.Collection, &d.Version, &created, &updated, &rawPayload); err != nil {
			return nil, errs.Wrap("store.Find", errs.KindTransient, err)
		}
		d.CreatedAt = time.Unix(created, 0).UTC()
		d.UpdatedAt = time.Unix(updated, 0).UTC()
		if err := json.Unmarshal([]byte(rawPayload), &d.Payload); err != nil {
			return nil, errs.Internal("store.Find", fmt.Errorf("unmarshal stored payload: %w", err))
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("store.Find", errs.KindTransient, err)
	}

	if len(res.TouchedFields) > 0 {
		s.pat.Record(ctx, time.Now().Unix(), collection, res.TouchedFields, len(docs))
	}
	return docs, nil
}

// FindOne is a convenience wrapper returning the live document with the
// given _id, or errs.ErrNotFound.
func (s *Store) FindOne(ctx context.Context, collection, id string) (*Document, error) {
	node := filter.Predicate("_id", filter.OpEq, id)
	docs, err := s.findNode(ctx, collection, node, FindOptions{})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, errs.Wrap("store.FindOne", errs.KindInput, errs.ErrNotFound)
	}
	return &docs[0], nil
}

// Count translates filterDoc the same way Find does, with the selection
// list replaced by COUNT(*) (spec 4.G Count).
func (s *Store) Count(ctx context.Context, collection string, filterDoc map[string]any) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("store.Count"); err != nil {
		return 0, err
	}
	if err := s.ensureCollectionLoaded(ctx, collection); err != nil {
		return 0, err
	}

	node, err := filter.Parse(filterDoc)
	if err != nil {
		return 0, errs.Input("store.Count", err)
	}
	res, err := s.translator.Translate(collection, node, translate.Options{SelectList: "COUNT(*)"})
	if err != nil {
		return 0, err
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, res.Query, res.Params...).Scan(&count); err != nil {
		return 0, errs.Wrap("store.Count", errs.KindTransient, err)
	}

	if len(res.TouchedFields) > 0 {
		s.pat.Record(ctx, time.Now().Unix(), collection, res.TouchedFields, int(count))
	}
	return count, nil
}

func rejectReservedTopLevelKeys(payload map[string]any) error {
	for k := range payload {
		if strings.HasPrefix(k, "_") || strings.HasPrefix(k, "$") {
			return errs.Wrap("store.rejectReservedTopLevelKeys", errs.KindInput,
				fmt.Errorf("%w: %q", errs.ErrReservedName, k))
		}
	}
	return nil
}

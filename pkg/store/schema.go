package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arkhaios/docvec/pkg/errs"
	"github.com/arkhaios/docvec/pkg/filter"
	"github.com/arkhaios/docvec/pkg/pattern"
)

// Suggestions returns the Pattern Analyzer's promotion candidates for a
// collection, ranked by impact (spec 4.E), for an admin/CLI surface.
func (s *Store) Suggestions(ctx context.Context, collection string) []pattern.Entry {
	if err := s.ensureCollectionLoaded(ctx, collection); err != nil {
		return nil
	}
	return s.pat.Suggestions(collection)
}

// PromoteField forces promotion of fieldPath in collection, taking a sample
// value from the first live document that has it (spec 4.F). Unlike the
// automatic path driven by AnalyzeAfterInsert, this lets an operator promote
// a field ahead of the query-count threshold.
func (s *Store) PromoteField(ctx context.Context, collection, fieldPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("store.PromoteField"); err != nil {
		return false, err
	}
	if err := s.ensureCollectionLoaded(ctx, collection); err != nil {
		return false, err
	}

	doc, err := s.firstDocumentWithField(ctx, collection, fieldPath)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, errs.Wrap("store.PromoteField", errs.KindInput, errs.ErrNotFound)
	}

	value, ok := filter.GetPath(doc, filter.SplitPath(fieldPath))
	if !ok {
		return false, errs.Wrap("store.PromoteField", errs.KindInput, errs.ErrNotFound)
	}
	return s.schemaEng.Promote(ctx, collection, fieldPath, value)
}

func (s *Store) firstDocumentWithField(ctx context.Context, collection, fieldPath string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM documents WHERE _collection = ? AND _deleted = 0`, collection)
	if err != nil {
		return nil, errs.Wrap("store.firstDocumentWithField", errs.KindTransient, err)
	}
	defer rows.Close()

	path := filter.SplitPath(fieldPath)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errs.Wrap("store.firstDocumentWithField", errs.KindTransient, err)
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, errs.Internal("store.firstDocumentWithField", fmt.Errorf("unmarshal stored payload: %w", err))
		}
		if _, ok := filter.GetPath(doc, path); ok {
			return doc, nil
		}
	}
	return nil, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/arkhaios/docvec/pkg/errs"
)

// Collection is a first-class record of a document namespace (SPEC_FULL §12
// supplement), adapted from the teacher's Collection (pkg/core/collections.go)
// with the vector-store-specific Dimensions field dropped — a docvec
// collection has no declared schema.
type Collection struct {
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateCollection registers a new collection. It is an error to create one
// that already exists.
func (s *Store) CreateCollection(ctx context.Context, name, description string) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("store.CreateCollection"); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections (name, description, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		name, description, now, now)
	if err != nil {
		return nil, errs.Wrap("store.CreateCollection", errs.KindConsistency,
			fmt.Errorf("%w: collection %q: %v", errs.ErrUniqueConstraint, name, err))
	}

	return &Collection{
		Name:        name,
		Description: description,
		CreatedAt:   time.Unix(now, 0).UTC(),
		UpdatedAt:   time.Unix(now, 0).UTC(),
	}, nil
}

// GetCollection retrieves a collection by name.
func (s *Store) GetCollection(ctx context.Context, name string) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("store.GetCollection"); err != nil {
		return nil, err
	}

	var c Collection
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT name, description, created_at, updated_at FROM collections WHERE name = ?`, name).
		Scan(&c.Name, &c.Description, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, errs.Wrap("store.GetCollection", errs.KindInput, errs.ErrNotFound)
	}
	if err != nil {
		return nil, errs.Wrap("store.GetCollection", errs.KindTransient, err)
	}
	c.CreatedAt = time.Unix(created, 0).UTC()
	c.UpdatedAt = time.Unix(updated, 0).UTC()
	return &c, nil
}

// ListCollections returns every registered collection, newest first.
func (s *Store) ListCollections(ctx context.Context) ([]*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("store.ListCollections"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, created_at, updated_at FROM collections ORDER BY created_at DESC`)
	if err != nil {
		return nil, errs.Wrap("store.ListCollections", errs.KindTransient, err)
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		var c Collection
		var created, updated int64
		if err := rows.Scan(&c.Name, &c.Description, &created, &updated); err != nil {
			return nil, errs.Wrap("store.ListCollections", errs.KindTransient, err)
		}
		c.CreatedAt = time.Unix(created, 0).UTC()
		c.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DropCollection deletes a collection's documents, vectors, and clears its
// Index Registry and Pattern Analyzer state (spec §3: registry/pattern state
// is "destroyed only when the collection is dropped").
func (s *Store) DropCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("store.DropCollection"); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap("store.DropCollection", errs.KindTransient, err)
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM documents WHERE _collection = ?`,
		`DELETE FROM vectors WHERE collection = ?`,
		`DELETE FROM registry_bindings WHERE collection = ?`,
		`DELETE FROM query_patterns WHERE collection = ?`,
		`DELETE FROM collections WHERE name = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return errs.Wrap("store.DropCollection", errs.KindTransient, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap("store.DropCollection", errs.KindTransient, err)
	}

	s.reg.Forget(name)
	s.pat.Forget(name)
	s.loadedMu.Lock()
	delete(s.loaded, name)
	s.loadedMu.Unlock()
	return nil
}

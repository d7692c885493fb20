// Package store implements the Document Store Surface (spec 4.G): the
// envelope-based document CRUD shell that drives the Query Translator and
// the Schema Evolution Engine. Adapted from the teacher's SQLiteStore
// (pkg/core/store.go, store_init.go, collections.go, document.go).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/arkhaios/docvec/pkg/errs"
	"github.com/arkhaios/docvec/pkg/logging"
	"github.com/arkhaios/docvec/pkg/pattern"
	"github.com/arkhaios/docvec/pkg/registry"
	"github.com/arkhaios/docvec/pkg/schema"
	"github.com/arkhaios/docvec/pkg/translate"
	"github.com/arkhaios/docvec/pkg/vsearch"
)

// Config groups the tunables the teacher's Config (pkg/core/embedding.go)
// groups for its HNSW/IVF toggles, repurposed for slot pool size and
// promotion threshold.
type Config struct {
	// Path is the SQLite DSN path, e.g. "./docvec.db" or ":memory:".
	Path string
	// SlotCount is the per-collection indexed-slot pool size (spec §5
	// default 20).
	SlotCount int
	// PromotionThreshold is the query count that triggers promotion (spec
	// 4.E default 100).
	PromotionThreshold int64
	// Logger receives promotion/backfill diagnostics; defaults to a no-op.
	Logger logging.Logger
}

// DefaultConfig mirrors the teacher's DefaultConfig constructor shape.
func DefaultConfig() Config {
	return Config{
		SlotCount:          registry.DefaultSlotCount,
		PromotionThreshold: pattern.DefaultPromotionThreshold,
	}
}

// Store ties the Index Registry, Pattern Analyzer, Schema Evolution Engine
// and Query Translator together behind the document CRUD surface.
type Store struct {
	db     *sql.DB
	config Config
	logger logging.Logger

	reg        *registry.Registry
	pat        *pattern.Analyzer
	schemaEng  *schema.Engine
	translator *translate.Translator
	vectors    *vsearch.Engine

	mu     sync.RWMutex
	closed bool

	loadedMu sync.Mutex
	loaded   map[string]bool
}

// Vectors returns the Vector Search Engine operating on this store's
// database, for collection-scoped k-NN queries (spec 4.H).
func (s *Store) Vectors() *vsearch.Engine {
	return s.vectors
}

// New opens a Store at path with default tuning.
func New(path string) (*Store, error) {
	cfg := DefaultConfig()
	cfg.Path = path
	return NewWithConfig(cfg)
}

// NewWithConfig opens a Store with custom configuration.
func NewWithConfig(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errs.Input("store.New", fmt.Errorf("database path cannot be empty"))
	}
	if cfg.SlotCount <= 0 {
		cfg.SlotCount = registry.DefaultSlotCount
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = pattern.DefaultPromotionThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	s := &Store{config: cfg, logger: cfg.Logger, loaded: make(map[string]bool)}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureCollectionLoaded populates the Index Registry's and Pattern
// Analyzer's in-memory view of collection from persisted state, once per
// collection per process lifetime. Every operation that consults reg/pat
// for a collection must call this first — otherwise, after a process
// restart against an existing database, previously-promoted bindings and
// accumulated query counts are invisible until rediscovered from scratch,
// contradicting their accrete-forever persistence (spec §3).
func (s *Store) ensureCollectionLoaded(ctx context.Context, collection string) error {
	s.loadedMu.Lock()
	if s.loaded[collection] {
		s.loadedMu.Unlock()
		return nil
	}
	s.loadedMu.Unlock()

	if err := s.reg.Load(ctx, collection); err != nil {
		return err
	}
	if err := s.pat.Load(ctx, collection); err != nil {
		return err
	}

	s.loadedMu.Lock()
	s.loaded[collection] = true
	s.loadedMu.Unlock()
	return nil
}

// open mirrors the teacher's Init: DSN recipe, connection-pool tuning, table
// creation, then wires the Registry/Pattern/Schema/Translator stack on top
// of the same *sql.DB handle.
func (s *Store) open() error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", s.config.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return errs.Wrap("store.open", errs.KindTransient, fmt.Errorf("open database: %w", err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)
	s.db = db

	if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return errs.Wrap("store.open", errs.KindTransient, fmt.Errorf("enable foreign keys: %w", err))
	}

	if err := s.createTables(context.Background()); err != nil {
		return errs.Wrap("store.open", errs.KindTransient, err)
	}

	s.reg = registry.New(s.db, s.config.SlotCount)
	s.pat = pattern.New(s.db, s.config.PromotionThreshold)
	s.schemaEng = schema.New(s.db, s.reg, s.pat, s.logger)
	s.translator = translate.New(s.reg, s.logger)
	s.vectors = vsearch.New(s.db, s.logger)

	s.logger.Info("store opened", "path", s.config.Path, "slot_count", s.config.SlotCount)
	return nil
}

func (s *Store) createTables(ctx context.Context) error {
	var slotCols string
	for i := 0; i < s.config.SlotCount; i++ {
		slotCols += fmt.Sprintf(", %s BLOB", registry.SlotColumn(i))
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS documents (
			_id TEXT NOT NULL,
			_collection TEXT NOT NULL,
			_version INTEGER NOT NULL DEFAULT 1,
			_created_at INTEGER NOT NULL,
			_updated_at INTEGER NOT NULL,
			_deleted INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL%s
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_collection_id ON documents(_collection, _id);
		CREATE INDEX IF NOT EXISTS idx_documents_collection_deleted ON documents(_collection, _deleted);

		CREATE TABLE IF NOT EXISTS registry_bindings (
			collection TEXT NOT NULL,
			field_path TEXT NOT NULL,
			slot_column_name TEXT NOT NULL,
			data_type TEXT NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_used INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(collection, field_path),
			UNIQUE(collection, slot_column_name)
		);

		CREATE TABLE IF NOT EXISTS query_patterns (
			collection TEXT NOT NULL,
			field_path TEXT NOT NULL,
			query_count INTEGER NOT NULL DEFAULT 0,
			avg_result_count REAL NOT NULL DEFAULT 0,
			last_queried INTEGER NOT NULL DEFAULT 0,
			UNIQUE(collection, field_path)
		);

		CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			collection TEXT NOT NULL,
			vector_blob BLOB NOT NULL,
			dimensions INTEGER NOT NULL,
			normalized INTEGER NOT NULL DEFAULT 0,
			model_name TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(collection, document_id, model_name)
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_collection ON vectors(collection);
		CREATE INDEX IF NOT EXISTS idx_vectors_document_id ON vectors(document_id);
	`, slotCols)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Close releases the underlying database handle. Safe to call once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen(op string) error {
	if s.closed {
		return errs.Wrap(op, errs.KindInput, errs.ErrStoreClosed)
	}
	return nil
}

func newDocumentID() string {
	return uuid.NewString()
}

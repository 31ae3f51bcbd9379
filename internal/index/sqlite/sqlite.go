// Package sqlite is the persistent index backend. Documents are stored as
// msgpack bodies in a single SQLite database (pure Go, no CGO) and their
// tokens in a pluggable text index: an FTS5 table in the same database or
// a bleve index beside it.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/Aman-CERP/searchstore/internal/codec"
	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/schema"
)

var _ index.Backend = (*Backend)(nil)

const (
	// DatabaseFileName is the SQLite file inside the data directory.
	DatabaseFileName = "store.db"

	// storeSchemaVersion is bumped when the table layout changes.
	storeSchemaVersion = 1

	defaultCacheSize = 1024
)

// Config configures a Backend.
type Config struct {
	// Dir is the data directory. Empty opens a private in-memory store.
	Dir string

	// TextIndex selects the term index. Defaults to TextIndexSQLite.
	TextIndex TextIndexKind

	// CacheSize bounds the decoded-document cache. Zero uses a default,
	// negative disables the cache.
	CacheSize int

	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration

	// LockRetry controls how long Open waits for another process to
	// release the data directory.
	LockRetry errors.RetryConfig

	// Now overrides the clock used for TTL checks.
	Now func() time.Time
}

type pendingPage struct {
	ids   []int64
	limit int
}

// Backend implements index.Backend on SQLite.
type Backend struct {
	// mu serializes writers; readers share it. database/sql is safe for
	// concurrent use but the schema cache and text index are not.
	mu sync.RWMutex

	db    *sql.DB
	text  textIndex
	lock  *FileLock
	cache *lru.Cache[int64, *model.Document]

	schema *model.Schema
	types  schema.Types

	pagesMu   sync.Mutex
	pages     map[uint64]*pendingPage
	nextToken uint64

	now    func() time.Time
	path   string
	closed bool
}

// Open opens or creates the store described by cfg.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	b := &Backend{
		pages: make(map[uint64]*pendingPage),
		now:   cfg.Now,
	}
	if b.now == nil {
		b.now = time.Now
	}

	dsn := ":memory:"
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, errors.New(errors.ErrCodeBackend, "failed to create data directory", err).
				WithDetail("path", cfg.Dir)
		}
		b.lock = NewFileLock(cfg.Dir)
		if err := b.lock.Acquire(ctx, cfg.LockRetry); err != nil {
			return nil, err
		}
		dsn = filepath.Join(cfg.Dir, DatabaseFileName)
		b.path = dsn
		if err := validateIntegrity(dsn); err != nil {
			_ = b.lock.Unlock()
			return nil, err
		}
	}

	if err := b.openDB(dsn, cfg); err != nil {
		if b.lock != nil {
			_ = b.lock.Unlock()
		}
		return nil, err
	}

	text, err := newTextIndex(cfg.TextIndex, b.db, cfg.Dir)
	if err != nil {
		b.abort()
		return nil, errors.Wrap(errors.ErrCodeBackend, err)
	}
	b.text = text

	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = defaultCacheSize
	}
	if cacheSize > 0 {
		cache, err := lru.New[int64, *model.Document](cacheSize)
		if err != nil {
			b.abort()
			return nil, errors.InternalError("failed to create document cache", err)
		}
		b.cache = cache
	}

	if err := b.loadSchema(ctx); err != nil {
		b.abort()
		return nil, err
	}

	// A fresh bleve index next to an existing database needs refilling.
	if _, ok := b.text.(*bleveIndex); ok && cfg.Dir != "" {
		if err := b.syncBleve(ctx); err != nil {
			b.abort()
			return nil, err
		}
	}

	slog.Debug("sqlite_backend_opened",
		slog.String("path", dsn),
		slog.String("text_index", string(cfg.TextIndex)),
		slog.Int("schema_types", len(b.schema.Types)))
	return b, nil
}

func (b *Backend) openDB(dsn string, cfg Config) error {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return errors.New(errors.ErrCodeBackend, "failed to open database", err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-32000", // 32MB
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return errors.New(errors.ErrCodeBackend, fmt.Sprintf("failed to set pragma %q", pragma), err)
		}
	}

	// One connection: an in-memory database is private to its connection
	// and SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	b.db = db
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return err
	}
	return nil
}

// abort releases everything Open acquired so far.
func (b *Backend) abort() {
	if b.text != nil {
		_ = b.text.close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
	if b.lock != nil {
		_ = b.lock.Unlock()
	}
}

func (b *Backend) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS store_schema (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			body BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			namespace TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			schema_type TEXT NOT NULL,
			created_ms INTEGER NOT NULL,
			expires_ms INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_used_ms INTEGER NOT NULL DEFAULT 0,
			body BLOB NOT NULL,
			UNIQUE(namespace, doc_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(schema_type)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_order ON documents(created_ms DESC, id DESC)`,
		`CREATE TABLE IF NOT EXISTS optimize_stats (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			deleted_docs INTEGER NOT NULL DEFAULT 0,
			deleted_bytes INTEGER NOT NULL DEFAULT 0,
			last_optimize_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO optimize_stats(id) VALUES (1)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return errors.New(errors.ErrCodeBackend, "failed to initialize tables", err)
		}
	}

	var version int
	err := b.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return errors.New(errors.ErrCodeBackend, "failed to read table layout version", err)
	}
	switch {
	case version == 0:
		if _, err := b.db.Exec(`INSERT INTO schema_version(version) VALUES (?)`, storeSchemaVersion); err != nil {
			return errors.New(errors.ErrCodeBackend, "failed to record table layout version", err)
		}
	case version > storeSchemaVersion:
		return errors.New(errors.ErrCodeCorruptStore,
			fmt.Sprintf("store layout version %d is newer than supported version %d", version, storeSchemaVersion), nil).
			WithSuggestion("Upgrade searchstore to open this data directory")
	}
	return nil
}

// validateIntegrity refuses to open a database file SQLite reports as
// damaged. Unlike a derived search index the store is the primary copy,
// so nothing is cleared automatically.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return corrupt(path, err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return corrupt(path, err)
	}
	if result != "ok" {
		return corrupt(path, fmt.Errorf("integrity check: %s", result))
	}
	return nil
}

func corrupt(path string, cause error) error {
	return errors.New(errors.ErrCodeCorruptStore, "store database is corrupted", cause).
		WithDetail("path", path).
		WithSuggestion("Restore the data directory from a backup or remove it to start empty")
}

func (b *Backend) loadSchema(ctx context.Context) error {
	var body []byte
	err := b.db.QueryRowContext(ctx, `SELECT body FROM store_schema WHERE id = 1`).Scan(&body)
	switch {
	case err == sql.ErrNoRows:
		b.setSchemaCache(&model.Schema{})
		return nil
	case err != nil:
		return errors.New(errors.ErrCodeBackend, "failed to load schema", err)
	}
	s, err := codec.UnmarshalSchema(body)
	if err != nil {
		return corrupt(b.path, err)
	}
	b.setSchemaCache(s)
	return nil
}

func (b *Backend) setSchemaCache(s *model.Schema) {
	b.schema = s
	b.types = schema.IndexTypes(s)
}

// syncBleve refills the bleve index when it holds fewer entries than the
// documents table, which happens after it was recreated.
func (b *Backend) syncBleve(ctx context.Context) error {
	bi := b.text.(*bleveIndex)
	indexed, err := bi.index.DocCount()
	if err != nil {
		return errors.Wrap(errors.ErrCodeBackend, err)
	}
	var rows int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&rows); err != nil {
		return errors.New(errors.ErrCodeBackend, "failed to count documents", err)
	}
	if int64(indexed) >= rows {
		return nil
	}
	slog.Info("text_index_rebuild", slog.Int64("documents", rows), slog.Uint64("indexed", indexed))
	return b.reindexWhere(ctx, "1 = 1")
}

func (b *Backend) nowMillis() int64 {
	return b.now().UnixMilli()
}

func (b *Backend) checkOpen() error {
	if b.closed {
		return errors.StoreClosed("sqlite backend")
	}
	return nil
}

// PersistToDisk implements index.Backend by checkpointing the WAL into the
// main database file.
func (b *Backend) PersistToDisk(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.Backend("persist", err)
	}
	return nil
}

// Reset implements index.Backend.
func (b *Backend) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Backend("reset", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM documents`,
		`DELETE FROM store_schema`,
		`UPDATE optimize_stats SET deleted_docs = 0, deleted_bytes = 0`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Backend("reset", err)
		}
	}
	if err := b.text.reset(ctx, tx); err != nil {
		return errors.Backend("reset", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Backend("reset", err)
	}

	b.setSchemaCache(&model.Schema{})
	b.purgeCaches()
	return nil
}

func (b *Backend) purgeCaches() {
	if b.cache != nil {
		b.cache.Purge()
	}
	b.pagesMu.Lock()
	b.pages = make(map[uint64]*pendingPage)
	b.pagesMu.Unlock()
}

// Close implements index.Backend. The WAL is checkpointed first so the
// database file is self-contained once closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	if b.path != "" {
		if _, err := b.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			slog.Warn("wal_checkpoint_failed", slog.String("error", err.Error()))
		}
	}
	if err := b.text.close(); err != nil {
		firstErr = err
	}
	if err := b.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if b.lock != nil {
		if err := b.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

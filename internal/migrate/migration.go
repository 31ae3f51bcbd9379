package migrate

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/searchstore/internal/codec"
	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/model"
)

// State is a migration's position in its lifecycle.
type State int

const (
	StateNotStarted State = iota
	StateQuerying
	StateTransforming
	StateReindexing
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateQuerying:
		return "QUERYING"
	case StateTransforming:
		return "TRANSFORMING"
	case StateReindexing:
		return "REINDEXING"
	case StateCommitted:
		return "COMMITTED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config tunes a migration.
type Config struct {
	// MaxFailures aborts the migration before the schema changes when more
	// documents than this fail to transform. Zero means no limit.
	MaxFailures int
	// Parallelism bounds how many types are transformed at once.
	Parallelism int
	// SpillDir holds the spill file. Empty uses the system temp dir.
	SpillDir string
	Logger   *slog.Logger
}

// Reader streams every document of a local schema type to fn.
type Reader func(ctx context.Context, schemaType string, fn func(*model.Document) error) error

// Writer stores one migrated document.
type Writer func(ctx context.Context, doc *model.Document) error

// Migration carries one schema change's documents from the old schema to
// the new one.
type Migration struct {
	cfg       Config
	migrators map[string]Migrator
	current   int
	final     int

	mu       sync.Mutex
	state    State
	types    []string
	failures []model.MigrationFailure
	spill    *os.File
	spillW   *bufio.Writer
	docs     *codec.DocumentWriter
}

// New prepares a migration from currentVersion to finalVersion.
func New(cfg Config, migrators map[string]Migrator, currentVersion, finalVersion int) *Migration {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Migration{
		cfg:       cfg,
		migrators: migrators,
		current:   currentVersion,
		final:     finalVersion,
	}
}

// State returns the current state.
func (m *Migration) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Migration) transition(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	m.cfg.Logger.Debug("migration_state",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("current_version", m.current),
		slog.Int("final_version", m.final))
}

// Fail moves the migration to FAILED. Calling it on nil is a no-op.
func (m *Migration) Fail(cause error) {
	if m == nil {
		return
	}
	m.transition(StateFailed)
	attrs := []any{slog.Int("failures", len(m.Failures()))}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	m.cfg.Logger.Warn("migration_failed", attrs...)
}

// Types returns the migrated types, sorted.
func (m *Migration) Types() []string {
	return append([]string(nil), m.types...)
}

// Failures returns the documents that could not be migrated, ordered by
// type, namespace and id.
func (m *Migration) Failures() []model.MigrationFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]model.MigrationFailure(nil), m.failures...)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SchemaType != b.SchemaType {
			return a.SchemaType < b.SchemaType
		}
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		return a.ID < b.ID
	})
	return out
}

// TooManyFailures reports whether the failure limit was exceeded.
func (m *Migration) TooManyFailures() bool {
	if m.cfg.MaxFailures <= 0 {
		return false
	}
	return len(m.Failures()) > m.cfg.MaxFailures
}

// Spilled is the number of transformed documents waiting to be written.
func (m *Migration) Spilled() int {
	if m.docs == nil {
		return 0
	}
	return m.docs.Count()
}

func (m *Migration) fail(doc *model.Document, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, model.MigrationFailure{
		Namespace:  doc.Namespace,
		ID:         doc.ID,
		SchemaType: doc.SchemaType,
		Err:        err,
	})
}

// Transform reads every document of types, converts it and spills the
// result. validType reports whether a local type exists in the new schema;
// documents converted to any other type fail. Per-document problems are
// collected as failures; a read error aborts.
func (m *Migration) Transform(ctx context.Context, types []string, read Reader, validType func(string) bool) error {
	m.types = append([]string(nil), types...)
	sortStrings(m.types)

	if err := m.openSpill(); err != nil {
		return err
	}

	m.transition(StateQuerying)
	m.transition(StateTransforming)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallelism)

	for _, typ := range m.types {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return read(gctx, typ, func(doc *model.Document) error {
				return m.transformOne(typ, doc, validType)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := m.spillW.Flush(); err != nil {
		return errors.New(errors.ErrCodeBackend, "failed to flush migration spill file", err)
	}

	m.cfg.Logger.Info("migration_transformed",
		slog.Any("types", m.types),
		slog.Int("documents", m.Spilled()),
		slog.Int("failures", len(m.Failures())))
	return nil
}

func (m *Migration) transformOne(typ string, doc *model.Document, validType func(string) bool) error {
	out, err := Transform(m.migrators[typ], m.current, m.final, doc)
	if err != nil {
		m.fail(doc, err)
		return nil
	}
	if out == nil {
		m.fail(doc, errors.InvalidArgumentf("migrator for %q returned no document", typ))
		return nil
	}
	if !validType(out.SchemaType) {
		m.fail(doc, errors.NotFound("migrated document has schema type %q which is not in the new schema", out.SchemaType).
			WithDetail("schema_type", out.SchemaType))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.docs.Write(out); err != nil {
		return errors.New(errors.ErrCodeBackend, "failed to spill migrated document", err)
	}
	return nil
}

func (m *Migration) openSpill() error {
	f, err := os.CreateTemp(m.cfg.SpillDir, "searchstore-migration-*.msgpack")
	if err != nil {
		return errors.New(errors.ErrCodeBackend, "failed to create migration spill file", err).
			WithDetail("dir", m.cfg.SpillDir)
	}
	m.spill = f
	m.spillW = bufio.NewWriter(f)
	m.docs = codec.NewDocumentWriter(m.spillW)
	return nil
}

// Reindex writes every spilled document back through write. It runs
// after the new schema is in place, so documents the new schema rejects
// become failures and the migration is COMMITTED. If the spill cannot be
// read to the end, the documents left unwritten are recorded as a single
// failure without an id, the migration is FAILED and the cause returned.
func (m *Migration) Reindex(ctx context.Context, write Writer) error {
	m.transition(StateReindexing)

	processed, err := m.reindex(ctx, write)
	if err != nil {
		unwritten := m.Spilled() - processed
		m.mu.Lock()
		m.failures = append(m.failures, model.MigrationFailure{
			Err: errors.New(errors.ErrCodeMigrationFailed,
				fmt.Sprintf("reindex stopped with %d migrated documents unwritten", unwritten), err).
				WithDetail("unwritten", fmt.Sprint(unwritten)),
		})
		m.mu.Unlock()
		m.Fail(err)
		return err
	}

	m.transition(StateCommitted)
	return nil
}

func (m *Migration) reindex(ctx context.Context, write Writer) (int, error) {
	if m.spill == nil {
		return 0, nil
	}
	if _, err := m.spill.Seek(0, io.SeekStart); err != nil {
		return 0, errors.New(errors.ErrCodeBackend, "failed to rewind migration spill file", err)
	}
	r := codec.NewDocumentReader(bufio.NewReader(m.spill))
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		doc, err := r.Read()
		if stderrors.Is(err, io.EOF) {
			return processed, nil
		}
		if err != nil {
			return processed, errors.New(errors.ErrCodeCorruptStore, "failed to read migration spill file", err)
		}
		if err := write(ctx, doc); err != nil {
			m.fail(doc, err)
		}
		processed++
	}
}

// Close removes the spill file.
func (m *Migration) Close() error {
	if m.spill == nil {
		return nil
	}
	name := m.spill.Name()
	_ = m.spill.Close()
	m.spill = nil
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func sortStrings(s []string) {
	sort.Strings(s)
}

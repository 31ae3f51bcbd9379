// Package visibility stores per-type read grants and answers whether a
// caller may search a schema type.
//
// Records are ordinary backend documents kept under a reserved prefix that
// no tenant can produce: the engine refuses the reserved owner id.
package visibility

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/prefix"
)

const (
	// OwnerID is the reserved owner of the visibility database.
	OwnerID = "VS#Pkg"
	// DatabaseName is the reserved database holding visibility records.
	DatabaseName = "VS#Db"
	// SchemaTypeName is the local name of the record type.
	SchemaTypeName = "VisibilityType"

	propNotPlatformSurfaceable = "notPlatformSurfaceable"
	propPackageName            = "packageName"
	propSHA256Cert             = "sha256Cert"
	propRole                   = "role"
	propPermission             = "permission"

	// DefaultCacheSize bounds the decision cache when no size is given.
	DefaultCacheSize = 4096
)

// Prefix is the reserved prefix of the visibility database.
var Prefix = OwnerID + prefix.PackageDelimiter + DatabaseName + prefix.DatabaseDelimiter

// PrefixedSchemaType is the backend name of the record type.
var PrefixedSchemaType = Prefix + SchemaTypeName

// Records live in the reserved database's empty namespace.
var recordNamespace = Prefix

// Record is the visibility of one prefixed schema type.
type Record struct {
	PrefixedType string
	Settings     model.VisibilitySettings
}

// IsDefault reports whether r grants exactly what a missing record grants.
func (r Record) IsDefault() bool {
	s := r.Settings
	return !s.NotPlatformSurfaceable && len(s.PackageAccess) == 0 && len(s.Roles) == 0 && len(s.Permissions) == 0
}

func (r Record) restricted() bool {
	return len(r.Settings.PackageAccess) > 0 || len(r.Settings.Roles) > 0
}

// Schema returns the record type as registered in the backend.
func Schema() model.SchemaType {
	return model.SchemaType{
		Name: PrefixedSchemaType,
		Properties: []model.PropertyConfig{
			{Name: propNotPlatformSurfaceable, DataType: model.DataTypeBoolean, Cardinality: model.CardinalityOptional},
			{Name: propPackageName, DataType: model.DataTypeString, Cardinality: model.CardinalityRepeated},
			{Name: propPermission, DataType: model.DataTypeString, Cardinality: model.CardinalityRepeated},
			{Name: propRole, DataType: model.DataTypeString, Cardinality: model.CardinalityRepeated},
			{Name: propSHA256Cert, DataType: model.DataTypeBytes, Cardinality: model.CardinalityRepeated},
		},
	}
}

// Option configures a Store.
type Option func(*Store)

// WithCacheSize bounds the decision cache. Non-positive sizes keep the
// default.
func WithCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store keeps visibility records in memory and persists them through the
// backend.
type Store struct {
	backend index.Backend
	logger  *slog.Logger

	mu        sync.RWMutex
	records   map[string]Record
	cache     *lru.Cache[string, bool]
	cacheSize int
}

// New returns a store over backend. Call Initialize before use.
func New(backend index.Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend:   backend,
		logger:    slog.Default(),
		records:   make(map[string]Record),
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New[string, bool](s.cacheSize)
	if err != nil {
		return nil, errors.InternalError("failed to create visibility cache", err)
	}
	s.cache = cache
	return s, nil
}

// Initialize registers the record type if the backend lacks it and loads
// every persisted record.
func (s *Store) Initialize(ctx context.Context) error {
	current, err := s.backend.GetSchema(ctx)
	if err != nil {
		return errors.Backend("visibility init", err)
	}
	if _, ok := current.Type(PrefixedSchemaType); !ok {
		next := current.Clone()
		next.Types = append(next.Types, Schema())
		res, err := s.backend.SetSchema(ctx, next, false)
		if err != nil {
			return errors.Backend("visibility init", err)
		}
		if !res.Applied {
			return errors.InternalError("backend refused the visibility schema", nil)
		}
	}

	records := make(map[string]Record)
	page, err := s.backend.Query(ctx, &index.SearchSpec{
		SchemaTypes: []string{PrefixedSchemaType},
		Namespaces:  []string{recordNamespace},
		Limit:       1000,
	})
	for err == nil {
		for _, doc := range page.Documents {
			records[doc.ID] = fromDocument(doc)
		}
		if page.NextPageToken == 0 {
			break
		}
		page, err = s.backend.GetNextPage(ctx, page.NextPageToken)
	}
	if err != nil {
		return errors.Backend("visibility load", err)
	}

	s.mu.Lock()
	s.records = records
	s.cache.Purge()
	s.mu.Unlock()

	s.logger.Debug("visibility_loaded", slog.Int("records", len(records)))
	return nil
}

// Get returns the record for a prefixed type.
func (s *Store) Get(prefixedType string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[prefixedType]
	return r, ok
}

// SetVisibility upserts records.
func (s *Store) SetVisibility(ctx context.Context, records []Record) error {
	return s.Apply(ctx, records, nil)
}

// RemoveVisibility drops the records of prefixed types. Types without a
// record are ignored.
func (s *Store) RemoveVisibility(ctx context.Context, prefixedTypes []string) error {
	return s.Apply(ctx, nil, prefixedTypes)
}

// Apply upserts set and drops remove as one unit. Memory changes only once
// every backend write succeeded; a failed write puts the previously
// persisted records back. Default records are stored as absences.
func (s *Store) Apply(ctx context.Context, set []Record, remove []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*Record)
	for _, t := range remove {
		next[t] = nil
	}
	for i := range set {
		r := set[i]
		if r.IsDefault() {
			next[r.PrefixedType] = nil
			continue
		}
		next[r.PrefixedType] = &r
	}

	var written []string
	for _, t := range sortedKeys(next) {
		r := next[t]
		_, existed := s.records[t]
		if r == nil && !existed {
			continue
		}
		if err := s.write(ctx, t, r); err != nil {
			s.restore(ctx, written)
			return errors.Backend("visibility apply", err)
		}
		written = append(written, t)
	}

	for _, t := range written {
		if r := next[t]; r != nil {
			s.records[t] = *r
		} else {
			delete(s.records, t)
		}
	}
	s.cache.Purge()
	return nil
}

func (s *Store) write(ctx context.Context, prefixedType string, r *Record) error {
	if r == nil {
		err := s.backend.DeleteDocument(ctx, recordNamespace, prefixedType)
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	return s.backend.PutDocument(ctx, toDocument(*r))
}

// restore rewrites the persisted state of types from memory, which still
// holds the pre-Apply records.
func (s *Store) restore(ctx context.Context, types []string) {
	for _, t := range types {
		var prior *Record
		if r, ok := s.records[t]; ok {
			prior = &r
		}
		if err := s.write(ctx, t, prior); err != nil {
			s.logger.Error("visibility_restore_failed",
				slog.String("schema_type", t),
				slog.String("error", err.Error()))
		}
	}
}

// Reset forgets every record. The backend is expected to have been reset.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
	s.cache.Purge()
}

// IsSearchableByCaller reports whether caller may read documents of a
// prefixed type. A type without a record is searchable by everyone.
func (s *Store) IsSearchableByCaller(prefixedType string, caller model.CallerIdentity) bool {
	key := cacheKey(prefixedType, caller)

	// Apply purges under the write lock, so a decision cached under the
	// read lock always reflects the records it was computed from.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.cache.Get(key); ok {
		return v
	}
	r, ok := s.records[prefixedType]
	allowed := !ok || decide(r, caller)
	s.cache.Add(key, allowed)
	return allowed
}

func decide(r Record, caller model.CallerIdentity) bool {
	packageGrant := false
	for _, p := range r.Settings.PackageAccess {
		if p.Equal(caller.Package()) {
			packageGrant = true
			break
		}
	}
	roleGrant := false
	for _, role := range r.Settings.Roles {
		if caller.HasRole(role) {
			roleGrant = true
			break
		}
	}

	var allowed bool
	if caller.Platform {
		allowed = !r.Settings.NotPlatformSurfaceable || packageGrant || roleGrant
	} else {
		allowed = !r.restricted() || packageGrant || roleGrant
	}
	if !allowed {
		return false
	}
	for _, perm := range r.Settings.Permissions {
		if !caller.HasPermission(perm) {
			return false
		}
	}
	return true
}

func cacheKey(prefixedType string, caller model.CallerIdentity) string {
	roles := append([]string(nil), caller.Roles...)
	perms := append([]string(nil), caller.Permissions...)
	sort.Strings(roles)
	sort.Strings(perms)
	var sb strings.Builder
	sb.WriteString(prefixedType)
	sb.WriteByte(0)
	sb.WriteString(caller.PackageName)
	sb.WriteByte(0)
	sb.WriteString(hex.EncodeToString(caller.SHA256Cert))
	sb.WriteByte(0)
	if caller.Platform {
		sb.WriteByte('p')
	}
	sb.WriteByte(0)
	sb.WriteString(strings.Join(roles, ","))
	sb.WriteByte(0)
	sb.WriteString(strings.Join(perms, ","))
	return sb.String()
}

func toDocument(r Record) *model.Document {
	doc := &model.Document{
		Namespace:  recordNamespace,
		ID:         r.PrefixedType,
		SchemaType: PrefixedSchemaType,
	}
	doc.SetProperty(propNotPlatformSurfaceable, model.BooleanValues{r.Settings.NotPlatformSurfaceable})
	if n := len(r.Settings.PackageAccess); n > 0 {
		names := make(model.StringValues, n)
		certs := make(model.BytesValues, n)
		for i, p := range r.Settings.PackageAccess {
			names[i] = p.PackageName
			certs[i] = p.SHA256Cert
		}
		doc.SetProperty(propPackageName, names)
		doc.SetProperty(propSHA256Cert, certs)
	}
	if len(r.Settings.Roles) > 0 {
		doc.SetProperty(propRole, model.StringValues(r.Settings.Roles))
	}
	if len(r.Settings.Permissions) > 0 {
		doc.SetProperty(propPermission, model.StringValues(r.Settings.Permissions))
	}
	return doc
}

func fromDocument(doc *model.Document) Record {
	r := Record{PrefixedType: doc.ID}
	if vals := doc.Booleans(propNotPlatformSurfaceable); len(vals) > 0 {
		r.Settings.NotPlatformSurfaceable = vals[0]
	}
	names := doc.Strings(propPackageName)
	certs := doc.Bytes(propSHA256Cert)
	for i, name := range names {
		p := model.PackageIdentifier{PackageName: name}
		if i < len(certs) {
			p.SHA256Cert = certs[i]
		}
		r.Settings.PackageAccess = append(r.Settings.PackageAccess, p)
	}
	r.Settings.Roles = doc.Strings(propRole)
	r.Settings.Permissions = doc.Strings(propPermission)
	return r
}

func sortedKeys(m map[string]*Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package memory is an in-process index backend. Documents live in maps;
// terms, schema types and namespaces map to roaring posting lists of
// internal document ids. Deletes only tombstone an id, so postings go
// stale until Optimize compacts them, which gives the optimize scheduler
// real reclaimable state to measure.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/schema"
)

var _ index.Backend = (*Backend)(nil)

type docKey struct {
	namespace string
	id        string
}

type entry struct {
	doc        *model.Document
	size       int64
	usageCount int
	lastUsedMs int64
}

type pendingPage struct {
	ids   []uint32
	limit int
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock overrides the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Backend implements index.Backend in memory.
type Backend struct {
	mu sync.RWMutex

	schema *model.Schema
	types  schema.Types

	docs   map[uint32]*entry
	keys   map[docKey]uint32
	nextID uint32

	terms       map[string]*roaring.Bitmap
	prefixTerms map[string]*roaring.Bitmap
	byType      map[string]*roaring.Bitmap
	byNamespace map[string]*roaring.Bitmap
	deleted     *roaring.Bitmap

	deletedBytes int64

	pages     map[uint64]*pendingPage
	nextToken uint64

	now    func() time.Time
	closed bool
}

// New returns an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.resetLocked()
	return b
}

func (b *Backend) resetLocked() {
	b.schema = &model.Schema{}
	b.types = schema.Types{}
	b.docs = make(map[uint32]*entry)
	b.keys = make(map[docKey]uint32)
	b.nextID = 1
	b.terms = make(map[string]*roaring.Bitmap)
	b.prefixTerms = make(map[string]*roaring.Bitmap)
	b.byType = make(map[string]*roaring.Bitmap)
	b.byNamespace = make(map[string]*roaring.Bitmap)
	b.deleted = roaring.New()
	b.deletedBytes = 0
	b.pages = make(map[uint64]*pendingPage)
}

func (b *Backend) nowMillis() int64 {
	return b.now().UnixMilli()
}

func (b *Backend) checkOpen() error {
	if b.closed {
		return errors.StoreClosed("memory backend")
	}
	return nil
}

// PutDocument implements index.Backend.
func (b *Backend) PutDocument(_ context.Context, doc *model.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := schema.ValidateDocument(b.types, doc); err != nil {
		return err
	}

	key := docKey{doc.Namespace, doc.ID}
	if old, ok := b.keys[key]; ok {
		b.tombstoneLocked(old)
	}

	id := b.nextID
	b.nextID++
	stored := doc.Clone()
	b.docs[id] = &entry{doc: stored, size: stored.EstimatedSize()}
	b.keys[key] = id
	b.indexLocked(id, stored)
	return nil
}

func (b *Backend) indexLocked(id uint32, doc *model.Document) {
	addPosting(b.byType, doc.SchemaType, id)
	addPosting(b.byNamespace, doc.Namespace, id)
	text := index.ExtractText(b.types, doc)
	for _, tok := range text.Exact {
		addPosting(b.terms, tok, id)
	}
	for _, tok := range text.Prefix {
		addPosting(b.terms, tok, id)
		addPosting(b.prefixTerms, tok, id)
	}
}

func addPosting(m map[string]*roaring.Bitmap, key string, id uint32) {
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	bm.Add(id)
}

func (b *Backend) tombstoneLocked(id uint32) {
	e, ok := b.docs[id]
	if !ok {
		return
	}
	delete(b.docs, id)
	delete(b.keys, docKey{e.doc.Namespace, e.doc.ID})
	b.deleted.Add(id)
	b.deletedBytes += e.size
}

// GetDocument implements index.Backend.
func (b *Backend) GetDocument(_ context.Context, namespace, id string) (*model.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	e, ok := b.liveLocked(namespace, id)
	if !ok {
		return nil, notFound(namespace, id)
	}
	return e.doc.Clone(), nil
}

func (b *Backend) liveLocked(namespace, id string) (*entry, bool) {
	docID, ok := b.keys[docKey{namespace, id}]
	if !ok {
		return nil, false
	}
	e := b.docs[docID]
	if e.doc.Expired(b.nowMillis()) {
		return nil, false
	}
	return e, true
}

func notFound(namespace, id string) error {
	return errors.NotFound("document (%s, %s) not found", namespace, id).
		WithDetail("namespace", namespace).
		WithDetail("id", id)
}

// DeleteDocument implements index.Backend.
func (b *Backend) DeleteDocument(_ context.Context, namespace, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	if _, ok := b.liveLocked(namespace, id); !ok {
		return notFound(namespace, id)
	}
	b.tombstoneLocked(b.keys[docKey{namespace, id}])
	return nil
}

// matchLocked returns the live, unexpired ids matching spec, newest first.
func (b *Backend) matchLocked(spec *index.SearchSpec) []uint32 {
	candidates := roaring.New()
	for id := range b.docs {
		candidates.Add(id)
	}

	if len(spec.SchemaTypes) > 0 {
		candidates.And(unionOf(b.byType, spec.SchemaTypes))
	}
	if len(spec.Namespaces) > 0 {
		candidates.And(unionOf(b.byNamespace, spec.Namespaces))
	}
	for _, term := range index.QueryTerms(spec.Query) {
		if candidates.IsEmpty() {
			break
		}
		candidates.And(b.termPostingsLocked(term, spec.TermMatch))
	}

	now := b.nowMillis()
	ids := make([]uint32, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		id := it.Next()
		if !b.docs[id].doc.Expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		di, dj := b.docs[ids[i]].doc, b.docs[ids[j]].doc
		if di.CreationTimestampMillis != dj.CreationTimestampMillis {
			return di.CreationTimestampMillis > dj.CreationTimestampMillis
		}
		return ids[i] > ids[j]
	})
	return ids
}

func (b *Backend) termPostingsLocked(term string, match model.TermMatch) *roaring.Bitmap {
	out := roaring.New()
	if bm, ok := b.terms[term]; ok {
		out.Or(bm)
	}
	if match == model.TermMatchPrefix {
		for tok, bm := range b.prefixTerms {
			if strings.HasPrefix(tok, term) {
				out.Or(bm)
			}
		}
	}
	return out
}

func unionOf(m map[string]*roaring.Bitmap, keys []string) *roaring.Bitmap {
	out := roaring.New()
	for _, k := range keys {
		if bm, ok := m[k]; ok {
			out.Or(bm)
		}
	}
	return out
}

// Query implements index.Backend.
func (b *Backend) Query(_ context.Context, spec *index.SearchSpec) (*index.ResultPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ids := b.matchLocked(spec)
	return b.pageLocked(ids, spec.PageSize(), 0), nil
}

// pageLocked cuts the first page from ids and parks the rest under a token.
func (b *Backend) pageLocked(ids []uint32, limit int, token uint64) *index.ResultPage {
	page := &index.ResultPage{}
	now := b.nowMillis()
	taken := 0
	for taken < len(ids) && len(page.Documents) < limit {
		if e, ok := b.docs[ids[taken]]; ok && !e.doc.Expired(now) {
			page.Documents = append(page.Documents, e.doc.Clone())
		}
		taken++
	}
	rest := ids[taken:]
	if len(rest) == 0 {
		if token != 0 {
			delete(b.pages, token)
		}
		return page
	}
	if token == 0 {
		b.nextToken++
		token = b.nextToken
	}
	b.pages[token] = &pendingPage{ids: rest, limit: limit}
	page.NextPageToken = token
	return page
}

// GetNextPage implements index.Backend.
func (b *Backend) GetNextPage(_ context.Context, token uint64) (*index.ResultPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	pending, ok := b.pages[token]
	if !ok {
		return &index.ResultPage{}, nil
	}
	return b.pageLocked(pending.ids, pending.limit, token), nil
}

// InvalidateNextPageToken implements index.Backend.
func (b *Backend) InvalidateNextPageToken(_ context.Context, token uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pages, token)
}

// RemoveByQuery implements index.Backend.
func (b *Backend) RemoveByQuery(_ context.Context, spec *index.SearchSpec) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	ids := b.matchLocked(spec)
	for _, id := range ids {
		b.tombstoneLocked(id)
	}
	return len(ids), nil
}

// GetSchema implements index.Backend.
func (b *Backend) GetSchema(_ context.Context) (*model.Schema, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return b.schema.Clone(), nil
}

// SetSchema implements index.Backend.
func (b *Backend) SetSchema(_ context.Context, s *model.Schema, forceOverride bool) (*index.SetSchemaResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	delta := schema.ComputeDelta(b.schema, s)
	res := &index.SetSchemaResult{
		DeletedTypes:      delta.Deleted,
		IncompatibleTypes: delta.Incompatible,
	}

	if !forceOverride && (len(delta.Incompatible) > 0 || b.anyLiveLocked(delta.Deleted)) {
		return res, nil
	}

	if forceOverride {
		for _, typ := range append(append([]string(nil), delta.Deleted...), delta.Incompatible...) {
			if bm, ok := b.byType[typ]; ok {
				for _, id := range bm.ToArray() {
					b.tombstoneLocked(id)
				}
			}
		}
	}

	b.schema = s.Clone()
	b.types = schema.IndexTypes(b.schema)
	b.reindexLocked()
	res.Applied = true
	return res, nil
}

func (b *Backend) anyLiveLocked(types []string) bool {
	for _, typ := range types {
		bm, ok := b.byType[typ]
		if !ok {
			continue
		}
		it := bm.Iterator()
		for it.HasNext() {
			if _, live := b.docs[it.Next()]; live {
				return true
			}
		}
	}
	return false
}

// reindexLocked rebuilds the term postings from live documents, picking
// up indexing changes of a new schema. Type and namespace postings are
// unaffected by schema changes.
func (b *Backend) reindexLocked() {
	b.terms = make(map[string]*roaring.Bitmap)
	b.prefixTerms = make(map[string]*roaring.Bitmap)
	for id, e := range b.docs {
		text := index.ExtractText(b.types, e.doc)
		for _, tok := range text.Exact {
			addPosting(b.terms, tok, id)
		}
		for _, tok := range text.Prefix {
			addPosting(b.terms, tok, id)
			addPosting(b.prefixTerms, tok, id)
		}
	}
}

// Namespaces implements index.Backend.
func (b *Backend) Namespaces(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	now := b.nowMillis()
	seen := make(map[string]struct{})
	for _, e := range b.docs {
		if !e.doc.Expired(now) {
			seen[e.doc.Namespace] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

// NamespaceStats implements index.Backend.
func (b *Backend) NamespaceStats(_ context.Context) (map[string]index.NamespaceStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	now := b.nowMillis()
	out := make(map[string]index.NamespaceStats)
	for _, e := range b.docs {
		if e.doc.Expired(now) {
			continue
		}
		st := out[e.doc.Namespace]
		st.Documents++
		st.SizeBytes += e.size
		out[e.doc.Namespace] = st
	}
	return out, nil
}

// ReportUsage implements index.Backend.
func (b *Backend) ReportUsage(_ context.Context, namespace, id string, timestampMillis int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	e, ok := b.liveLocked(namespace, id)
	if !ok {
		return notFound(namespace, id)
	}
	e.usageCount++
	if timestampMillis > e.lastUsedMs {
		e.lastUsedMs = timestampMillis
	}
	return nil
}

// UsageCount returns how often a document was reported used.
func (b *Backend) UsageCount(namespace, id string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.liveLocked(namespace, id); ok {
		return e.usageCount
	}
	return 0
}

// GetOptimizeInfo implements index.Backend. Expired documents count as
// optimizable alongside tombstones.
func (b *Backend) GetOptimizeInfo(_ context.Context) (*index.OptimizeInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	info := &index.OptimizeInfo{
		OptimizableDocs:           int(b.deleted.GetCardinality()),
		EstimatedOptimizableBytes: b.deletedBytes,
	}
	now := b.nowMillis()
	for _, e := range b.docs {
		if e.doc.Expired(now) {
			info.OptimizableDocs++
			info.EstimatedOptimizableBytes += e.size
		}
	}
	return info, nil
}

// Optimize implements index.Backend: expired documents are dropped and
// tombstoned ids are removed from every posting list.
func (b *Backend) Optimize(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	now := b.nowMillis()
	for id, e := range b.docs {
		if e.doc.Expired(now) {
			b.tombstoneLocked(id)
		}
	}
	for _, m := range []map[string]*roaring.Bitmap{b.terms, b.prefixTerms, b.byType, b.byNamespace} {
		for k, bm := range m {
			bm.AndNot(b.deleted)
			if bm.IsEmpty() {
				delete(m, k)
			} else {
				bm.RunOptimize()
			}
		}
	}
	b.deleted = roaring.New()
	b.deletedBytes = 0
	b.pages = make(map[uint64]*pendingPage)
	return nil
}

// PersistToDisk implements index.Backend; there is nothing to flush.
func (b *Backend) PersistToDisk(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.checkOpen()
}

// Reset implements index.Backend.
func (b *Backend) Reset(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	b.resetLocked()
	return nil
}

// Close implements index.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

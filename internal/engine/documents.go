package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/rewrite"
)

// Put stores doc in the database, replacing any document with the same
// namespace and id.
func (e *Engine) Put(ctx context.Context, ownerID, databaseName string, doc *model.Document) (err error) {
	defer e.observe("put", time.Now(), &err)
	defer e.dispatch()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return err
	}
	if err := e.put(ctx, ownerID, databaseName, p, doc); err != nil {
		return err
	}
	e.checkForOptimize(ctx, 1)
	return nil
}

// PutBatch stores every document in one critical section. Failures are
// reported per id and do not stop the batch.
func (e *Engine) PutBatch(ctx context.Context, ownerID, databaseName string, docs []*model.Document) (res *model.BatchResult[struct{}], err error) {
	defer e.observe("put_batch", time.Now(), &err)
	defer e.dispatch()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return nil, err
	}

	res = model.NewBatchResult[struct{}]()
	stored := 0
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		if err := e.put(ctx, ownerID, databaseName, p, doc); err != nil {
			res.Failures[doc.ID] = err
			continue
		}
		res.Successes[doc.ID] = struct{}{}
		stored++
	}
	e.checkForOptimize(ctx, stored)
	return res, nil
}

func (e *Engine) put(ctx context.Context, ownerID, databaseName, p string, doc *model.Document) error {
	if doc == nil {
		return errors.InvalidArgument("document cannot be nil")
	}
	if doc.ID == "" {
		return errors.InvalidArgument("document id cannot be empty")
	}
	prefixed := rewrite.DocumentForPut(p, doc)
	if err := e.backend.PutDocument(ctx, prefixed); err != nil {
		return errors.Backend("put", err)
	}
	addTo(e.namespaces, p, prefixed.Namespace)
	if e.observers.IsPackageObserved(ownerID) {
		e.observers.AddDocumentChange(ownerID, databaseName, doc.Namespace, doc.SchemaType, prefixed.SchemaType, doc.ID)
	}
	return nil
}

// Get returns a document with local names.
func (e *Engine) Get(ctx context.Context, ownerID, databaseName, namespace, id string) (doc *model.Document, err error) {
	defer e.observe("get", time.Now(), &err)
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return nil, err
	}
	return e.get(ctx, p, namespace, id)
}

// GetBatch fetches several documents of one namespace.
func (e *Engine) GetBatch(ctx context.Context, ownerID, databaseName, namespace string, ids []string) (res *model.BatchResult[*model.Document], err error) {
	defer e.observe("get_batch", time.Now(), &err)
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return nil, err
	}
	res = model.NewBatchResult[*model.Document]()
	for _, id := range ids {
		doc, err := e.get(ctx, p, namespace, id)
		if err != nil {
			res.Failures[id] = err
			continue
		}
		res.Successes[id] = doc
	}
	return res, nil
}

func (e *Engine) get(ctx context.Context, p, namespace, id string) (*model.Document, error) {
	doc, err := e.backend.GetDocument(ctx, p+namespace, id)
	if err != nil {
		return nil, errors.Backend("get", err)
	}
	if _, err := rewrite.DocumentFromBackend(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Remove deletes a document, or returns NotFound.
func (e *Engine) Remove(ctx context.Context, ownerID, databaseName, namespace, id string) (err error) {
	defer e.observe("remove", time.Now(), &err)
	defer e.dispatch()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return err
	}
	if err := e.remove(ctx, ownerID, databaseName, p, namespace, id); err != nil {
		return err
	}
	e.checkForOptimize(ctx, 1)
	return nil
}

// RemoveBatch deletes several documents of one namespace.
func (e *Engine) RemoveBatch(ctx context.Context, ownerID, databaseName, namespace string, ids []string) (res *model.BatchResult[struct{}], err error) {
	defer e.observe("remove_batch", time.Now(), &err)
	defer e.dispatch()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return nil, err
	}
	res = model.NewBatchResult[struct{}]()
	removed := 0
	for _, id := range ids {
		if err := e.remove(ctx, ownerID, databaseName, p, namespace, id); err != nil {
			res.Failures[id] = err
			continue
		}
		res.Successes[id] = struct{}{}
		removed++
	}
	e.checkForOptimize(ctx, removed)
	return res, nil
}

func (e *Engine) remove(ctx context.Context, ownerID, databaseName, p, namespace, id string) error {
	// The schema type is only known from the stored document.
	var schemaType string
	if e.observers.IsPackageObserved(ownerID) {
		doc, err := e.backend.GetDocument(ctx, p+namespace, id)
		if err != nil {
			return errors.Backend("remove", err)
		}
		schemaType = doc.SchemaType
	}
	if err := e.backend.DeleteDocument(ctx, p+namespace, id); err != nil {
		return errors.Backend("remove", err)
	}
	if schemaType != "" {
		e.observers.AddDocumentChange(ownerID, databaseName, namespace, schemaType[len(p):], schemaType, id)
	}
	return nil
}

// ReportUsage records that a document was used at timestampMillis.
func (e *Engine) ReportUsage(ctx context.Context, ownerID, databaseName, namespace, id string, timestampMillis int64) (err error) {
	defer e.observe("report_usage", time.Now(), &err)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return err
	}
	return errors.Backend("report usage", e.backend.ReportUsage(ctx, p+namespace, id, timestampMillis))
}

// GetNamespaces lists the database's namespaces that hold live documents.
func (e *Engine) GetNamespaces(ctx context.Context, ownerID, databaseName string) (out []string, err error) {
	defer e.observe("get_namespaces", time.Now(), &err)
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return nil, err
	}
	stats, err := e.backend.NamespaceStats(ctx)
	if err != nil {
		return nil, errors.Backend("namespace stats", err)
	}
	for ns, st := range stats {
		if st.Documents > 0 && len(ns) >= len(p) && ns[:len(p)] == p {
			out = append(out, ns[len(p):])
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetStorageInfo sums the live documents and bytes of a database. An
// unknown database reports zeros.
func (e *Engine) GetStorageInfo(ctx context.Context, ownerID, databaseName string) (info *model.StorageInfo, err error) {
	defer e.observe("storage_info", time.Now(), &err)
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return nil, err
	}
	info = &model.StorageInfo{}
	if _, ok := e.namespaces[p]; !ok {
		return info, nil
	}
	stats, err := e.backend.NamespaceStats(ctx)
	if err != nil {
		return nil, errors.Backend("namespace stats", err)
	}
	for ns := range e.namespaces[p] {
		st, ok := stats[ns]
		if !ok || st.Documents == 0 {
			continue
		}
		info.AliveNamespaces++
		info.AliveDocuments += st.Documents
		info.SizeBytes += st.SizeBytes
	}
	e.logger.Debug("storage_info",
		slog.String("prefix", p),
		slog.Int("documents", info.AliveDocuments),
		slog.Int64("bytes", info.SizeBytes))
	return info, nil
}

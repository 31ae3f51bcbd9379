// Package observer queues change notifications during an engine call and
// delivers them once the call has released its lock.
package observer

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/Aman-CERP/searchstore/internal/model"
)

// DocumentChangeInfo lists documents of one type and namespace that were
// put or removed.
type DocumentChangeInfo struct {
	PackageName        string
	DatabaseName       string
	Namespace          string
	SchemaType         string
	ChangedDocumentIDs []string
}

// SchemaChangeInfo lists types of one database whose schema changed.
type SchemaChangeInfo struct {
	PackageName        string
	DatabaseName       string
	ChangedSchemaTypes []string
}

// Observer receives notifications. Calls come from the goroutine that
// made the change, after the engine lock is released.
type Observer interface {
	OnDocumentChanged(DocumentChangeInfo)
	OnSchemaChanged(SchemaChangeInfo)
}

// Spec narrows what an observer hears about. Filters use local type names.
type Spec struct {
	SchemaFilters []string
}

func (s Spec) matches(schemaType string) bool {
	if len(s.SchemaFilters) == 0 {
		return true
	}
	for _, f := range s.SchemaFilters {
		if f == schemaType {
			return true
		}
	}
	return false
}

// Visible decides whether caller may hear about a prefixed schema type
// owned by packageName.
type Visible func(caller model.CallerIdentity, packageName, prefixedType string) bool

type registration struct {
	caller   model.CallerIdentity
	spec     Spec
	observer Observer
}

type changeKey struct {
	pkg, db, namespace, schemaType string
}

type pendingDocs struct {
	prefixedType string
	ids          map[string]struct{}
}

type schemaKey struct {
	pkg, db string
}

// Manager tracks registrations and pending notifications.
type Manager struct {
	mu            sync.Mutex
	observers     map[string][]*registration
	pendingDocs   map[changeKey]*pendingDocs
	pendingSchema map[schemaKey]map[string]string
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		observers:     make(map[string][]*registration),
		pendingDocs:   make(map[changeKey]*pendingDocs),
		pendingSchema: make(map[schemaKey]map[string]string),
	}
}

// Register subscribes obs, acting for caller, to changes in targetPackage.
func (m *Manager) Register(caller model.CallerIdentity, targetPackage string, spec Spec, obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers[targetPackage] = append(m.observers[targetPackage], &registration{
		caller:   caller,
		spec:     spec,
		observer: obs,
	})
}

// Unregister removes every registration of obs for targetPackage.
func (m *Manager) Unregister(targetPackage string, obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs := m.observers[targetPackage]
	kept := regs[:0]
	for _, r := range regs {
		if r.observer != obs {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(m.observers, targetPackage)
		return
	}
	m.observers[targetPackage] = kept
}

// IsPackageObserved reports whether anyone listens to pkg, letting callers
// skip building notifications.
func (m *Manager) IsPackageObserved(pkg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers[pkg]) > 0
}

// AddDocumentChange queues a document change. Types are local; the
// prefixed type is kept for the visibility check at dispatch.
func (m *Manager) AddDocumentChange(pkg, db, namespace, schemaType, prefixedType, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.observers[pkg]) == 0 {
		return
	}
	key := changeKey{pkg, db, namespace, schemaType}
	p, ok := m.pendingDocs[key]
	if !ok {
		p = &pendingDocs{prefixedType: prefixedType, ids: make(map[string]struct{})}
		m.pendingDocs[key] = p
	}
	p.ids[id] = struct{}{}
}

// AddSchemaChange queues a schema change of one type.
func (m *Manager) AddSchemaChange(pkg, db, schemaType, prefixedType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.observers[pkg]) == 0 {
		return
	}
	key := schemaKey{pkg, db}
	if m.pendingSchema[key] == nil {
		m.pendingSchema[key] = make(map[string]string)
	}
	m.pendingSchema[key][schemaType] = prefixedType
}

// Discard drops everything queued, used when a call fails.
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingDocs = make(map[changeKey]*pendingDocs)
	m.pendingSchema = make(map[schemaKey]map[string]string)
}

type delivery struct {
	observer Observer
	doc      *DocumentChangeInfo
	schema   *SchemaChangeInfo
}

// Dispatch delivers and clears the queued notifications. It must be called
// without holding the engine lock.
func (m *Manager) Dispatch(visible Visible) {
	m.mu.Lock()
	var out []delivery
	for key, p := range m.pendingDocs {
		ids := make([]string, 0, len(p.ids))
		for id := range p.ids {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, r := range m.observers[key.pkg] {
			if !r.spec.matches(key.schemaType) || !visible(r.caller, key.pkg, p.prefixedType) {
				continue
			}
			out = append(out, delivery{observer: r.observer, doc: &DocumentChangeInfo{
				PackageName:        key.pkg,
				DatabaseName:       key.db,
				Namespace:          key.namespace,
				SchemaType:         key.schemaType,
				ChangedDocumentIDs: ids,
			}})
		}
	}
	for key, types := range m.pendingSchema {
		for _, r := range m.observers[key.pkg] {
			var changed []string
			for typ, prefixed := range types {
				if r.spec.matches(typ) && visible(r.caller, key.pkg, prefixed) {
					changed = append(changed, typ)
				}
			}
			if len(changed) == 0 {
				continue
			}
			sort.Strings(changed)
			out = append(out, delivery{observer: r.observer, schema: &SchemaChangeInfo{
				PackageName:        key.pkg,
				DatabaseName:       key.db,
				ChangedSchemaTypes: changed,
			}})
		}
	}
	m.pendingDocs = make(map[changeKey]*pendingDocs)
	m.pendingSchema = make(map[schemaKey]map[string]string)
	m.mu.Unlock()

	for _, d := range out {
		deliver(d)
	}
}

func deliver(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observer_panicked", slog.Any("panic", r))
		}
	}()
	if d.doc != nil {
		d.observer.OnDocumentChanged(*d.doc)
	}
	if d.schema != nil {
		d.observer.OnSchemaChanged(*d.schema)
	}
}

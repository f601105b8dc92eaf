package smarterdoc

import (
	"reflect"
	"sort"
	"sync"
)

// Registry holds schema descriptors keyed by Go type, schema name and collection.
// It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	byType       map[reflect.Type]*SchemaDescriptor
	byName       map[string]*SchemaDescriptor
	byCollection map[string]*SchemaDescriptor
}

// NewRegistry creates an empty registry. Tests use their own registry so they
// never touch the process-wide default.
func NewRegistry() *Registry {
	return &Registry{
		byType:       make(map[reflect.Type]*SchemaDescriptor),
		byName:       make(map[string]*SchemaDescriptor),
		byCollection: make(map[string]*SchemaDescriptor),
	}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry used by Register and by
// clients created without WithRegistry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register validates desc and publishes a copy of it. A descriptor whose type,
// name or collection is already registered fails with ErrDuplicateSchema;
// nothing is published when registration fails. The returned descriptor is a
// copy as well: changing it does not affect the registry.
func (r *Registry) Register(desc *SchemaDescriptor) (*SchemaDescriptor, error) {
	prepared, err := desc.prepare()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byType[prepared.Type]; ok {
		return nil, duplicateSchema(prepared, "type", existing)
	}
	if existing, ok := r.byName[prepared.Name]; ok {
		return nil, duplicateSchema(prepared, "name", existing)
	}
	if existing, ok := r.byCollection[prepared.Collection]; ok {
		return nil, duplicateSchema(prepared, "collection", existing)
	}

	r.byType[prepared.Type] = prepared
	r.byName[prepared.Name] = prepared
	r.byCollection[prepared.Collection] = prepared
	return prepared.clone(), nil
}

func duplicateSchema(desc *SchemaDescriptor, key string, existing *SchemaDescriptor) error {
	return WithContext(ErrDuplicateSchema, map[string]interface{}{
		"schema":   desc.Name,
		"key":      key,
		"existing": existing.Name,
	})
}

// Lookup returns a copy of the descriptor registered for Go type t.
func (r *Registry) Lookup(t reflect.Type) (*SchemaDescriptor, error) {
	desc, err := r.lookup(t)
	if err != nil {
		return nil, err
	}
	return desc.clone(), nil
}

// LookupName returns a copy of the descriptor registered under schema name.
func (r *Registry) LookupName(name string) (*SchemaDescriptor, error) {
	desc, err := r.lookupName(name)
	if err != nil {
		return nil, err
	}
	return desc.clone(), nil
}

// LookupCollection returns a copy of the descriptor stored in collection.
func (r *Registry) LookupCollection(collection string) (*SchemaDescriptor, error) {
	desc, err := r.lookupCollection(collection)
	if err != nil {
		return nil, err
	}
	return desc.clone(), nil
}

// lookup returns the shared descriptor for t. Callers must not modify it.
func (r *Registry) lookup(t reflect.Type) (*SchemaDescriptor, error) {
	r.mu.RLock()
	desc, ok := r.byType[t]
	r.mu.RUnlock()
	if !ok {
		return nil, WithContext(ErrUnknownSchema, map[string]interface{}{
			"type": t.String(),
		})
	}
	return desc, nil
}

func (r *Registry) lookupName(name string) (*SchemaDescriptor, error) {
	r.mu.RLock()
	desc, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, WithContext(ErrUnknownSchema, map[string]interface{}{
			"schema": name,
		})
	}
	return desc, nil
}

func (r *Registry) lookupCollection(collection string) (*SchemaDescriptor, error) {
	r.mu.RLock()
	desc, ok := r.byCollection[collection]
	r.mu.RUnlock()
	if !ok {
		return nil, WithContext(ErrUnknownSchema, map[string]interface{}{
			"collection": collection,
		})
	}
	return desc, nil
}

// Schemas returns copies of all registered descriptors sorted by name.
func (r *Registry) Schemas() []*SchemaDescriptor {
	r.mu.RLock()
	out := make([]*SchemaDescriptor, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// lookupType returns the shared descriptor for T.
func lookupType[T any](r *Registry) (*SchemaDescriptor, error) {
	return r.lookup(reflect.TypeOf((*T)(nil)).Elem())
}

package smarterdoc

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Resolver fetches the documents that references point to. A single Resolve
// fetches one hop; ResolveDeep follows links up to a hop bound and fails with
// ErrReferenceCycleDetected rather than revisit a document on the current path.
type Resolver struct {
	client *Client
}

// Resolve fetches and decodes the target of ref, returning a pointer to the
// target schema's Go type.
func (r *Resolver) Resolve(ctx context.Context, ref Reference) (any, error) {
	desc, err := r.client.Registry().lookupName(ref.Schema)
	if err != nil {
		return nil, err
	}
	v := reflect.New(desc.Type).Interface()
	if err := r.fetch(ctx, desc, ref, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ResolveInto fetches the target of ref into v, a pointer to the target type.
// When ref names no schema, the schema registered for v's type is used.
func (r *Resolver) ResolveInto(ctx context.Context, ref Reference, v any) error {
	reg := r.client.Registry()
	var (
		desc *SchemaDescriptor
		err  error
	)
	if ref.Schema == "" {
		desc, err = reg.lookup(reflect.TypeOf(v).Elem())
	} else {
		desc, err = reg.lookupName(ref.Schema)
	}
	if err != nil {
		return err
	}
	return r.fetch(ctx, desc, ref, v)
}

func (r *Resolver) fetch(ctx context.Context, desc *SchemaDescriptor, ref Reference, v any) error {
	sess, err := r.client.session()
	if err != nil {
		return err
	}
	r.client.metrics.Increment(MetricResolveFetch, "schema", desc.Name)

	doc, err := sess.fetch(ctx, desc.Collection, ref.ID)
	if err != nil {
		if IsNotFound(err) {
			r.client.metrics.Increment(MetricResolveMissing, "schema", desc.Name)
			return WithContext(ErrReferenceTargetMissing, map[string]interface{}{
				"schema": desc.Name,
				"id":     ref.ID,
			})
		}
		return err
	}
	return sess.codec().Decode(doc, desc, v)
}

// ResolveDeep resolves ref and then the links of every fetched document, at most
// maxHops fetches deep (the client's MaxResolveHops when <= 0). Resolved values
// are attached to their Link fields. A document reached twice on different
// branches is fetched once.
func (r *Resolver) ResolveDeep(ctx context.Context, ref Reference, maxHops int) (any, error) {
	p := r.newPass(maxHops)
	return p.resolve(ctx, ref, 1)
}

// ResolveLinks deep-resolves the links of an already loaded value v.
func (r *Resolver) ResolveLinks(ctx context.Context, v any, maxHops int) error {
	desc, err := r.client.Registry().lookup(reflect.TypeOf(v).Elem())
	if err != nil {
		return err
	}
	s, err := target(desc, v)
	if err != nil {
		return err
	}
	p := r.newPass(maxHops)
	ref := Reference{Schema: desc.Name, ID: fieldValue(s, desc.ID).Interface()}
	root := visitKeyOf(ref)
	p.cache[root] = v
	p.path[root] = true
	p.trail = append(p.trail, ref.String())
	return p.follow(ctx, desc, v, 1)
}

func (r *Resolver) newPass(maxHops int) *resolvePass {
	if maxHops <= 0 {
		maxHops = r.client.config.MaxResolveHops
	}
	return &resolvePass{
		resolver: r,
		maxHops:  maxHops,
		cache:    make(map[visitKey]any),
		path:     make(map[visitKey]bool),
	}
}

type visitKey struct {
	schema string
	id     string
}

func visitKeyOf(ref Reference) visitKey {
	id, err := idKey(ref.ID)
	if err != nil {
		id = fmt.Sprintf("%T:%v", ref.ID, ref.ID)
	}
	return visitKey{schema: ref.Schema, id: id}
}

// resolvePass is the state of one ResolveDeep call: the (schema, id) pairs on
// the current path and every value fetched so far.
type resolvePass struct {
	resolver *Resolver
	maxHops  int
	cache    map[visitKey]any
	path     map[visitKey]bool
	trail    []string
}

func (p *resolvePass) resolve(ctx context.Context, ref Reference, hop int) (any, error) {
	key := visitKeyOf(ref)
	metrics := p.resolver.client.metrics
	if p.path[key] {
		metrics.Increment(MetricResolveCycle, "schema", ref.Schema)
		return nil, WithContext(ErrReferenceCycleDetected, map[string]interface{}{
			"path": strings.Join(append(p.trail, ref.String()), " -> "),
			"hop":  hop,
		})
	}
	if v, ok := p.cache[key]; ok {
		metrics.Increment(MetricResolveCacheHit, "schema", ref.Schema)
		return v, nil
	}

	v, err := p.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	p.cache[key] = v

	desc, err := p.resolver.client.Registry().lookupName(ref.Schema)
	if err != nil {
		return nil, err
	}
	p.path[key] = true
	p.trail = append(p.trail, ref.String())
	defer func() {
		delete(p.path, key)
		p.trail = p.trail[:len(p.trail)-1]
	}()

	if err := p.follow(ctx, desc, v, hop); err != nil {
		return nil, err
	}
	return v, nil
}

// follow resolves the links of v, a value fetched at the given hop.
func (p *resolvePass) follow(ctx context.Context, desc *SchemaDescriptor, v any, hop int) error {
	if hop >= p.maxHops {
		return nil
	}
	s := reflect.ValueOf(v).Elem()
	reg := p.resolver.client.Registry()
	for _, f := range desc.Fields {
		if f.Kind != KindReference {
			continue
		}
		l := fieldValue(s, f).Addr().Interface().(linker)
		if l.IsZero() {
			continue
		}
		ref, err := l.linkRef(reg, f.Target)
		if err != nil {
			return err
		}
		child, err := p.resolve(ctx, ref, hop+1)
		if err != nil {
			return err
		}
		l.attach(child)
	}
	return nil
}

package smarterdoc

import (
	"context"
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
)

// Reference is a weak pointer to another schema's document. It names the
// relationship and never owns the target.
type Reference struct {
	Schema string `bson:"schema"`
	ID     any    `bson:"id"`
}

// IsZero reports whether the reference names nothing.
func (r Reference) IsZero() bool {
	return r.Schema == "" && r.ID == nil
}

func (r Reference) String() string {
	return fmt.Sprintf("%s(%v)", r.Schema, r.ID)
}

// document is the persisted form: {"schema": ..., "id": ...}.
func (r Reference) document() bson.D {
	return bson.D{{Key: "schema", Value: r.Schema}, {Key: "id", Value: r.ID}}
}

// linker is implemented by *Link[T] so the codec and resolver can work on link
// fields without knowing T.
type linker interface {
	IsZero() bool
	linkTarget() reflect.Type
	linkRef(reg *Registry, target string) (Reference, error)
	bindRef(ref Reference, c *Client)
	attach(v any)
	resolved() any
}

// Link is a field type holding a lazy reference to a document of schema T. A
// decoded Link is unresolved; Resolve fetches one hop and caches the result.
//
//	type Post struct {
//	    ID     primitive.ObjectID `doc:",id"`
//	    Author smarterdoc.Link[User]
//	}
type Link[T any] struct {
	ref    Reference
	value  *T
	client *Client
}

// LinkTo returns a resolved link to v. The link's id is read from v when the
// owning document is encoded, so v may be saved after the link is created.
func LinkTo[T any](v *T) Link[T] {
	return Link[T]{value: v}
}

// LinkID returns an unresolved link to the T document with the given id.
func LinkID[T any](id any) Link[T] {
	return Link[T]{ref: Reference{ID: id}}
}

// LinkRef returns an unresolved link to ref.
func LinkRef[T any](ref Reference) Link[T] {
	return Link[T]{ref: ref}
}

// Ref returns the reference as last encoded or decoded.
func (l Link[T]) Ref() Reference {
	return l.ref
}

// ID returns the target identifier, reading it from the linked value when the
// link was created with LinkTo.
func (l Link[T]) ID() any {
	if l.ref.ID != nil || l.value == nil {
		return l.ref.ID
	}
	reg := DefaultRegistry()
	if l.client != nil {
		reg = l.client.Registry()
	}
	desc, err := lookupType[T](reg)
	if err != nil {
		return nil
	}
	return fieldValue(reflect.ValueOf(l.value).Elem(), desc.ID).Interface()
}

// IsZero reports whether the link points nowhere.
func (l *Link[T]) IsZero() bool {
	return l.value == nil && l.ref.ID == nil
}

// Value returns the resolved target, or nil if the link has not been resolved.
func (l *Link[T]) Value() *T {
	return l.value
}

// Bind sets the client used by Resolve and Refresh.
func (l *Link[T]) Bind(c *Client) {
	l.client = c
}

// Resolve returns the target document, fetching it on first use. Fails with
// ErrReferenceTargetMissing when the target was deleted and with
// ErrClientNotReady when no client is bound and no global client exists.
func (l *Link[T]) Resolve(ctx context.Context) (*T, error) {
	if l.value != nil {
		return l.value, nil
	}
	return l.Refresh(ctx)
}

// Refresh fetches the target document even when a resolved value is cached.
func (l *Link[T]) Refresh(ctx context.Context) (*T, error) {
	c := l.client
	if c == nil {
		c = Global()
	}
	if c == nil {
		return nil, ErrClientNotReady
	}
	ref, err := l.linkRef(c.Registry(), "")
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := c.Resolver().ResolveInto(ctx, ref, v); err != nil {
		return nil, err
	}
	l.ref = ref
	l.value = v
	return v, nil
}

func (l *Link[T]) linkTarget() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// linkRef completes the reference: the schema name comes from the decoded
// reference, else the declared target, else the registry entry for T; the id
// comes from the reference, else the linked value.
func (l *Link[T]) linkRef(reg *Registry, target string) (Reference, error) {
	ref := l.ref
	if ref.Schema == "" {
		ref.Schema = target
	}
	if ref.Schema == "" || ref.ID == nil {
		desc, err := reg.lookup(l.linkTarget())
		switch {
		case err == nil:
			if ref.Schema == "" {
				ref.Schema = desc.Name
			}
			if ref.ID == nil && l.value != nil {
				id := fieldValue(reflect.ValueOf(l.value).Elem(), desc.ID)
				if id.IsZero() {
					return Reference{}, WithContext(ErrInvalidData, map[string]interface{}{
						"schema": ref.Schema,
						"reason": "linked value has no id yet; save it first",
					})
				}
				ref.ID = id.Interface()
			}
		case ref.ID == nil:
			return Reference{}, err
		default:
			ref.Schema = l.linkTarget().Name()
		}
	}
	if ref.ID == nil {
		return Reference{}, WithContext(ErrInvalidData, map[string]interface{}{
			"schema": ref.Schema,
			"reason": "link has no target id",
		})
	}
	return ref, nil
}

func (l *Link[T]) bindRef(ref Reference, c *Client) {
	l.ref = ref
	l.value = nil
	l.client = c
}

func (l *Link[T]) attach(v any) {
	if p, ok := v.(*T); ok {
		l.value = p
	}
}

func (l *Link[T]) resolved() any {
	if l.value == nil {
		return nil
	}
	return l.value
}

// Link returns a resolved link to v bound to the collection's client.
func (c *Collection[T]) Link(v *T) Link[T] {
	l := LinkTo(v)
	l.client = c.client
	return l
}

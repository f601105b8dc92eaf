package smarterdoc

import (
	"fmt"
	"reflect"
)

// Builder assembles a value of schema T field by field and refuses to build
// until every required field without a generator has been set. This check is
// independent of the one Collection.Save performs.
type Builder[T any] struct {
	desc  *SchemaDescriptor
	value T
	set   map[string]bool
	err   error
}

// NewBuilder starts a builder for T, which must be registered in reg (nil means
// the default registry).
func NewBuilder[T any](reg *Registry) *Builder[T] {
	if reg == nil {
		reg = DefaultRegistry()
	}
	b := &Builder[T]{set: make(map[string]bool)}
	b.desc, b.err = lookupType[T](reg)
	return b
}

// Set assigns a field by Go name or storage key. Errors are reported by Build.
func (b *Builder[T]) Set(field string, value any) *Builder[T] {
	if b.err != nil {
		return b
	}
	f, ok := b.desc.Field(field)
	if !ok {
		b.err = WithContext(ErrInvalidData, map[string]interface{}{
			"schema": b.desc.Name,
			"field":  field,
			"reason": "no such field",
		})
		return b
	}

	dst := fieldValue(reflect.ValueOf(&b.value).Elem(), f)
	src := reflect.ValueOf(value)
	switch {
	case !src.IsValid():
		dst.Set(reflect.Zero(dst.Type()))
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
	case src.Type().ConvertibleTo(dst.Type()) && src.Kind() != reflect.String && dst.Kind() != reflect.String:
		dst.Set(src.Convert(dst.Type()))
	default:
		b.err = WithContext(ErrInvalidData, map[string]interface{}{
			"schema":   b.desc.Name,
			"field":    f.Name,
			"expected": dst.Type().String(),
			"actual":   fmt.Sprintf("%T", value),
		})
		return b
	}
	b.set[f.Name] = true
	return b
}

// Build returns the assembled value.
func (b *Builder[T]) Build() (*T, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, f := range b.desc.allFields() {
		if f.Required && f.Generator == nil && !b.set[f.Name] {
			return nil, WithContext(ErrMissingRequiredField, map[string]interface{}{
				"schema": b.desc.Name,
				"field":  f.Name,
				"stage":  "build",
			})
		}
	}
	v := b.value
	return &v, nil
}

package smarterdoc

import (
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
)

// FieldKind says how a field is stored.
type FieldKind int

const (
	// KindScalar fields are stored inline.
	KindScalar FieldKind = iota
	// KindReference fields hold a Link and are stored as a Reference sub-document.
	KindReference
	// KindBinary fields hold a Blob and are stored as a BlobHandle sub-document.
	KindBinary
)

func (k FieldKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindReference:
		return "reference"
	case KindBinary:
		return "binary"
	}
	return fmt.Sprintf("FieldKind(%d)", int(k))
}

// ValueCodec converts a scalar field to and from its stored form, replacing the
// default BSON conversion for that field.
type ValueCodec interface {
	EncodeValue(v reflect.Value) (any, error)
	DecodeValue(raw bson.RawValue, v reflect.Value) error
}

// FieldSpec describes how one struct field maps to a document key.
type FieldSpec struct {
	Name       string // Go field name
	StorageKey string
	Kind       FieldKind
	Target     string // referenced schema name; empty means the Link's type parameter
	Store      string // blob store name; empty means the client default
	Generator  Generator
	Codec      ValueCodec
	Required   bool
	Version    bool
	OmitEmpty  bool

	index []int
	typ   reflect.Type
}

// Type returns the Go type of the field.
func (f FieldSpec) Type() reflect.Type {
	return f.typ
}

// SchemaDescriptor is the mapping metadata for one schema type. Descriptors are
// immutable once registered.
type SchemaDescriptor struct {
	Name       string
	Collection string
	ID         FieldSpec
	Fields     []FieldSpec
	Type       reflect.Type
}

// clone returns a copy that shares nothing mutable with d.
func (d *SchemaDescriptor) clone() *SchemaDescriptor {
	out := *d
	out.Fields = make([]FieldSpec, len(d.Fields))
	copy(out.Fields, d.Fields)
	return &out
}

// Field returns the field with the given Go name or storage key.
func (d *SchemaDescriptor) Field(name string) (FieldSpec, bool) {
	if d.ID.Name == name || d.ID.StorageKey == name {
		return d.ID, true
	}
	for _, f := range d.Fields {
		if f.Name == name || f.StorageKey == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// VersionField returns the concurrency-token field, if the schema declares one.
func (d *SchemaDescriptor) VersionField() (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Version {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// allFields returns the id field followed by the other fields.
func (d *SchemaDescriptor) allFields() []FieldSpec {
	out := make([]FieldSpec, 0, len(d.Fields)+1)
	out = append(out, d.ID)
	return append(out, d.Fields...)
}

var (
	blobType   = reflect.TypeOf(Blob{})
	linkerType = reflect.TypeOf((*linker)(nil)).Elem()
)

func invalidSchema(d *SchemaDescriptor, field, reason string) error {
	return WithContext(ErrInvalidSchema, map[string]interface{}{
		"schema": d.Name,
		"field":  field,
		"reason": reason,
	})
}

// prepare checks the descriptor invariants and resolves field offsets against
// d.Type. It returns a copy; the receiver is not modified.
func (d *SchemaDescriptor) prepare() (*SchemaDescriptor, error) {
	if d.Name == "" {
		return nil, invalidSchema(d, "", "schema name is required")
	}
	if d.Collection == "" {
		return nil, invalidSchema(d, "", "collection name is required")
	}
	if d.Type == nil || d.Type.Kind() != reflect.Struct {
		return nil, invalidSchema(d, "", "schema type must be a struct")
	}

	out := *d
	out.Fields = make([]FieldSpec, len(d.Fields))
	copy(out.Fields, d.Fields)

	if out.ID.Name == "" {
		return nil, invalidSchema(d, "", "exactly one id field is required")
	}
	if out.ID.StorageKey == "" {
		out.ID.StorageKey = IDKey
	}
	if out.ID.StorageKey != IDKey {
		return nil, invalidSchema(d, out.ID.Name, "id field must be stored as _id")
	}
	if out.ID.Kind != KindScalar {
		return nil, invalidSchema(d, out.ID.Name, "id field must be a scalar")
	}
	out.ID.Required = true
	if err := out.bind(&out.ID); err != nil {
		return nil, err
	}
	if !validIDType(out.ID.typ) {
		return nil, invalidSchema(d, out.ID.Name, "unsupported id type "+out.ID.typ.String())
	}

	keys := map[string]bool{IDKey: true}
	versions := 0
	for i := range out.Fields {
		f := &out.Fields[i]
		if f.StorageKey == "" {
			return nil, invalidSchema(d, f.Name, "storage key is required")
		}
		if keys[f.StorageKey] {
			return nil, invalidSchema(d, f.Name, "duplicate storage key "+f.StorageKey)
		}
		keys[f.StorageKey] = true
		if err := out.bind(f); err != nil {
			return nil, err
		}
		switch f.Kind {
		case KindReference:
			if !reflect.PointerTo(f.typ).Implements(linkerType) {
				return nil, invalidSchema(d, f.Name, "reference fields must be Link[T]")
			}
		case KindBinary:
			if f.typ != blobType {
				return nil, invalidSchema(d, f.Name, "binary fields must be Blob")
			}
		default:
			if f.Codec == nil && nestsManaged(f.typ, map[reflect.Type]bool{}) {
				return nil, invalidSchema(d, f.Name,
					"Link and Blob are only supported as direct field types, not inside "+f.typ.String())
			}
		}
		if f.Version {
			versions++
			switch f.typ.Kind() {
			case reflect.Int, reflect.Int32, reflect.Int64:
			default:
				return nil, invalidSchema(d, f.Name, "version field must be an integer")
			}
		}
	}
	if versions > 1 {
		return nil, invalidSchema(d, "", "at most one version field is allowed")
	}
	return &out, nil
}

// nestsManaged reports whether t holds a Link or Blob anywhere below it. Such
// values cannot be stored inline: their state is unexported.
func nestsManaged(t reflect.Type, seen map[reflect.Type]bool) bool {
	if t == blobType || reflect.PointerTo(t).Implements(linkerType) {
		return true
	}
	if seen[t] {
		return false
	}
	seen[t] = true
	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return nestsManaged(t.Elem(), seen)
	case reflect.Map:
		return nestsManaged(t.Key(), seen) || nestsManaged(t.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if sf := t.Field(i); sf.IsExported() && nestsManaged(sf.Type, seen) {
				return true
			}
		}
	}
	return false
}

// bind resolves the struct offset of f and checks its generator.
func (d *SchemaDescriptor) bind(f *FieldSpec) error {
	sf, ok := d.Type.FieldByName(f.Name)
	if !ok || !sf.IsExported() {
		return invalidSchema(d, f.Name, "no exported field with this name")
	}
	f.index = sf.Index
	f.typ = sf.Type
	if f.Generator != nil {
		sample := reflect.ValueOf(f.Generator())
		if !sample.IsValid() || !sample.Type().ConvertibleTo(f.typ) {
			return invalidSchema(d, f.Name, "generator result does not fit field type "+f.typ.String())
		}
	}
	return nil
}

// fieldValue returns the addressable struct field for f within s.
func fieldValue(s reflect.Value, f FieldSpec) reflect.Value {
	return s.FieldByIndex(f.index)
}

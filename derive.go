package smarterdoc

import (
	"reflect"
	"strings"
	"unicode"
)

// SchemaOption customises Derive.
type SchemaOption func(*deriveOptions)

type deriveOptions struct {
	name       string
	collection string
	generators map[string]Generator
	codecs     map[string]ValueCodec
}

// WithSchemaName overrides the schema name (default: the Go type name).
func WithSchemaName(name string) SchemaOption {
	return func(o *deriveOptions) { o.name = name }
}

// WithCollection overrides the collection name (default: snake_case type name).
func WithCollection(collection string) SchemaOption {
	return func(o *deriveOptions) { o.collection = collection }
}

// WithGenerator installs a generator for the named Go field.
func WithGenerator(field string, gen Generator) SchemaOption {
	return func(o *deriveOptions) { o.generators[field] = gen }
}

// WithFieldCodec installs a custom codec for the named Go field.
func WithFieldCodec(field string, codec ValueCodec) SchemaOption {
	return func(o *deriveOptions) { o.codecs[field] = codec }
}

// Derive builds a SchemaDescriptor for T from its struct tags. Tags take the form
//
//	doc:"key,opt,opt..."
//
// where key defaults to the snake_case field name and opt is one of id, required,
// omitempty, version, gen=objectid|uuid|uuidv7|now, ref=SchemaName or
// blob=storeName, as in `doc:",id"` or `doc:"email,required"`. A tag of "-"
// skips the field. The id field is the one tagged id,
// else the field named ID; it is always stored under _id.
func Derive[T any](opts ...SchemaOption) (*SchemaDescriptor, error) {
	return deriveType(reflect.TypeOf((*T)(nil)).Elem(), opts...)
}

func deriveType(t reflect.Type, opts ...SchemaOption) (*SchemaDescriptor, error) {
	o := deriveOptions{
		name:       t.Name(),
		generators: make(map[string]Generator),
		codecs:     make(map[string]ValueCodec),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.collection == "" {
		o.collection = snakeCase(o.name)
	}

	desc := &SchemaDescriptor{
		Name:       o.name,
		Collection: o.collection,
		Type:       t,
	}
	if t.Kind() != reflect.Struct {
		return nil, invalidSchema(desc, "", "schema type must be a struct, got "+t.Kind().String())
	}

	var (
		idField  *FieldSpec
		fallback *FieldSpec
	)
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("doc")
		if tag == "-" {
			continue
		}
		f, isID, err := parseFieldTag(desc, sf, tag)
		if err != nil {
			return nil, err
		}
		if gen, ok := o.generators[sf.Name]; ok {
			f.Generator = gen
		}
		if codec, ok := o.codecs[sf.Name]; ok {
			f.Codec = codec
		}

		switch {
		case isID:
			if idField != nil {
				return nil, invalidSchema(desc, sf.Name, "more than one field is tagged id")
			}
			idField = &f
		case sf.Name == "ID" && fallback == nil:
			fallback = &f
		default:
			desc.Fields = append(desc.Fields, f)
		}
	}

	switch {
	case idField == nil && fallback == nil:
		return nil, invalidSchema(desc, "", "no id field: tag one field with id or name it ID")
	case idField == nil:
		idField = fallback
	case fallback != nil:
		desc.Fields = append(desc.Fields, *fallback)
	}

	idField.StorageKey = IDKey
	idField.Required = true
	if idField.Generator == nil {
		if gen, ok := defaultIDGenerator(idField.typ); ok {
			idField.Generator = gen
		}
	}
	desc.ID = *idField
	return desc.prepare()
}

func parseFieldTag(desc *SchemaDescriptor, sf reflect.StructField, tag string) (FieldSpec, bool, error) {
	f := FieldSpec{
		Name:       sf.Name,
		StorageKey: snakeCase(sf.Name),
		typ:        sf.Type,
	}
	switch {
	case sf.Type == blobType:
		f.Kind = KindBinary
	case reflect.PointerTo(sf.Type).Implements(linkerType):
		f.Kind = KindReference
	}

	isID := false
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		f.StorageKey = parts[0]
	}
	if parts[0] == IDKey {
		isID = true
	}
	for _, opt := range parts[1:] {
		key, value, _ := strings.Cut(strings.TrimSpace(opt), "=")
		switch key {
		case "":
		case "id":
			isID = true
		case "required":
			f.Required = true
		case "omitempty":
			f.OmitEmpty = true
		case "version":
			f.Version = true
		case "gen":
			gen, ok := builtinGenerators[value]
			if !ok {
				return f, false, invalidSchema(desc, sf.Name, "unknown generator "+value)
			}
			f.Generator = gen
		case "ref":
			if f.Kind != KindReference {
				return f, false, invalidSchema(desc, sf.Name, "ref= is only valid on Link fields")
			}
			f.Target = value
		case "blob":
			if f.Kind != KindBinary {
				return f, false, invalidSchema(desc, sf.Name, "blob= is only valid on Blob fields")
			}
			f.Store = value
		default:
			return f, false, invalidSchema(desc, sf.Name, "unknown tag option "+key)
		}
	}
	return f, isID, nil
}

// Register derives T and publishes it in the default registry.
func Register[T any](opts ...SchemaOption) (*SchemaDescriptor, error) {
	return RegisterWith[T](DefaultRegistry(), opts...)
}

// RegisterWith derives T and publishes it in reg.
func RegisterWith[T any](reg *Registry, opts ...SchemaOption) (*SchemaDescriptor, error) {
	desc, err := Derive[T](opts...)
	if err != nil {
		return nil, err
	}
	return reg.Register(desc)
}

// MustRegister is like Register but panics on error. Intended for package init.
func MustRegister[T any](opts ...SchemaOption) *SchemaDescriptor {
	desc, err := Register[T](opts...)
	if err != nil {
		panic(err)
	}
	return desc
}

// snakeCase converts a Go identifier to snake_case: "UserID" → "user_id",
// "HTTPServer" → "http_server".
func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

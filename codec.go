package smarterdoc

import (
	"context"
	"reflect"
)

// Codec converts between schema values and Documents. Encoding uploads pending
// Blob payloads through the binder; decoding never touches the network.
type Codec struct {
	registry     *Registry
	blobs        *BlobBinder
	client       *Client
	defaultStore string
}

// NewCodec creates a codec over reg. blobs may be nil when no schema has Blob
// fields with pending payloads.
func NewCodec(reg *Registry, blobs *BlobBinder) *Codec {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Codec{registry: reg, blobs: blobs, defaultStore: DefaultBlobStoreName}
}

// target returns the struct value behind v, which must be a non-nil pointer to
// desc.Type.
func target(desc *SchemaDescriptor, v any) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Type() != desc.Type {
		return reflect.Value{}, WithContext(ErrInvalidData, map[string]interface{}{
			"schema":   desc.Name,
			"expected": "*" + desc.Type.String(),
			"actual":   rv.Type().String(),
		})
	}
	return rv.Elem(), nil
}

// Encode converts the value v points to into a Document. Unset fields with
// generators are filled in place; already-populated fields are never
// regenerated. time.Time fields are rounded in place to UTC milliseconds, the
// precision the store keeps, so v matches what a later decode returns. Fails with ErrMissingRequiredField before any side effect when a
// required field is unset and has no generator.
func (c *Codec) Encode(ctx context.Context, v any, desc *SchemaDescriptor) (Document, error) {
	doc, _, err := c.encode(ctx, v, desc)
	return doc, err
}

// blobUploads tracks the payloads read during one encode so a failed save can
// undo them.
type blobUploads struct {
	handles []BlobHandle
	sources []*blobSource
}

func (u *blobUploads) count() int {
	if u == nil {
		return 0
	}
	return len(u.handles)
}

// undo rewinds every payload that was read and deletes what was uploaded.
func (u *blobUploads) undo(ctx context.Context, blobs *BlobBinder) {
	if u == nil {
		return
	}
	for _, s := range u.sources {
		s.rewind()
	}
	if blobs != nil && len(u.handles) > 0 {
		blobs.discard(ctx, u.handles)
	}
}

// encode also returns the blobs uploaded during this call so a failed write
// can undo them.
func (c *Codec) encode(ctx context.Context, v any, desc *SchemaDescriptor) (Document, *blobUploads, error) {
	s, err := target(desc, v)
	if err != nil {
		return nil, nil, err
	}
	fields := desc.allFields()

	for _, f := range fields {
		if f.Required && f.Generator == nil && isUnset(f, fieldValue(s, f)) {
			return nil, nil, missingField(desc, f)
		}
	}

	doc := make(Document, 0, len(fields))
	uploaded := &blobUploads{}
	fail := func(err error) (Document, *blobUploads, error) {
		uploaded.undo(context.WithoutCancel(ctx), c.blobs)
		return nil, nil, err
	}

	for _, f := range fields {
		fv := fieldValue(s, f)
		if f.Generator != nil && isUnset(f, fv) {
			generate(f, fv)
		}

		switch f.Kind {
		case KindReference:
			l := fv.Addr().Interface().(linker)
			if l.IsZero() {
				if !f.OmitEmpty {
					doc = append(doc, elem(f.StorageKey, nil))
				}
				continue
			}
			ref, err := l.linkRef(c.registry, f.Target)
			if err != nil {
				return fail(err)
			}
			doc = append(doc, elem(f.StorageKey, ref.document()))

		case KindBinary:
			blob := fv.Addr().Interface().(*Blob)
			if blob.Pending() {
				if c.blobs == nil {
					return fail(WithContext(ErrClientNotReady, map[string]interface{}{
						"schema": desc.Name,
						"field":  f.Name,
						"reason": "no blob store to upload pending payload",
					}))
				}
				store := f.Store
				if store == "" {
					store = c.defaultStore
				}
				r, ok := blob.source.take()
				if !ok {
					return fail(WithContext(ErrBlobTransfer, map[string]interface{}{
						"schema": desc.Name,
						"field":  f.Name,
						"reason": "payload already read by a failed save",
					}))
				}
				uploaded.sources = append(uploaded.sources, blob.source)
				h, err := c.blobs.Save(ctx, r, store, desc.Collection+"."+f.StorageKey)
				if err != nil {
					return fail(err)
				}
				uploaded.handles = append(uploaded.handles, h)
				blob.handle = &h
				blob.source = nil
			}
			if blob.handle == nil {
				if !f.OmitEmpty {
					doc = append(doc, elem(f.StorageKey, nil))
				}
				continue
			}
			doc = append(doc, elem(f.StorageKey, blob.handle.document()))

		default:
			if f.Codec == nil {
				normalizeTime(fv)
			}
			if f.OmitEmpty && fv.IsZero() {
				continue
			}
			if f.Codec != nil {
				out, err := f.Codec.EncodeValue(fv)
				if err != nil {
					return fail(WithContext(ErrInvalidData, map[string]interface{}{
						"schema": desc.Name,
						"field":  f.Name,
						"reason": err.Error(),
					}))
				}
				doc = append(doc, elem(f.StorageKey, out))
				continue
			}
			doc = append(doc, elem(f.StorageKey, fv.Interface()))
		}
	}
	return doc, uploaded, nil
}

// Decode fills the value v points to from doc. Binary fields receive a handle
// only; reference fields receive an unresolved Link bound to the codec's
// client. Fails with ErrDocumentShapeMismatch when a required key is missing or
// null, or when any value has an incompatible kind. Unknown keys are ignored.
func (c *Codec) Decode(doc Document, desc *SchemaDescriptor, v any) error {
	s, err := target(desc, v)
	if err != nil {
		return err
	}

	values := make(map[string]any, len(doc))
	for _, e := range doc {
		values[e.Key] = e.Value
	}

	for _, f := range desc.allFields() {
		fv := fieldValue(s, f)
		raw, ok := values[f.StorageKey]
		if !ok || isNull(raw) {
			if f.Required {
				return shapeMismatch(desc, f, expectedKind(f), raw, nil)
			}
			fv.Set(reflect.Zero(fv.Type()))
			continue
		}

		switch f.Kind {
		case KindReference:
			var ref Reference
			if err := decodeInto(raw, reflect.ValueOf(&ref).Elem()); err != nil {
				return shapeMismatch(desc, f, expectedKind(f), raw, err)
			}
			if ref.Schema == "" || isNull(ref.ID) {
				return shapeMismatch(desc, f, expectedKind(f), raw, nil)
			}
			fv.Set(reflect.Zero(fv.Type()))
			fv.Addr().Interface().(linker).bindRef(ref, c.client)

		case KindBinary:
			var h BlobHandle
			if err := decodeInto(raw, reflect.ValueOf(&h).Elem()); err != nil {
				return shapeMismatch(desc, f, expectedKind(f), raw, err)
			}
			if h.IsZero() {
				return shapeMismatch(desc, f, expectedKind(f), raw, nil)
			}
			fv.Set(reflect.ValueOf(BlobFromHandle(h)))

		default:
			if f.Codec != nil {
				rv, err := rawValue(raw)
				if err == nil {
					err = f.Codec.DecodeValue(rv, fv)
				}
				if err != nil {
					return shapeMismatch(desc, f, expectedKind(f), raw, err)
				}
				continue
			}
			if err := decodeInto(raw, fv); err != nil {
				return shapeMismatch(desc, f, expectedKind(f), raw, err)
			}
		}
	}
	return nil
}

func expectedKind(f FieldSpec) string {
	switch f.Kind {
	case KindReference:
		return "reference {schema, id}"
	case KindBinary:
		return "blob handle {store_name, blob_id, size}"
	}
	return f.typ.String()
}

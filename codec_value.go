package smarterdoc

import (
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// rawValue marshals a loosely typed document value into a bson.RawValue so it
// can be decoded with the driver's strict decoders.
func rawValue(v any) (bson.RawValue, error) {
	t, data, err := bson.MarshalValue(v)
	if err != nil {
		return bson.RawValue{}, err
	}
	return bson.RawValue{Type: t, Value: data}, nil
}

// decodeInto decodes v into a fresh value of dst's type and stores it in dst.
// Lossy conversions (fractional doubles into ints, overflow, strings into
// numbers) are rejected by the driver.
func decodeInto(v any, dst reflect.Value) error {
	raw, err := rawValue(v)
	if err != nil {
		return err
	}
	tmp := reflect.New(dst.Type())
	if err := raw.Unmarshal(tmp.Interface()); err != nil {
		return err
	}
	dst.Set(tmp.Elem())
	return nil
}

// bsonTypeName names the BSON type of a document value for error context.
func bsonTypeName(v any) string {
	if isNull(v) {
		return "null"
	}
	t, _, err := bson.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%T", v)
	}
	return t.String()
}

func shapeMismatch(desc *SchemaDescriptor, f FieldSpec, expected string, actual any, cause error) error {
	ctx := map[string]interface{}{
		"schema":   desc.Name,
		"field":    f.Name,
		"key":      f.StorageKey,
		"expected": expected,
	}
	if actual == nil {
		ctx["actual"] = "missing"
	} else {
		ctx["actual"] = bsonTypeName(actual)
	}
	if cause != nil {
		ctx["reason"] = cause.Error()
	}
	return WithContext(ErrDocumentShapeMismatch, ctx)
}

func missingField(desc *SchemaDescriptor, f FieldSpec) error {
	return WithContext(ErrMissingRequiredField, map[string]interface{}{
		"schema": desc.Name,
		"field":  f.Name,
		"key":    f.StorageKey,
		"kind":   f.Kind.String(),
	})
}

// isUnset reports whether a field holds no value for validation and generator
// purposes. Required fields that need a meaningful zero should use pointer types.
func isUnset(f FieldSpec, fv reflect.Value) bool {
	switch f.Kind {
	case KindReference:
		return fv.Addr().Interface().(linker).IsZero()
	case KindBinary:
		return fv.Interface().(Blob).IsZero()
	}
	return fv.IsZero()
}

// generate fills fv from f's generator.
func generate(f FieldSpec, fv reflect.Value) {
	v := reflect.ValueOf(f.Generator())
	fv.Set(v.Convert(fv.Type()))
}

var timeType = reflect.TypeOf(time.Time{})

// normalizeTime rounds a time.Time or *time.Time field to what a BSON datetime
// holds: UTC at millisecond precision. A pointer field gets a fresh pointer so
// the caller's time is not modified through it.
func normalizeTime(fv reflect.Value) {
	switch {
	case fv.Type() == timeType:
		t := fv.Interface().(time.Time)
		fv.Set(reflect.ValueOf(t.Truncate(time.Millisecond).UTC()))
	case fv.Kind() == reflect.Pointer && fv.Type().Elem() == timeType && !fv.IsNil():
		t := fv.Elem().Interface().(time.Time).Truncate(time.Millisecond).UTC()
		fv.Set(reflect.ValueOf(&t))
	}
}

package smarterdoc

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Generator produces a field value when the field is unset at save time.
type Generator func() any

// NewID generates a UUIDv7 (time-ordered) identifier
// UUIDv7 benefits:
// - Sortable by creation time
// - Database index friendly
// - Can infer creation time from ID
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fall back to UUIDv4 if NewV7 fails (extremely rare)
		id = uuid.New()
	}
	return id.String()
}

// NewObjectID generates a MongoDB ObjectID.
func NewObjectID() primitive.ObjectID {
	return primitive.NewObjectID()
}

// ParseID parses a UUID string
func ParseID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// IsValidID checks if a string is a valid UUID
func IsValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Built-in generators, selectable with the gen= tag option.
var builtinGenerators = map[string]Generator{
	"objectid": func() any { return primitive.NewObjectID() },
	"uuid":     func() any { return uuid.NewString() },
	"uuidv7":   func() any { return NewID() },
	"now":      func() any { return time.Now().UTC().Truncate(time.Millisecond) },
}

var objectIDType = reflect.TypeOf(primitive.ObjectID{})

// defaultIDGenerator picks the generator for an id field that has none declared.
func defaultIDGenerator(t reflect.Type) (Generator, bool) {
	switch {
	case t == objectIDType:
		return builtinGenerators["objectid"], true
	case t.Kind() == reflect.String:
		return builtinGenerators["uuidv7"], true
	}
	return nil, false
}

// validIDType reports whether values of t can serve as document identifiers.
func validIDType(t reflect.Type) bool {
	if t == objectIDType {
		return true
	}
	switch t.Kind() {
	case reflect.String, reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint32:
		return true
	}
	return false
}

// idKey renders an identifier as a storage key component.
func idKey(id any) (string, error) {
	switch v := id.(type) {
	case primitive.ObjectID:
		if v.IsZero() {
			return "", WithContext(ErrInvalidData, map[string]interface{}{"reason": "zero object id"})
		}
		return v.Hex(), nil
	case string:
		if v == "" {
			return "", WithContext(ErrInvalidData, map[string]interface{}{"reason": "empty id"})
		}
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	}
	return "", WithContext(ErrInvalidData, map[string]interface{}{
		"reason": "unsupported id type",
		"type":   fmt.Sprintf("%T", id),
	})
}

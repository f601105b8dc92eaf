package smarterdoc

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IDKey is the storage key of every document identifier.
const IDKey = "_id"

// Document is the storage representation of one schema value: an ordered list of
// key/value pairs holding BSON-compatible values. Documents are built fresh by
// every encode and discarded after every decode.
type Document bson.D

// Get returns the value stored under key.
func (d Document) Get(key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Set replaces the value under key, or appends it when the key is new.
func (d *Document) Set(key string, value any) {
	for i := range *d {
		if (*d)[i].Key == key {
			(*d)[i].Value = value
			return
		}
	}
	*d = append(*d, primitive.E{Key: key, Value: value})
}

// Keys returns the storage keys in document order.
func (d Document) Keys() []string {
	keys := make([]string, len(d))
	for i, e := range d {
		keys[i] = e.Key
	}
	return keys
}

// ID returns the document identifier, or nil when the document has none.
func (d Document) ID() any {
	v, _ := d.Get(IDKey)
	return v
}

// D returns the document as a bson.D for the driver.
func (d Document) D() bson.D {
	return bson.D(d)
}

// MarshalDocument encodes d as BSON bytes.
func MarshalDocument(d Document) ([]byte, error) {
	return bson.Marshal(bson.D(d))
}

// UnmarshalDocument decodes BSON bytes into a Document.
func UnmarshalDocument(data []byte) (Document, error) {
	var d bson.D
	if err := bson.Unmarshal(data, &d); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"reason": err.Error(),
		})
	}
	return Document(d), nil
}

// isNull reports whether a document value is a BSON null.
func isNull(v any) bool {
	switch v.(type) {
	case nil, primitive.Null:
		return true
	}
	return false
}

func elem(key string, value any) primitive.E {
	return primitive.E{Key: key, Value: value}
}

package simple

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/adrianmcphee/smarterdoc"
)

// Collection provides type-safe CRUD operations for a specific entity type.
// It uses generics to eliminate boilerplate and provide compile-time safety.
//
// Example:
//
//	type User struct {
//	    ID    string `doc:"_id"`
//	    Email string `doc:"email,required"`
//	    Name  string `doc:"name"`
//	}
//
//	users := simple.NewCollection[User](db)
//	user, err := users.Create(ctx, &User{Email: "alice@example.com", Name: "Alice"})
type Collection[T any] struct {
	db   *DB
	name string
	coll *smarterdoc.Collection[T]
}

// NewCollection creates a new type-safe collection, registering T in the DB's
// registry on first use. The collection name is inferred from the type name
// (User -> "Users"). Override with an explicit name:
// NewCollection[User](db, "customers").
//
// Panics when T cannot be registered; use NewCollectionE to get the error.
func NewCollection[T any](db *DB, name ...string) *Collection[T] {
	c, err := NewCollectionE[T](db, name...)
	if err != nil {
		panic(fmt.Sprintf("simple.NewCollection: %v", err))
	}
	return c
}

// NewCollectionE is NewCollection returning registration errors.
func NewCollectionE[T any](db *DB, name ...string) (*Collection[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()

	desc, err := db.registry.Lookup(t)
	if errors.Is(err, smarterdoc.ErrUnknownSchema) {
		collectionName := pluralize(t.Name())
		if len(name) > 0 && name[0] != "" {
			collectionName = name[0]
		}
		desc, err = smarterdoc.RegisterWith[T](db.registry, smarterdoc.WithCollection(collectionName))
	}
	if err != nil {
		return nil, err
	}
	if len(name) > 0 && name[0] != "" && name[0] != desc.Collection {
		return nil, fmt.Errorf("type %s already registered with collection %q", t, desc.Collection)
	}

	coll, err := smarterdoc.NewCollection[T](db.client)
	if err != nil {
		return nil, err
	}
	return &Collection[T]{db: db, name: desc.Collection, coll: coll}, nil
}

// Core returns the underlying smarterdoc collection.
func (c *Collection[T]) Core() *smarterdoc.Collection[T] {
	return c.coll
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Create stores a new item and returns a copy with its ID populated.
// This is IMMUTABLE - the input is not modified.
//
// Example:
//
//	created, err := users.Create(ctx, &User{Email: "alice@example.com"})
//	fmt.Println(created.ID)
func (c *Collection[T]) Create(ctx context.Context, item *T) (*T, error) {
	if item == nil {
		return nil, fmt.Errorf("create: nil item")
	}
	cp := *item
	if err := c.coll.Save(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Get retrieves an item by ID.
//
// Example:
//
//	user, err := users.Get(ctx, id)
func (c *Collection[T]) Get(ctx context.Context, id any) (*T, error) {
	return c.coll.Get(ctx, id)
}

// Update saves an existing item. The item must have its ID set.
func (c *Collection[T]) Update(ctx context.Context, item *T) error {
	if item == nil {
		return fmt.Errorf("update: nil item")
	}
	id := reflect.ValueOf(item).Elem().FieldByName(c.coll.Schema().ID.Name)
	if id.IsZero() {
		return fmt.Errorf("update: item has no ID")
	}
	return c.coll.Save(ctx, item)
}

// Delete removes an item by ID along with its blobs. Blobs that could not be
// deleted are logged by the client and do not fail the call.
func (c *Collection[T]) Delete(ctx context.Context, id any) error {
	res, err := c.coll.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !res.Deleted {
		return smarterdoc.WithContext(smarterdoc.ErrNotFound, map[string]interface{}{
			"collection": c.name,
			"id":         id,
		})
	}
	return nil
}

// Find returns all items whose field equals value. field may be the Go field
// name or the storage key.
//
// Example:
//
//	admins, err := users.Find(ctx, "Role", "admin")
func (c *Collection[T]) Find(ctx context.Context, field string, value any) ([]*T, error) {
	key, err := c.storageKey(field)
	if err != nil {
		return nil, err
	}
	cur, err := c.coll.FindMany(ctx, smarterdoc.Filter{key: value})
	if err != nil {
		return nil, err
	}
	return cur.Collect(ctx)
}

// FindOne returns the first item whose field equals value.
// Returns an error matching smarterdoc.ErrNotFound if no items match.
func (c *Collection[T]) FindOne(ctx context.Context, field string, value any) (*T, error) {
	key, err := c.storageKey(field)
	if err != nil {
		return nil, err
	}
	return c.coll.FindOne(ctx, smarterdoc.Filter{key: value})
}

// Atomic performs a read-modify-write under the client's lock.
// The function receives the current item and can modify it.
//
// Example:
//
//	err := accounts.Atomic(ctx, id, func(a *Account) error {
//	    a.Balance += 100
//	    return nil
//	})
func (c *Collection[T]) Atomic(ctx context.Context, id any, fn func(*T) error) error {
	_, err := c.coll.Update(ctx, id, fn)
	return err
}

// All returns all items in the collection.
// WARNING: Loads everything into memory. Use Each for large collections.
func (c *Collection[T]) All(ctx context.Context) ([]*T, error) {
	cur, err := c.coll.FindMany(ctx, nil)
	if err != nil {
		return nil, err
	}
	return cur.Collect(ctx)
}

// Each iterates over all items without loading them into memory.
// The handler is called for each item. Return an error to stop iteration.
func (c *Collection[T]) Each(ctx context.Context, handler func(*T) error) error {
	for item, err := range c.coll.All(ctx, nil) {
		if err != nil {
			return err
		}
		if err := handler(item); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the total number of items.
func (c *Collection[T]) Count(ctx context.Context) (int64, error) {
	return c.coll.Count(ctx, nil)
}

func (c *Collection[T]) storageKey(field string) (string, error) {
	f, ok := c.coll.Schema().Field(field)
	if !ok {
		return "", fmt.Errorf("collection %s has no field %q", c.name, field)
	}
	return f.StorageKey, nil
}

func pluralize(s string) string {
	// Simple pluralization rules
	lower := strings.ToLower(s)

	// Irregular plurals
	irregulars := map[string]string{
		"person": "people",
		"child":  "children",
		"goose":  "geese",
		"tooth":  "teeth",
		"foot":   "feet",
		"mouse":  "mice",
	}

	if plural, ok := irregulars[lower]; ok {
		return plural
	}

	// Words ending in 'y' (preceded by consonant) -> 'ies'
	if len(s) > 1 && s[len(s)-1] == 'y' {
		preceding := s[len(s)-2]
		if !isVowel(rune(preceding)) {
			return s[:len(s)-1] + "ies"
		}
	}

	// Words ending in s, x, z, ch, sh -> add 'es'
	if strings.HasSuffix(lower, "s") || strings.HasSuffix(lower, "x") ||
		strings.HasSuffix(lower, "z") || strings.HasSuffix(lower, "ch") ||
		strings.HasSuffix(lower, "sh") {
		return s + "es"
	}

	// Default: add 's'
	return s + "s"
}

func isVowel(r rune) bool {
	return r == 'a' || r == 'e' || r == 'i' || r == 'o' || r == 'u'
}

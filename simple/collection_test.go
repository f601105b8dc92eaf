package simple

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/adrianmcphee/smarterdoc"
)

type testItem struct {
	ID   string `doc:"_id"`
	Name string `doc:"name"`
	Tag  string `doc:"tag"`
}

type Person struct {
	ID   string
	Name string `doc:"name,required"`
}

type counter struct {
	ID    string `doc:"_id"`
	Value int    `doc:"value"`
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Connect(WithDataPath(t.TempDir()), WithoutGlobal())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Collection Tests

func TestNewCollection_CreatesCollection(t *testing.T) {
	db := setupTestDB(t)

	collection := NewCollection[testItem](db)
	if collection == nil {
		t.Fatal("NewCollection returned nil")
	}

	// The pluralize function preserves case from type name
	if collection.Name() != "testItems" {
		t.Errorf("Expected collection name 'testItems', got '%s'", collection.Name())
	}
}

func TestNewCollection_CustomName(t *testing.T) {
	db := setupTestDB(t)

	collection := NewCollection[testItem](db, "custom_items")
	if collection.Name() != "custom_items" {
		t.Errorf("Expected collection name 'custom_items', got '%s'", collection.Name())
	}
}

func TestNewCollection_Irregular(t *testing.T) {
	db := setupTestDB(t)

	collection := NewCollection[Person](db)
	if collection.Name() != "people" {
		t.Errorf("Expected collection name 'people', got '%s'", collection.Name())
	}
}

func TestNewCollection_ReusesRegistration(t *testing.T) {
	db := setupTestDB(t)

	first := NewCollection[testItem](db)
	second := NewCollection[testItem](db)
	if first.Core().Schema() != second.Core().Schema() {
		t.Error("Expected both collections to share one descriptor")
	}

	if _, err := NewCollectionE[testItem](db, "other_name"); err == nil {
		t.Error("Expected error when renaming an already registered collection")
	}
}

func TestCollection_Create(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	collection := NewCollection[testItem](db)

	item := &testItem{
		Name: "Test Item",
		Tag:  "test",
	}

	created, err := collection.Create(ctx, item)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Check that ID was generated
	if created.ID == "" {
		t.Error("Created item has empty ID")
	}
	if !smarterdoc.IsValidID(created.ID) {
		t.Errorf("Generated ID %q is not a UUID", created.ID)
	}

	// Check that original was not mutated
	if item.ID != "" {
		t.Error("Original item was mutated (ID should be empty)")
	}

	// Check that data was preserved
	if created.Name != "Test Item" {
		t.Errorf("Expected name 'Test Item', got '%s'", created.Name)
	}
}

func TestCollection_CreateWithID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	collection := NewCollection[testItem](db)

	created, err := collection.Create(ctx, &testItem{ID: "custom-id", Name: "Test Item"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if created.ID != "custom-id" {
		t.Errorf("Expected ID 'custom-id', got '%s'", created.ID)
	}
}

func TestCollection_CreateNil(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	collection := NewCollection[testItem](db)

	if _, err := collection.Create(ctx, nil); err == nil {
		t.Error("Expected error when creating nil item")
	}
}

func TestCollection_CreateMissingRequired(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	people := NewCollection[Person](db)

	_, err := people.Create(ctx, &Person{})
	if !errors.Is(err, smarterdoc.ErrMissingRequiredField) {
		t.Fatalf("Expected ErrMissingRequiredField, got %v", err)
	}

	n, err := people.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Expected no documents written, got %d", n)
	}
}

func TestCollection_Get(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	collection := NewCollection[testItem](db)

	created, err := collection.Create(ctx, &testItem{Name: "Test"})
	if err != nil {
		t.Fatal(err)
	}

	found, err := collection.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found.ID != created.ID {
		t.Errorf("Expected ID %s, got %s", created.ID, found.ID)
	}
	if found.Name != "Test" {
		t.Errorf("Expected name 'Test', got '%s'", found.Name)
	}
}

func TestCollection_GetNotFound(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	collection := NewCollection[testItem](db)

	_, err := collection.Get(ctx, "nonexistent")
	if !smarterdoc.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestCollection_GetEmptyID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	collection := NewCollection[testItem](db)

	if _, err := collection.Get(ctx, ""); err == nil {
		t.Error("Expected error when getting with empty ID")
	}
}

func TestCollection_Update(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	collection := NewCollection[testItem](db)

	created, err := collection.Create(ctx, &testItem{Name: "Original"})
	if err != nil {
		t.Fatal(err)
	}

	created.Name = "Updated"
	if err := collection.Update(ctx, created); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	found, err := collection.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if found.Name != "Updated" {
		t.Errorf("Expected name 'Updated', got '%s'", found.Name)
	}
}

func TestCollection_UpdateWithoutID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	collection := NewCollection[testItem](db)

	if err := collection.Update(ctx, &testItem{Name: "No ID"}); err == nil {
		t.Error("Expected error when updating item without ID")
	}
}

func TestCollection_Delete(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	collection := NewCollection[testItem](db)

	created, err := collection.Create(ctx, &testItem{Name: "To Delete"})
	if err != nil {
		t.Fatal(err)
	}

	if err := collection.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := collection.Get(ctx, created.ID); !smarterdoc.IsNotFound(err) {
		t.Errorf("Expected not found after delete, got %v", err)
	}

	if err := collection.Delete(ctx, created.ID); !smarterdoc.IsNotFound(err) {
		t.Errorf("Expected not found on second delete, got %v", err)
	}
}

func TestCollection_FindAndFindOne(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	collection := NewCollection[testItem](db)

	for _, item := range []testItem{
		{Name: "a", Tag: "red"},
		{Name: "b", Tag: "blue"},
		{Name: "c", Tag: "red"},
	} {
		if _, err := collection.Create(ctx, &item); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("by Go field name", func(t *testing.T) {
		red, err := collection.Find(ctx, "Tag", "red")
		if err != nil {
			t.Fatal(err)
		}
		if len(red) != 2 {
			t.Errorf("Expected 2 red items, got %d", len(red))
		}
	})

	t.Run("by storage key", func(t *testing.T) {
		blue, err := collection.FindOne(ctx, "tag", "blue")
		if err != nil {
			t.Fatal(err)
		}
		if blue.Name != "b" {
			t.Errorf("Expected item 'b', got '%s'", blue.Name)
		}
	})

	t.Run("no match", func(t *testing.T) {
		_, err := collection.FindOne(ctx, "tag", "green")
		if !smarterdoc.IsNotFound(err) {
			t.Errorf("Expected not found, got %v", err)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		if _, err := collection.Find(ctx, "Colour", "red"); err == nil {
			t.Error("Expected error for unknown field")
		}
	})
}

func TestCollection_AllEachCount(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	collection := NewCollection[testItem](db)
	for i := 0; i < 5; i++ {
		if _, err := collection.Create(ctx, &testItem{Name: "item"}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := collection.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("Expected 5 items, got %d", len(all))
	}

	seen := 0
	stop := errors.New("stop")
	err = collection.Each(ctx, func(*testItem) error {
		seen++
		if seen == 3 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("Expected handler error, got %v", err)
	}
	if seen != 3 {
		t.Errorf("Expected iteration to stop after 3 items, got %d", seen)
	}

	n, err := collection.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("Expected count 5, got %d", n)
	}
}

func TestCollection_Atomic(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	counters := NewCollection[counter](db)
	created, err := counters.Create(ctx, &counter{})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := counters.Atomic(ctx, created.ID, func(c *counter) error {
				c.Value++
				return nil
			}); err != nil {
				t.Errorf("Atomic failed: %v", err)
			}
		}()
	}
	wg.Wait()

	found, err := counters.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if found.Value != 10 {
		t.Errorf("Expected value 10, got %d", found.Value)
	}
}

func TestConnect_PublishesGlobal(t *testing.T) {
	db, err := Connect(WithDataPath(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if smarterdoc.Global() != db.Client() {
		t.Error("Expected Connect to publish the client as global")
	}
}

func TestConnect_BadURI(t *testing.T) {
	_, err := Connect(WithURI("nosuch://host"), WithoutGlobal())
	if !errors.Is(err, smarterdoc.ErrConnection) {
		t.Errorf("Expected ErrConnection, got %v", err)
	}
}

func TestPluralize(t *testing.T) {
	tests := map[string]string{
		"User":     "Users",
		"Category": "Categories",
		"Box":      "Boxes",
		"Person":   "people",
		"Key":      "Keys",
	}
	for in, want := range tests {
		if got := pluralize(in); got != want {
			t.Errorf("pluralize(%q) = %q, want %q", in, got, want)
		}
	}
}

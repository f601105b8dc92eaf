// Package simple provides a high-level, batteries-included API for smarterdoc.
//
// # Philosophy
//
// The Simple API is designed for rapid prototyping, demos, and applications that
// prioritize developer experience over fine-grained control. It provides:
//
//   - Automatic configuration from environment variables
//   - Type-safe CRUD operations using generics
//   - Schema registration on first use, driven by struct tags
//   - A global client published on connect
//
// # Quick Start
//
// Declare a struct and start storing data:
//
//	type User struct {
//	    ID    string `doc:"_id"`
//	    Email string `doc:"email,required"`
//	    Name  string `doc:"name"`
//	}
//
//	db := simple.MustConnect()
//	defer db.Close()
//
//	users := simple.NewCollection[User](db)
//	user, err := users.Create(ctx, &User{
//	    Email: "alice@example.com",
//	    Name:  "Alice",
//	})
//
// String IDs are generated as UUIDv7 on first save; primitive.ObjectID IDs get a
// fresh ObjectID. See the smarterdoc package for the full tag syntax, including
// Link references and Blob fields.
//
// # Configuration
//
// The Simple API reads its configuration from the environment:
//
//   - SMARTERDOC_URI: store URI (default: a filesystem store under DATA_PATH)
//   - DATA_PATH: filesystem store path (default: "./data")
//   - SMARTERDOC_CHUNK_SIZE: blob chunk size in bytes
//   - REDIS_ADDR: Redis address; enables distributed locking for Atomic
//   - REDIS_PASSWORD, REDIS_DB: Redis credentials and database number
//
// Example .env file:
//
//	SMARTERDOC_URI=mongodb://localhost:27017/myapp
//	REDIS_ADDR=localhost:6379
//
// # Error Handling
//
// The Simple API provides two initialization styles:
//
// 1. Connect() - Returns error for production use:
//
//	db, err := simple.Connect()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
// 2. MustConnect() - Panics on error for demos/prototypes:
//
//	db := simple.MustConnect()
//	defer db.Close()
//
// Errors match the smarterdoc sentinels, so errors.Is(err, smarterdoc.ErrNotFound)
// works on everything returned here.
//
// # Escape Hatches
//
//	client := db.Client()          // the smarterdoc Client
//	core := users.Core()           // the smarterdoc Collection[User]
//	cur, err := core.FindMany(ctx, smarterdoc.Filter{"age": bson.M{"$gte": 18}})
//
// # Collection Naming
//
// Collection names are inferred from type names with simple pluralization:
//
//	NewCollection[User](db)     // -> "Users"
//	NewCollection[Person](db)   // -> "people"
//	NewCollection[Child](db)    // -> "children"
//
// Override with explicit name:
//
//	NewCollection[User](db, "customers")  // -> "customers"
//
// # Immutability
//
// The Create() method returns a new object with ID populated, leaving the
// input unchanged:
//
//	user := &User{Email: "alice@example.com"}
//	created, err := users.Create(ctx, user)
//	// user.ID == ""        (unchanged)
//	// created.ID == "..."  (populated)
package simple

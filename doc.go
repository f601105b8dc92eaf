// Package smarterdoc maps Go structs to documents in a document store.
//
// # Overview
//
// A schema is derived once from a struct's tags and registered by type. A
// Collection[T] then saves, fetches, queries and deletes values of T, encoding
// them to BSON documents through the schema:
//
//   - Field renames, required fields, omitempty and id generators
//   - References to documents of other schemas, resolved lazily or in bulk
//   - Binary fields stored out of line in a chunked blob store
//   - Optimistic versioning and lock-guarded read-modify-write updates
//   - Pull-based cursors that decode lazily and always release the store cursor
//   - Structured logging (zap) and Prometheus metrics
//
// Documents live in MongoDB (mongodb:// URIs, with GridFS for blobs) or in any
// object store: a directory (file://), S3 (s3://), MinIO (minio://) or Google
// Cloud Storage (gs://).
//
// # Quick Start
//
//	type Author struct {
//	    ID   primitive.ObjectID `doc:"_id"`
//	    Name string             `doc:"name,required"`
//	}
//
//	type Post struct {
//	    ID     string                      `doc:"_id,gen=uuidv7"`
//	    Title  string                      `doc:"title,required"`
//	    Author smarterdoc.Link[Author]     `doc:"author,ref=Author"`
//	    Cover  smarterdoc.Blob             `doc:"cover,blob=images,omitempty"`
//	    Rev    int                         `doc:"rev,version"`
//	}
//
//	smarterdoc.MustRegister[Author]()
//	smarterdoc.MustRegister[Post]()
//
//	client, err := smarterdoc.Connect(ctx, "file://./data", "blog")
//	if err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	posts, _ := smarterdoc.NewCollection[Post](client)
//	p := &Post{Title: "Hello", Author: smarterdoc.LinkTo(ada), Cover: smarterdoc.BlobBytes(png)}
//	if err := posts.Save(ctx, p); err != nil {
//	    return err
//	}
//
// # Tags
//
// Fields are tagged doc:"key,opt,...". Options are id, required, omitempty,
// version, gen=objectid|uuid|uuidv7|now, ref=SchemaName (Link fields) and
// blob=storeName (Blob fields). A field named ID is the id when none is tagged.
//
// # References
//
// A Link[T] stores the target's schema and id. Resolve fetches the target on
// first use and caches it; Refresh refetches. Collection.ResolveLinks walks a
// value's links up to a hop limit and fails with ErrReferenceCycleDetected
// when a chain revisits a document.
//
// # Blobs
//
// A Blob holds either pending content or the handle of stored content. Save
// uploads pending blobs first and writes their handles into the document.
// Delete removes the document and then its blobs; blobs whose delete fails are
// reported in DeleteResult.Orphans and do not fail the call.
//
// # Concurrency
//
// Without a version field concurrent saves of the same id are last-write-wins.
// With one, Save fails with ErrConflict when the stored version moved. Update
// runs read-modify-write under a lock: striped in-process locks by default, or
// a Redis DistributedLock when the configuration names a Redis server.
//
// # Errors
//
// Errors wrap sentinels such as ErrNotFound, ErrRequiredFieldMissing,
// ErrConflict and ErrClientNotReady. Test them with errors.Is or the IsNotFound
// family of helpers.
package smarterdoc

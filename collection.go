package smarterdoc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"reflect"
	"time"

	"golang.org/x/sync/errgroup"
)

// blobDeleteConcurrency bounds the parallel blob deletes issued by one Delete.
const blobDeleteConcurrency = 4

// Collection is a typed accessor for the documents of schema T. It captures its
// client at construction: publishing a different global client later does not
// rebind existing collections.
type Collection[T any] struct {
	client   *Client
	desc     *SchemaDescriptor
	hasBlobs bool
}

// NewCollection returns an accessor for T on client. T must be registered in
// the client's registry.
func NewCollection[T any](client *Client) (*Collection[T], error) {
	if client == nil {
		return nil, WithContext(ErrClientNotReady, map[string]interface{}{"reason": "nil client"})
	}
	desc, err := lookupType[T](client.Registry())
	if err != nil {
		return nil, err
	}
	coll := &Collection[T]{client: client, desc: desc}
	for _, f := range desc.Fields {
		if f.Kind == KindBinary {
			coll.hasBlobs = true
		}
	}
	return coll, nil
}

// GlobalCollection returns an accessor for T on the current global client.
func GlobalCollection[T any]() (*Collection[T], error) {
	c := Global()
	if c == nil {
		return nil, WithContext(ErrClientNotReady, map[string]interface{}{"reason": "no global client"})
	}
	return NewCollection[T](c)
}

// Schema returns a copy of the descriptor of T.
func (c *Collection[T]) Schema() *SchemaDescriptor {
	return c.desc.clone()
}

// Client returns the captured client.
func (c *Collection[T]) Client() *Client {
	return c.client
}

func (c *Collection[T]) idOf(v *T) any {
	return fieldValue(reflect.ValueOf(v).Elem(), c.desc.ID).Interface()
}

// Save upserts v by id. Generated fields and uploaded blob handles are written
// back into v only when the save succeeds.
//
// Blobs held by the stored document that v no longer holds are deleted after
// the write; failures are logged as orphans and do not fail the save.
//
// Without a version field concurrent saves of the same id are last-write-wins.
// With one, the stored version must equal v's version: the write increments it
// and fails with ErrConflict when another writer got there first.
func (c *Collection[T]) Save(ctx context.Context, v *T) error {
	if v == nil {
		return WithContext(ErrInvalidData, map[string]interface{}{"reason": "nil value"})
	}
	sess, err := c.client.session()
	if err != nil {
		return err
	}
	start := time.Now()
	coll := c.desc.Collection
	m := c.client.metrics

	work := *v
	s := reflect.ValueOf(&work).Elem()

	var guard Filter
	vf, versioned := c.desc.VersionField()
	if versioned {
		fv := fieldValue(s, vf)
		prev := fv.Int()
		if prev != 0 {
			guard = Filter{vf.StorageKey: prev}
		}
		fv.SetInt(prev + 1)
	}

	codec := sess.codec()
	doc, uploaded, err := codec.encode(ctx, &work, c.desc)
	if err != nil {
		m.Increment(MetricSaveError, "collection", coll)
		return err
	}
	id := doc.ID()

	var previous []boundBlob
	if c.hasBlobs {
		previous, err = c.storedBlobs(ctx, sess, id)
		if err != nil {
			uploaded.undo(context.WithoutCancel(ctx), sess.blobs)
			m.Increment(MetricSaveError, "collection", coll)
			return err
		}
	}

	if versioned {
		var ok bool
		ok, err = sess.conn.ReplaceIf(ctx, coll, id, guard, doc)
		if err == nil && !ok {
			m.Increment(MetricSaveConflict, "collection", coll)
			err = WithContext(ErrConflict, map[string]interface{}{
				"collection": coll,
				"id":         id,
				"version":    fieldValue(s, vf).Int() - 1,
			})
		}
	} else {
		err = sess.conn.InsertOrReplace(ctx, coll, id, doc)
	}
	if err != nil {
		uploaded.undo(context.WithoutCancel(ctx), sess.blobs)
		if !errors.Is(err, ErrConflict) {
			m.Increment(MetricSaveError, "collection", coll)
			err = storeError("save", err)
		}
		return err
	}

	*v = work
	if replaced := replacedBlobs(previous, c.boundBlobs(doc)); len(replaced) > 0 {
		orphans := c.deleteBlobs(context.WithoutCancel(ctx), sess, replaced)
		c.reportOrphans("save", id, orphans)
	}
	m.Increment(MetricSaveSuccess, "collection", coll)
	m.Timing(MetricSaveDuration, time.Since(start), "collection", coll)
	c.client.logger.Debug("document saved",
		"collection", coll,
		"id", id,
		"blobs_uploaded", uploaded.count(),
	)
	return nil
}

// Get returns the document with the given id, or ErrNotFound.
func (c *Collection[T]) Get(ctx context.Context, id any) (*T, error) {
	sess, err := c.client.session()
	if err != nil {
		return nil, err
	}
	profiler := ProfilerFromContext(ctx)
	prof := profiler.StartProfile("get", c.desc.Collection, Filter{IDKey: id})
	v, err := c.get(ctx, sess, id)
	if v != nil {
		profiler.Record(prof, 1, nil)
	} else {
		profiler.Record(prof, 0, err)
	}
	return v, err
}

func (c *Collection[T]) get(ctx context.Context, sess *session, id any) (*T, error) {
	doc, err := sess.fetch(ctx, c.desc.Collection, id)
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := sess.codec().Decode(doc, c.desc, v); err != nil {
		c.client.metrics.Increment(MetricDecodeError, "collection", c.desc.Collection)
		return nil, err
	}
	return v, nil
}

// FindOne returns the first document matching filter, or ErrNotFound.
func (c *Collection[T]) FindOne(ctx context.Context, filter Filter) (*T, error) {
	cur, err := c.FindMany(ctx, filter, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	if cur.Next(ctx) {
		return cur.Value(), nil
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return nil, WithContext(ErrNotFound, map[string]interface{}{
		"collection": c.desc.Collection,
		"filter":     fmt.Sprintf("%v", filter),
	})
}

// FindMany opens a cursor over the documents matching filter. Keys in filter are
// storage keys. The caller must Close the cursor unless it is drained.
func (c *Collection[T]) FindMany(ctx context.Context, filter Filter, opts ...FindOptions) (*Cursor[T], error) {
	sess, err := c.client.session()
	if err != nil {
		return nil, err
	}
	var o FindOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	profiler := ProfilerFromContext(ctx)
	prof := profiler.StartProfile("find", c.desc.Collection, filter)
	start := time.Now()
	dc, err := sess.conn.Find(ctx, c.desc.Collection, filter, o)
	if err != nil {
		err = storeError("find", err)
		profiler.Record(prof, 0, err)
		return nil, err
	}
	c.client.metrics.Timing(MetricFindDuration, time.Since(start), "collection", c.desc.Collection)
	cur := newCursor[T](dc, sess.codec(), c.desc, c.client.metrics)
	cur.profiler, cur.profile = profiler, prof
	return cur, nil
}

// All returns a sequence over the documents matching filter. Every range over
// the sequence runs a fresh query; breaking out early closes the cursor.
func (c *Collection[T]) All(ctx context.Context, filter Filter) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		cur, err := c.FindMany(ctx, filter)
		if err != nil {
			yield(nil, err)
			return
		}
		defer cur.Close(ctx)

		for cur.Next(ctx) {
			if !yield(cur.Value(), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Count returns the number of documents matching filter without decoding them.
func (c *Collection[T]) Count(ctx context.Context, filter Filter) (int64, error) {
	sess, err := c.client.session()
	if err != nil {
		return 0, err
	}
	profiler := ProfilerFromContext(ctx)
	prof := profiler.StartProfile("count", c.desc.Collection, filter)
	dc, err := sess.conn.Find(ctx, c.desc.Collection, filter, FindOptions{})
	if err != nil {
		err = storeError("find", err)
		profiler.Record(prof, 0, err)
		return 0, err
	}
	defer dc.Close(context.WithoutCancel(ctx))

	var n int64
	for dc.Next(ctx) {
		n++
	}
	err = storeError("count", dc.Err())
	profiler.Record(prof, int(n), err)
	return n, err
}

// OrphanedBlob records a blob whose delete failed after its document was
// removed.
type OrphanedBlob struct {
	Field  string
	Handle BlobHandle
	Err    error
}

func (o OrphanedBlob) Error() string {
	return fmt.Sprintf("%v: field %s blob %s/%s: %v",
		ErrOrphanedBlob, o.Field, o.Handle.StoreName, o.Handle.BlobID.Hex(), o.Err)
}

func (o OrphanedBlob) Unwrap() []error {
	return []error{ErrOrphanedBlob, o.Err}
}

// DeleteResult reports the outcome of Collection.Delete.
type DeleteResult struct {
	Deleted bool
	Orphans []OrphanedBlob
}

// Err returns the orphaned blobs as an error matching ErrOrphanedBlob, or nil.
func (r DeleteResult) Err() error {
	if len(r.Orphans) == 0 {
		return nil
	}
	errs := make([]error, len(r.Orphans))
	for i, o := range r.Orphans {
		errs[i] = o
	}
	return errors.Join(errs...)
}

type boundBlob struct {
	field  string
	handle BlobHandle
}

// Delete removes the document with id and then every blob it holds. A failed
// blob delete does not fail the call: it is reported in DeleteResult.Orphans
// and logged. Referenced documents are never deleted. Deleting a missing id
// returns Deleted == false and no error.
func (c *Collection[T]) Delete(ctx context.Context, id any) (DeleteResult, error) {
	sess, err := c.client.session()
	if err != nil {
		return DeleteResult{}, err
	}
	start := time.Now()
	coll := c.desc.Collection
	m := c.client.metrics

	doc, err := sess.fetch(ctx, coll, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return DeleteResult{}, nil
		}
		m.Increment(MetricDeleteError, "collection", coll)
		return DeleteResult{}, err
	}
	blobs := c.boundBlobs(doc)

	deleted, err := sess.conn.Delete(ctx, coll, id)
	if err != nil {
		m.Increment(MetricDeleteError, "collection", coll)
		return DeleteResult{}, storeError("delete", err)
	}
	result := DeleteResult{Deleted: deleted}
	if !deleted {
		return result, nil
	}
	m.Increment(MetricDeleteSuccess, "collection", coll)

	if len(blobs) > 0 {
		result.Orphans = c.deleteBlobs(context.WithoutCancel(ctx), sess, blobs)
	}
	c.reportOrphans("delete", id, result.Orphans)
	m.Timing(MetricDeleteDuration, time.Since(start), "collection", coll)
	c.client.logger.Debug("document deleted",
		"collection", coll,
		"id", id,
		"blobs", len(blobs),
		"orphans", len(result.Orphans),
	)
	return result, nil
}

// reportOrphans logs and counts blobs whose delete failed during op.
func (c *Collection[T]) reportOrphans(op string, id any, orphans []OrphanedBlob) {
	for _, o := range orphans {
		c.client.metrics.Increment(MetricBlobOrphaned, "store", o.Handle.StoreName)
		c.client.logger.Warn("blob orphaned after document "+op,
			"collection", c.desc.Collection,
			"id", id,
			"field", o.Field,
			"store", o.Handle.StoreName,
			"blob_id", o.Handle.BlobID.Hex(),
			"error", o.Err,
		)
	}
}

// storedBlobs returns the blob handles of the stored document with id, or
// nothing when there is no such document.
func (c *Collection[T]) storedBlobs(ctx context.Context, sess *session, id any) ([]boundBlob, error) {
	doc, err := sess.fetch(ctx, c.desc.Collection, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.boundBlobs(doc), nil
}

// replacedBlobs returns the handles in previous that current no longer holds.
func replacedBlobs(previous, current []boundBlob) []boundBlob {
	var out []boundBlob
	for _, p := range previous {
		kept := false
		for _, cur := range current {
			if cur.handle.StoreName == p.handle.StoreName && cur.handle.BlobID == p.handle.BlobID {
				kept = true
				break
			}
		}
		if !kept {
			out = append(out, p)
		}
	}
	return out
}

// boundBlobs extracts the blob handles held by a stored document.
func (c *Collection[T]) boundBlobs(doc Document) []boundBlob {
	var out []boundBlob
	for _, f := range c.desc.Fields {
		if f.Kind != KindBinary {
			continue
		}
		raw, ok := doc.Get(f.StorageKey)
		if !ok || isNull(raw) {
			continue
		}
		var h BlobHandle
		if err := decodeInto(raw, reflect.ValueOf(&h).Elem()); err != nil || h.IsZero() {
			continue
		}
		out = append(out, boundBlob{field: f.Name, handle: h})
	}
	return out
}

func (c *Collection[T]) deleteBlobs(ctx context.Context, sess *session, blobs []boundBlob) []OrphanedBlob {
	binder, err := sess.binder()
	if err != nil {
		orphans := make([]OrphanedBlob, len(blobs))
		for i, b := range blobs {
			orphans[i] = OrphanedBlob{Field: b.field, Handle: b.handle, Err: err}
		}
		return orphans
	}

	failures := make([]error, len(blobs))
	var g errgroup.Group
	g.SetLimit(blobDeleteConcurrency)
	for i, b := range blobs {
		g.Go(func() error {
			if err := binder.Delete(ctx, b.handle); err != nil && !errors.Is(err, ErrNotFound) {
				failures[i] = err
			}
			return nil
		})
	}
	g.Wait()

	var orphans []OrphanedBlob
	for i, err := range failures {
		if err != nil {
			orphans = append(orphans, OrphanedBlob{Field: blobs[i].field, Handle: blobs[i].handle, Err: err})
		}
	}
	return orphans
}

// Update applies fn to the stored document and saves the result, holding the
// client's lock for the id so concurrent Updates of one document serialize.
// Plain Saves are not blocked by it.
func (c *Collection[T]) Update(ctx context.Context, id any, fn func(*T) error) (*T, error) {
	sess, err := c.client.session()
	if err != nil {
		return nil, err
	}
	key, err := idKey(id)
	if err != nil {
		return nil, err
	}
	unlock, err := sess.locker.Acquire(ctx, "update/"+c.desc.Collection+"/"+key)
	if err != nil {
		c.client.metrics.Increment(MetricLockFailed)
		return nil, err
	}
	defer unlock()
	c.client.metrics.Increment(MetricLockAcquired)

	v, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(v); err != nil {
		return nil, err
	}
	if got, err := idKey(c.idOf(v)); err != nil || got != key {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"collection": c.desc.Collection,
			"reason":     "update changed the document id",
		})
	}
	if err := c.Save(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// OpenBlob streams the payload of a decoded Blob field.
func (c *Collection[T]) OpenBlob(ctx context.Context, b Blob) (io.ReadCloser, error) {
	h, ok := b.Handle()
	if !ok {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"reason": "blob is not stored"})
	}
	return c.client.OpenBlob(ctx, h)
}

// ReadBlob loads the whole payload of a decoded Blob field.
func (c *Collection[T]) ReadBlob(ctx context.Context, b Blob) ([]byte, error) {
	rc, err := c.OpenBlob(ctx, b)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		h, _ := b.Handle()
		return nil, blobError("load", h, err)
	}
	return data, nil
}

// ResolveLinks deep-resolves the Link fields of v up to maxHops fetches.
func (c *Collection[T]) ResolveLinks(ctx context.Context, v *T, maxHops int) error {
	return c.client.Resolver().ResolveLinks(ctx, v, maxHops)
}

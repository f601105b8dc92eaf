package smarterdoc

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds the in-flight operations of one batch call.
const DefaultBatchConcurrency = 8

// BatchOperation is the outcome of one item of a batch call, in input order.
type BatchOperation struct {
	ID      any
	Err     error
	Orphans []OrphanedBlob // DeleteMany only
}

// BatchOperationResult summarizes a batch call.
type BatchOperationResult struct {
	Total      int
	Successful int
	Failed     int
	Errors     []BatchOperation
}

// AnalyzeBatchResults counts the failures in operations.
func AnalyzeBatchResults(operations []BatchOperation) *BatchOperationResult {
	result := &BatchOperationResult{
		Total:  len(operations),
		Errors: make([]BatchOperation, 0),
	}
	for _, op := range operations {
		if op.Err == nil {
			result.Successful++
		} else {
			result.Failed++
			result.Errors = append(result.Errors, op)
		}
	}
	return result
}

// Err returns nil when every operation succeeded.
func (r *BatchOperationResult) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return fmt.Errorf("batch failed: %d/%d operations failed: %w", r.Failed, r.Total, r.Errors[0].Err)
}

// batch runs fn for each index with bounded concurrency. Items not started
// before ctx is cancelled report ctx.Err() under the id from idOf.
func batch(ctx context.Context, n int, idOf func(i int) any, fn func(i int) BatchOperation) []BatchOperation {
	ops := make([]BatchOperation, n)
	g := new(errgroup.Group)
	g.SetLimit(DefaultBatchConcurrency)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			for j := i; j < n; j++ {
				ops[j] = BatchOperation{ID: idOf(j), Err: err}
			}
			break
		}
		g.Go(func() error {
			ops[i] = fn(i)
			return nil
		})
	}
	g.Wait()
	return ops
}

// SaveMany saves every value. Each value is saved as by Save; one failure
// does not stop the others.
func (c *Collection[T]) SaveMany(ctx context.Context, vs []*T) []BatchOperation {
	idOf := func(i int) any {
		if vs[i] == nil {
			return nil
		}
		return c.idOf(vs[i])
	}
	return batch(ctx, len(vs), idOf, func(i int) BatchOperation {
		err := c.Save(ctx, vs[i])
		return BatchOperation{ID: idOf(i), Err: err}
	})
}

// GetMany fetches ids concurrently. Values are returned in input order with
// nil where the operation failed, including ErrNotFound.
func (c *Collection[T]) GetMany(ctx context.Context, ids []any) ([]*T, []BatchOperation) {
	values := make([]*T, len(ids))
	ops := batch(ctx, len(ids), func(i int) any { return ids[i] }, func(i int) BatchOperation {
		v, err := c.Get(ctx, ids[i])
		values[i] = v
		return BatchOperation{ID: ids[i], Err: err}
	})
	return values, ops
}

// DeleteMany deletes ids concurrently. A missing id is not a failure; blobs
// left behind are listed in Orphans.
func (c *Collection[T]) DeleteMany(ctx context.Context, ids []any) []BatchOperation {
	return batch(ctx, len(ids), func(i int) any { return ids[i] }, func(i int) BatchOperation {
		res, err := c.Delete(ctx, ids[i])
		return BatchOperation{ID: ids[i], Err: err, Orphans: res.Orphans}
	})
}

// BatchWriter buffers values and saves them with SaveMany once batchSize
// values are pending.
type BatchWriter[T any] struct {
	coll      *Collection[T]
	items     []*T
	batchSize int
	mu        sync.Mutex
}

// NewBatchWriter creates a batch writer for c.
func NewBatchWriter[T any](c *Collection[T], batchSize int) *BatchWriter[T] {
	if batchSize <= 0 {
		batchSize = DefaultBatchConcurrency
	}
	return &BatchWriter[T]{coll: c, batchSize: batchSize}
}

// Add queues v, flushing when the batch is full.
func (bw *BatchWriter[T]) Add(ctx context.Context, v *T) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	bw.items = append(bw.items, v)
	if len(bw.items) >= bw.batchSize {
		return bw.flushLocked(ctx)
	}
	return nil
}

// Flush saves all pending values.
func (bw *BatchWriter[T]) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

func (bw *BatchWriter[T]) flushLocked(ctx context.Context) error {
	if len(bw.items) == 0 {
		return nil
	}
	items := bw.items
	bw.items = nil
	return AnalyzeBatchResults(bw.coll.SaveMany(ctx, items)).Err()
}

package smarterdoc

import "context"

// Cursor is a pull-based sequence over query results. Each document is decoded
// as Next reaches it. The underlying store cursor is closed exactly once: when
// Next runs out of results, when decoding fails, or when Close is called.
// A Cursor is not safe for concurrent use.
type Cursor[T any] struct {
	cur      DocCursor
	codec    *Codec
	desc     *SchemaDescriptor
	metrics  Metrics
	profile  *QueryProfile
	profiler *QueryProfiler
	seen     int

	value  *T
	err    error
	closed bool
}

func newCursor[T any](cur DocCursor, codec *Codec, desc *SchemaDescriptor, metrics Metrics) *Cursor[T] {
	metrics.Increment(MetricCursorOpened, "collection", desc.Collection)
	return &Cursor[T]{cur: cur, codec: codec, desc: desc, metrics: metrics}
}

// Next advances to the next document, reporting false when the results are
// exhausted or an error occurred. Check Err afterwards.
func (c *Cursor[T]) Next(ctx context.Context) bool {
	if c.closed {
		return false
	}
	c.value = nil
	if !c.cur.Next(ctx) {
		c.err = storeError("find", c.cur.Err())
		c.Close(ctx)
		return false
	}

	doc, err := c.cur.Document()
	if err != nil {
		c.err = storeError("decode", err)
		c.Close(ctx)
		return false
	}
	v := new(T)
	if err := c.codec.Decode(doc, c.desc, v); err != nil {
		c.metrics.Increment(MetricDecodeError, "collection", c.desc.Collection)
		c.err = err
		c.Close(ctx)
		return false
	}
	c.value = v
	c.seen++
	return true
}

// Value returns the document Next advanced to.
func (c *Cursor[T]) Value() *T {
	return c.value
}

// Err returns the error that stopped iteration, if any.
func (c *Cursor[T]) Err() error {
	return c.err
}

// Close releases the store cursor. Calling it more than once is a no-op.
func (c *Cursor[T]) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.metrics.Increment(MetricCursorClosed, "collection", c.desc.Collection)
	c.profiler.Record(c.profile, c.seen, c.err)
	return storeError("close", c.cur.Close(context.WithoutCancel(ctx)))
}

// Collect drains the cursor into a slice and closes it.
func (c *Cursor[T]) Collect(ctx context.Context) ([]*T, error) {
	defer c.Close(ctx)
	var out []*T
	for c.Next(ctx) {
		out = append(out, c.Value())
	}
	return out, c.Err()
}

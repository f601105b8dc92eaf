package smarterdoc

import (
	"context"
	"net/url"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// Filter selects documents by storage key. MongoDB receives it verbatim; object
// backends support equality on top-level and dotted keys plus the $eq, $ne,
// $in, $nin, $exists, $gt, $gte, $lt and $lte operators.
type Filter = bson.M

// FindOptions bounds a Find.
type FindOptions struct {
	Limit int64
	Skip  int64
}

// Conn is an open connection to a document store.
type Conn interface {
	// InsertOrReplace upserts doc under id.
	InsertOrReplace(ctx context.Context, collection string, id any, doc Document) error

	// ReplaceIf writes doc under id only if the stored document matches guard.
	// A nil guard means insert-only: the write happens only if no document
	// with that id exists. Returns false when the condition did not hold.
	ReplaceIf(ctx context.Context, collection string, id any, guard Filter, doc Document) (bool, error)

	// Find returns a cursor over the documents matching filter.
	Find(ctx context.Context, collection string, filter Filter, opts FindOptions) (DocCursor, error)

	// Delete removes the document with id, reporting whether one existed.
	Delete(ctx context.Context, collection string, id any) (bool, error)

	// Blobs returns the store's native blob store.
	Blobs() BlobStore

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// DocCursor iterates over Find results. Close must be called once iteration
// stops, however it stops.
type DocCursor interface {
	Next(ctx context.Context) bool
	Document() (Document, error)
	Err() error
	Close(ctx context.Context) error
}

// OpenOptions carries client settings to a Driver.
type OpenOptions struct {
	AppName string
	Config  Config
	Locker  Locker
	Logger  Logger
}

// Driver opens connections for one or more URI schemes.
type Driver interface {
	Open(ctx context.Context, u *url.URL, opts OpenOptions) (Conn, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, u *url.URL, opts OpenOptions) (Conn, error)

// Open implements Driver.
func (f DriverFunc) Open(ctx context.Context, u *url.URL, opts OpenOptions) (Conn, error) {
	return f(ctx, u, opts)
}

var drivers = struct {
	sync.RWMutex
	m map[string]Driver
}{m: make(map[string]Driver)}

// RegisterDriver makes a driver available for a URI scheme, replacing any
// driver registered for it before.
func RegisterDriver(scheme string, d Driver) {
	drivers.Lock()
	defer drivers.Unlock()
	drivers.m[scheme] = d
}

func lookupDriver(scheme string) (Driver, bool) {
	drivers.RLock()
	defer drivers.RUnlock()
	d, ok := drivers.m[scheme]
	return d, ok
}

// Drivers lists the registered URI schemes.
func Drivers() []string {
	drivers.RLock()
	defer drivers.RUnlock()
	out := make([]string, 0, len(drivers.m))
	for scheme := range drivers.m {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterDriver("mongodb", DriverFunc(openMongo))
	RegisterDriver("mongodb+srv", DriverFunc(openMongo))
	for _, scheme := range []string{"file", "s3", "minio", "gs"} {
		RegisterDriver(scheme, DriverFunc(openObjectStore))
	}
}

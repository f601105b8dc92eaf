package smarterdoc

import (
	"context"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoConn implements Conn with the official MongoDB driver and stores blobs
// in GridFS buckets of the same database.
type MongoConn struct {
	client *mongo.Client
	db     *mongo.Database
	blobs  *GridFSBlobStore
	owned  bool
}

// NewMongoConn wraps an existing driver client. Closing the connection does not
// disconnect a client the caller owns.
func NewMongoConn(client *mongo.Client, database string, chunkSize int) *MongoConn {
	db := client.Database(database)
	return &MongoConn{
		client: client,
		db:     db,
		blobs:  NewGridFSBlobStore(db, chunkSize),
	}
}

func openMongo(ctx context.Context, u *url.URL, opts OpenOptions) (Conn, error) {
	clientOpts := options.Client().ApplyURI(u.String())
	if opts.AppName != "" {
		clientOpts.SetAppName(opts.AppName)
	}
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}

	database := strings.Trim(u.Path, "/")
	if database == "" {
		database = opts.Config.Database
	}
	if database == "" {
		database = DefaultDatabase
	}
	conn := NewMongoConn(client, database, opts.Config.ChunkSize)
	conn.owned = true
	return conn, nil
}

// Database returns the driver database handle.
func (c *MongoConn) Database() *mongo.Database {
	return c.db
}

// InsertOrReplace implements Conn with an upserting ReplaceOne.
func (c *MongoConn) InsertOrReplace(ctx context.Context, collection string, id any, doc Document) error {
	_, err := c.db.Collection(collection).ReplaceOne(ctx,
		bson.M{IDKey: id},
		doc.D(),
		options.Replace().SetUpsert(true),
	)
	return err
}

// ReplaceIf implements Conn. The guard is merged into the _id filter so the
// server checks it atomically with the write.
func (c *MongoConn) ReplaceIf(ctx context.Context, collection string, id any, guard Filter, doc Document) (bool, error) {
	coll := c.db.Collection(collection)
	if guard == nil {
		if _, err := coll.InsertOne(ctx, doc.D()); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	filter := bson.M{IDKey: id}
	for k, v := range guard {
		filter[k] = v
	}
	res, err := coll.ReplaceOne(ctx, filter, doc.D())
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// Find implements Conn.
func (c *MongoConn) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) (DocCursor, error) {
	if filter == nil {
		filter = bson.M{}
	}
	findOpts := options.Find()
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	cur, err := c.db.Collection(collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	return &mongoCursor{cur: cur}, nil
}

// Delete implements Conn.
func (c *MongoConn) Delete(ctx context.Context, collection string, id any) (bool, error) {
	res, err := c.db.Collection(collection).DeleteOne(ctx, bson.M{IDKey: id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

// Blobs implements Conn.
func (c *MongoConn) Blobs() BlobStore {
	return c.blobs
}

// Ping implements Conn.
func (c *MongoConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close implements Conn.
func (c *MongoConn) Close(ctx context.Context) error {
	if !c.owned {
		return nil
	}
	return c.client.Disconnect(ctx)
}

type mongoCursor struct {
	cur *mongo.Cursor
}

func (m *mongoCursor) Next(ctx context.Context) bool {
	return m.cur.Next(ctx)
}

func (m *mongoCursor) Document() (Document, error) {
	var d bson.D
	if err := m.cur.Decode(&d); err != nil {
		return nil, err
	}
	return Document(d), nil
}

func (m *mongoCursor) Err() error {
	return m.cur.Err()
}

func (m *mongoCursor) Close(ctx context.Context) error {
	return m.cur.Close(ctx)
}

// NewMongoClient returns a connected Client over an existing driver client.
// The driver client stays owned by the caller.
func NewMongoClient(client *mongo.Client, database string, opts ...ClientOption) (*Client, error) {
	c := NewClient(opts...)
	if err := c.Attach(NewMongoConn(client, database, c.config.ChunkSize)); err != nil {
		return nil, err
	}
	return c, nil
}

package smarterdoc

import (
	"bytes"
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type codecAddress struct {
	Street string `bson:"street"`
	City   string `bson:"city"`
}

type codecProfile struct {
	ID       primitive.ObjectID `doc:",id"`
	Name     string             `doc:"name,required"`
	Age      int                `doc:"age"`
	Score    float64            `doc:"score"`
	Active   bool               `doc:"active"`
	Tags     []string           `doc:"tags"`
	Address  codecAddress       `doc:"address"`
	Nickname *string            `doc:"nickname"`
	Meta     map[string]string  `doc:"meta"`
	Avatar   []byte             `doc:"avatar"`
	Created  time.Time          `doc:"created,gen=now"`
	Country  string             `doc:"country"`
}

// upperCodec stores strings upper-cased and decodes them lower-cased.
type upperCodec struct{}

func (upperCodec) EncodeValue(v reflect.Value) (any, error) {
	return strings.ToUpper(v.String()), nil
}

func (upperCodec) DecodeValue(raw bson.RawValue, v reflect.Value) error {
	s, ok := raw.StringValueOK()
	if !ok {
		return ErrInvalidData
	}
	v.SetString(strings.ToLower(s))
	return nil
}

func newTestCodec(t *testing.T) (*Codec, *Registry) {
	t.Helper()
	reg := testRegistry(t)
	mustRegister[codecProfile](t, reg, WithFieldCodec("Country", upperCodec{}))
	return NewCodec(reg, nil), reg
}

func lookupDesc[T any](t *testing.T, reg *Registry) *SchemaDescriptor {
	t.Helper()
	desc, err := lookupType[T](reg)
	require.NoError(t, err)
	return desc
}

func TestCodec_RoundTrip(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[codecProfile](t, reg)
	ctx := context.Background()

	nick := "ada"
	in := &codecProfile{
		Name:     "Ada Lovelace",
		Age:      36,
		Score:    99.5,
		Active:   true,
		Tags:     []string{"math", "engines"},
		Address:  codecAddress{Street: "St James's Square", City: "London"},
		Nickname: &nick,
		Meta:     map[string]string{"born": "1815"},
		Avatar:   []byte{0x89, 0x50, 0x4e, 0x47},
		Country:  "uk",
	}

	doc, err := codec.Encode(ctx, in, desc)
	require.NoError(t, err)
	assert.False(t, in.ID.IsZero(), "generated id is written back")
	assert.False(t, in.Created.IsZero(), "generated timestamp is written back")
	assert.Equal(t, in.ID, doc.ID())

	country, _ := doc.Get("country")
	assert.Equal(t, "UK", country, "field codec applies on encode")

	out := new(codecProfile)
	require.NoError(t, codec.Decode(doc, desc, out))
	assert.True(t, in.Created.Equal(out.Created))
	out.Created = in.Created
	assert.Equal(t, in, out)

	// Stable across repeated decode of the same document.
	again := new(codecProfile)
	require.NoError(t, codec.Decode(doc, desc, again))
	assert.Equal(t, out.ID, again.ID)
	assert.True(t, out.Created.Equal(again.Created))
}

func TestCodec_RoundTripThroughBSON(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[codecProfile](t, reg)

	in := &codecProfile{Name: "Grace", Age: 85, Tags: []string{"cobol"}}
	doc, err := codec.Encode(context.Background(), in, desc)
	require.NoError(t, err)

	data, err := MarshalDocument(doc)
	require.NoError(t, err)
	stored, err := UnmarshalDocument(data)
	require.NoError(t, err)

	out := new(codecProfile)
	require.NoError(t, codec.Decode(stored, desc, out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Age, out.Age)
	assert.Equal(t, in.Tags, out.Tags)
	assert.True(t, in.Created.Equal(out.Created))
	assert.Nil(t, out.Nickname)
}

func TestCodec_TimePrecision(t *testing.T) {
	type codecEvent struct {
		ID    string     `doc:",id"`
		At    time.Time  `doc:"at"`
		Until *time.Time `doc:"until"`
	}
	reg := NewRegistry()
	desc := mustRegister[codecEvent](t, reg)
	codec := NewCodec(reg, nil)

	zone := time.FixedZone("CET", 3600)
	at := time.Date(2024, 3, 1, 3, 4, 5, 123456789, zone)
	until := at.Add(time.Hour)
	in := &codecEvent{ID: "e1", At: at, Until: &until}

	doc, err := codec.Encode(context.Background(), in, desc)
	require.NoError(t, err)
	assert.Equal(t, at.Truncate(time.Millisecond).UTC(), in.At, "encode rounds the value in place")
	assert.Equal(t, 123000000, in.At.Nanosecond())
	assert.Equal(t, 123456789, until.Nanosecond(), "the caller's pointed-to time is not modified")

	data, err := MarshalDocument(doc)
	require.NoError(t, err)
	stored, err := UnmarshalDocument(data)
	require.NoError(t, err)

	out := new(codecEvent)
	require.NoError(t, codec.Decode(stored, desc, out))
	assert.Equal(t, in, out)
}

func TestCodec_GeneratorsRunOnce(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[codecProfile](t, reg)
	ctx := context.Background()

	p := &codecProfile{Name: "Ada"}
	_, err := codec.Encode(ctx, p, desc)
	require.NoError(t, err)
	id, created := p.ID, p.Created

	doc, err := codec.Encode(ctx, p, desc)
	require.NoError(t, err)
	assert.Equal(t, id, p.ID, "populated id must not be regenerated")
	assert.Equal(t, created, p.Created)
	assert.Equal(t, id, doc.ID())

	preset := primitive.NewObjectID()
	q := &codecProfile{ID: preset, Name: "Grace"}
	_, err = codec.Encode(ctx, q, desc)
	require.NoError(t, err)
	assert.Equal(t, preset, q.ID)
}

func TestCodec_MissingRequiredField(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[codecProfile](t, reg)

	p := &codecProfile{Age: 3}
	doc, err := codec.Encode(context.Background(), p, desc)
	require.ErrorIs(t, err, ErrMissingRequiredField)
	assert.Nil(t, doc)
	assert.True(t, p.ID.IsZero(), "no generator runs when validation fails")
	assert.Contains(t, err.Error(), "Name")
}

func TestCodec_OmitEmpty(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[testAuthor](t, reg)

	doc, err := codec.Encode(context.Background(), &testAuthor{Name: "Ursula"}, desc)
	require.NoError(t, err)
	_, ok := doc.Get("email")
	assert.False(t, ok, "empty omitempty field is not stored")

	doc, err = codec.Encode(context.Background(), &testAuthor{Name: "Ursula", Email: "u@example.com"}, desc)
	require.NoError(t, err)
	email, ok := doc.Get("email")
	assert.True(t, ok)
	assert.Equal(t, "u@example.com", email)
}

func TestCodec_DecodeShapeMismatch(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[codecProfile](t, reg)
	id := primitive.NewObjectID()

	cases := []struct {
		name string
		doc  Document
	}{
		{"MissingRequired", Document{{Key: IDKey, Value: id}}},
		{"NullRequired", Document{{Key: IDKey, Value: id}, {Key: "name", Value: nil}}},
		{"MissingID", Document{{Key: "name", Value: "x"}}},
		{"StringIntoInt", Document{{Key: IDKey, Value: id}, {Key: "name", Value: "x"}, {Key: "age", Value: "old"}}},
		{"FractionIntoInt", Document{{Key: IDKey, Value: id}, {Key: "name", Value: "x"}, {Key: "age", Value: 3.5}}},
		{"NumberIntoString", Document{{Key: IDKey, Value: id}, {Key: "name", Value: int32(7)}}},
		{"ScalarIntoArray", Document{{Key: IDKey, Value: id}, {Key: "name", Value: "x"}, {Key: "tags", Value: "solo"}}},
		{"WrongIDType", Document{{Key: IDKey, Value: "not-an-object-id"}, {Key: "name", Value: "x"}}},
		{"CodecRejects", Document{{Key: IDKey, Value: id}, {Key: "name", Value: "x"}, {Key: "country", Value: int32(1)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := codec.Decode(tc.doc, desc, new(codecProfile))
			assert.ErrorIs(t, err, ErrDocumentShapeMismatch)
		})
	}
}

func TestCodec_DecodeErrorContext(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[codecProfile](t, reg)

	doc := Document{{Key: IDKey, Value: primitive.NewObjectID()}, {Key: "name", Value: "x"}, {Key: "age", Value: "old"}}
	err := codec.Decode(doc, desc, new(codecProfile))

	var ctxErr *ErrorWithContext
	require.ErrorAs(t, err, &ctxErr)
	assert.Equal(t, "Age", ctxErr.Context["field"])
	assert.Equal(t, "int", ctxErr.Context["expected"])
	assert.Equal(t, "string", ctxErr.Context["actual"])
}

func TestCodec_DecodeIgnoresUnknownKeys(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[testAuthor](t, reg)
	id := primitive.NewObjectID()

	doc := Document{{Key: IDKey, Value: id}, {Key: "name", Value: "Le Guin"}, {Key: "legacy", Value: true}}
	var a testAuthor
	require.NoError(t, codec.Decode(doc, desc, &a))
	assert.Equal(t, testAuthor{ID: id, Name: "Le Guin"}, a)
}

func TestCodec_DecodeResetsAbsentOptionalFields(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[testAuthor](t, reg)

	a := testAuthor{Email: "stale@example.com"}
	doc := Document{{Key: IDKey, Value: primitive.NewObjectID()}, {Key: "name", Value: "x"}}
	require.NoError(t, codec.Decode(doc, desc, &a))
	assert.Empty(t, a.Email)
}

func TestCodec_TargetType(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[testAuthor](t, reg)

	_, err := codec.Encode(context.Background(), testAuthor{Name: "x"}, desc)
	assert.ErrorIs(t, err, ErrInvalidData, "non-pointer values are rejected")

	_, err = codec.Encode(context.Background(), &testNode{}, desc)
	assert.ErrorIs(t, err, ErrInvalidData, "pointer to another schema is rejected")

	assert.ErrorIs(t, codec.Decode(Document{}, desc, (*testAuthor)(nil)), ErrInvalidData)
}

func TestCodec_References(t *testing.T) {
	codec, reg := newTestCodec(t)
	postDesc := lookupDesc[testPost](t, reg)
	ctx := context.Background()

	author := &testAuthor{ID: primitive.NewObjectID(), Name: "Octavia"}
	post := &testPost{Title: "Kindred", Author: LinkTo(author)}

	doc, err := codec.Encode(ctx, post, postDesc)
	require.NoError(t, err)

	raw, ok := doc.Get("author")
	require.True(t, ok)
	assert.Equal(t, bson.D{{Key: "schema", Value: "testAuthor"}, {Key: "id", Value: author.ID}}, raw,
		"only the reference is embedded, never the target's content")

	var out testPost
	require.NoError(t, codec.Decode(doc, postDesc, &out))
	assert.Nil(t, out.Author.Value(), "decode never resolves references")
	assert.Equal(t, Reference{Schema: "testAuthor", ID: author.ID}, out.Author.Ref())
	assert.Equal(t, author.ID, out.Author.ID())
}

func TestCodec_ReferenceByID(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[testNode](t, reg)

	n := &testNode{ID: "a", Next: LinkID[testNode]("b")}
	doc, err := codec.Encode(context.Background(), n, desc)
	require.NoError(t, err)
	next, _ := doc.Get("next")
	assert.Equal(t, bson.D{{Key: "schema", Value: "testNode"}, {Key: "id", Value: "b"}}, next)

	// omitempty drops unset links.
	doc, err = codec.Encode(context.Background(), &testNode{ID: "c"}, desc)
	require.NoError(t, err)
	_, ok := doc.Get("next")
	assert.False(t, ok)
}

func TestCodec_ReferenceToUnsavedValue(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[testPost](t, reg)

	post := &testPost{Title: "Draft", Author: LinkTo(&testAuthor{Name: "unsaved"})}
	_, err := codec.Encode(context.Background(), post, desc)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestCodec_ReferenceShapeMismatch(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[testPost](t, reg)
	id := primitive.NewObjectID()

	for name, value := range map[string]any{
		"String":    "testAuthor:1",
		"NoSchema":  bson.D{{Key: "id", Value: id}},
		"NoID":      bson.D{{Key: "schema", Value: "testAuthor"}},
		"WrongType": bson.D{{Key: "schema", Value: int32(4)}, {Key: "id", Value: id}},
	} {
		t.Run(name, func(t *testing.T) {
			doc := Document{{Key: IDKey, Value: id}, {Key: "title", Value: "t"}, {Key: "author", Value: value}}
			assert.ErrorIs(t, codec.Decode(doc, desc, new(testPost)), ErrDocumentShapeMismatch)
		})
	}
}

func TestCodec_Blobs(t *testing.T) {
	reg := testRegistry(t)
	store := NewChunkedBlobStore(NewFilesystemBackend(t.TempDir()), "blobs", 16)
	binder := NewBlobBinder(store, 16)
	codec := NewCodec(reg, binder)
	desc := lookupDesc[testPost](t, reg)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("0123456789"), 10)
	post := &testPost{Title: "Cover story", Cover: BlobBytes(payload), Attachment: BlobBytes([]byte("notes"))}

	doc, err := codec.Encode(ctx, post, desc)
	require.NoError(t, err)

	assert.False(t, post.Cover.Pending())
	cover, ok := post.Cover.Handle()
	require.True(t, ok)
	assert.Equal(t, DefaultBlobStoreName, cover.StoreName)
	assert.Equal(t, int64(len(payload)), cover.Size)

	attachment, ok := post.Attachment.Handle()
	require.True(t, ok)
	assert.Equal(t, "attachments", attachment.StoreName, "blob= selects the store")

	raw, _ := doc.Get("cover")
	assert.Equal(t, cover.document(), raw, "documents hold the handle, not the payload")

	var out testPost
	require.NoError(t, codec.Decode(doc, desc, &out))
	h, ok := out.Cover.Handle()
	require.True(t, ok)
	assert.Equal(t, cover, h)
	assert.False(t, out.Cover.Pending(), "decode never fetches payloads")

	data, err := binder.ReadAll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// A second encode reuses the handle instead of uploading again.
	doc2, err := codec.Encode(ctx, &out, desc)
	require.NoError(t, err)
	raw2, _ := doc2.Get("cover")
	assert.Equal(t, raw, raw2)
}

func TestCodec_PendingBlobWithoutStore(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[testPost](t, reg)

	_, err := codec.Encode(context.Background(), &testPost{Title: "x", Cover: BlobBytes([]byte("x"))}, desc)
	assert.ErrorIs(t, err, ErrClientNotReady)
}

func TestCodec_BlobShapeMismatch(t *testing.T) {
	codec, reg := newTestCodec(t)
	desc := lookupDesc[testPost](t, reg)
	id := primitive.NewObjectID()

	for name, value := range map[string]any{
		"Bytes":    primitive.Binary{Data: []byte("raw")},
		"NoBlobID": bson.D{{Key: "store_name", Value: "default"}, {Key: "size", Value: int64(3)}},
		"BadID":    bson.D{{Key: "store_name", Value: "default"}, {Key: "blob_id", Value: "abc"}},
	} {
		t.Run(name, func(t *testing.T) {
			doc := Document{{Key: IDKey, Value: id}, {Key: "title", Value: "t"}, {Key: "cover", Value: value}}
			assert.ErrorIs(t, codec.Decode(doc, desc, new(testPost)), ErrDocumentShapeMismatch)
		})
	}
}

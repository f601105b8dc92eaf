package smarterdoc

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type deriveInvoice struct {
	ID         primitive.ObjectID
	CustomerID string            `doc:"customer,required"`
	Total      float64           `doc:"total"`
	Note       string            `doc:",omitempty"`
	Issued     time.Time         `doc:"issued,gen=now"`
	Customer   Link[testAuthor]  `doc:"customer_ref,ref=Customer"`
	Scan       Blob              `doc:"scan,blob=scans"`
	Revision   int               `doc:"rev,version"`
	Internal   string            `doc:"-"`
	HTTPStatus int
	secret     string
}

type deriveTaggedID struct {
	Key string `doc:",id"`
	ID  string `doc:"legacy_id"`
}

type deriveIntID struct {
	Number int64 `doc:"_id"`
}

func TestDerive_Fields(t *testing.T) {
	desc, err := Derive[deriveInvoice]()
	require.NoError(t, err)

	assert.Equal(t, "deriveInvoice", desc.Name)
	assert.Equal(t, "derive_invoice", desc.Collection)
	assert.Equal(t, "ID", desc.ID.Name)
	assert.Equal(t, IDKey, desc.ID.StorageKey)
	assert.True(t, desc.ID.Required)
	require.NotNil(t, desc.ID.Generator, "ObjectID ids get a generator")
	assert.IsType(t, primitive.ObjectID{}, desc.ID.Generator())

	keys := make([]string, len(desc.Fields))
	for i, f := range desc.Fields {
		keys[i] = f.StorageKey
	}
	assert.Equal(t, []string{"customer", "total", "note", "issued", "customer_ref", "scan", "rev", "http_status"}, keys)

	customer, ok := desc.Field("CustomerID")
	require.True(t, ok)
	assert.True(t, customer.Required)
	assert.Equal(t, KindScalar, customer.Kind)

	note, _ := desc.Field("note")
	assert.True(t, note.OmitEmpty)

	issued, _ := desc.Field("issued")
	require.NotNil(t, issued.Generator)
	assert.IsType(t, time.Time{}, issued.Generator())

	ref, _ := desc.Field("customer_ref")
	assert.Equal(t, KindReference, ref.Kind)
	assert.Equal(t, "Customer", ref.Target)

	scan, _ := desc.Field("scan")
	assert.Equal(t, KindBinary, scan.Kind)
	assert.Equal(t, "scans", scan.Store)

	version, ok := desc.VersionField()
	require.True(t, ok)
	assert.Equal(t, "Revision", version.Name)

	_, ok = desc.Field("Internal")
	assert.False(t, ok, "fields tagged - are skipped")
	_, ok = desc.Field("secret")
	assert.False(t, ok, "unexported fields are skipped")
}

func TestDerive_IDSelection(t *testing.T) {
	t.Run("TaggedIDWinsOverIDName", func(t *testing.T) {
		desc, err := Derive[deriveTaggedID]()
		require.NoError(t, err)
		assert.Equal(t, "Key", desc.ID.Name)

		legacy, ok := desc.Field("ID")
		require.True(t, ok)
		assert.Equal(t, "legacy_id", legacy.StorageKey)
	})

	t.Run("StorageKeyID", func(t *testing.T) {
		desc, err := Derive[deriveIntID]()
		require.NoError(t, err)
		assert.Equal(t, "Number", desc.ID.Name)
		assert.Nil(t, desc.ID.Generator, "integer ids have no default generator")
	})

	t.Run("StringIDGetsUUIDv7", func(t *testing.T) {
		desc, err := Derive[regWidget]()
		require.NoError(t, err)
		require.NotNil(t, desc.ID.Generator)
		id, ok := desc.ID.Generator().(string)
		require.True(t, ok)
		assert.True(t, IsValidID(id))
	})
}

func TestDerive_Options(t *testing.T) {
	gen := func() any { return "fixed" }
	codec := &EncryptedCodec{}

	desc, err := Derive[regWidget](
		WithSchemaName("Widget"),
		WithCollection("widgets"),
		WithGenerator("ID", gen),
		WithFieldCodec("Name", codec),
	)
	require.NoError(t, err)

	assert.Equal(t, "Widget", desc.Name)
	assert.Equal(t, "widgets", desc.Collection)
	assert.Equal(t, "fixed", desc.ID.Generator())
	name, _ := desc.Field("Name")
	assert.Same(t, codec, name.Codec)
}

func TestDerive_Invalid(t *testing.T) {
	type noID struct {
		Name string
	}
	type twoIDs struct {
		A string `doc:",id"`
		B string `doc:",id"`
	}
	type badGenerator struct {
		ID string `doc:",id,gen=sequence"`
	}
	type badRef struct {
		ID   string `doc:",id"`
		Name string `doc:"name,ref=Other"`
	}
	type badBlob struct {
		ID   string `doc:",id"`
		Data []byte `doc:"data,blob=files"`
	}
	type badOption struct {
		ID string `doc:",id,unique"`
	}
	type badVersion struct {
		ID  string `doc:",id"`
		Rev string `doc:"rev,version"`
	}
	type duplicateKey struct {
		ID string `doc:",id"`
		A  string `doc:"x"`
		B  string `doc:"x"`
	}
	type wrongGeneratorType struct {
		ID    string    `doc:",id"`
		Stamp time.Time `doc:"stamp,gen=uuid"`
	}
	type floatID struct {
		ID float64
	}

	cases := []struct {
		name   string
		derive func() (*SchemaDescriptor, error)
	}{
		{"NoID", func() (*SchemaDescriptor, error) { return Derive[noID]() }},
		{"TwoIDs", func() (*SchemaDescriptor, error) { return Derive[twoIDs]() }},
		{"UnknownGenerator", func() (*SchemaDescriptor, error) { return Derive[badGenerator]() }},
		{"RefOnScalar", func() (*SchemaDescriptor, error) { return Derive[badRef]() }},
		{"BlobOnBytes", func() (*SchemaDescriptor, error) { return Derive[badBlob]() }},
		{"UnknownOption", func() (*SchemaDescriptor, error) { return Derive[badOption]() }},
		{"StringVersion", func() (*SchemaDescriptor, error) { return Derive[badVersion]() }},
		{"DuplicateKey", func() (*SchemaDescriptor, error) { return Derive[duplicateKey]() }},
		{"GeneratorType", func() (*SchemaDescriptor, error) { return Derive[wrongGeneratorType]() }},
		{"FloatID", func() (*SchemaDescriptor, error) { return Derive[floatID]() }},
		{"NotAStruct", func() (*SchemaDescriptor, error) { return Derive[string]() }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.derive()
			assert.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestDerive_NestedLinksAndBlobsRejected(t *testing.T) {
	type linkSlice struct {
		ID      string             `doc:",id"`
		Authors []Link[testAuthor] `doc:"authors"`
	}
	type linkPointer struct {
		ID    string            `doc:",id"`
		Maybe *Link[testAuthor] `doc:"maybe"`
	}
	type blobPointer struct {
		ID   string `doc:",id"`
		Data *Blob  `doc:"data"`
	}
	type blobMap struct {
		ID    string          `doc:",id"`
		Files map[string]Blob `doc:"files"`
	}
	type inner struct {
		Owner Link[testAuthor]
	}
	type nestedStruct struct {
		ID    string `doc:",id"`
		Inner inner  `doc:"inner"`
	}

	cases := []struct {
		name   string
		derive func(reg *Registry) (*SchemaDescriptor, error)
	}{
		{"LinkSlice", func(reg *Registry) (*SchemaDescriptor, error) { return RegisterWith[linkSlice](reg) }},
		{"LinkPointer", func(reg *Registry) (*SchemaDescriptor, error) { return RegisterWith[linkPointer](reg) }},
		{"BlobPointer", func(reg *Registry) (*SchemaDescriptor, error) { return RegisterWith[blobPointer](reg) }},
		{"BlobMap", func(reg *Registry) (*SchemaDescriptor, error) { return RegisterWith[blobMap](reg) }},
		{"NestedStruct", func(reg *Registry) (*SchemaDescriptor, error) { return RegisterWith[nestedStruct](reg) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry()
			_, err := tc.derive(reg)
			require.ErrorIs(t, err, ErrInvalidSchema)
			assert.Empty(t, reg.Schemas(), "a rejected schema must not be published")
		})
	}

	type plainNested struct {
		ID    string            `doc:",id"`
		Tags  []string          `doc:"tags"`
		Attrs map[string]string `doc:"attrs"`
		When  *time.Time        `doc:"when"`
	}
	_, err := Derive[plainNested]()
	assert.NoError(t, err)
}

func TestDerive_ReferenceTargetNotCheckedAtRegistration(t *testing.T) {
	type orphanRef struct {
		ID     string           `doc:",id"`
		Target Link[testAuthor] `doc:"target,ref=NotYetRegistered"`
	}

	reg := NewRegistry()
	desc, err := RegisterWith[orphanRef](reg)
	require.NoError(t, err)
	f, _ := desc.Field("target")
	assert.Equal(t, "NotYetRegistered", f.Target)
}

func TestRegister_DefaultRegistry(t *testing.T) {
	type defaultRegistered struct {
		ID string `doc:",id"`
	}

	desc := MustRegister[defaultRegistered](WithSchemaName("defaultRegisteredForTest"))
	got, err := DefaultRegistry().Lookup(reflect.TypeOf(defaultRegistered{}))
	require.NoError(t, err)
	assert.Equal(t, desc.Name, got.Name)
	assert.Equal(t, desc.Collection, got.Collection)

	assert.Panics(t, func() {
		MustRegister[defaultRegistered](WithSchemaName("defaultRegisteredForTest"))
	})
}

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"User":       "user",
		"UserID":     "user_id",
		"HTTPServer": "http_server",
		"blogPost":   "blog_post",
		"Version2":   "version2",
		"S3Key":      "s3_key",
		"ID":         "id",
	}
	for in, want := range tests {
		assert.Equal(t, want, snakeCase(in), in)
	}
}

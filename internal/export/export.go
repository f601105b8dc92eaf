// Package export dumps smarterdoc schemas and collections as text.
package export

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/adrianmcphee/smarterdoc"
	"go.mongodb.org/mongo-driver/bson"
)

// ExportSchemas describes every schema in reg, sorted by name.
func ExportSchemas(reg *smarterdoc.Registry) string {
	var sb strings.Builder
	sb.WriteString("# smarterdoc schema export\n")

	for _, desc := range reg.Schemas() {
		sb.WriteString("\n")
		sb.WriteString(SchemaToText(desc))
	}
	return sb.String()
}

// SchemaToText describes a single schema, one line per stored field.
func SchemaToText(desc *smarterdoc.SchemaDescriptor) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("schema %s (collection %s)\n", desc.Name, desc.Collection))

	sb.WriteString("  ")
	sb.WriteString(fieldToText(desc.ID))
	sb.WriteString("\n")
	for _, f := range desc.Fields {
		sb.WriteString("  ")
		sb.WriteString(fieldToText(f))
		sb.WriteString("\n")
	}
	return sb.String()
}

// fieldToText renders a field as "key kind [flags]".
func fieldToText(f smarterdoc.FieldSpec) string {
	parts := []string{f.StorageKey, kindName(f)}

	if f.Required {
		parts = append(parts, "REQUIRED")
	}
	if f.Generator != nil {
		parts = append(parts, "GENERATED")
	}
	if f.Version {
		parts = append(parts, "VERSION")
	}
	if f.OmitEmpty {
		parts = append(parts, "OMITEMPTY")
	}
	if f.Codec != nil {
		parts = append(parts, "CODEC")
	}
	return strings.Join(parts, " ")
}

func kindName(f smarterdoc.FieldSpec) string {
	switch f.Kind {
	case smarterdoc.KindReference:
		if f.Target != "" {
			return "reference(" + f.Target + ")"
		}
		return "reference(" + strings.TrimPrefix(f.Type().String(), "smarterdoc.") + ")"
	case smarterdoc.KindBinary:
		store := f.Store
		if store == "" {
			store = "default"
		}
		return "blob(" + store + ")"
	}
	if f.Type() == nil {
		return "any"
	}
	return f.Type().String()
}

// ExportCollection writes every document of collection matching filter to w as
// one line of canonical Extended JSON per document. Documents are streamed, not
// collected. Returns the number of documents written.
func ExportCollection(ctx context.Context, w io.Writer, client *smarterdoc.Client, collection string, filter smarterdoc.Filter) (int, error) {
	cur, err := client.Find(ctx, collection, filter, smarterdoc.FindOptions{})
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)

	n := 0
	for cur.Next(ctx) {
		doc, err := cur.Document()
		if err != nil {
			return n, err
		}
		line, err := bson.MarshalExtJSON(doc.D(), true, false)
		if err != nil {
			return n, fmt.Errorf("marshal %s document: %w", collection, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return n, err
		}
		n++
	}
	return n, cur.Err()
}

// Export writes the schema description followed by the documents of every
// registered collection, each preceded by a "## collection" header.
func Export(ctx context.Context, w io.Writer, client *smarterdoc.Client) error {
	reg := client.Registry()
	if _, err := io.WriteString(w, ExportSchemas(reg)); err != nil {
		return err
	}
	for _, desc := range reg.Schemas() {
		if _, err := fmt.Fprintf(w, "\n## %s\n", desc.Collection); err != nil {
			return err
		}
		if _, err := ExportCollection(ctx, w, client, desc.Collection, nil); err != nil {
			return err
		}
	}
	return nil
}

package smarterdoc

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type resolvePair struct {
	ID    string         `doc:",id"`
	Left  Link[testNode] `doc:"left"`
	Right Link[testNode] `doc:"right"`
}

func saveNodes(t *testing.T, nodes *Collection[testNode], links map[string]string) {
	t.Helper()
	ctx := context.Background()
	for id, next := range links {
		n := &testNode{ID: id, Name: "node " + id}
		if next != "" {
			n.Next = LinkID[testNode](next)
		}
		if err := nodes.Save(ctx, n); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
}

func TestResolver_ResolveOneHop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	authors := testCollection[testAuthor](t, env)
	posts := testCollection[testPost](t, env)

	author := &testAuthor{Name: "Octavia"}
	if err := authors.Save(ctx, author); err != nil {
		t.Fatal(err)
	}
	post := &testPost{Title: "Kindred", Author: LinkTo(author)}
	if err := posts.Save(ctx, post); err != nil {
		t.Fatal(err)
	}

	got, err := posts.Get(ctx, post.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Author.Value() != nil {
		t.Fatal("decoded link must be unresolved")
	}

	fetchesBefore := env.metrics.Count(MetricResolveFetch)
	resolved, err := got.Author.Resolve(ctx)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.ID != author.ID || resolved.Name != "Octavia" {
		t.Errorf("resolved = %+v, want %+v", resolved, author)
	}
	if got.Author.Value() != resolved {
		t.Error("Value() should return the resolved target")
	}
	if n := env.metrics.Count(MetricResolveFetch) - fetchesBefore; n != 1 {
		t.Errorf("Resolve fetched %d documents, want 1", n)
	}

	// A second Resolve is served from the link.
	if _, err := got.Author.Resolve(ctx); err != nil {
		t.Fatal(err)
	}
	if n := env.metrics.Count(MetricResolveFetch) - fetchesBefore; n != 1 {
		t.Errorf("cached Resolve fetched again: %d fetches", n)
	}

	// Re-encoding the resolved value reproduces the stored document.
	codec, err := env.client.Codec()
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := codec.Encode(ctx, resolved, authors.Schema())
	if err != nil {
		t.Fatal(err)
	}
	cur, err := env.client.Find(ctx, "test_author", Filter{IDKey: author.ID}, FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		t.Fatal("stored author not found")
	}
	stored, _ := cur.Document()
	if len(stored) != len(encoded) {
		t.Fatalf("stored %v, encoded %v", stored, encoded)
	}
	for i := range stored {
		if stored[i].Key != encoded[i].Key || !valuesEqual(stored[i].Value, encoded[i].Value) {
			t.Errorf("element %d: stored %v, encoded %v", i, stored[i], encoded[i])
		}
	}
}

func TestResolver_DanglingReference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	authors := testCollection[testAuthor](t, env)
	posts := testCollection[testPost](t, env)

	author := &testAuthor{Name: "Gone"}
	authors.Save(ctx, author)
	post := &testPost{Title: "Orphan", Author: LinkTo(author)}
	if err := posts.Save(ctx, post); err != nil {
		t.Fatal(err)
	}
	if _, err := authors.Delete(ctx, author.ID); err != nil {
		t.Fatal(err)
	}

	// Decoding never touches the referenced document.
	got, err := posts.Get(ctx, post.ID)
	if err != nil {
		t.Fatalf("Get must succeed with a dangling reference: %v", err)
	}

	_, err = got.Author.Resolve(ctx)
	if !errors.Is(err, ErrReferenceTargetMissing) {
		t.Fatalf("expected ErrReferenceTargetMissing, got %v", err)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should report dangling references")
	}
	if got.Author.Value() != nil {
		t.Error("a failed resolve must not fabricate a value")
	}
	if env.metrics.Count(MetricResolveMissing) != 1 {
		t.Errorf("missing metric = %d, want 1", env.metrics.Count(MetricResolveMissing))
	}
}

func TestResolver_UnknownSchema(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.Resolver().Resolve(context.Background(), Reference{Schema: "Nope", ID: "1"})
	if !errors.Is(err, ErrUnknownSchema) {
		t.Fatalf("expected ErrUnknownSchema, got %v", err)
	}
}

func TestResolver_ResolveReturnsTargetType(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	saveNodes(t, testCollection[testNode](t, env), map[string]string{"solo": ""})

	v, err := env.client.Resolver().Resolve(ctx, Reference{Schema: "testNode", ID: "solo"})
	if err != nil {
		t.Fatal(err)
	}
	n, ok := v.(*testNode)
	if !ok {
		t.Fatalf("Resolve returned %T, want *testNode", v)
	}
	if n.Name != "node solo" {
		t.Errorf("Name = %q", n.Name)
	}
}

func TestResolver_ResolveDeepCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	saveNodes(t, testCollection[testNode](t, env), map[string]string{"a": "b", "b": "a"})

	_, err := env.client.Resolver().ResolveDeep(ctx, Reference{Schema: "testNode", ID: "a"}, 10)
	if !errors.Is(err, ErrReferenceCycleDetected) {
		t.Fatalf("expected ErrReferenceCycleDetected, got %v", err)
	}

	var ctxErr *ErrorWithContext
	if !errors.As(err, &ctxErr) {
		t.Fatal("cycle error should carry context")
	}
	if hop := ctxErr.Context["hop"]; hop != 3 {
		t.Errorf("cycle detected at hop %v, want 3", hop)
	}
	if path := ctxErr.Context["path"]; path != "testNode(a) -> testNode(b) -> testNode(a)" {
		t.Errorf("path = %v", path)
	}
	if n := env.metrics.Count(MetricResolveFetch); n != 2 {
		t.Errorf("fetched %d documents, want exactly A and B", n)
	}
}

func TestResolver_ResolveDeepSelfReference(t *testing.T) {
	env := newTestEnv(t)
	saveNodes(t, testCollection[testNode](t, env), map[string]string{"self": "self"})

	_, err := env.client.Resolver().ResolveDeep(context.Background(), Reference{Schema: "testNode", ID: "self"}, 0)
	if !errors.Is(err, ErrReferenceCycleDetected) {
		t.Fatalf("expected ErrReferenceCycleDetected, got %v", err)
	}
}

func TestResolver_ResolveDeepHopBound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	saveNodes(t, testCollection[testNode](t, env), map[string]string{"a": "b", "b": "c", "c": "d", "d": ""})

	v, err := env.client.Resolver().ResolveDeep(ctx, Reference{Schema: "testNode", ID: "a"}, 2)
	if err != nil {
		t.Fatalf("ResolveDeep failed: %v", err)
	}
	a := v.(*testNode)
	b := a.Next.Value()
	if b == nil || b.ID != "b" {
		t.Fatalf("a.Next = %+v, want b", b)
	}
	if b.Next.Value() != nil {
		t.Error("b.Next is beyond the hop bound and must stay unresolved")
	}
	if b.Next.Ref().ID != "c" {
		t.Errorf("b.Next ref = %v", b.Next.Ref())
	}
	if n := env.metrics.Count(MetricResolveFetch); n != 2 {
		t.Errorf("fetched %d documents, want 2", n)
	}

	// The unresolved tail can still be followed one hop at a time.
	c, err := b.Next.Resolve(ctx)
	if err != nil || c.ID != "c" {
		t.Errorf("Resolve tail = %+v, %v", c, err)
	}
}

func TestResolver_ResolveDeepMissingTarget(t *testing.T) {
	env := newTestEnv(t)
	saveNodes(t, testCollection[testNode](t, env), map[string]string{"a": "ghost"})

	_, err := env.client.Resolver().ResolveDeep(context.Background(), Reference{Schema: "testNode", ID: "a"}, 5)
	if !errors.Is(err, ErrReferenceTargetMissing) {
		t.Fatalf("expected ErrReferenceTargetMissing, got %v", err)
	}
}

func TestResolver_ResolveDeepSharedTargetFetchedOnce(t *testing.T) {
	reg := testRegistry(t)
	mustRegister[resolvePair](t, reg)
	env := newTestEnv(t, WithRegistry(reg))
	ctx := context.Background()

	saveNodes(t, testCollection[testNode](t, env), map[string]string{"x": ""})
	pairs := testCollection[resolvePair](t, env)
	pair := &resolvePair{ID: "p", Left: LinkID[testNode]("x"), Right: LinkID[testNode]("x")}
	if err := pairs.Save(ctx, pair); err != nil {
		t.Fatal(err)
	}

	v, err := env.client.Resolver().ResolveDeep(ctx, Reference{Schema: "resolvePair", ID: "p"}, 3)
	if err != nil {
		t.Fatalf("a shared target is not a cycle: %v", err)
	}
	got := v.(*resolvePair)
	if got.Left.Value() == nil || got.Left.Value() != got.Right.Value() {
		t.Error("both links should point at the same resolved value")
	}
	if n := env.metrics.Count(MetricResolveFetch); n != 2 {
		t.Errorf("fetched %d documents, want 2", n)
	}
	if n := env.metrics.Count(MetricResolveCacheHit); n != 1 {
		t.Errorf("cache hits = %d, want 1", n)
	}
}

func TestCollection_ResolveLinks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	nodes := testCollection[testNode](t, env)
	saveNodes(t, nodes, map[string]string{"a": "b", "b": "c", "c": ""})

	a, err := nodes.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if err := nodes.ResolveLinks(ctx, a, 0); err != nil {
		t.Fatalf("ResolveLinks failed: %v", err)
	}
	c := a.Next.Value().Next.Value()
	if c == nil || c.ID != "c" {
		t.Fatalf("chain not resolved: %+v", c)
	}

	saveNodes(t, nodes, map[string]string{"c": "a"})
	a, _ = nodes.Get(ctx, "a")
	if err := nodes.ResolveLinks(ctx, a, 0); !errors.Is(err, ErrReferenceCycleDetected) {
		t.Errorf("expected ErrReferenceCycleDetected back to the root, got %v", err)
	}
}

func TestLink_RefreshRefetches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	authors := testCollection[testAuthor](t, env)

	author := &testAuthor{Name: "Before"}
	authors.Save(ctx, author)

	link := LinkID[testAuthor](author.ID)
	link.Bind(env.client)
	if v, err := link.Resolve(ctx); err != nil || v.Name != "Before" {
		t.Fatalf("Resolve = %+v, %v", v, err)
	}

	author.Name = "After"
	authors.Save(ctx, author)

	if v, _ := link.Resolve(ctx); v.Name != "Before" {
		t.Errorf("Resolve should serve the cached value, got %q", v.Name)
	}
	v, err := link.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.Name != "After" || link.Value().Name != "After" {
		t.Errorf("Refresh = %q, want After", v.Name)
	}
	if link.Ref().Schema != "testAuthor" {
		t.Errorf("Refresh should complete the reference, got %v", link.Ref())
	}
}

func TestLink_LinkToIsResolved(t *testing.T) {
	env := newTestEnv(t)
	authors := testCollection[testAuthor](t, env)

	author := &testAuthor{ID: primitive.NewObjectID(), Name: "Local"}
	link := authors.Link(author)
	if link.Value() != author {
		t.Error("LinkTo should carry the value")
	}
	if link.ID() != author.ID {
		t.Errorf("ID() = %v, want %v", link.ID(), author.ID)
	}
	if link.IsZero() {
		t.Error("link should not be zero")
	}

	// Resolve returns the carried value without a fetch.
	v, err := link.Resolve(context.Background())
	if err != nil || v != author {
		t.Errorf("Resolve = %v, %v", v, err)
	}
	if env.metrics.Count(MetricResolveFetch) != 0 {
		t.Error("resolving a LinkTo link should not fetch")
	}
}

func TestLink_NoClient(t *testing.T) {
	prev := Global()
	globalClient.Store(nil)
	t.Cleanup(func() { globalClient.Store(prev) })

	link := LinkID[testAuthor](primitive.NewObjectID())
	if _, err := link.Resolve(context.Background()); !errors.Is(err, ErrClientNotReady) {
		t.Fatalf("expected ErrClientNotReady, got %v", err)
	}

	var zero Link[testAuthor]
	if !zero.IsZero() {
		t.Error("zero link should report IsZero")
	}
}

func TestLink_ClosedClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	nodes := testCollection[testNode](t, env)
	saveNodes(t, nodes, map[string]string{"a": "b", "b": ""})

	a, err := nodes.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	env.client.Close(ctx)

	if _, err := a.Next.Resolve(ctx); !errors.Is(err, ErrClientNotReady) {
		t.Errorf("expected ErrClientNotReady after Close, got %v", err)
	}
}

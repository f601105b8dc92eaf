// smarterdoc - inspect and export document stores
//
// Talks to any store smarterdoc can connect to: a directory, an S3, MinIO or
// GCS bucket, or a MongoDB database.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/adrianmcphee/smarterdoc"
	"github.com/adrianmcphee/smarterdoc/internal/export"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "ping":
		err = runPing(ctx, os.Args[2:])
	case "find":
		err = runFind(ctx, os.Args[2:])
	case "export":
		err = runExport(ctx, os.Args[2:])
	case "blob":
		err = runBlob(ctx, os.Args[2:])
	case "locks":
		err = runLocks(ctx, os.Args[2:])
	case "help", "--help", "-h":
		printHelp()
		return
	default:
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func printHelp() {
	fmt.Println(`smarterdoc - inspect and export document stores

Usage:
  smarterdoc ping [flags]                          Check the store connection
  smarterdoc find [flags] <collection> [filter]    Print matching documents
  smarterdoc export [flags] <collection>...        Export collections as Extended JSON lines
  smarterdoc blob put [flags] <file>               Upload a file, print its handle
  smarterdoc blob get [flags] <handle> [file]      Download a blob (stdout when no file)
  smarterdoc blob rm [flags] <handle>              Delete a blob
  smarterdoc locks list [flags]                    List distributed locks held in Redis
  smarterdoc locks release [flags] <key>           Force-release one lock
  smarterdoc locks cleanup [flags]                 Remove locks older than --age

Common flags:
  --uri string     Store URI (default $SMARTERDOC_URI or file://./data)
  --config string  YAML configuration file

Find flags:
  --limit int      Maximum documents to print
  --profile        Print a query profile to stderr

Blob flags:
  --store string   Blob store name (default "default")

Locks flags:
  --age duration   Minimum age for cleanup (default 5m)

Locks use redis_addr from the config file or $REDIS_ADDR.

Filters and handles are Extended JSON, e.g. '{"name":"Ada"}'.`)
}

type common struct {
	uri    *string
	config *string
}

func commonFlags(fs *flag.FlagSet) common {
	return common{
		uri:    fs.String("uri", "", "Store URI"),
		config: fs.String("config", "", "YAML configuration file"),
	}
}

func (c common) loadConfig() (smarterdoc.Config, error) {
	cfg := smarterdoc.ConfigFromEnv()
	if *c.config != "" {
		return smarterdoc.LoadConfig(*c.config)
	}
	return cfg, nil
}

// connect resolves configuration from flags, then the config file, then the
// environment.
func (c common) connect(ctx context.Context) (*smarterdoc.Client, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	uri := *c.uri
	if uri == "" {
		uri = cfg.URI
	}
	if uri == "" {
		uri = "file://./data"
	}

	logger, err := smarterdoc.NewProductionZapLogger()
	if err != nil {
		return nil, err
	}
	return smarterdoc.Connect(ctx, uri, cfg.AppName,
		smarterdoc.WithConfig(cfg),
		smarterdoc.WithLogger(logger),
	)
}

func runPing(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	cf := commonFlags(fs)
	fs.Parse(args)

	client, err := cf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	if err := client.Ping(ctx); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runFind(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("find", flag.ExitOnError)
	cf := commonFlags(fs)
	limit := fs.Int64("limit", 0, "Maximum documents to print")
	profile := fs.Bool("profile", false, "Print a query profile to stderr")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("find: collection name required")
	}
	filter, err := parseFilter(fs.Arg(1))
	if err != nil {
		return err
	}

	client, err := cf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	var profiler *smarterdoc.QueryProfiler
	if *profile {
		profiler = smarterdoc.NewQueryProfiler()
		defer profiler.PrintSummary(os.Stderr)
	}
	qp := profiler.StartProfile("find", fs.Arg(0), filter)
	n, err := printDocuments(ctx, client, fs.Arg(0), filter, *limit)
	profiler.Record(qp, n, err)
	return err
}

func printDocuments(ctx context.Context, client *smarterdoc.Client, coll string, filter smarterdoc.Filter, limit int64) (int, error) {
	cur, err := client.Find(ctx, coll, filter, smarterdoc.FindOptions{Limit: limit})
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
		out, err := bson.MarshalExtJSONIndent(doc.D(), false, false, "", "  ")
		if err != nil {
			return n, err
		}
		fmt.Println(string(out))
		n++
	}
	return n, cur.Err()
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cf := commonFlags(fs)
	fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("export: at least one collection required")
	}

	client, err := cf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	for _, coll := range fs.Args() {
		n, err := export.ExportCollection(ctx, os.Stdout, client, coll, nil)
		if err != nil {
			return fmt.Errorf("export %s: %w", coll, err)
		}
		fmt.Fprintf(os.Stderr, "%s: %d documents\n", coll, n)
	}
	return nil
}

func runBlob(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("blob: expected put, get or rm")
	}
	fs := flag.NewFlagSet("blob "+args[0], flag.ExitOnError)
	cf := commonFlags(fs)
	store := fs.String("store", smarterdoc.DefaultBlobStoreName, "Blob store name")
	fs.Parse(args[1:])

	if fs.NArg() < 1 {
		return fmt.Errorf("blob %s: argument required", args[0])
	}

	client, err := cf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	switch args[0] {
	case "put":
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			return err
		}
		defer f.Close()

		h, err := client.SaveBlob(ctx, f, *store, fs.Arg(0))
		if err != nil {
			return err
		}
		out, err := bson.MarshalExtJSON(h, false, false)
		if err != nil {
			return err
		}
		fmt.Println(string(out))

	case "get":
		h, err := parseHandle(fs.Arg(0), *store)
		if err != nil {
			return err
		}
		rc, err := client.OpenBlob(ctx, h)
		if err != nil {
			return err
		}
		defer rc.Close()

		var w io.Writer = os.Stdout
		if fs.NArg() > 1 {
			f, err := os.Create(fs.Arg(1))
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if _, err := io.Copy(w, rc); err != nil {
			return err
		}

	case "rm":
		h, err := parseHandle(fs.Arg(0), *store)
		if err != nil {
			return err
		}
		return client.DeleteBlob(ctx, h)

	default:
		return fmt.Errorf("blob: unknown command %q", args[0])
	}
	return nil
}

func runLocks(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("locks: expected list, release or cleanup")
	}
	fs := flag.NewFlagSet("locks "+args[0], flag.ExitOnError)
	cf := commonFlags(fs)
	age := fs.Duration("age", 5*time.Minute, "Minimum age for cleanup")
	fs.Parse(args[1:])

	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	opts := cfg.RedisOptions()
	if opts == nil {
		opts = smarterdoc.RedisOptions()
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	logger, err := smarterdoc.NewProductionZapLogger()
	if err != nil {
		return err
	}
	lm := smarterdoc.NewLockManager(rdb, smarterdoc.DefaultLockPrefix, logger, nil)

	switch args[0] {
	case "list":
		locks, err := lm.ListLocks(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tTTL\tAGE")
		for _, l := range locks {
			held := "-"
			if !l.AcquiredAt.IsZero() {
				held = time.Since(l.AcquiredAt).Round(time.Millisecond).String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", l.Key, l.TTL, held)
		}
		return tw.Flush()

	case "release":
		if fs.NArg() < 1 {
			return fmt.Errorf("locks release: key required")
		}
		return lm.ForceRelease(ctx, fs.Arg(0))

	case "cleanup":
		n, err := lm.CleanupOrphanedLocks(ctx, *age)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d locks\n", n)
		return nil

	default:
		return fmt.Errorf("locks: unknown command %q", args[0])
	}
}

func parseFilter(s string) (smarterdoc.Filter, error) {
	if s == "" {
		return nil, nil
	}
	var filter smarterdoc.Filter
	if err := bson.UnmarshalExtJSON([]byte(s), false, &filter); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return filter, nil
}

// parseHandle accepts either a handle document or a bare blob id.
func parseHandle(s, store string) (smarterdoc.BlobHandle, error) {
	if !strings.HasPrefix(strings.TrimSpace(s), "{") {
		id, err := primitive.ObjectIDFromHex(s)
		if err != nil {
			return smarterdoc.BlobHandle{}, fmt.Errorf("invalid blob id: %w", err)
		}
		return smarterdoc.BlobHandle{StoreName: store, BlobID: id}, nil
	}
	var h smarterdoc.BlobHandle
	if err := bson.UnmarshalExtJSON([]byte(s), false, &h); err != nil {
		return h, fmt.Errorf("invalid blob handle: %w", err)
	}
	return h, nil
}

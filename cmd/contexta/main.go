package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/markdave123-py/contexta/internal/app"
	"github.com/markdave123-py/contexta/internal/config"
	"github.com/markdave123-py/contexta/internal/models"
	"github.com/markdave123-py/contexta/internal/queue"
	"github.com/markdave123-py/contexta/internal/services"
)

func main() {
	cliApp := &cli.App{
		Name:  "contexta",
		Usage: "Knowledge ingestion: extract, chunk, embed and index documents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Override LOG_LEVEL (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and the queue consumer",
				Action: serveCommand,
			},
			{
				Name:   "ingest",
				Usage:  "Index a local file synchronously",
				Action: ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Path to the document", Required: true},
					&cli.StringFlag{Name: "title", Usage: "Knowledge title (defaults to the file name)"},
					&cli.StringFlag{Name: "business", Usage: "Business tag"},
					&cli.StringFlag{Name: "scene", Usage: "Scene tag"},
					&cli.Int64Flag{Name: "update", Usage: "Replace the content of this knowledge id"},
					&cli.BoolFlag{Name: "replace", Usage: "Update the existing record when the title is taken"},
					&cli.BoolFlag{Name: "async", Usage: "Store the artifact and queue a document-ingest job instead of indexing now"},
				},
			},
			{
				Name:   "ingest-text",
				Usage:  "Index inline text synchronously",
				Action: ingestTextCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Usage: "Knowledge title", Required: true},
					&cli.StringFlag{Name: "text", Usage: "Text to index; read from stdin when empty"},
					&cli.StringFlag{Name: "business", Usage: "Business tag"},
					&cli.StringFlag{Name: "scene", Usage: "Scene tag"},
					&cli.BoolFlag{Name: "replace", Usage: "Update the existing record when the title is taken"},
				},
			},
			{
				Name:   "delete",
				Usage:  "Delete a knowledge item, its chunks and its artifact",
				Action: deleteCommand,
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "id", Usage: "Knowledge id"},
					&cli.StringFlag{Name: "path", Usage: "Artifact key"},
				},
			},
			{
				Name:   "expire",
				Usage:  "Mark a knowledge item expired (or effective again with --restore)",
				Action: expireCommand,
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "id", Usage: "Knowledge id"},
					&cli.StringFlag{Name: "path", Usage: "Artifact key"},
					&cli.BoolFlag{Name: "restore", Usage: "Set the status back to effective"},
				},
			},
			{
				Name:   "publish",
				Usage:  "Enqueue a job envelope",
				Action: publishCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Job type, e.g. document-ingest", Required: true},
					&cli.StringFlag{Name: "payload", Aliases: []string{"p"}, Usage: "JSON payload", Value: "{}"},
				},
			},
			{
				Name:   "search",
				Usage:  "Similarity search over indexed chunks",
				Action: searchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Query text", Required: true},
					&cli.IntFlag{Name: "k", Usage: "Number of hits", Value: 5},
					&cli.Int64Flag{Name: "knowledge-id", Usage: "Restrict to one knowledge item"},
					&cli.BoolFlag{Name: "all", Usage: "Include expired knowledge"},
				},
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// setup loads the configuration, applies the --log-level override and
// builds the application.
func setup(c *cli.Context) (*app.App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	logger := app.NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	return app.NewApp(c.Context, cfg, logger)
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(c)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer a.Close()

	a.Logger.Info("contexta is running")
	if err := a.Serve(ctx); err != nil {
		return err
	}
	a.Logger.Info("shutting down")
	return nil
}

func ingestCommand(c *cli.Context) error {
	path := c.String("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	title := c.String("title")
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	req := services.DocumentRequest{
		Title:    title,
		Business: c.String("business"),
		Scene:    c.String("scene"),
		FileName: filepath.Base(path),
		Data:     data,
	}

	if c.Bool("async") {
		if c.Int64("update") > 0 {
			return errors.New("--async registers by title; it cannot be combined with --update")
		}
		rec, err := enqueueDocument(c.Context, a.Service, a.Publisher, req)
		if err != nil {
			return err
		}
		a.Logger.Info("document queued", "knowledge_id", rec.ID, "queue", a.Config.QueueName)
		return printJSON(map[string]any{"knowledge": rec, "status": "queued"})
	}

	var res *services.IndexResult
	if id := c.Int64("update"); id > 0 {
		res, err = a.Service.UpdateDocument(c.Context, id, req)
	} else {
		res, err = a.Service.CreateDocument(c.Context, req, policy(c))
	}
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"knowledge": res.Record, "chunks": res.Chunks, "updated": res.Updated})
}

func ingestTextCommand(c *cli.Context) error {
	text := c.String("text")
	if text == "" {
		b, err := readStdin()
		if err != nil {
			return err
		}
		text = b
	}

	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Service.IngestText(c.Context, c.String("title"), text, c.String("business"), c.String("scene"), policy(c))
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"knowledge": res.Record, "chunks": res.Chunks, "updated": res.Updated})
}

func deleteCommand(c *cli.Context) error {
	id, key, err := target(c)
	if err != nil {
		return err
	}
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	if key != "" {
		return a.Service.DeleteByPath(c.Context, key)
	}
	return a.Service.Delete(c.Context, id)
}

func expireCommand(c *cli.Context) error {
	id, key, err := target(c)
	if err != nil {
		return err
	}
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	expired := !c.Bool("restore")
	var n int
	if key != "" {
		n, err = a.Service.SetExpiredByPath(c.Context, key, expired)
	} else {
		n, err = a.Service.SetExpired(c.Context, id, expired)
	}
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"expired": expired, "chunks": n})
}

func publishCommand(c *cli.Context) error {
	job, err := buildJob(c.String("type"), c.String("payload"))
	if err != nil {
		return err
	}
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Publisher.Publish(c.Context, job); err != nil {
		return err
	}
	a.Logger.Info("job queued", "type", job.Type, "queue", a.Config.QueueName)
	return nil
}

func searchCommand(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	hits, err := a.Service.Search(c.Context, c.String("query"), c.Int("k"), c.Int64("knowledge-id"), !c.Bool("all"))
	if err != nil {
		return err
	}
	for _, h := range hits {
		fmt.Printf("%.4f  knowledge=%d chunk=%d  %s\n", h.Score, h.Metadata.KnowledgeID, h.Metadata.ChunkIndex, oneLine(h.Text, 120))
	}
	return nil
}

type documentRegistrar interface {
	Register(ctx context.Context, req services.DocumentRequest, policy services.SameTitlePolicy) (*models.KnowledgeRecord, error)
}

type jobPublisher interface {
	Publish(ctx context.Context, job queue.Job) error
}

// enqueueDocument is the asynchronous document path: the row and artifact
// are written now (a taken title becomes an update) and the consumer
// indexes the record later.
func enqueueDocument(ctx context.Context, reg documentRegistrar, pub jobPublisher, req services.DocumentRequest) (*models.KnowledgeRecord, error) {
	rec, err := reg.Register(ctx, req, services.SameTitleReplace)
	if err != nil {
		return nil, err
	}
	job, err := queue.NewJob(queue.JobDocumentIngest, queue.DocumentIngestPayload{KnowledgeID: rec.ID})
	if err != nil {
		return nil, err
	}
	if err := pub.Publish(ctx, job); err != nil {
		return nil, fmt.Errorf("queue knowledge %d: %w", rec.ID, err)
	}
	return rec, nil
}

func policy(c *cli.Context) services.SameTitlePolicy {
	if c.Bool("replace") {
		return services.SameTitleReplace
	}
	return services.SameTitleConflict
}

// target reads the mutually exclusive --id / --path flags.
func target(c *cli.Context) (int64, string, error) {
	id, key := c.Int64("id"), c.String("path")
	switch {
	case id > 0 && key != "":
		return 0, "", errors.New("use either --id or --path, not both")
	case id <= 0 && key == "":
		return 0, "", errors.New("one of --id or --path is required")
	}
	return id, key, nil
}

// buildJob validates the type and payload before anything is dialed.
func buildJob(jobType, payload string) (queue.Job, error) {
	if !queue.JobType(jobType).Valid() {
		return queue.Job{}, fmt.Errorf("unknown job type %q", jobType)
	}
	if !json.Valid([]byte(payload)) {
		return queue.Job{}, fmt.Errorf("payload is not valid JSON")
	}
	return queue.Job{Type: queue.JobType(jobType), Payload: json.RawMessage(payload)}, nil
}

func readStdin() (string, error) {
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/altiqa/helpchat/internal/app"
	"github.com/altiqa/helpchat/internal/config"
	"github.com/altiqa/helpchat/internal/knowledge"
	"github.com/altiqa/helpchat/internal/log"
)

var (
	ingestDir      string
	ingestCategory string
	ingestRoles    []string
	ingestPublic   bool
	retryFailed    bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load documentation into the knowledge base",
	Long: `Ingest reads documentation files (.md, .html, .txt) from a directory,
chunks and embeds them, and indexes the result for retrieval.

Existing documents (matched by file name) are updated in place; their
previous version is archived. With --retry-failed, documents whose last
ingestion failed are re-ingested instead.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runIngest(cmd.Context())
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "directory of documentation files")
	ingestCmd.Flags().StringVar(&ingestCategory, "category", "GETTING_STARTED", "category for ingested documents")
	ingestCmd.Flags().StringSliceVar(&ingestRoles, "roles", nil, "roles allowed to read the documents")
	ingestCmd.Flags().BoolVar(&ingestPublic, "public", false, "make the documents readable by every role")
	ingestCmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "re-ingest documents whose last ingestion failed")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{JSON: cfg.Environment != "dev"})

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	if retryFailed {
		res, err := a.Ingest.RetryFailed(ctx)
		if err != nil {
			return fmt.Errorf("retrying failed ingestions: %w", err)
		}
		reportBatch(res.Ingested, res.Failed)
		return nil
	}

	if ingestDir == "" {
		return errors.New("--dir is required (or use --retry-failed)")
	}
	category, err := knowledge.ParseCategory(ingestCategory)
	if err != nil {
		return err
	}
	roles := make([]knowledge.Role, 0, len(ingestRoles))
	for _, raw := range ingestRoles {
		role, err := knowledge.ParseRole(raw)
		if err != nil {
			return err
		}
		roles = append(roles, role)
	}
	if !ingestPublic && len(roles) == 0 {
		return errors.New("documents need --roles or --public, or nobody can read them")
	}

	docs, err := loadDirectory(ingestDir, category, roles, ingestPublic)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no ingestable files under %s", ingestDir)
	}

	var ingested int
	var failures []error
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := upsertDocument(ctx, a, doc); err != nil {
			logger.Warn("document ingestion failed", "id", doc.ID, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", doc.ID, err))
			continue
		}
		ingested++
	}

	reportBatch(ingested, failures)
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d documents failed", len(failures), len(docs))
	}
	return nil
}

// upsertDocument creates the document, or updates it when it already exists.
func upsertDocument(ctx context.Context, a *app.App, doc knowledge.Document) error {
	_, err := a.Knowledge.Get(ctx, doc.ID)
	switch {
	case errors.Is(err, knowledge.ErrNotFound):
		_, _, err = a.Ingest.CreateDocument(ctx, doc)
	case err != nil:
		return err
	default:
		_, _, err = a.Ingest.UpdateDocument(ctx, doc)
	}
	return err
}

// formatByExtension maps file extensions to ingestion formats.
var formatByExtension = map[string]string{
	".md":       "markdown",
	".markdown": "markdown",
	".html":     "html",
	".htm":      "html",
	".txt":      "text",
}

// loadDirectory reads all ingestable files directly under dir. The document
// ID is the file name without its extension, so re-running ingest on the
// same directory updates rather than duplicates.
func loadDirectory(dir string, category knowledge.Category, roles []knowledge.Role, public bool) ([]knowledge.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	var docs []knowledge.Document
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		format, ok := formatByExtension[ext]
		if !ok {
			continue
		}

		body, err := os.ReadFile(filepath.Join(dir, entry.Name())) // #nosec G304 -- operator-supplied directory
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}

		id := strings.TrimSuffix(entry.Name(), ext)
		docs = append(docs, knowledge.Document{
			ID:           id,
			Title:        documentTitle(string(body), format, id),
			Body:         string(body),
			Format:       format,
			Category:     category,
			AllowedRoles: roles,
			Public:       public,
		})
	}
	return docs, nil
}

// documentTitle takes the first markdown heading when there is one, and
// falls back to the file name.
func documentTitle(body, format, fallback string) string {
	if format == "markdown" {
		for _, line := range strings.Split(body, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "#") {
				return strings.TrimSpace(strings.TrimLeft(line, "#"))
			}
		}
	}
	return fallback
}

func reportBatch(ingested int, failures []error) {
	fmt.Printf("Ingested %d documents\n", ingested)
	for _, err := range failures {
		fmt.Printf("  failed: %v\n", err)
	}
}

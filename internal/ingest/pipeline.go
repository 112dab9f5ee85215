// Package ingest turns knowledge documents into indexed vector records:
// parse into structural blocks, split into bounded chunks, embed in batches,
// and replace the document's records in the vector index atomically.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/altiqa/helpchat/internal/embed"
	"github.com/altiqa/helpchat/internal/index"
	"github.com/altiqa/helpchat/internal/knowledge"
)

// embedBatchSize is how many chunk texts go to the embedding service per
// call during ingestion.
const embedBatchSize = 16

// IngestionError reports a failed ingestion with the stage that failed.
// Parse failures carry the underlying *ParseError.
type IngestionError struct {
	DocumentID string
	Stage      string // "parse", "chunk", "embed", "index"
	Err        error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest document %q: %s stage: %v", e.DocumentID, e.Stage, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// Result summarizes one successful ingestion.
type Result struct {
	ChunksCreated  int
	RecordsIndexed int
}

// StatusRecorder persists the ingestion outcome on the document.
type StatusRecorder interface {
	SetIngestionStatus(ctx context.Context, id, status string) error
}

// Pipeline is the document-to-records transformation.
type Pipeline struct {
	embedder embed.Client
	idx      index.Index
	status   StatusRecorder
	cfg      ChunkConfig
	logger   *slog.Logger
}

// NewPipeline assembles the ingestion pipeline. The embedder should already
// carry retry behavior; the pipeline treats its errors as final.
func NewPipeline(embedder embed.Client, idx index.Index, status StatusRecorder, cfg ChunkConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{embedder: embedder, idx: idx, status: status, cfg: cfg, logger: logger}
}

// Ingest transforms one document into vector records and replaces the
// document's existing records atomically. The index only ever holds one
// version of a document: on any failure nothing is written, the previous
// version's records stay live, and the document is marked ingestion_failed
// for the retry sweep to re-ingest from scratch.
func (p *Pipeline) Ingest(ctx context.Context, doc knowledge.Document) (Result, error) {
	start := time.Now()

	blocks, err := Parse(doc.ID, doc.Format, doc.Body)
	if err != nil {
		p.markFailed(ctx, doc.ID)
		return Result{}, &IngestionError{DocumentID: doc.ID, Stage: "parse", Err: err}
	}

	chunks, err := SplitChunks(doc.ID, blocks, p.cfg)
	if err != nil {
		p.markFailed(ctx, doc.ID)
		return Result{}, &IngestionError{DocumentID: doc.ID, Stage: "chunk", Err: err}
	}

	records, embedErr := p.embedChunks(ctx, doc, chunks)
	if embedErr != nil {
		// Records produced before the failure are discarded: writing them
		// would expose a mix of old and new document versions to readers.
		p.markFailed(ctx, doc.ID)
		return Result{ChunksCreated: len(chunks)},
			&IngestionError{DocumentID: doc.ID, Stage: "embed", Err: embedErr}
	}

	if err := p.idx.ReplaceDocument(ctx, doc.ID, records); err != nil {
		p.markFailed(ctx, doc.ID)
		return Result{}, &IngestionError{DocumentID: doc.ID, Stage: "index", Err: err}
	}

	if err := p.status.SetIngestionStatus(ctx, doc.ID, knowledge.IngestionIndexed); err != nil {
		p.logger.Warn("failed to record ingestion status", "document_id", doc.ID, "error", err)
	}

	p.logger.Info("document ingested",
		"document_id", doc.ID,
		"chunks", len(chunks),
		"records", len(records),
		"duration", time.Since(start),
	)
	return Result{ChunksCreated: len(chunks), RecordsIndexed: len(records)}, nil
}

// embedChunks embeds chunk texts in batches and builds the vector records.
func (p *Pipeline) embedChunks(ctx context.Context, doc knowledge.Document, chunks []Chunk) ([]index.VectorRecord, error) {
	records := make([]index.VectorRecord, 0, len(chunks))

	for offset := 0; offset < len(chunks); offset += embedBatchSize {
		batch := chunks[offset:min(offset+embedBatchSize, len(chunks))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed batch at chunk %d: %w", offset, err)
		}

		for i, c := range batch {
			records = append(records, index.VectorRecord{
				ChunkID:      c.ID,
				DocumentID:   doc.ID,
				Seq:          c.Seq,
				Content:      c.Text,
				Vector:       vectors[i],
				Title:        doc.Title,
				Category:     doc.Category,
				Keywords:     doc.Keywords,
				UpdatedAt:    doc.UpdatedAt,
				AllowedRoles: doc.AllowedRoles,
				Public:       doc.Public,
			})
		}
	}
	return records, nil
}

func (p *Pipeline) markFailed(ctx context.Context, id string) {
	if err := p.status.SetIngestionStatus(ctx, id, knowledge.IngestionFailed); err != nil {
		p.logger.Warn("failed to mark document ingestion_failed", "document_id", id, "error", err)
	}
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/altiqa/helpchat/internal/index"
	"github.com/altiqa/helpchat/internal/knowledge"
)

// DocumentStore is the slice of the knowledge store the service drives.
type DocumentStore interface {
	Create(ctx context.Context, doc knowledge.Document) (knowledge.Document, error)
	Update(ctx context.Context, doc knowledge.Document) (knowledge.Document, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]knowledge.Document, error)
	ListByIngestionStatus(ctx context.Context, status string) ([]knowledge.Document, error)
}

// Ingester runs the document-to-records transformation.
type Ingester interface {
	Ingest(ctx context.Context, doc knowledge.Document) (Result, error)
}

// Invalidator drops cached responses when the corpus changes.
type Invalidator interface {
	InvalidateAll()
}

// Service ties document CRUD to the ingestion pipeline: creates and updates
// trigger ingestion, deletes cascade into the vector index, and every corpus
// change invalidates the response cache.
type Service struct {
	store    DocumentStore
	pipeline Ingester
	idx      index.Index
	cache    Invalidator
	logger   *slog.Logger
}

// NewService wires the ingestion service. cache may be nil when no response
// cache is in play (offline bulk loads).
func NewService(store DocumentStore, pipeline Ingester, idx index.Index, cache Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, pipeline: pipeline, idx: idx, cache: cache, logger: logger}
}

// CreateDocument stores a new document and ingests it.
func (s *Service) CreateDocument(ctx context.Context, doc knowledge.Document) (knowledge.Document, Result, error) {
	created, err := s.store.Create(ctx, doc)
	if err != nil {
		return knowledge.Document{}, Result{}, err
	}
	res, err := s.pipeline.Ingest(ctx, created)
	s.invalidate()
	return created, res, err
}

// UpdateDocument stores a new version and re-ingests, replacing the
// document's records.
func (s *Service) UpdateDocument(ctx context.Context, doc knowledge.Document) (knowledge.Document, Result, error) {
	updated, err := s.store.Update(ctx, doc)
	if err != nil {
		return knowledge.Document{}, Result{}, err
	}
	res, err := s.pipeline.Ingest(ctx, updated)
	s.invalidate()
	return updated, res, err
}

// DeleteDocument removes the document, its history, and all of its vector
// records.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.idx.DeleteByDocument(ctx, id); err != nil {
		return fmt.Errorf("delete records of %q: %w", id, err)
	}
	s.invalidate()
	return nil
}

// BatchResult reports one batch ingestion: per-document failures are
// collected rather than aborting the batch.
type BatchResult struct {
	Ingested int
	Failed   []error
}

// IngestAll re-ingests every stored document. A failing document is skipped
// and reported; the rest of the batch proceeds.
func (s *Service) IngestAll(ctx context.Context) (BatchResult, error) {
	docs, err := s.store.List(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	res := s.ingestBatch(ctx, docs)
	s.invalidate()
	return res, nil
}

// RetryFailed re-ingests documents whose last ingestion failed.
func (s *Service) RetryFailed(ctx context.Context) (BatchResult, error) {
	docs, err := s.store.ListByIngestionStatus(ctx, knowledge.IngestionFailed)
	if err != nil {
		return BatchResult{}, err
	}
	res := s.ingestBatch(ctx, docs)
	if res.Ingested > 0 {
		s.invalidate()
	}
	return res, nil
}

func (s *Service) ingestBatch(ctx context.Context, docs []knowledge.Document) BatchResult {
	var res BatchResult
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			res.Failed = append(res.Failed, fmt.Errorf("batch aborted at %q: %w", doc.ID, err))
			break
		}
		if _, err := s.pipeline.Ingest(ctx, doc); err != nil {
			var parseErr *ParseError
			if errors.As(err, &parseErr) {
				s.logger.Warn("skipping unparseable document",
					"document_id", doc.ID, "format", parseErr.Format)
			}
			res.Failed = append(res.Failed, err)
			continue
		}
		res.Ingested++
	}
	return res
}

func (s *Service) invalidate() {
	if s.cache != nil {
		s.cache.InvalidateAll()
	}
}

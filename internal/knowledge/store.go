package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound indicates the requested document does not exist.
var ErrNotFound = errors.New("document not found")

// DB is the subset of pgxpool.Pool the Store depends on.
// Defined by the consumer so tests and transactions can substitute it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store manages knowledge documents and their version history in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     DB
	logger *slog.Logger
}

// NewStore creates a document store backed by db.
func NewStore(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Create inserts a new document at version 1.
func (s *Store) Create(ctx context.Context, doc Document) (Document, error) {
	if !doc.Category.Valid() {
		return Document{}, fmt.Errorf("create document %q: invalid category %d", doc.ID, int(doc.Category))
	}

	doc.Version = 1
	doc.UpdatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx, `
		INSERT INTO documents (id, title, body, format, category, keywords, version, updated_at, allowed_roles, is_public)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.Title, doc.Body, doc.Format, doc.Category.String(),
		doc.Keywords, doc.Version, doc.UpdatedAt, rolesToStrings(doc.AllowedRoles), doc.Public,
	)
	if err != nil {
		return Document{}, fmt.Errorf("insert document %q: %w", doc.ID, err)
	}

	s.logger.Debug("document created", "id", doc.ID, "category", doc.Category.String())
	return doc, nil
}

// Update replaces a document's content, bumping its version and archiving
// the previous version. The archive and the update commit atomically.
func (s *Store) Update(ctx context.Context, doc Document) (Document, error) {
	if !doc.Category.Valid() {
		return Document{}, fmt.Errorf("update document %q: invalid category %d", doc.ID, int(doc.Category))
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("begin update of %q: %w", doc.ID, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := scanDocument(tx.QueryRow(ctx, selectDocumentSQL+` WHERE id = $1 FOR UPDATE`, doc.ID))
	if err != nil {
		return Document{}, err
	}

	// Archive the row being replaced.
	_, err = tx.Exec(ctx, `
		INSERT INTO document_versions (document_id, version, title, body, format, category, keywords, updated_at, allowed_roles, is_public)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		current.ID, current.Version, current.Title, current.Body, current.Format,
		current.Category.String(), current.Keywords, current.UpdatedAt,
		rolesToStrings(current.AllowedRoles), current.Public,
	)
	if err != nil {
		return Document{}, fmt.Errorf("archive version %d of %q: %w", current.Version, doc.ID, err)
	}

	doc.Version = current.Version + 1
	doc.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE documents
		SET title = $2, body = $3, format = $4, category = $5, keywords = $6,
		    version = $7, updated_at = $8, allowed_roles = $9, is_public = $10
		WHERE id = $1`,
		doc.ID, doc.Title, doc.Body, doc.Format, doc.Category.String(),
		doc.Keywords, doc.Version, doc.UpdatedAt, rolesToStrings(doc.AllowedRoles), doc.Public,
	)
	if err != nil {
		return Document{}, fmt.Errorf("update document %q: %w", doc.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Document{}, fmt.Errorf("commit update of %q: %w", doc.ID, err)
	}
	committed = true

	s.logger.Debug("document updated", "id", doc.ID, "version", doc.Version)
	return doc, nil
}

// Delete removes a document and its version history.
// Deleting an absent document is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM document_versions WHERE document_id = $1`, id); err != nil {
		return fmt.Errorf("delete versions of %q: %w", id, err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete document %q: %w", id, err)
	}
	s.logger.Debug("document deleted", "id", id)
	return nil
}

// Ingestion status values recorded on documents.
const (
	IngestionPending = "pending"
	IngestionIndexed = "indexed"
	IngestionFailed  = "ingestion_failed"
)

// SetIngestionStatus records the outcome of the last ingestion attempt.
// Documents marked failed are picked up by the re-ingestion sweep.
func (s *Store) SetIngestionStatus(ctx context.Context, id, status string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE documents SET ingestion_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set ingestion status of %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set ingestion status of %q: %w", id, ErrNotFound)
	}
	return nil
}

// ListByIngestionStatus returns documents in the given ingestion state,
// oldest first, so retries drain in arrival order.
func (s *Store) ListByIngestionStatus(ctx context.Context, status string) ([]Document, error) {
	rows, err := s.db.Query(ctx,
		selectDocumentSQL+` WHERE ingestion_status = $1 ORDER BY updated_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list documents with status %q: %w", status, err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// Get returns the current version of a document.
func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	return scanDocument(s.db.QueryRow(ctx, selectDocumentSQL+` WHERE id = $1`, id))
}

// List returns all current documents, newest first.
func (s *Store) List(ctx context.Context) ([]Document, error) {
	rows, err := s.db.Query(ctx, selectDocumentSQL+` ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// History returns archived versions of a document, newest first.
// The current version is not included; fetch it with Get.
func (s *Store) History(ctx context.Context, id string) ([]Document, error) {
	rows, err := s.db.Query(ctx, `
		SELECT document_id, title, body, format, category, keywords, version, updated_at, allowed_roles, is_public
		FROM document_versions WHERE document_id = $1 ORDER BY version DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("history of %q: %w", id, err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// KeywordSearch performs a degraded-mode lookup over titles and keywords.
// The retriever falls back to this when the vector index is unavailable.
// Only documents accessible to the given roles are returned.
func (s *Store) KeywordSearch(ctx context.Context, terms []string, roles []Role, limit int) ([]Document, error) {
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	// Case-insensitive substring match on title plus exact keyword overlap.
	patterns := make([]string, 0, len(terms))
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		patterns = append(patterns, "%"+strings.ToLower(t)+"%")
		lowered = append(lowered, strings.ToLower(t))
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, selectDocumentSQL+`
		WHERE (lower(title) LIKE ANY($1) OR keywords && $2)
		  AND (is_public OR allowed_roles && $3)
		ORDER BY updated_at DESC, id ASC
		LIMIT $4`,
		patterns, lowered, rolesToStrings(roles), limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

const selectDocumentSQL = `
	SELECT id, title, body, format, category, keywords, version, updated_at, allowed_roles, is_public
	FROM documents`

// scanDocument reads one document row, mapping pgx.ErrNoRows to ErrNotFound.
func scanDocument(row pgx.Row) (Document, error) {
	var (
		doc      Document
		category string
		roles    []string
	)
	err := row.Scan(&doc.ID, &doc.Title, &doc.Body, &doc.Format, &category,
		&doc.Keywords, &doc.Version, &doc.UpdatedAt, &roles, &doc.Public)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("scan document: %w", err)
	}

	doc.Category, err = ParseCategory(category)
	if err != nil {
		return Document{}, fmt.Errorf("scan document %q: %w", doc.ID, err)
	}
	doc.AllowedRoles = stringsToRoles(roles)
	return doc, nil
}

func scanDocuments(rows pgx.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func rolesToStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func stringsToRoles(ss []string) []Role {
	out := make([]Role, len(ss))
	for i, s := range ss {
		out[i] = Role(s)
	}
	return out
}

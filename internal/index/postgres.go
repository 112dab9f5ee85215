package index

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/altiqa/helpchat/internal/knowledge"
)

// Postgres is the production Index backed by pgvector. Similarity is cosine
// via the `<=>` operator, mapped into [0, 1] on the same scale Memory uses;
// filters are pushed into the WHERE clause so rejected candidates never
// consume a LIMIT slot.
type Postgres struct {
	db     knowledge.DB
	dim    int
	logger *slog.Logger
}

// NewPostgres creates a pgvector-backed index. dim is the embedding
// dimension every stored vector must carry.
func NewPostgres(db knowledge.DB, dim int, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, dim: dim, logger: logger}
}

const upsertRecordSQL = `
	INSERT INTO chunk_records
		(chunk_id, document_id, seq, content, embedding, title, category,
		 keywords, updated_at, allowed_roles, is_public)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (chunk_id) DO UPDATE SET
		document_id   = EXCLUDED.document_id,
		seq           = EXCLUDED.seq,
		content       = EXCLUDED.content,
		embedding     = EXCLUDED.embedding,
		title         = EXCLUDED.title,
		category      = EXCLUDED.category,
		keywords      = EXCLUDED.keywords,
		updated_at    = EXCLUDED.updated_at,
		allowed_roles = EXCLUDED.allowed_roles,
		is_public     = EXCLUDED.is_public`

// Upsert inserts or replaces records by chunk ID within one transaction.
func (p *Postgres) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := p.insertAll(ctx, tx, records); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// ReplaceDocument deletes and reinserts a document's records in one
// transaction, so concurrent readers see the old set or the new set.
func (p *Postgres) ReplaceDocument(ctx context.Context, documentID string, records []VectorRecord) error {
	for _, rec := range records {
		if rec.DocumentID != documentID {
			return fmt.Errorf("replace document %q: record %q belongs to %q",
				documentID, rec.ChunkID, rec.DocumentID)
		}
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM chunk_records WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete old records for %s: %w", documentID, err)
	}
	if err := p.insertAll(ctx, tx, records); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}

	p.logger.Debug("replaced document records",
		"document_id", documentID,
		"count", len(records),
	)
	return nil
}

func (p *Postgres) insertAll(ctx context.Context, tx pgx.Tx, records []VectorRecord) error {
	for _, rec := range records {
		if len(rec.Vector) != p.dim {
			return fmt.Errorf("record %s: vector has %d dims, index expects %d",
				rec.ChunkID, len(rec.Vector), p.dim)
		}
		_, err := tx.Exec(ctx, upsertRecordSQL,
			rec.ChunkID,
			rec.DocumentID,
			rec.Seq,
			rec.Content,
			pgvector.NewVector(rec.Vector),
			rec.Title,
			rec.Category.String(),
			rec.Keywords,
			rec.UpdatedAt,
			roleStrings(rec.AllowedRoles),
			rec.Public,
		)
		if err != nil {
			return fmt.Errorf("upsert record %s: %w", rec.ChunkID, err)
		}
	}
	return nil
}

// Search runs cosine-similarity search with filters applied before ranking.
func (p *Postgres) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, nil
	}
	if len(vector) != p.dim {
		return nil, fmt.Errorf("search vector has %d dims, index expects %d", len(vector), p.dim)
	}

	// <=> is cosine distance in [0, 2]; 1 - d/2 lands in [0, 1], matching
	// the in-memory implementation and the confidence thresholds built on it.
	var sb strings.Builder
	sb.WriteString(`
		SELECT chunk_id, document_id, seq, content, embedding, title, category,
		       keywords, updated_at, allowed_roles, is_public,
		       1 - (embedding <=> $1) / 2 AS similarity
		FROM chunk_records`)

	args := []any{pgvector.NewVector(vector)}
	where := filterClauses(filter, &args)
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	args = append(args, topK)
	sb.WriteString(fmt.Sprintf(
		" ORDER BY similarity DESC, updated_at DESC, document_id ASC LIMIT $%d", len(args)))

	rows, err := p.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	return scanResults(rows, true)
}

// DeleteByDocument removes all of a document's records. No-op when absent.
func (p *Postgres) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := p.db.Exec(ctx,
		`DELETE FROM chunk_records WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete records for %s: %w", documentID, err)
	}
	return nil
}

// KeywordSearch matches terms against titles and keyword arrays. It serves
// degraded mode when the embedding path is down, so results carry no
// similarity and rank by recency alone.
func (p *Postgres) KeywordSearch(ctx context.Context, terms []string, topK int, filter Filter) ([]SearchResult, error) {
	if topK <= 0 || len(terms) == 0 {
		return nil, nil
	}

	patterns := make([]string, 0, len(terms))
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		patterns = append(patterns, "%"+t+"%")
		lowered = append(lowered, t)
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT chunk_id, document_id, seq, content, embedding, title, category,
		       keywords, updated_at, allowed_roles, is_public
		FROM chunk_records
		WHERE (lower(title) LIKE ANY($1) OR keywords && $2)`)

	args := []any{patterns, lowered}
	where := filterClauses(filter, &args)
	if len(where) > 0 {
		sb.WriteString(" AND " + strings.Join(where, " AND "))
	}
	args = append(args, topK)
	sb.WriteString(fmt.Sprintf(
		" ORDER BY updated_at DESC, document_id ASC LIMIT $%d", len(args)))

	rows, err := p.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	return scanResults(rows, false)
}

// filterClauses appends filter bind args and returns the matching SQL
// predicates. Positions continue from the current length of args.
func filterClauses(filter Filter, args *[]any) []string {
	var clauses []string

	if len(filter.Categories) > 0 {
		names := make([]string, len(filter.Categories))
		for i, c := range filter.Categories {
			names[i] = c.String()
		}
		*args = append(*args, names)
		clauses = append(clauses, fmt.Sprintf("category = ANY($%d)", len(*args)))
	}
	if len(filter.DocumentIDs) > 0 {
		*args = append(*args, filter.DocumentIDs)
		clauses = append(clauses, fmt.Sprintf("document_id = ANY($%d)", len(*args)))
	}
	if filter.Roles != nil {
		*args = append(*args, roleStrings(filter.Roles))
		clauses = append(clauses, fmt.Sprintf("(is_public OR allowed_roles && $%d)", len(*args)))
	}
	return clauses
}

func scanResults(rows pgx.Rows, withSimilarity bool) ([]SearchResult, error) {
	var results []SearchResult
	for rows.Next() {
		var (
			res      SearchResult
			vec      pgvector.Vector
			category string
			roles    []string
		)
		dest := []any{
			&res.Record.ChunkID,
			&res.Record.DocumentID,
			&res.Record.Seq,
			&res.Record.Content,
			&vec,
			&res.Record.Title,
			&category,
			&res.Record.Keywords,
			&res.Record.UpdatedAt,
			&roles,
			&res.Record.Public,
		}
		if withSimilarity {
			dest = append(dest, &res.Similarity)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		res.Record.Vector = vec.Slice()
		res.Record.UpdatedAt = res.Record.UpdatedAt.In(time.UTC)
		cat, err := knowledge.ParseCategory(category)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", res.Record.ChunkID, err)
		}
		res.Record.Category = cat
		res.Record.AllowedRoles = parseRoles(roles)

		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return results, nil
}

func roleStrings(roles []knowledge.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func parseRoles(raw []string) []knowledge.Role {
	if len(raw) == 0 {
		return nil
	}
	out := make([]knowledge.Role, len(raw))
	for i, r := range raw {
		out[i] = knowledge.Role(r)
	}
	return out
}

// Package retrieve answers "which documentation chunks ground this query":
// translate the query to the corpus language when needed, embed it, run
// access-filtered similarity search, and boost results matching the user's
// current place in the product.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/altiqa/helpchat/internal/embed"
	"github.com/altiqa/helpchat/internal/index"
	"github.com/altiqa/helpchat/internal/knowledge"
	"github.com/altiqa/helpchat/internal/translate"
)

// ErrEmptyQuery indicates a blank query; no embedding call is attempted.
var ErrEmptyQuery = errors.New("empty query")

// UserContext carries the caller's identity and situation. Roles gate which
// documents are searchable; CurrentPage feeds contextual boosting.
type UserContext struct {
	UserID      string
	Roles       []knowledge.Role
	Language    translate.Language
	CurrentPage string
}

// RetrievedChunk is one ranked chunk with full source metadata. BoostedScore
// equals Similarity unless contextual boosting applied.
type RetrievedChunk struct {
	ChunkID      string
	DocumentID   string
	Content      string
	Title        string
	Category     knowledge.Category
	Keywords     []string
	Similarity   float64
	BoostedScore float64
}

// Result is the ranked context for one query, ordered by boosted score
// descending.
type Result struct {
	Chunks []RetrievedChunk

	// BaseQuery is the query in the corpus language; equal to the input for
	// base-language queries.
	BaseQuery string

	// TranslationConfidence is the query translation confidence, 1 when no
	// translation ran.
	TranslationConfidence float64

	// Degraded is set when similarity search was unavailable and keyword
	// fallback served instead.
	Degraded bool
}

// Retriever runs the retrieval algorithm against its collaborators.
type Retriever struct {
	translator     translate.Translator
	embedder       embed.Client
	idx            index.Index
	pageCategories map[string]knowledge.Category
	boost          float64
	logger         *slog.Logger
}

// NewRetriever wires a retriever. pageCategories maps product page or
// feature identifiers to documentation categories; boost scales the
// similarity of results matching the user's current category.
func NewRetriever(
	translator translate.Translator,
	embedder embed.Client,
	idx index.Index,
	pageCategories map[string]knowledge.Category,
	boost float64,
	logger *slog.Logger,
) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if boost <= 0 {
		boost = 1
	}
	return &Retriever{
		translator:     translator,
		embedder:       embedder,
		idx:            idx,
		pageCategories: pageCategories,
		boost:          boost,
		logger:         logger,
	}
}

// DefaultPageCategories maps product surface identifiers to categories.
func DefaultPageCategories() map[string]knowledge.Category {
	return map[string]knowledge.Category{
		"welcome":     knowledge.CategoryGettingStarted,
		"import":      knowledge.CategoryDataImport,
		"connections": knowledge.CategoryDataImport,
		"modeling":    knowledge.CategoryModeling,
		"workbench":   knowledge.CategoryModeling,
		"monte-carlo": knowledge.CategoryMonteCarlo,
		"simulations": knowledge.CategoryMonteCarlo,
		"dashboards":  knowledge.CategoryVisualization,
		"charts":      knowledge.CategoryVisualization,
		"scripting":   knowledge.CategoryScripting,
		"console":     knowledge.CategoryScripting,
		"admin":       knowledge.CategoryAdministration,
		"users":       knowledge.CategoryAdministration,
	}
}

// Retrieve returns at most topK chunks eligible for the user, ranked by
// boosted score. An empty corpus yields an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, user UserContext, topK int) (Result, error) {
	if strings.TrimSpace(query) == "" {
		return Result{}, ErrEmptyQuery
	}
	if topK <= 0 {
		return Result{}, fmt.Errorf("top_k must be positive, got %d", topK)
	}

	baseQuery := query
	confidence := 1.0
	if user.Language != translate.LanguageBase {
		tr, err := r.translator.Translate(ctx, query, translate.LanguageBase)
		if err != nil {
			// Search with the original text; base-language terms usually
			// survive in a non-base query.
			r.logger.Warn("query translation failed, searching untranslated",
				"user_id", user.UserID, "error", err)
			confidence = 0
		} else {
			baseQuery = tr.Text
			confidence = tr.Confidence
		}
	}

	filter := index.Filter{Roles: user.Roles}

	vectors, err := r.embedder.Embed(ctx, []string{baseQuery})
	if err != nil {
		r.logger.Warn("query embedding failed, falling back to keyword search",
			"user_id", user.UserID, "error", err)
		return r.keywordFallback(ctx, baseQuery, confidence, topK, filter)
	}

	results, err := r.idx.Search(ctx, vectors[0], topK, filter)
	if err != nil {
		r.logger.Warn("similarity search failed, falling back to keyword search",
			"user_id", user.UserID, "error", err)
		return r.keywordFallback(ctx, baseQuery, confidence, topK, filter)
	}

	chunks := r.rankChunks(results, user.CurrentPage)
	return Result{Chunks: chunks, BaseQuery: baseQuery, TranslationConfidence: confidence}, nil
}

// rankChunks applies the contextual boost and re-sorts by boosted score.
func (r *Retriever) rankChunks(results []index.SearchResult, currentPage string) []RetrievedChunk {
	boostCategory, boosting := r.pageCategories[normalizePage(currentPage)]

	chunks := make([]RetrievedChunk, len(results))
	for i, res := range results {
		boosted := res.Similarity
		if boosting && res.Record.Category == boostCategory {
			boosted *= r.boost
		}
		chunks[i] = RetrievedChunk{
			ChunkID:      res.Record.ChunkID,
			DocumentID:   res.Record.DocumentID,
			Content:      res.Record.Content,
			Title:        res.Record.Title,
			Category:     res.Record.Category,
			Keywords:     res.Record.Keywords,
			Similarity:   res.Similarity,
			BoostedScore: boosted,
		}
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].BoostedScore > chunks[j].BoostedScore
	})
	return chunks
}

// keywordFallback serves degraded-mode results from the keyword path.
func (r *Retriever) keywordFallback(ctx context.Context, baseQuery string, confidence float64, topK int, filter index.Filter) (Result, error) {
	terms := keywordTerms(baseQuery)
	results, err := r.idx.KeywordSearch(ctx, terms, topK, filter)
	if err != nil {
		return Result{}, fmt.Errorf("keyword fallback: %w", err)
	}
	chunks := r.rankChunks(results, "")
	return Result{
		Chunks:                chunks,
		BaseQuery:             baseQuery,
		TranslationConfidence: confidence,
		Degraded:              true,
	}, nil
}

// stopWords are dropped from keyword fallback terms.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "do": true, "does": true, "how": true,
	"i": true, "in": true, "is": true, "it": true, "my": true, "of": true,
	"or": true, "the": true, "to": true, "what": true, "where": true,
	"why": true, "with": true, "can": true,
}

// keywordTerms extracts search terms from a query for the fallback path.
func keywordTerms(query string) []string {
	var terms []string
	for _, field := range strings.Fields(strings.ToLower(query)) {
		word := strings.Trim(field, ".,!?\"'()[]{}:;")
		if len(word) < 2 || stopWords[word] {
			continue
		}
		terms = append(terms, word)
	}
	return terms
}

func normalizePage(page string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(page), "/"))
}

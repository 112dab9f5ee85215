// Package chat is the RAG orchestrator: it takes a query and a user context
// through rate limiting, cache lookup, retrieval, generation, audit logging,
// and cache population, and always returns a well-formed ChatResponse.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/altiqa/helpchat/internal/cache"
	"github.com/altiqa/helpchat/internal/conversation"
	"github.com/altiqa/helpchat/internal/generate"
	"github.com/altiqa/helpchat/internal/knowledge"
	"github.com/altiqa/helpchat/internal/querylog"
	"github.com/altiqa/helpchat/internal/retrieve"
	"github.com/altiqa/helpchat/internal/translate"
)

// ErrEmptyQuery rejects a blank query before any downstream work.
var ErrEmptyQuery = errors.New("empty query")

// fallbackMessage is served when retrieval or generation failed. The caller
// gets a valid response, never a raw error.
const fallbackMessage = "I'm having trouble reaching the documentation right now, " +
	"so I can't give you a grounded answer. Please try again in a moment, or " +
	"browse the help center directly."

// Retriever is the retrieval collaborator.
type Retriever interface {
	Retrieve(ctx context.Context, query string, user retrieve.UserContext, topK int) (retrieve.Result, error)
}

// Generator is the generation collaborator.
type Generator interface {
	Generate(ctx context.Context, query string, retrieval retrieve.Result, history []conversation.Turn, target translate.Language) (generate.ChatResponse, error)
}

// QueryLog is the audit sink. The orchestrator treats its failures as
// non-fatal: a lost log line never blocks a response.
type QueryLog interface {
	Insert(ctx context.Context, e querylog.Entry) (string, error)
	SetFeedback(ctx context.Context, id, feedback string) error
	FlagGap(ctx context.Context, query string, confidence float64, language string) error
}

// Config tunes the orchestrator.
type Config struct {
	// TopK chunks retrieved per query.
	TopK int

	// CallTimeout bounds each downstream call (retrieval, generation).
	CallTimeout time.Duration

	// GapThreshold flags retrievals below this confidence as potential
	// documentation gaps.
	GapThreshold float64

	// HistoryWindow is how many recent turns reach the generator.
	HistoryWindow int
}

// DefaultConfig returns the production orchestration parameters.
func DefaultConfig() Config {
	return Config{
		TopK:          5,
		CallTimeout:   3 * time.Second,
		GapThreshold:  0.45,
		HistoryWindow: 6,
	}
}

// Service orchestrates one query end to end. All collaborators are injected;
// the service holds no global state.
type Service struct {
	retriever     Retriever
	generator     Generator
	responses     *cache.ResponseCache
	log           QueryLog
	limiter       *RateLimiter
	conversations *conversation.Registry
	cfg           Config
	logger        *slog.Logger
}

// NewService wires the orchestrator. log may be nil to disable auditing;
// limiter may be nil to disable rate limiting (tests, internal tooling).
func NewService(
	retriever Retriever,
	generator Generator,
	responses *cache.ResponseCache,
	log QueryLog,
	limiter *RateLimiter,
	conversations *conversation.Registry,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if conversations == nil {
		conversations = conversation.NewRegistry()
	}
	return &Service{
		retriever:     retriever,
		generator:     generator,
		responses:     responses,
		log:           log,
		limiter:       limiter,
		conversations: conversations,
		cfg:           cfg,
		logger:        logger,
	}
}

// Process answers one query. It returns an error only for request-level
// rejections (blank query, rate limit); every failure downstream is
// absorbed into a fallback ChatResponse.
func (s *Service) Process(ctx context.Context, query string, user retrieve.UserContext, conversationID string) (generate.ChatResponse, error) {
	if strings.TrimSpace(query) == "" {
		return generate.ChatResponse{}, ErrEmptyQuery
	}
	if s.limiter != nil {
		if err := s.limiter.Allow(user.UserID); err != nil {
			return generate.ChatResponse{}, err
		}
	}

	start := time.Now()
	history := s.conversations.Get(conversationID)

	key := cache.Key(query, roleStrings(user.Roles), string(user.Language), user.CurrentPage)
	resp, cached, err := s.responses.Do(ctx, key, func(ctx context.Context) (generate.ChatResponse, error) {
		return s.answer(ctx, query, user, history.Recent(s.cfg.HistoryWindow))
	})
	if err != nil {
		s.logger.Error("query pipeline failed, serving fallback",
			"user_id", user.UserID, "error", err)
		resp = fallbackResponse()
		cached = false
	}

	resp.ProcessingTime = time.Since(start)
	resp.InteractionID = uuid.NewString()

	history.Append(conversation.SpeakerUser, query)
	history.Append(conversation.SpeakerAssistant, resp.Message)

	s.writeLog(ctx, query, user, resp, cached)
	return resp, nil
}

// Feedback attaches user feedback to a previously logged query.
func (s *Service) Feedback(ctx context.Context, entryID, feedback string) error {
	if s.log == nil {
		return errors.New("query logging disabled")
	}
	return s.log.SetFeedback(ctx, entryID, feedback)
}

// answer is the cache-miss path: retrieve, then generate. Called at most
// once per cache key across concurrent identical queries.
func (s *Service) answer(ctx context.Context, query string, user retrieve.UserContext, history []conversation.Turn) (generate.ChatResponse, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	retrieval, err := s.retriever.Retrieve(rctx, query, user, s.cfg.TopK)
	cancel()
	if err != nil {
		return generate.ChatResponse{}, err
	}

	s.flagGapIfLow(ctx, query, retrieval, user.Language)

	gctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	resp, err := s.generator.Generate(gctx, query, retrieval, history, user.Language)
	cancel()
	if err != nil {
		return generate.ChatResponse{}, err
	}

	resp.RetrievedChunks = chunkIDs(retrieval.Chunks)
	return resp, nil
}

func fallbackResponse() generate.ChatResponse {
	return generate.ChatResponse{
		Message:   fallbackMessage,
		Citations: []generate.Citation{},
		Fallback:  true,
	}
}

// flagGapIfLow records a documentation-gap flag for low-confidence
// retrievals. An additional write only; the response is unaffected.
func (s *Service) flagGapIfLow(ctx context.Context, query string, retrieval retrieve.Result, lang translate.Language) {
	if s.log == nil {
		return
	}
	confidence := topSimilarity(retrieval)
	if len(retrieval.Chunks) > 0 && confidence >= s.cfg.GapThreshold {
		return
	}
	if err := s.log.FlagGap(ctx, retrieval.BaseQuery, confidence, string(lang)); err != nil {
		s.logger.Warn("failed to flag documentation gap", "error", err)
		return
	}
	s.logger.Info("documentation gap flagged", "query", query, "confidence", confidence)
}

// writeLog records the audit entry after the response is determined.
func (s *Service) writeLog(ctx context.Context, query string, user retrieve.UserContext, resp generate.ChatResponse, cached bool) {
	if s.log == nil {
		return
	}
	_, err := s.log.Insert(ctx, querylog.Entry{
		ID:       resp.InteractionID,
		Query:    query,
		ChunkIDs: resp.RetrievedChunks,
		Response: resp.Message,
		UserHash: querylog.AnonymizeUser(user.UserID),
		Language: string(user.Language),
		Latency:  resp.ProcessingTime,
		Fallback: resp.Fallback,
	})
	if err != nil {
		s.logger.Warn("failed to write query log entry",
			"user_id", user.UserID, "cached", cached, "error", err)
	}
}

func topSimilarity(retrieval retrieve.Result) float64 {
	if len(retrieval.Chunks) == 0 {
		return 0
	}
	top := retrieval.Chunks[0].Similarity
	for _, c := range retrieval.Chunks[1:] {
		if c.Similarity > top {
			top = c.Similarity
		}
	}
	return top
}

func chunkIDs(chunks []retrieve.RetrievedChunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ChunkID
	}
	return ids
}

func roleStrings(roles []knowledge.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

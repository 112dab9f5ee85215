package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/altiqa/helpchat/internal/cache"
	"github.com/altiqa/helpchat/internal/conversation"
	"github.com/altiqa/helpchat/internal/generate"
	"github.com/altiqa/helpchat/internal/knowledge"
	"github.com/altiqa/helpchat/internal/querylog"
	"github.com/altiqa/helpchat/internal/retrieve"
	"github.com/altiqa/helpchat/internal/translate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubRetriever returns a fixed result, optionally blocking until released.
type stubRetriever struct {
	result  retrieve.Result
	err     error
	calls   atomic.Int32
	release chan struct{} // when non-nil, Retrieve blocks until closed
}

func (s *stubRetriever) Retrieve(ctx context.Context, _ string, _ retrieve.UserContext, _ int) (retrieve.Result, error) {
	s.calls.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return retrieve.Result{}, ctx.Err()
		}
	}
	if s.err != nil {
		return retrieve.Result{}, s.err
	}
	return s.result, nil
}

type stubGenerator struct {
	resp  generate.ChatResponse
	err   error
	calls atomic.Int32
}

func (s *stubGenerator) Generate(context.Context, string, retrieve.Result, []conversation.Turn, translate.Language) (generate.ChatResponse, error) {
	s.calls.Add(1)
	if s.err != nil {
		return generate.ChatResponse{}, s.err
	}
	return s.resp, nil
}

// memoryLog records audit writes in memory.
type memoryLog struct {
	mu      sync.Mutex
	entries []querylog.Entry
	gaps    []string
}

func (m *memoryLog) Insert(_ context.Context, e querylog.Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return "id", nil
}

func (m *memoryLog) SetFeedback(context.Context, string, string) error { return nil }

func (m *memoryLog) FlagGap(_ context.Context, query string, _ float64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaps = append(m.gaps, query)
	return nil
}

func (m *memoryLog) entryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *memoryLog) gapCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gaps)
}

func goodRetrieval() retrieve.Result {
	return retrieve.Result{
		Chunks: []retrieve.RetrievedChunk{{
			ChunkID: "mc:0000", DocumentID: "mc", Content: "Set iterations.",
			Title: "Monte Carlo Setup", Category: knowledge.CategoryMonteCarlo,
			Similarity: 0.9, BoostedScore: 0.9,
		}},
		BaseQuery:             "how do I configure a simulation?",
		TranslationConfidence: 1,
	}
}

func goodResponse() generate.ChatResponse {
	return generate.ChatResponse{
		Message:    "Set the iteration count in the Monte Carlo Setup panel.",
		Citations:  []generate.Citation{{Title: "Monte Carlo Setup", Category: knowledge.CategoryMonteCarlo}},
		Confidence: 0.9,
	}
}

func user() retrieve.UserContext {
	return retrieve.UserContext{
		UserID:   "u1",
		Roles:    []knowledge.Role{knowledge.RoleViewer},
		Language: translate.LanguageBase,
	}
}

func newService(r Retriever, g Generator, log QueryLog, limiter *RateLimiter) *Service {
	return NewService(r, g, cache.New(time.Hour), log, limiter, nil, DefaultConfig(), nil)
}

func TestProcessHappyPath(t *testing.T) {
	log := &memoryLog{}
	svc := newService(&stubRetriever{result: goodRetrieval()}, &stubGenerator{resp: goodResponse()}, log, nil)

	resp, err := svc.Process(context.Background(), "how do I configure a simulation?", user(), "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Message == "" || len(resp.Citations) == 0 {
		t.Errorf("response = %+v", resp)
	}
	if resp.ProcessingTime <= 0 {
		t.Error("processing time not recorded")
	}
	if log.entryCount() != 1 {
		t.Errorf("log has %d entries, want exactly 1", log.entryCount())
	}
	log.mu.Lock()
	e := log.entries[0]
	log.mu.Unlock()
	if len(e.ChunkIDs) != 1 || e.ChunkIDs[0] != "mc:0000" {
		t.Errorf("logged chunk IDs = %v", e.ChunkIDs)
	}
	if e.UserHash == "u1" || e.UserHash == "" {
		t.Errorf("user not anonymized in log: %q", e.UserHash)
	}
}

func TestProcessEmptyQuery(t *testing.T) {
	log := &memoryLog{}
	retriever := &stubRetriever{result: goodRetrieval()}
	svc := newService(retriever, &stubGenerator{resp: goodResponse()}, log, nil)

	_, err := svc.Process(context.Background(), "  \t ", user(), "")
	if !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("Process = %v, want ErrEmptyQuery", err)
	}
	if retriever.calls.Load() != 0 || log.entryCount() != 0 {
		t.Error("downstream work done for an empty query")
	}
}

func TestProcessRateLimit(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	svc := newService(&stubRetriever{result: goodRetrieval()}, &stubGenerator{resp: goodResponse()}, &memoryLog{}, limiter)

	for i := range 2 {
		if _, err := svc.Process(context.Background(), "q", user(), ""); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}

	_, err := svc.Process(context.Background(), "q", user(), "")
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("Process = %v, want *RateLimitError", err)
	}
	if rlErr.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", rlErr.RetryAfter)
	}

	// A different user is unaffected.
	other := user()
	other.UserID = "u2"
	if _, err := svc.Process(context.Background(), "q", other, ""); err != nil {
		t.Errorf("other user rejected: %v", err)
	}
}

func TestProcessSecondIdenticalQueryUsesCache(t *testing.T) {
	retriever := &stubRetriever{result: goodRetrieval()}
	generator := &stubGenerator{resp: goodResponse()}
	log := &memoryLog{}
	svc := newService(retriever, generator, log, nil)

	first, err := svc.Process(context.Background(), "how do I configure a simulation?", user(), "")
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	second, err := svc.Process(context.Background(), "How do I configure a  simulation?", user(), "")
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}

	if retriever.calls.Load() != 1 || generator.calls.Load() != 1 {
		t.Errorf("pipeline ran %d/%d times, want once (second query cached)",
			retriever.calls.Load(), generator.calls.Load())
	}
	if first.Message != second.Message {
		t.Error("cached response differs")
	}
	// Both queries were processed; both are logged.
	if log.entryCount() != 2 {
		t.Errorf("log has %d entries, want 2", log.entryCount())
	}
}

func TestProcessDifferentRolesDoNotShareCache(t *testing.T) {
	retriever := &stubRetriever{result: goodRetrieval()}
	svc := newService(retriever, &stubGenerator{resp: goodResponse()}, &memoryLog{}, nil)

	if _, err := svc.Process(context.Background(), "q", user(), ""); err != nil {
		t.Fatal(err)
	}
	admin := user()
	admin.Roles = []knowledge.Role{knowledge.RoleAdmin}
	if _, err := svc.Process(context.Background(), "q", admin, ""); err != nil {
		t.Fatal(err)
	}
	if retriever.calls.Load() != 2 {
		t.Errorf("retriever ran %d times, want 2 (distinct cache keys per role set)", retriever.calls.Load())
	}
}

func TestProcessConcurrentIdenticalQueriesSingleFlight(t *testing.T) {
	retriever := &stubRetriever{result: goodRetrieval(), release: make(chan struct{})}
	generator := &stubGenerator{resp: goodResponse()}
	log := &memoryLog{}
	svc := newService(retriever, generator, log, nil)

	const n = 8
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Process(context.Background(), "same question", user(), ""); err != nil {
				t.Errorf("Process: %v", err)
			}
		}()
	}

	// Let the callers pile onto the in-flight computation.
	time.Sleep(20 * time.Millisecond)
	close(retriever.release)
	wg.Wait()

	if got := retriever.calls.Load(); got != 1 {
		t.Errorf("retriever ran %d times for %d identical queries, want 1", got, n)
	}
	if log.entryCount() != n {
		t.Errorf("log has %d entries, want one per processed query (%d)", log.entryCount(), n)
	}
}

func TestProcessRetrieverFailureServesFallback(t *testing.T) {
	log := &memoryLog{}
	svc := newService(&stubRetriever{err: errors.New("index exploded")}, &stubGenerator{resp: goodResponse()}, log, nil)

	resp, err := svc.Process(context.Background(), "q", user(), "")
	if err != nil {
		t.Fatalf("Process returned an error instead of a fallback: %v", err)
	}
	if !resp.Fallback {
		t.Error("response not marked as fallback")
	}
	if resp.Message == "" || resp.Citations == nil {
		t.Errorf("fallback response malformed: %+v", resp)
	}
	if strings.Contains(resp.Message, "exploded") {
		t.Error("raw error leaked into the user-facing message")
	}
	if log.entryCount() != 1 {
		t.Errorf("log has %d entries, want 1", log.entryCount())
	}
}

func TestProcessGeneratorFailureServesFallback(t *testing.T) {
	log := &memoryLog{}
	svc := newService(
		&stubRetriever{result: goodRetrieval()},
		&stubGenerator{err: &generate.GenerationError{Err: errors.New("model down")}},
		log, nil)

	// Repeated failures keep producing valid fallbacks, not escalating errors.
	for i := range 3 {
		resp, err := svc.Process(context.Background(), "q", user(), "")
		if err != nil {
			t.Fatalf("Process %d: %v", i, err)
		}
		if !resp.Fallback || resp.Message == "" {
			t.Errorf("attempt %d: malformed fallback %+v", i, resp)
		}
	}
	if log.entryCount() != 3 {
		t.Errorf("log has %d entries, want 3", log.entryCount())
	}
}

func TestProcessFlagsDocumentationGap(t *testing.T) {
	weak := goodRetrieval()
	weak.Chunks[0].Similarity = 0.2
	log := &memoryLog{}
	svc := newService(&stubRetriever{result: weak}, &stubGenerator{resp: goodResponse()}, log, nil)

	if _, err := svc.Process(context.Background(), "q", user(), ""); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if log.gapCount() != 1 {
		t.Errorf("gap flags = %d, want 1", log.gapCount())
	}
}

func TestProcessConfidentRetrievalNotFlagged(t *testing.T) {
	log := &memoryLog{}
	svc := newService(&stubRetriever{result: goodRetrieval()}, &stubGenerator{resp: goodResponse()}, log, nil)

	if _, err := svc.Process(context.Background(), "q", user(), ""); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if log.gapCount() != 0 {
		t.Errorf("gap flags = %d, want 0", log.gapCount())
	}
}

func TestProcessConversationHistoryAccumulates(t *testing.T) {
	conversations := conversation.NewRegistry()
	svc := NewService(
		&stubRetriever{result: goodRetrieval()},
		&stubGenerator{resp: goodResponse()},
		cache.New(time.Hour), &memoryLog{}, nil, conversations, DefaultConfig(), nil)

	if _, err := svc.Process(context.Background(), "first question", user(), "conv-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Process(context.Background(), "second question", user(), "conv-1"); err != nil {
		t.Fatal(err)
	}

	if got := conversations.Get("conv-1").Len(); got != 4 {
		t.Errorf("history has %d turns, want 4 (two user, two assistant)", got)
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/altiqa/helpchat/internal/cache"
	"github.com/altiqa/helpchat/internal/chat"
	"github.com/altiqa/helpchat/internal/conversation"
	"github.com/altiqa/helpchat/internal/generate"
	"github.com/altiqa/helpchat/internal/knowledge"
	"github.com/altiqa/helpchat/internal/querylog"
	"github.com/altiqa/helpchat/internal/retrieve"
	"github.com/altiqa/helpchat/internal/translate"
)

type stubRetriever struct{ result retrieve.Result }

func (s *stubRetriever) Retrieve(context.Context, string, retrieve.UserContext, int) (retrieve.Result, error) {
	return s.result, nil
}

type stubGenerator struct{ resp generate.ChatResponse }

func (s *stubGenerator) Generate(context.Context, string, retrieve.Result, []conversation.Turn, translate.Language) (generate.ChatResponse, error) {
	return s.resp, nil
}

type memoryLog struct {
	mu       sync.Mutex
	feedback map[string]string
	inserted []string
}

func newMemoryLog() *memoryLog {
	return &memoryLog{feedback: make(map[string]string)}
}

func (m *memoryLog) Insert(_ context.Context, e querylog.Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, e.ID)
	return e.ID, nil
}

func (m *memoryLog) SetFeedback(_ context.Context, id, feedback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, known := range m.inserted {
		if known == id {
			m.feedback[id] = feedback
			return nil
		}
	}
	return querylog.ErrEntryNotFound
}

func (m *memoryLog) FlagGap(context.Context, string, float64, string) error { return nil }

func newTestServer(t *testing.T, limiter *chat.RateLimiter, log chat.QueryLog) *httptest.Server {
	t.Helper()

	retrieval := retrieve.Result{Chunks: []retrieve.RetrievedChunk{{
		ChunkID: "mc:0000", DocumentID: "mc", Content: "Set iterations.",
		Title: "Monte Carlo Setup", Category: knowledge.CategoryMonteCarlo,
		Similarity: 0.9, BoostedScore: 0.9,
	}}}
	response := generate.ChatResponse{
		Message:    "Set the iteration count in the Monte Carlo Setup panel.",
		Citations:  []generate.Citation{{Title: "Monte Carlo Setup", Category: knowledge.CategoryMonteCarlo}},
		Confidence: 0.9,
	}

	svc := chat.NewService(
		&stubRetriever{result: retrieval},
		&stubGenerator{resp: response},
		cache.New(time.Hour), log, limiter, nil, chat.DefaultConfig(), nil)

	srv, err := NewServer(ServerConfig{ChatService: svc})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

const validChatBody = `{
	"query": "how do I configure a simulation?",
	"user_context": {"user_id": "u1", "roles": ["viewer"], "language": "en", "current_page": "simulations"}
}`

func TestChatEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, newMemoryLog())

	resp := postJSON(t, ts.URL+"/api/v1/chat", validChatBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message == "" {
		t.Error("empty message")
	}
	if len(body.Citations) != 1 || body.Citations[0].Category != "MONTE_CARLO" {
		t.Errorf("citations = %+v", body.Citations)
	}
	if body.Confidence != 0.9 {
		t.Errorf("confidence = %v", body.Confidence)
	}
	if body.ProcessingTimeMS < 0 {
		t.Errorf("processing_time_ms = %d", body.ProcessingTimeMS)
	}
	if body.InteractionID == "" {
		t.Error("missing interaction_id")
	}
}

func TestChatEndpointValidation(t *testing.T) {
	ts := newTestServer(t, nil, newMemoryLog())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty query", `{"query": " ", "user_context": {"user_id": "u1", "roles": ["viewer"]}}`, http.StatusBadRequest},
		{"missing user id", `{"query": "q", "user_context": {"roles": ["viewer"]}}`, http.StatusBadRequest},
		{"no roles", `{"query": "q", "user_context": {"user_id": "u1", "roles": []}}`, http.StatusBadRequest},
		{"unknown role", `{"query": "q", "user_context": {"user_id": "u1", "roles": ["superuser"]}}`, http.StatusBadRequest},
		{"unknown language", `{"query": "q", "user_context": {"user_id": "u1", "roles": ["viewer"], "language": "tlh"}}`, http.StatusBadRequest},
		{"malformed json", `{"query": `, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/v1/chat", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var e errorBody
			if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
				t.Errorf("error response is not structured JSON: %v", err)
			}
		})
	}
}

func TestChatEndpointRateLimit(t *testing.T) {
	ts := newTestServer(t, chat.NewRateLimiter(60, 1), newMemoryLog())

	first := postJSON(t, ts.URL+"/api/v1/chat", validChatBody)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", first.StatusCode)
	}

	second := postJSON(t, ts.URL+"/api/v1/chat", validChatBody)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	log := newMemoryLog()
	ts := newTestServer(t, nil, log)

	chatResp := postJSON(t, ts.URL+"/api/v1/chat", validChatBody)
	var body chatResponseBody
	if err := json.NewDecoder(chatResp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp := postJSON(t, ts.URL+"/api/v1/feedback",
		`{"interaction_id": "`+body.InteractionID+`", "feedback": "helpful"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("feedback status = %d", resp.StatusCode)
	}
	log.mu.Lock()
	got := log.feedback[body.InteractionID]
	log.mu.Unlock()
	if got != "helpful" {
		t.Errorf("feedback = %q", got)
	}

	missing := postJSON(t, ts.URL+"/api/v1/feedback",
		`{"interaction_id": "nope", "feedback": "helpful"}`)
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown interaction status = %d, want 404", missing.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, newMemoryLog())

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}

	ready, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	defer ready.Body.Close()
	if ready.StatusCode != http.StatusOK {
		t.Errorf("/ready status = %d (no pool configured, should be ready)", ready.StatusCode)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t, nil, newMemoryLog())

	resp := postJSON(t, ts.URL+"/api/v1/chat", validChatBody)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
}

// Package generate assembles grounded prompts from retrieved context, calls
// the generation service, and shapes the final ChatResponse: citations,
// confidence, disclaimers, and response-language translation.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/altiqa/helpchat/internal/conversation"
	"github.com/altiqa/helpchat/internal/knowledge"
	"github.com/altiqa/helpchat/internal/retrieve"
	"github.com/altiqa/helpchat/internal/translate"
)

// Citation names one source the response drew on.
type Citation struct {
	Title    string             `json:"title"`
	Category knowledge.Category `json:"category"`
}

// ChatResponse is the answer shape every caller receives, whether the
// grounded path or the fallback path produced it.
type ChatResponse struct {
	Message        string        `json:"message"`
	Citations      []Citation    `json:"citations"`
	Confidence     float64       `json:"confidence"`
	ProcessingTime time.Duration `json:"-"`
	Fallback       bool          `json:"-"`

	// RetrievedChunks carries the chunk IDs that grounded the response, for
	// audit logging. Not part of the wire shape.
	RetrievedChunks []string `json:"-"`

	// InteractionID identifies this exchange's audit entry so clients can
	// attach feedback to it later.
	InteractionID string `json:"interaction_id,omitempty"`
}

// GenerationError indicates the generation service failed; the orchestrator
// converts it into a fallback response.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("generation failed: %v", e.Err) }
func (e *GenerationError) Unwrap() error { return e.Err }

// ModelClient is the generation service boundary: prompt in, text out.
type ModelClient interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// GenkitModel adapts a genkit model to ModelClient.
type GenkitModel struct {
	g     *genkit.Genkit
	model ai.ModelRef
}

// NewGenkitModel wraps a genkit model reference.
func NewGenkitModel(g *genkit.Genkit, model ai.ModelRef) *GenkitModel {
	return &GenkitModel{g: g, model: model}
}

// Generate implements ModelClient.
func (m *GenkitModel) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := genkit.Generate(ctx, m.g,
		ai.WithModel(m.model),
		ai.WithSystem(system),
		ai.WithMessages(ai.NewUserMessage(ai.NewTextPart(prompt))),
	)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Config tunes response shaping.
type Config struct {
	// LowConfidence triggers the uncertainty disclaimer.
	LowConfidence float64

	// TranslationFloor is the translation confidence below which glossary
	// terms are annotated with their original form.
	TranslationFloor float64

	// MaxContextTokens bounds the token total of chunks in the prompt.
	MaxContextTokens int

	// HistoryWindow is how many recent turns enter the prompt.
	HistoryWindow int
}

// DefaultConfig returns the production shaping parameters.
func DefaultConfig() Config {
	return Config{
		LowConfidence:    0.5,
		TranslationFloor: 0.8,
		MaxContextTokens: 6000,
		HistoryWindow:    6,
	}
}

const (
	systemPrompt = `You are the in-product help assistant for Altiqa Studio.
Answer the user's question using ONLY the documentation excerpts provided in
the CONTEXT section. If the context does not contain the answer, say so
plainly instead of guessing. Cite sources by their bracketed titles. Keep
answers concise and task-oriented.`

	insufficientContextMessage = "I couldn't find documentation relevant to your question, " +
		"so I can't give a reliable answer. Try rephrasing, or browse the help center directly."

	uncertaintyDisclaimer = "\n\nNote: the documentation I found only partially matches " +
		"your question, so parts of this answer may not apply to your situation."

	translationApology = "\n\n(Sorry, this answer could not be translated into your " +
		"language and is shown in English.)"
)

// Generator produces grounded chat responses.
type Generator struct {
	model      ModelClient
	translator translate.Translator
	glossary   *translate.Glossary
	cfg        Config
	logger     *slog.Logger
}

// NewGenerator wires a generator. glossary may be nil to disable terminology
// annotation.
func NewGenerator(model ModelClient, translator translate.Translator, glossary *translate.Glossary, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{model: model, translator: translator, glossary: glossary, cfg: cfg, logger: logger}
}

// Generate turns retrieved context into a cited answer in the target
// language. With zero retrieved chunks it returns an explicit
// insufficient-context response rather than inventing one.
func (g *Generator) Generate(ctx context.Context, query string, retrieval retrieve.Result, history []conversation.Turn, target translate.Language) (ChatResponse, error) {
	chunks := truncateContext(retrieval.Chunks, g.cfg.MaxContextTokens)

	if len(chunks) == 0 {
		resp := ChatResponse{Message: insufficientContextMessage, Citations: []Citation{}}
		return g.localize(ctx, resp, target), nil
	}

	prompt := buildPrompt(query, chunks, history, g.cfg.HistoryWindow)

	text, err := g.model.Generate(ctx, systemPrompt, prompt)
	if err != nil {
		return ChatResponse{}, &GenerationError{Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return ChatResponse{}, &GenerationError{Err: fmt.Errorf("empty model response")}
	}

	resp := ChatResponse{
		Message:    text,
		Citations:  extractCitations(text, chunks),
		Confidence: meanSimilarity(chunks),
	}
	if resp.Confidence < g.cfg.LowConfidence {
		resp.Message += uncertaintyDisclaimer
	}

	return g.localize(ctx, resp, target), nil
}

// localize translates the response message when the target is not the base
// language. Translation failure keeps the base-language text with an
// apology appended; it never fails the response.
func (g *Generator) localize(ctx context.Context, resp ChatResponse, target translate.Language) ChatResponse {
	if target == translate.LanguageBase || target == "" {
		return resp
	}

	tr, err := g.translator.Translate(ctx, resp.Message, target)
	if err != nil {
		g.logger.Warn("response translation failed", "target", target, "error", err)
		resp.Message += translationApology
		return resp
	}

	original := resp.Message
	resp.Message = tr.Text
	if tr.Confidence < g.cfg.TranslationFloor {
		resp.Message = g.glossary.Annotate(resp.Message, original)
	}
	return resp
}

// truncateContext drops lowest-similarity chunks, whole, until the total
// token count fits the budget. Chunk order is otherwise preserved.
func truncateContext(chunks []retrieve.RetrievedChunk, maxTokens int) []retrieve.RetrievedChunk {
	if maxTokens <= 0 {
		return chunks
	}

	total := 0
	for _, c := range chunks {
		total += len(strings.Fields(c.Content))
	}
	if total <= maxTokens {
		return chunks
	}

	// Indices sorted by similarity ascending: the drop order.
	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return chunks[order[a]].Similarity < chunks[order[b]].Similarity
	})

	dropped := make(map[int]bool)
	for _, i := range order {
		if total <= maxTokens {
			break
		}
		total -= len(strings.Fields(chunks[i].Content))
		dropped[i] = true
	}

	kept := make([]retrieve.RetrievedChunk, 0, len(chunks)-len(dropped))
	for i, c := range chunks {
		if !dropped[i] {
			kept = append(kept, c)
		}
	}
	return kept
}

// buildPrompt lays out context, bounded history, and the query verbatim.
func buildPrompt(query string, chunks []retrieve.RetrievedChunk, history []conversation.Turn, window int) string {
	var sb strings.Builder

	sb.WriteString("CONTEXT:\n")
	for _, c := range chunks {
		fmt.Fprintf(&sb, "[%s | %s]\n%s\n\n", c.Title, c.Category, c.Content)
	}

	if len(history) > 0 {
		if window > 0 && len(history) > window {
			history = history[len(history)-window:]
		}
		sb.WriteString("CONVERSATION SO FAR:\n")
		for _, turn := range history {
			fmt.Fprintf(&sb, "%s: %s\n", turn.Speaker, turn.Content)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("QUESTION:\n")
	sb.WriteString(query)
	return sb.String()
}

// extractCitations returns the sources whose titles the response actually
// references. When the model cited nothing recognizable, all supplied
// sources are cited: the answer was generated from them regardless.
func extractCitations(response string, chunks []retrieve.RetrievedChunk) []Citation {
	lower := strings.ToLower(response)

	var cited []Citation
	seen := make(map[string]bool)
	for _, c := range chunks {
		if seen[c.Title] {
			continue
		}
		if strings.Contains(lower, strings.ToLower(c.Title)) {
			seen[c.Title] = true
			cited = append(cited, Citation{Title: c.Title, Category: c.Category})
		}
	}
	if len(cited) > 0 {
		return cited
	}

	for _, c := range chunks {
		if !seen[c.Title] {
			seen[c.Title] = true
			cited = append(cited, Citation{Title: c.Title, Category: c.Category})
		}
	}
	return cited
}

// meanSimilarity averages the raw similarity of the supplied chunks.
func meanSimilarity(chunks []retrieve.RetrievedChunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	var sum float64
	for _, c := range chunks {
		sum += c.Similarity
	}
	return sum / float64(len(chunks))
}

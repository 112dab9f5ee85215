// Package translate wraps the translation service behind a small consumer
// interface. The supported language set is closed: queries and responses
// move between the base language (English) and a fixed set of product
// languages, never arbitrary locale tags.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Language is a supported product language.
type Language string

const (
	// LanguageBase is the corpus language; documents and embeddings are
	// always in this language.
	LanguageBase Language = "en"

	LanguageGerman   Language = "de"
	LanguageFrench   Language = "fr"
	LanguageJapanese Language = "ja"
	LanguageSpanish  Language = "es"
)

var languageNames = map[Language]string{
	LanguageBase:     "English",
	LanguageGerman:   "German",
	LanguageFrench:   "French",
	LanguageJapanese: "Japanese",
	LanguageSpanish:  "Spanish",
}

// ParseLanguage validates a language tag against the closed set.
// Empty input defaults to the base language.
func ParseLanguage(s string) (Language, error) {
	if s == "" {
		return LanguageBase, nil
	}
	lang := Language(strings.ToLower(s))
	if _, ok := languageNames[lang]; !ok {
		return "", fmt.Errorf("unsupported language %q", s)
	}
	return lang, nil
}

// Name returns the human-readable language name.
func (l Language) Name() string {
	if name, ok := languageNames[l]; ok {
		return name
	}
	return string(l)
}

// ErrTranslationFailed indicates the translation service returned no usable
// text. Callers proceed in the base language.
var ErrTranslationFailed = errors.New("translation failed")

// Translation is the service result: the translated text plus the service's
// own confidence in it, in [0, 1].
type Translation struct {
	Text       string
	Confidence float64
}

// Translator converts text into a target language.
type Translator interface {
	Translate(ctx context.Context, text string, target Language) (Translation, error)
}

// Genkit is the production Translator, backed by the same model family the
// generator uses.
type Genkit struct {
	g      *genkit.Genkit
	model  ai.ModelRef
	logger *slog.Logger
}

// NewGenkit creates a model-backed translator.
func NewGenkit(g *genkit.Genkit, model ai.ModelRef, logger *slog.Logger) *Genkit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Genkit{g: g, model: model, logger: logger}
}

const translateSystemPrompt = `You are a translation engine for software documentation.
Translate the user's text into %s. Preserve product names, code snippets,
and file paths verbatim. Respond with a single JSON object:
{"text": "<translation>", "confidence": <0.0-1.0>}
where confidence is your estimate of translation quality. Output nothing else.`

// translateReply is the JSON shape the model is instructed to return.
type translateReply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Translate implements Translator. Text already in the target language still
// round-trips through the service; the service returns it near-verbatim with
// high confidence.
func (t *Genkit) Translate(ctx context.Context, text string, target Language) (Translation, error) {
	if strings.TrimSpace(text) == "" {
		return Translation{}, fmt.Errorf("%w: empty input", ErrTranslationFailed)
	}
	if _, ok := languageNames[target]; !ok {
		return Translation{}, fmt.Errorf("unsupported target language %q", target)
	}

	resp, err := genkit.Generate(ctx, t.g,
		ai.WithModel(t.model),
		ai.WithSystem(fmt.Sprintf(translateSystemPrompt, target.Name())),
		ai.WithMessages(ai.NewUserMessage(ai.NewTextPart(text))),
	)
	if err != nil {
		return Translation{}, fmt.Errorf("%w: %v", ErrTranslationFailed, err)
	}

	out := strings.TrimSpace(resp.Text())
	if out == "" {
		return Translation{}, fmt.Errorf("%w: empty response", ErrTranslationFailed)
	}

	reply, err := parseReply(out)
	if err != nil {
		// The model ignored the JSON instruction. Use the raw text with a
		// conservative confidence rather than failing the whole query.
		t.logger.Debug("translation reply was not JSON, using raw text", "error", err)
		return Translation{Text: out, Confidence: 0.5}, nil
	}
	if strings.TrimSpace(reply.Text) == "" {
		return Translation{}, fmt.Errorf("%w: empty translation text", ErrTranslationFailed)
	}
	return Translation{Text: reply.Text, Confidence: clamp01(reply.Confidence)}, nil
}

// parseReply extracts the JSON object from the model output, tolerating
// surrounding markdown fences.
func parseReply(out string) (translateReply, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return translateReply{}, errors.New("no JSON object in reply")
	}
	var reply translateReply
	if err := json.Unmarshal([]byte(out[start:end+1]), &reply); err != nil {
		return translateReply{}, err
	}
	return reply, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package translate

import "strings"

// Glossary is the terminology dictionary for response translation. When a
// translated response scores below the confidence floor, flagged technical
// terms keep their original-language form in parentheses so readers can
// match the product UI, which is not localized for every term.
type Glossary struct {
	// terms maps lowercase base-language terms to their canonical casing.
	terms map[string]string
}

// DefaultGlossary covers the product terms that appear untranslated in the
// product UI.
func DefaultGlossary() *Glossary {
	return NewGlossary([]string{
		"Monte Carlo",
		"scenario",
		"workbook",
		"pipeline",
		"dashboard",
		"data source",
		"simulation run",
	})
}

// NewGlossary builds a glossary from the given terms.
func NewGlossary(terms []string) *Glossary {
	g := &Glossary{terms: make(map[string]string, len(terms))}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t != "" {
			g.terms[strings.ToLower(t)] = t
		}
	}
	return g
}

// Annotate appends the original-language term in parentheses after each
// glossary term found in translated. original is the base-language text the
// translation was produced from; only terms present in it are annotated.
func (g *Glossary) Annotate(translated, original string) string {
	if g == nil || len(g.terms) == 0 {
		return translated
	}

	lowerOriginal := strings.ToLower(original)
	out := translated
	for lower, canonical := range g.terms {
		if !strings.Contains(lowerOriginal, lower) {
			continue
		}
		annotated := canonical + " (" + canonical + ")"
		if strings.Contains(out, annotated) {
			continue
		}
		// Annotate the first occurrence only; repeating the parenthetical on
		// every mention reads badly.
		idx := strings.Index(strings.ToLower(out), lower)
		if idx < 0 {
			// Term was localized away. Append a note so the reader can still
			// map it back to the UI.
			out += "\n(" + canonical + ")"
			continue
		}
		out = out[:idx+len(lower)] + " (" + canonical + ")" + out[idx+len(lower):]
	}
	return out
}

// Terms returns the canonical terms in the glossary.
func (g *Glossary) Terms() []string {
	out := make([]string, 0, len(g.terms))
	for _, canonical := range g.terms {
		out = append(out, canonical)
	}
	return out
}

package ingest

import (
	"fmt"
	"strings"
)

// ChunkConfig bounds chunk sizes. All values are token counts; a token is a
// whitespace-delimited field, the same approximation the embedding service
// bills by.
type ChunkConfig struct {
	Target  int // preferred chunk size
	Overlap int // tokens shared between adjacent chunks
	Min     int // smallest acceptable chunk in multi-chunk output
	Max     int // hard upper bound
}

// DefaultChunkConfig returns the production chunking parameters.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{Target: 512, Overlap: 50, Min: 200, Max: 1000}
}

// Validate checks the band is ordered and the overlap cannot dominate a
// minimum-size chunk.
func (c ChunkConfig) Validate() error {
	if c.Min <= 0 || c.Max <= c.Min {
		return fmt.Errorf("chunk band [%d, %d] is not ordered", c.Min, c.Max)
	}
	if c.Target < c.Min || c.Target > c.Max {
		return fmt.Errorf("chunk target %d outside band [%d, %d]", c.Target, c.Min, c.Max)
	}
	if c.Overlap < 0 || c.Overlap >= c.Min {
		return fmt.Errorf("chunk overlap %d must be in [0, %d)", c.Overlap, c.Min)
	}
	return nil
}

// Chunk is one bounded text segment of a document, ready for embedding.
type Chunk struct {
	ID         string
	DocumentID string
	Seq        int
	Text       string
	TokenCount int
}

// chunkID is deterministic so re-ingesting an unchanged document produces
// the identical record set.
func chunkID(documentID string, seq int) string {
	return fmt.Sprintf("%s:%04d", documentID, seq)
}

// unit is a paragraph prepared for accumulation. sectionStart marks units
// that open a new section; the chunker prefers to break before them.
type unit struct {
	tokens       []string
	sectionStart bool
}

// SplitChunks turns parsed blocks into chunks. Every chunk in multi-chunk
// output lands in [Min, Max]; a document shorter than Min yields a single
// chunk below the band rather than an error.
func SplitChunks(documentID string, blocks []Block, cfg ChunkConfig) ([]Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	units := buildUnits(blocks, cfg.Target)
	if len(units) == 0 {
		return nil, fmt.Errorf("document %q has no tokens to chunk", documentID)
	}

	groups := accumulate(units, cfg)
	groups = mergeShortTail(groups, cfg)
	groups = applyOverlap(groups, cfg.Overlap)

	chunks := make([]Chunk, len(groups))
	for i, tokens := range groups {
		chunks[i] = Chunk{
			ID:         chunkID(documentID, i),
			DocumentID: documentID,
			Seq:        i,
			Text:       strings.Join(tokens, " "),
			TokenCount: len(tokens),
		}
	}
	return chunks, nil
}

// buildUnits flattens blocks into paragraph token slices. A heading is
// folded into the following paragraph and marks it as a section start.
// Paragraphs longer than maxUnit are pre-split so accumulation never has to
// break one mid-stride.
func buildUnits(blocks []Block, maxUnit int) []unit {
	var (
		units          []unit
		pendingHeading []string
	)
	for _, block := range blocks {
		tokens := strings.Fields(block.Text)
		if len(tokens) == 0 {
			continue
		}
		if block.Kind == BlockHeading {
			pendingHeading = tokens
			continue
		}

		sectionStart := false
		if pendingHeading != nil {
			tokens = append(append([]string{}, pendingHeading...), tokens...)
			pendingHeading = nil
			sectionStart = true
		}

		for len(tokens) > maxUnit {
			units = append(units, unit{tokens: tokens[:maxUnit], sectionStart: sectionStart})
			tokens = tokens[maxUnit:]
			sectionStart = false
		}
		units = append(units, unit{tokens: tokens, sectionStart: sectionStart})
	}
	// Trailing heading with no body still carries searchable text.
	if pendingHeading != nil {
		units = append(units, unit{tokens: pendingHeading, sectionStart: true})
	}
	return units
}

// accumulate greedily packs units into token groups around the target size,
// closing a group early at section boundaries once it has reached Min.
// Groups are capped at Max minus the overlap budget so the overlap applied
// later cannot push a chunk over Max.
func accumulate(units []unit, cfg ChunkConfig) [][]string {
	budget := cfg.Max - cfg.Overlap
	var (
		groups  [][]string
		current []string
	)
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
	}

	for _, u := range units {
		if len(current) >= cfg.Min && u.sectionStart {
			flush()
		}
		if len(current)+len(u.tokens) > budget {
			flush()
		}
		current = append(current, u.tokens...)
		if len(current) >= cfg.Target {
			flush()
		}
	}
	flush()
	return groups
}

// mergeShortTail folds a final group below Min into its predecessor. When
// the merge would exceed the overlap-adjusted cap, the merged group is split
// evenly instead; both halves then sit inside the band.
func mergeShortTail(groups [][]string, cfg ChunkConfig) [][]string {
	n := len(groups)
	if n < 2 || len(groups[n-1]) >= cfg.Min {
		return groups
	}

	merged := append(groups[n-2], groups[n-1]...)
	groups = groups[:n-1]
	if len(merged) <= cfg.Max-cfg.Overlap {
		groups[n-2] = merged
		return groups
	}

	half := len(merged) / 2
	groups[n-2] = merged[:half]
	return append(groups, merged[half:])
}

// applyOverlap prepends the tail of each group to its successor so adjacent
// chunks share context across the boundary.
func applyOverlap(groups [][]string, overlap int) [][]string {
	if overlap <= 0 || len(groups) < 2 {
		return groups
	}
	out := make([][]string, len(groups))
	out[0] = groups[0]
	for i := 1; i < len(groups); i++ {
		prev := groups[i-1]
		n := min(overlap, len(prev))
		tail := prev[len(prev)-n:]
		out[i] = append(append([]string{}, tail...), groups[i]...)
	}
	return out
}

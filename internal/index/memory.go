package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Index backed by a map and brute-force cosine
// similarity. It backs tests and single-node embedded deployments.
//
// Memory is safe for concurrent use: writes for one document happen under
// the write lock, so readers see whole documents only.
type Memory struct {
	mu sync.RWMutex
	// records indexed by chunk ID
	records map[string]VectorRecord
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]VectorRecord)}
}

// Upsert inserts or replaces records by chunk ID.
func (m *Memory) Upsert(_ context.Context, records []VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if rec.ChunkID == "" {
			return fmt.Errorf("upsert: record for document %q missing chunk ID", rec.DocumentID)
		}
		m.records[rec.ChunkID] = rec
	}
	return nil
}

// ReplaceDocument swaps all records of a document atomically.
func (m *Memory) ReplaceDocument(_ context.Context, documentID string, records []VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.records {
		if rec.DocumentID == documentID {
			delete(m.records, id)
		}
	}
	for _, rec := range records {
		if rec.DocumentID != documentID {
			return fmt.Errorf("replace document %q: record %q belongs to %q",
				documentID, rec.ChunkID, rec.DocumentID)
		}
		m.records[rec.ChunkID] = rec
	}
	return nil
}

// Search ranks all filtered records by cosine similarity.
func (m *Memory) Search(_ context.Context, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	candidates := make([]SearchResult, 0, len(m.records))
	for _, rec := range m.records {
		if !filter.allows(rec) {
			continue
		}
		candidates = append(candidates, SearchResult{
			Record:     rec,
			Similarity: cosineSimilarity(vector, rec.Vector),
		})
	}
	m.mu.RUnlock()

	sortResults(candidates)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// DeleteByDocument removes all of a document's records. No-op when absent.
func (m *Memory) DeleteByDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.records {
		if rec.DocumentID == documentID {
			delete(m.records, id)
		}
	}
	return nil
}

// KeywordSearch matches terms against titles and keywords, case-insensitively.
func (m *Memory) KeywordSearch(_ context.Context, terms []string, topK int, filter Filter) ([]SearchResult, error) {
	if topK <= 0 || len(terms) == 0 {
		return nil, nil
	}

	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}

	m.mu.RLock()
	var matches []SearchResult
	for _, rec := range m.records {
		if !filter.allows(rec) {
			continue
		}
		if matchesKeywords(rec, lowered) {
			matches = append(matches, SearchResult{Record: rec})
		}
	}
	m.mu.RUnlock()

	sortResults(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func matchesKeywords(rec VectorRecord, terms []string) bool {
	title := strings.ToLower(rec.Title)
	for _, term := range terms {
		if strings.Contains(title, term) {
			return true
		}
		for _, kw := range rec.Keywords {
			if strings.ToLower(kw) == term {
				return true
			}
		}
	}
	return false
}

// sortResults orders by similarity descending, then recency, then document
// ID ascending for determinism, then chunk sequence.
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Record.UpdatedAt.Equal(b.Record.UpdatedAt) {
			return a.Record.UpdatedAt.After(b.Record.UpdatedAt)
		}
		if a.Record.DocumentID != b.Record.DocumentID {
			return a.Record.DocumentID < b.Record.DocumentID
		}
		return a.Record.Seq < b.Record.Seq
	})
}

// cosineSimilarity returns the cosine of the angle between a and b,
// mapped from [-1, 1] to [0, 1]. Mismatched or zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}

// Package index stores chunk embeddings with denormalized retrieval metadata
// and serves filtered similarity search. Two implementations are provided:
// Postgres (pgvector) for production and Memory for tests and embedded use.
//
// The index is the only writer to vector records. Writes for a single
// document are atomic relative to readers: a search never observes a
// half-replaced document.
package index

import (
	"context"
	"time"

	"github.com/altiqa/helpchat/internal/knowledge"
)

// VectorRecord is a chunk's embedding plus the metadata retrieval needs
// without a join back to the document store.
type VectorRecord struct {
	ChunkID      string
	DocumentID   string
	Seq          int
	Content      string
	Vector       []float32
	Title        string
	Category     knowledge.Category
	Keywords     []string
	UpdatedAt    time.Time
	AllowedRoles []knowledge.Role
	Public       bool
}

// Filter restricts the candidate set before ranking. Rejected candidates
// never consume a ranking slot. Zero-value fields do not filter.
type Filter struct {
	// Categories limits results to these categories.
	Categories []knowledge.Category

	// Roles applies access control: a record passes when it is public or
	// its allowed roles intersect this set.
	Roles []knowledge.Role

	// DocumentIDs limits results to these documents.
	DocumentIDs []string
}

// allows reports whether rec passes the filter.
func (f Filter) allows(rec VectorRecord) bool {
	if len(f.Categories) > 0 {
		found := false
		for _, c := range f.Categories {
			if rec.Category == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.DocumentIDs) > 0 {
		found := false
		for _, id := range f.DocumentIDs {
			if rec.DocumentID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Roles != nil {
		if !rec.Public && !knowledge.RolesIntersect(rec.AllowedRoles, f.Roles) {
			return false
		}
	}
	return true
}

// SearchResult is one ranked record with its similarity score in [0, 1].
type SearchResult struct {
	Record     VectorRecord
	Similarity float64
}

// Index is the vector index contract.
//
// Search returns at most topK records ordered by similarity descending,
// ties broken by most recent UpdatedAt, then by DocumentID ascending.
type Index interface {
	// Upsert inserts or replaces individual records by chunk ID.
	Upsert(ctx context.Context, records []VectorRecord) error

	// ReplaceDocument atomically swaps all records of a document for the
	// given set. Readers observe either the old set or the new set.
	ReplaceDocument(ctx context.Context, documentID string, records []VectorRecord) error

	// Search runs filtered similarity search.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]SearchResult, error)

	// DeleteByDocument removes all records of a document.
	// Deleting an absent document is a no-op.
	DeleteByDocument(ctx context.Context, documentID string) error

	// KeywordSearch is the degraded-mode lookup over titles and keywords,
	// used when similarity search is unavailable. Results carry zero
	// similarity.
	KeywordSearch(ctx context.Context, terms []string, topK int, filter Filter) ([]SearchResult, error)
}

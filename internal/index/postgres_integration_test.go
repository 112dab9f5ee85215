package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/altiqa/helpchat/internal/index"
	"github.com/altiqa/helpchat/internal/knowledge"
	"github.com/altiqa/helpchat/internal/testutil"
)

const testDim = 768

// unitVector returns a 768-dim vector pointing along the given axis.
func unitVector(axis int) []float32 {
	v := make([]float32, testDim)
	v[axis] = 1
	return v
}

func testRecord(chunkID, docID string, axis int, updated time.Time) index.VectorRecord {
	return index.VectorRecord{
		ChunkID:      chunkID,
		DocumentID:   docID,
		Seq:          0,
		Content:      "chunk content for " + chunkID,
		Vector:       unitVector(axis),
		Title:        "Doc " + docID,
		Category:     knowledge.CategoryMonteCarlo,
		Keywords:     []string{"simulation"},
		UpdatedAt:    updated,
		AllowedRoles: []knowledge.Role{knowledge.RoleAnalyst},
		Public:       false,
	}
}

func TestPostgresSearchRanksAndFilters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := testutil.SetupTestDB(t)
	idx := index.NewPostgres(db.Pool, testDim, testutil.DiscardLogger())
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	near := testRecord("a:0000", "a", 0, now)
	far := testRecord("b:0000", "b", 1, now)
	public := testRecord("c:0000", "c", 0, now.Add(-time.Hour))
	public.Public = true
	public.AllowedRoles = nil

	if err := idx.Upsert(ctx, []index.VectorRecord{near, far, public}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := idx.Search(ctx, unitVector(0), 10, index.Filter{
		Roles: []knowledge.Role{knowledge.RoleAnalyst},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	// Both axis-0 records score 1.0; recency breaks the tie.
	if results[0].Record.ChunkID != "a:0000" || results[1].Record.ChunkID != "c:0000" {
		t.Errorf("order = %s, %s", results[0].Record.ChunkID, results[1].Record.ChunkID)
	}
	if results[0].Similarity <= results[2].Similarity {
		t.Errorf("similarity not descending: %v vs %v", results[0].Similarity, results[2].Similarity)
	}

	// A viewer only clears the public record.
	viewerResults, err := idx.Search(ctx, unitVector(0), 10, index.Filter{
		Roles: []knowledge.Role{knowledge.RoleViewer},
	})
	if err != nil {
		t.Fatalf("Search as viewer: %v", err)
	}
	if len(viewerResults) != 1 || viewerResults[0].Record.ChunkID != "c:0000" {
		t.Errorf("viewer results = %+v", viewerResults)
	}
}

func TestPostgresReplaceDocument(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := testutil.SetupTestDB(t)
	idx := index.NewPostgres(db.Pool, testDim, testutil.DiscardLogger())
	ctx := context.Background()

	now := time.Now().UTC()
	old1 := testRecord("d:0000", "d", 0, now)
	old2 := testRecord("d:0001", "d", 1, now)
	old2.Seq = 1
	if err := idx.Upsert(ctx, []index.VectorRecord{old1, old2}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	replacement := testRecord("d:0000", "d", 2, now)
	if err := idx.ReplaceDocument(ctx, "d", []index.VectorRecord{replacement}); err != nil {
		t.Fatalf("ReplaceDocument: %v", err)
	}

	results, err := idx.Search(ctx, unitVector(2), 10, index.Filter{
		Roles: []knowledge.Role{knowledge.RoleAnalyst},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Record.ChunkID != "d:0000" {
		t.Fatalf("results after replace = %+v", results)
	}

	// Records for another document are rejected before any write.
	foreign := testRecord("e:0000", "e", 0, now)
	if err := idx.ReplaceDocument(ctx, "d", []index.VectorRecord{foreign}); err == nil {
		t.Error("ReplaceDocument accepted a foreign record")
	}
}

func TestPostgresDeleteByDocument(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := testutil.SetupTestDB(t)
	idx := index.NewPostgres(db.Pool, testDim, testutil.DiscardLogger())
	ctx := context.Background()

	rec := testRecord("f:0000", "f", 0, time.Now().UTC())
	if err := idx.Upsert(ctx, []index.VectorRecord{rec}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := idx.DeleteByDocument(ctx, "f"); err != nil {
		t.Fatalf("DeleteByDocument: %v", err)
	}
	results, err := idx.Search(ctx, unitVector(0), 10, index.Filter{
		Roles: []knowledge.Role{knowledge.RoleAnalyst},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("records survived delete: %+v", results)
	}

	if err := idx.DeleteByDocument(ctx, "f"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestSimilarityScaleMatchesAcrossBackends(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	backends := map[string]index.Index{
		"postgres": index.NewPostgres(db.Pool, testDim, testutil.DiscardLogger()),
		"memory":   index.NewMemory(),
	}

	rec := testRecord("h:0000", "h", 0, time.Now().UTC().Truncate(time.Microsecond))
	rec.Public = true
	rec.AllowedRoles = nil

	opposite := make([]float32, testDim)
	opposite[0] = -1

	// Confidence and gap thresholds assume this scale; both implementations
	// must score the same corpus identically.
	queries := []struct {
		name string
		vec  []float32
		want float64
	}{
		{"identical", unitVector(0), 1},
		{"orthogonal", unitVector(1), 0.5},
		{"opposite", opposite, 0},
	}

	for name, idx := range backends {
		if err := idx.Upsert(ctx, []index.VectorRecord{rec}); err != nil {
			t.Fatalf("%s Upsert: %v", name, err)
		}
		for _, q := range queries {
			results, err := idx.Search(ctx, q.vec, 1, index.Filter{})
			if err != nil {
				t.Fatalf("%s Search(%s): %v", name, q.name, err)
			}
			if len(results) != 1 {
				t.Fatalf("%s Search(%s) returned %d results", name, q.name, len(results))
			}
			if diff := results[0].Similarity - q.want; diff > 1e-4 || diff < -1e-4 {
				t.Errorf("%s similarity for %s vectors = %v, want %v",
					name, q.name, results[0].Similarity, q.want)
			}
		}
	}
}

func TestPostgresKeywordSearch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := testutil.SetupTestDB(t)
	idx := index.NewPostgres(db.Pool, testDim, testutil.DiscardLogger())
	ctx := context.Background()

	rec := testRecord("g:0000", "g", 0, time.Now().UTC())
	rec.Title = "Monte Carlo Iterations"
	if err := idx.Upsert(ctx, []index.VectorRecord{rec}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := idx.KeywordSearch(ctx, []string{"monte"}, 5, index.Filter{
		Roles: []knowledge.Role{knowledge.RoleAnalyst},
	})
	if err != nil {
		t.Fatalf("KeywordSearch: %v", err)
	}
	if len(results) != 1 || results[0].Record.ChunkID != "g:0000" {
		t.Errorf("results = %+v", results)
	}
	if results[0].Similarity != 0 {
		t.Errorf("keyword results carry similarity %v, want 0", results[0].Similarity)
	}

	none, err := idx.KeywordSearch(ctx, []string{"kubernetes"}, 5, index.Filter{
		Roles: []knowledge.Role{knowledge.RoleAnalyst},
	})
	if err != nil {
		t.Fatalf("KeywordSearch no match: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("unexpected matches: %+v", none)
	}
}

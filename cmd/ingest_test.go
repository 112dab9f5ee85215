package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/altiqa/helpchat/internal/knowledge"
)

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"getting-started.md": "# Welcome to Altiqa Studio\n\nFirst steps.",
		"faq.txt":            "Common questions.",
		"charts.html":        "<h1>Charts</h1><p>Plotting basics.</p>",
		"notes.pdf":          "binary, skipped",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	docs, err := loadDirectory(dir, knowledge.CategoryGettingStarted,
		[]knowledge.Role{knowledge.RoleViewer}, false)
	if err != nil {
		t.Fatalf("loadDirectory: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("loaded %d documents, want 3 (pdf skipped)", len(docs))
	}

	byID := make(map[string]knowledge.Document)
	for _, d := range docs {
		byID[d.ID] = d
	}

	md, ok := byID["getting-started"]
	if !ok {
		t.Fatal("missing getting-started document")
	}
	if md.Format != "markdown" {
		t.Errorf("format = %q", md.Format)
	}
	if md.Title != "Welcome to Altiqa Studio" {
		t.Errorf("title = %q, want heading text", md.Title)
	}

	if byID["faq"].Title != "faq" {
		t.Errorf("text file title = %q, want file name fallback", byID["faq"].Title)
	}
	if byID["charts"].Format != "html" {
		t.Errorf("charts format = %q", byID["charts"].Format)
	}
}

func TestDocumentTitle(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		format   string
		fallback string
		want     string
	}{
		{"first heading", "intro\n## Data Import Guide\ntext", "markdown", "f", "Data Import Guide"},
		{"no heading", "plain text only", "markdown", "import-guide", "import-guide"},
		{"non markdown ignores hashes", "# not a heading", "text", "notes", "notes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := documentTitle(tt.body, tt.format, tt.fallback); got != tt.want {
				t.Errorf("documentTitle = %q, want %q", got, tt.want)
			}
		})
	}
}

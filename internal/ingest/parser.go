package ingest

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ParseError indicates a document could not be parsed. It names the
// offending format so batch callers can report per-document failures while
// continuing with the rest.
type ParseError struct {
	DocumentID string
	Format     string
	Reason     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse document %q: unsupported or malformed %s: %s",
		e.DocumentID, e.Format, e.Reason)
}

// BlockKind distinguishes structural roles in parsed text.
type BlockKind int

const (
	BlockParagraph BlockKind = iota
	BlockHeading
)

// Block is one structural unit of a parsed document. Headings mark section
// boundaries the chunker prefers to break at.
type Block struct {
	Kind BlockKind
	Text string
}

// Parse extracts plain-text blocks with structural hints from a document
// body. Supported formats: "markdown", "text", "html".
func Parse(documentID, format, body string) ([]Block, error) {
	var (
		blocks []Block
		err    error
	)
	switch strings.ToLower(format) {
	case "markdown":
		blocks = parseMarkdown(body)
	case "text":
		blocks = parseText(body)
	case "html":
		blocks, err = parseHTML(body)
		if err != nil {
			return nil, &ParseError{DocumentID: documentID, Format: "html", Reason: err.Error()}
		}
	default:
		return nil, &ParseError{DocumentID: documentID, Format: format, Reason: "unknown format"}
	}

	if len(blocks) == 0 {
		return nil, &ParseError{DocumentID: documentID, Format: format, Reason: "no text content"}
	}
	return blocks, nil
}

// parseText splits plain text into paragraphs on blank lines.
func parseText(body string) []Block {
	var blocks []Block
	for _, para := range splitParagraphs(body) {
		blocks = append(blocks, Block{Kind: BlockParagraph, Text: para})
	}
	return blocks
}

// parseMarkdown treats # headings as section boundaries and strips the
// most common inline syntax. Full CommonMark fidelity is unnecessary: the
// output feeds an embedder, not a renderer.
func parseMarkdown(body string) []Block {
	var blocks []Block
	for _, para := range splitParagraphs(body) {
		lines := strings.Split(para, "\n")
		var plain []string
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "#") {
				heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
				if heading != "" {
					if len(plain) > 0 {
						blocks = append(blocks, Block{Kind: BlockParagraph, Text: stripInline(strings.Join(plain, "\n"))})
						plain = nil
					}
					blocks = append(blocks, Block{Kind: BlockHeading, Text: heading})
				}
				continue
			}
			plain = append(plain, line)
		}
		if text := stripInline(strings.Join(plain, "\n")); strings.TrimSpace(text) != "" {
			blocks = append(blocks, Block{Kind: BlockParagraph, Text: text})
		}
	}
	return blocks
}

// stripInline removes emphasis markers, inline code ticks, and link targets.
func stripInline(s string) string {
	s = strings.NewReplacer("**", "", "__", "", "`", "", "*", "", "_", " ").Replace(s)
	// [label](url) -> label
	for {
		open := strings.Index(s, "[")
		mid := strings.Index(s, "](")
		if open < 0 || mid < open {
			break
		}
		close := strings.Index(s[mid:], ")")
		if close < 0 {
			break
		}
		s = s[:open] + s[open+1:mid] + s[mid+close+1:]
	}
	return s
}

// parseHTML extracts headings and paragraph-like elements in document order.
func parseHTML(body string) ([]Block, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, err
	}

	var blocks []Block
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		kind := BlockParagraph
		if goquery.NodeName(sel)[0] == 'h' {
			kind = BlockHeading
		}
		blocks = append(blocks, Block{Kind: kind, Text: text})
	})

	// Markup-free fallback: some imported pages are a bare text body.
	if len(blocks) == 0 {
		if text := strings.TrimSpace(doc.Text()); text != "" {
			blocks = parseText(text)
		}
	}
	return blocks, nil
}

// splitParagraphs breaks text on blank lines, trimming each paragraph.
func splitParagraphs(body string) []string {
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	var paras []string
	for _, para := range strings.Split(normalized, "\n\n") {
		if para = strings.TrimSpace(para); para != "" {
			paras = append(paras, para)
		}
	}
	return paras
}

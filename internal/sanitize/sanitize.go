// Package sanitize flattens scraped source text into prompt-safe plain text.
// Upstream ingestion stores whatever the scraper captured, which is often a
// fragment of markup; the rewrite prompt should only ever see prose.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var spaceExpr = regexp.MustCompile(`[ \t]+`)
var blankExpr = regexp.MustCompile(`\n{3,}`)

// PlainText strips markup and collapses whitespace. Input without any tags
// passes through with only whitespace normalization.
func PlainText(raw string) string {
	text := raw
	if strings.ContainsAny(raw, "<>") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
		if err == nil {
			doc.Find("script, style, noscript").Remove()
			// Keep paragraph boundaries so the LLM sees sentence structure.
			doc.Find("p, br, div, li").Each(func(_ int, s *goquery.Selection) {
				s.AppendHtml("\n")
			})
			text = doc.Text()
		}
	}

	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = spaceExpr.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	text = strings.Join(lines, "\n")
	text = blankExpr.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// Package extract turns fetched HTML into main text, title, and outlinks.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"

	"github.com/skrapp/skrapp/internal/crawler"
)

// chromeSelectors are stripped before text extraction.
var chromeSelectors = []string{
	"script", "style", "noscript", "template", "iframe", "svg",
	"nav", "header", "footer", "aside", "form",
	"[role=navigation]", "[role=banner]", "[role=contentinfo]",
	".sidebar", ".breadcrumbs", ".toc", ".cookie-banner",
}

// mainSelectors are tried in order; the first non-empty match becomes the
// content root, falling back to <body>.
var mainSelectors = []string{
	"main", "article", "[role=main]", ".content", ".main-content", "#content",
}

// GoqueryExtractor is the primary extractor. It prunes page chrome, picks a
// main-content container, and flattens it to normalized text.
type GoqueryExtractor struct{}

// NewGoquery returns the primary extractor.
func NewGoquery() *GoqueryExtractor {
	return &GoqueryExtractor{}
}

// Extract implements crawler.Extractor.
func (e *GoqueryExtractor) Extract(html []byte, baseURL string) (crawler.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	lang, _ := doc.Find("html").Attr("lang")
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}

	outlinks := collectOutlinks(doc, baseURL)

	for _, sel := range chromeSelectors {
		doc.Find(sel).Remove()
	}
	root := doc.Find("body")
	for _, sel := range mainSelectors {
		if m := doc.Find(sel).First(); m.Length() > 0 && len(strings.TrimSpace(m.Text())) > 0 {
			root = m
			break
		}
	}

	return crawler.Extraction{
		Title:    title,
		Text:     NormalizeText(root.Text()),
		Outlinks: outlinks,
		Language: strings.ToLower(strings.TrimSpace(lang)),
		Mode:     "goquery",
	}, nil
}

func collectOutlinks(doc *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return
		}
		abs := ref.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// NormalizeText collapses whitespace runs, drops blank lines, and applies
// NFC so byte-different but canonically-equal text hashes identically.
func NormalizeText(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return norm.NFC.String(b.String())
}

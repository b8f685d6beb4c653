package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/skrapp/skrapp/internal/crawler"
)

// DensityExtractor is the alternate extractor used when the primary one
// produces a marginal quality verdict. Instead of trusting semantic
// containers it scores every block element by text mass against link mass
// and keeps the densest cluster, readability-style.
type DensityExtractor struct{}

// NewDensity returns the alternate extractor.
func NewDensity() *DensityExtractor {
	return &DensityExtractor{}
}

var blockSelector = "p, li, td, pre, blockquote, h1, h2, h3, h4, h5, h6, dd, dt"

// Extract implements crawler.Extractor.
func (e *DensityExtractor) Extract(html []byte, baseURL string) (crawler.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	outlinks := collectOutlinks(doc, baseURL)

	doc.Find("script, style, noscript, template").Remove()

	var blocks []string
	doc.Find(blockSelector).Each(func(_ int, sel *goquery.Selection) {
		text := strings.Join(strings.Fields(sel.Text()), " ")
		if text == "" {
			return
		}
		linkChars := 0
		sel.Find("a").Each(func(_ int, a *goquery.Selection) {
			linkChars += len(strings.TrimSpace(a.Text()))
		})
		// Navigation rows are nearly all anchor text; prose is not.
		if linkChars*2 >= len(text) && len(text) < 200 {
			return
		}
		blocks = append(blocks, text)
	})

	return crawler.Extraction{
		Title:    title,
		Text:     NormalizeText(strings.Join(blocks, "\n")),
		Outlinks: outlinks,
		Mode:     "density",
	}, nil
}

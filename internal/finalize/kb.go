package finalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nao1215/markdown"

	"github.com/skrapp/skrapp/internal/codec"
)

var slugCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// writeKB renders one Markdown file per exported page under kb/ plus a
// manifest.json index, and returns the manifest path.
func (f *Finalizer) writeKB(jobDir, jobID string, pages []codec.Page) (string, error) {
	kbDir := filepath.Join(jobDir, "kb")
	if err := os.RemoveAll(kbDir); err != nil {
		return "", fmt.Errorf("clear kb dir: %w", err)
	}
	if err := os.MkdirAll(kbDir, 0o750); err != nil {
		return "", fmt.Errorf("create kb dir: %w", err)
	}

	type manifestEntry struct {
		Filename    string `json:"filename"`
		SourceURL   string `json:"source_url"`
		Title       string `json:"title"`
		ContentHash string `json:"content_hash"`
		TextLength  int    `json:"text_length"`
	}
	entries := make([]manifestEntry, 0, len(pages))

	for _, page := range pages {
		name := kbSlug(page.Title, page.ContentHash) + ".md"
		path := filepath.Join(kbDir, name)
		if err := writeKBPage(path, page); err != nil {
			return "", err
		}
		entries = append(entries, manifestEntry{
			Filename:    name,
			SourceURL:   page.URL,
			Title:       page.Title,
			ContentHash: page.ContentHash,
			TextLength:  len(page.Text),
		})
	}

	manifest := map[string]any{
		"job_id":         jobID,
		"format_version": "1.0",
		"generated_at":   f.clock.Now().UTC().Format(time.RFC3339),
		"total_pages":    len(entries),
		"pages":          entries,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal kb manifest: %w", err)
	}
	manifestPath := filepath.Join(kbDir, "manifest.json")
	if err := os.WriteFile(manifestPath, append(data, '\n'), 0o640); err != nil {
		return "", fmt.Errorf("write kb manifest: %w", err)
	}
	return manifestPath, nil
}

func writeKBPage(path string, page codec.Page) error {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %q\n", page.Title)
	fmt.Fprintf(&b, "url: %q\n", page.URL)
	fmt.Fprintf(&b, "content_hash: %q\n", page.ContentHash)
	b.WriteString("---\n\n")

	md := markdown.NewMarkdown(&b)
	title := page.Title
	if title == "" {
		title = "Untitled"
	}
	md.H1(title)
	md.PlainText("")
	md.PlainText(page.Text)
	md.PlainText("")
	md.HorizontalRule()
	md.PlainTextf("*Source: [%s](%s)*", page.URL, page.URL)
	if err := md.Build(); err != nil {
		return fmt.Errorf("render kb page: %w", err)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o640); err != nil {
		return fmt.Errorf("write kb page %s: %w", path, err)
	}
	return nil
}

// kbSlug derives a stable filename from the page title and content hash.
func kbSlug(title, contentHash string) string {
	slug := slugCleaner.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 60 {
		slug = slug[:60]
	}
	suffix := contentHash
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	if suffix == "" {
		sum := sha256.Sum256([]byte(title))
		suffix = hex.EncodeToString(sum[:])[:12]
	}
	if slug == "" {
		return suffix
	}
	return slug + "-" + suffix
}

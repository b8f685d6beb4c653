package codec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONLRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pages.raw.jsonl")
	w, err := OpenJSONL(path)
	if err != nil {
		t.Fatal(err)
	}
	records := []RawPage{
		{URL: "https://a.test/", CanonicalURL: "https://a.test/", StatusCode: 200, ContentHash: "h1"},
		{URL: "https://a.test/b", CanonicalURL: "https://a.test/b", StatusCode: 200, ContentHash: "h2"},
	}
	for _, rec := range records {
		if err := w.Append(rec); err != nil {
			t.Fatal(err)
		}
	}
	if w.Lines() != 2 {
		t.Fatalf("lines = %d", w.Lines())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []RawPage
	if err := ReadRawPages(f, func(r RawPage) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ContentHash != "h1" || got[1].ContentHash != "h2" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestReadRawPagesSkipsTornLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "torn.jsonl")
	content := `{"url":"https://a.test/","content_hash":"h1"}` + "\n" +
		`{"url":"https://a.test/b","content_` + "\n" + // crash mid-write
		`{"url":"https://a.test/c","content_hash":"h3"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var hashes []string
	if err := ReadRawPages(f, func(r RawPage) error {
		hashes = append(hashes, r.ContentHash)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if strings.Join(hashes, ",") != "h1,h3" {
		t.Fatalf("hashes = %v", hashes)
	}
}

package extract

import (
	"strings"
	"testing"
)

const samplePage = `<!DOCTYPE html>
<html lang="en-US">
<head><title>Install Guide</title><style>body{}</style></head>
<body>
<nav><a href="/">Home</a><a href="/docs">Docs</a></nav>
<main>
  <h1>Installing the service</h1>
  <p>Download the release tarball and unpack it into /opt/service.
  The daemon reads its configuration from /etc/service/config.yaml
  and refuses to start when the file is missing.</p>
  <p>See the <a href="/docs/config">configuration reference</a> and
  <a href="https://other.example.org/ext">external notes</a>.</p>
</main>
<footer>All rights reserved</footer>
<script>analytics()</script>
</body></html>`

func TestGoqueryExtract(t *testing.T) {
	t.Parallel()

	ex, err := NewGoquery().Extract([]byte(samplePage), "https://docs.example.com/install")
	if err != nil {
		t.Fatal(err)
	}

	if ex.Title != "Install Guide" {
		t.Errorf("title = %q", ex.Title)
	}
	if ex.Language != "en" {
		t.Errorf("language = %q", ex.Language)
	}
	if !strings.Contains(ex.Text, "Download the release tarball") {
		t.Errorf("main text missing body prose: %q", ex.Text)
	}
	if strings.Contains(ex.Text, "All rights reserved") {
		t.Error("footer chrome leaked into text")
	}
	if strings.Contains(ex.Text, "analytics()") {
		t.Error("script leaked into text")
	}

	wantLinks := map[string]bool{
		"https://docs.example.com/":            false,
		"https://docs.example.com/docs":        false,
		"https://docs.example.com/docs/config": false,
		"https://other.example.org/ext":        false,
	}
	for _, l := range ex.Outlinks {
		if _, ok := wantLinks[l]; !ok {
			t.Errorf("unexpected outlink %q", l)
			continue
		}
		wantLinks[l] = true
	}
	for l, seen := range wantLinks {
		if !seen {
			t.Errorf("missing outlink %q", l)
		}
	}
}

func TestGoqueryExtractFallsBackToBody(t *testing.T) {
	t.Parallel()

	html := `<html><body><p>No semantic containers at all, just a paragraph
	long enough to count as content for this page.</p></body></html>`
	ex, err := NewGoquery().Extract([]byte(html), "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ex.Text, "No semantic containers") {
		t.Errorf("body fallback failed: %q", ex.Text)
	}
}

func TestDensityExtractDropsNavRows(t *testing.T) {
	t.Parallel()

	html := `<html><body>
	<ul><li><a href="/a">A</a></li><li><a href="/b">B</a></li></ul>
	<p>Actual article prose that carries the meaning of the page and has
	barely any links in it, which the density score should keep.</p>
	</body></html>`
	ex, err := NewDensity().Extract([]byte(html), "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ex.Text, "Actual article prose") {
		t.Errorf("prose dropped: %q", ex.Text)
	}
	if strings.Contains(ex.Text, "A\nB") {
		t.Errorf("nav rows kept: %q", ex.Text)
	}
	if ex.Mode != "density" {
		t.Errorf("mode = %q", ex.Mode)
	}
}

func TestNormalizeTextStable(t *testing.T) {
	t.Parallel()

	a := NormalizeText("  hello   world \n\n\n second  line ")
	b := NormalizeText(a)
	if a != b {
		t.Fatalf("not idempotent: %q vs %q", a, b)
	}
	if a != "hello world\nsecond line" {
		t.Fatalf("unexpected normalization: %q", a)
	}
}

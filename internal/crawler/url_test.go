package crawler

import "testing"

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTP://Docs.Example.COM/Guide", "http://docs.example.com/Guide"},
		{"strips fragment", "https://example.com/page#section-2", "https://example.com/page"},
		{"strips query", "https://example.com/search?q=go&page=2", "https://example.com/search"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"keeps non-default port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"collapses duplicate slashes", "https://example.com//docs///intro", "https://example.com/docs/intro"},
		{"trims trailing slash", "https://example.com/docs/", "https://example.com/docs"},
		{"keeps root slash", "https://example.com/", "https://example.com/"},
		{"adds root slash", "https://example.com", "https://example.com/"},
		{"folds index.html", "https://example.com/docs/index.html", "https://example.com/docs"},
		{"folds root index.htm", "https://example.com/index.htm", "https://example.com/"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Canonicalize(tc.in)
			if err != nil {
				t.Fatalf("Canonicalize(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("Canonicalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

// TestCanonicalizeIdempotent checks canon(canon(u)) == canon(u).
func TestCanonicalizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"HTTPS://Example.COM:443//a//b/index.html?x=1#frag",
		"http://example.com",
		"https://example.com/docs/guide/",
		"https://sub.example.com/a%20b/c",
	}
	for _, in := range inputs {
		once, err := Canonicalize(in)
		if err != nil {
			t.Fatalf("first pass %q: %v", in, err)
		}
		twice, err := Canonicalize(once)
		if err != nil {
			t.Fatalf("second pass %q: %v", once, err)
		}
		if once != twice {
			t.Fatalf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestScopeAdmit(t *testing.T) {
	t.Parallel()

	scope := Scope{
		AllowedHost:        "docs.example.com",
		IgnorePathPrefixes: []string{"/internal", "/archive/"},
		DepthLimit:         20,
	}

	cases := []struct {
		name   string
		url    string
		depth  int
		want   bool
		reason string
	}{
		{"in scope", "https://docs.example.com/guide", 3, true, ""},
		{"wrong scheme", "ftp://docs.example.com/guide", 0, false, "scheme"},
		{"sub-host rejected", "https://api.docs.example.com/guide", 0, false, "host"},
		{"other host rejected", "https://example.com/guide", 0, false, "host"},
		{"ignored prefix", "https://docs.example.com/internal/secrets", 0, false, "ignored_prefix"},
		{"excluded extension", "https://docs.example.com/logo.png", 0, false, "extension"},
		{"excluded archive", "https://docs.example.com/release.zip", 0, false, "extension"},
		{"dot in directory is fine", "https://docs.example.com/v1.2/guide", 0, true, ""},
		{"too deep", "https://docs.example.com/guide", 21, false, "depth"},
		{"at depth limit", "https://docs.example.com/guide", 20, true, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ok, reason := scope.Admit(tc.url, tc.depth)
			if ok != tc.want || reason != tc.reason {
				t.Fatalf("Admit(%q, %d) = (%v, %q), want (%v, %q)",
					tc.url, tc.depth, ok, reason, tc.want, tc.reason)
			}
		})
	}
}

func TestIsJSHeavyHost(t *testing.T) {
	t.Parallel()

	if !IsJSHeavyHost("acme.zendesk.com") {
		t.Error("expected zendesk subdomain to be JS-heavy")
	}
	if !IsJSHeavyHost("docs.gitbook.io") {
		t.Error("expected gitbook subdomain to be JS-heavy")
	}
	if !IsJSHeavyHost("gitbook.io") {
		t.Error("expected bare gitbook.io to be JS-heavy")
	}
	if IsJSHeavyHost("docs.example.com") {
		t.Error("unexpected match for plain docs host")
	}
	if IsJSHeavyHost("notzendesk.com") {
		t.Error("suffix must respect label boundary")
	}
}

package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const robotsBody = `User-agent: *
Disallow: /private/
Disallow: /tmp

User-agent: SkrappBot
Disallow: /internal/
`

func robotsServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRobotsEnforcerHonorsDisallow(t *testing.T) {
	t.Parallel()

	hits := 0
	srv := robotsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			t.Errorf("unexpected fetch of %s", r.URL.Path)
		}
		hits++
		_, _ = w.Write([]byte(robotsBody))
	})

	policy := NewRobotsEnforcer(true, "SkrappBot/1.0", nil)
	ctx := context.Background()

	if !policy.Allowed(ctx, srv.URL+"/docs/guide") {
		t.Error("public path should be allowed")
	}
	if policy.Allowed(ctx, srv.URL+"/internal/secrets") {
		t.Error("bot-specific disallow should apply")
	}
	if !policy.Allowed(ctx, srv.URL) {
		t.Error("root should be allowed")
	}
	if hits != 1 {
		t.Errorf("robots.txt fetched %d times, want cached single fetch", hits)
	}
}

func TestRobotsEnforcerFailsOpen(t *testing.T) {
	t.Parallel()

	// 500 from robots.txt must not block the crawl.
	srv := robotsServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	policy := NewRobotsEnforcer(true, "SkrappBot/1.0", nil)
	if !policy.Allowed(context.Background(), srv.URL+"/docs") {
		t.Error("server errors on robots.txt should fail open")
	}

	// Unreachable host likewise.
	if !policy.Allowed(context.Background(), "http://127.0.0.1:1/docs") {
		t.Error("unreachable robots.txt should fail open")
	}
}

func TestRobotsEnforcerMissingFileAllowsAll(t *testing.T) {
	t.Parallel()

	srv := robotsServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	policy := NewRobotsEnforcer(true, "SkrappBot/1.0", nil)
	if !policy.Allowed(context.Background(), srv.URL+"/anything") {
		t.Error("404 robots.txt means everything is allowed")
	}
}

func TestRobotsDisabledAllowsEverything(t *testing.T) {
	t.Parallel()

	policy := NewRobotsEnforcer(false, "SkrappBot/1.0", nil)
	if !policy.Allowed(context.Background(), "http://unreachable.invalid/private/x") {
		t.Error("disabled enforcement must allow all URLs")
	}
}

package crawler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const robotsMaxBody = 1 << 20

// RobotsEnforcer answers Allowed from each host's robots.txt, fetched once
// and cached for the life of the enforcer. Fetch failures fail open: a site
// that cannot serve robots.txt does not block its own crawl.
type RobotsEnforcer struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
	cache     sync.Map
}

// NewRobotsEnforcer builds a RobotsPolicy honoring the respect toggle.
func NewRobotsEnforcer(respect bool, userAgent string, logger *zap.Logger) RobotsPolicy {
	if !respect {
		return allowAllRobots{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsEnforcer{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Allowed reports whether the crawler may fetch rawURL.
func (r *RobotsEnforcer) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data := r.groupsFor(ctx, parsed)
	if data == nil {
		return true
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

// groupsFor returns the parsed robots.txt for the URL's host, fetching and
// caching it on first use. Nil means no usable robots data.
func (r *RobotsEnforcer) groupsFor(ctx context.Context, parsed *url.URL) *robotstxt.RobotsData {
	hostKey := strings.ToLower(parsed.Host)
	if cached, ok := r.cache.Load(hostKey); ok {
		data, _ := cached.(*robotstxt.RobotsData)
		return data
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("robots fetch failed, allowing host",
			zap.String("host", parsed.Host), zap.Error(err))
		// Cache the failure so every URL on the host does not retry.
		r.cache.Store(hostKey, (*robotstxt.RobotsData)(nil))
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBody))
	if err != nil {
		r.logger.Warn("robots read failed, allowing host",
			zap.String("host", parsed.Host), zap.Error(err))
		r.cache.Store(hostKey, (*robotstxt.RobotsData)(nil))
		return nil
	}
	// Only a served robots.txt constrains the crawl; a missing or erroring
	// one fails open rather than walling off the host.
	var data *robotstxt.RobotsData
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		data, err = robotstxt.FromBytes(body)
		if err != nil {
			r.logger.Warn("robots parse failed, allowing host",
				zap.String("host", parsed.Host), zap.Error(err))
			data = nil
		}
	}
	r.cache.Store(hostKey, data)
	return data
}

type allowAllRobots struct{}

func (allowAllRobots) Allowed(context.Context, string) bool { return true }

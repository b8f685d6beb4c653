// Package headless contains the browser-driven fetch backend.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/skrapp/skrapp/internal/crawler"
)

// Config controls the headless fetcher.
type Config struct {
	MaxParallel int
	UserAgent   string
	// NavTimeout bounds one render including the post-load settle.
	NavTimeout time.Duration
	// SettleWait is the pause after load before the DOM snapshot, giving
	// client-side routers time to paint.
	SettleWait time.Duration
}

// Fetcher implements crawler.Fetcher with chromedp. One exec allocator is
// shared across fetches; a slot limiter bounds concurrent tabs.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless fetcher backed by chromedp.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 60 * time.Second
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 2 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     make(chan struct{}, cfg.MaxParallel),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close tears down the browser allocator.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders the page in a fresh tab and returns the settled DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	select {
	case f.limiter <- struct{}{}:
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("render slot wait: %w", ctx.Err())
	}
	defer func() { <-f.limiter }()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.NavTimeout
	}
	taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	var (
		html     string
		location string
	)
	actions := []chromedp.Action{
		f.setupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleWait),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	status, headers, finalURL := meta.snapshot(request.URL, location)
	return crawler.FetchResponse{
		StatusCode:  status,
		FinalURL:    finalURL,
		Headers:     headers,
		Body:        []byte(html),
		ContentType: headers.Get("Content-Type"),
		Elapsed:     time.Since(start),
		UsedJS:      true,
	}, nil
}

func (f *Fetcher) setupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// responseMeta captures the main-document response from CDP network events.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot(requestURL, location string) (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.url
	switch {
	case url != "":
	case location != "":
		url = location
	default:
		url = requestURL
	}
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(http.Header, len(m.headers))
	for k, values := range m.headers {
		for _, v := range values {
			headers.Add(k, v)
		}
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 1 {
			headers[key] = values[0]
		} else if len(values) > 1 {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}

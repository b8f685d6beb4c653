package engine

import (
	"testing"

	"github.com/skrapp/skrapp/internal/crawler"
)

func TestBlockWatchNormalByDefault(t *testing.T) {
	t.Parallel()

	w := newBlockWatch()
	for i := 0; i < 20; i++ {
		w.observe(200, []byte("<html>fine</html>"), "https://a.test/p", true, false, 500)
	}
	if got := w.snapshot().siteStatus(); got != crawler.SiteNormal {
		t.Fatalf("status = %s", got)
	}
}

func TestBlockWatchThrottledAndBlockedThresholds(t *testing.T) {
	t.Parallel()

	w := newBlockWatch()
	for i := 0; i < 4; i++ {
		w.observe(429, nil, "https://a.test/p", false, false, 0)
	}
	if got := w.snapshot().siteStatus(); got != crawler.SiteThrottled {
		t.Fatalf("after 4x429 status = %s, want throttled", got)
	}
	for i := 0; i < 7; i++ {
		w.observe(403, nil, "https://a.test/p", false, false, 0)
	}
	if got := w.snapshot().siteStatus(); got != crawler.SiteBlocked {
		t.Fatalf("after 11 blocking statuses = %s, want blocked", got)
	}
}

func TestBlockWatchCaptchaDetection(t *testing.T) {
	t.Parallel()

	w := newBlockWatch()
	body := []byte(`<html><div class="g-recaptcha"></div></html>`)
	for i := 0; i < 3; i++ {
		w.observe(200, body, "https://a.test/p", false, false, 0)
	}
	if got := w.snapshot().siteStatus(); got != crawler.SiteBlocked {
		t.Fatalf("status = %s, want blocked on captcha", got)
	}
}

func TestBlockWatchLoginRedirects(t *testing.T) {
	t.Parallel()

	w := newBlockWatch()
	for i := 0; i < 6; i++ {
		w.observe(200, nil, "https://a.test/login?next=/docs", false, false, 0)
	}
	if got := w.snapshot().siteStatus(); got != crawler.SiteLoginWalled {
		t.Fatalf("status = %s, want login_required", got)
	}
}

func TestBlockWatchWindowSlides(t *testing.T) {
	t.Parallel()

	w := newBlockWatch()
	for i := 0; i < 11; i++ {
		w.observe(429, nil, "https://a.test/p", false, false, 0)
	}
	if got := w.snapshot().siteStatus(); got != crawler.SiteBlocked {
		t.Fatalf("status = %s, want blocked", got)
	}
	// A full window of clean responses pushes the bad ones out.
	for i := 0; i < blockWindow; i++ {
		w.observe(200, nil, "https://a.test/p", true, false, 400)
	}
	if got := w.snapshot().siteStatus(); got != crawler.SiteNormal {
		t.Fatalf("status = %s, want normal after recovery", got)
	}
}

func TestBlockWatchDupRatio(t *testing.T) {
	t.Parallel()

	w := newBlockWatch()
	for i := 0; i < 4; i++ {
		w.observe(200, nil, "https://a.test/p", true, i > 0, 400)
	}
	snap := w.snapshot()
	if snap.DupRatio != 0.75 {
		t.Fatalf("dup ratio = %v", snap.DupRatio)
	}
}

func TestRetryBackoffCaps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		retry int
		want  string
	}{
		{0, "1s"}, {1, "2s"}, {2, "4s"}, {5, "32s"}, {6, "1m0s"}, {20, "1m0s"},
	}
	for _, tc := range cases {
		if got := retryBackoff(tc.retry).String(); got != tc.want {
			t.Errorf("retryBackoff(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}
}

func TestRetryableStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []int{429, 500, 502, 503, 504} {
		if !retryableStatus(s) {
			t.Errorf("status %d should be retryable", s)
		}
	}
	for _, s := range []int{200, 301, 400, 403, 404, 410} {
		if retryableStatus(s) {
			t.Errorf("status %d should not be retryable", s)
		}
	}
}

package engine

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/skrapp/skrapp/internal/crawler"
)

const blockWindow = 50

// captchaMarkers are body substrings that identify CAPTCHA/WAF interstitials.
var captchaMarkers = [][]byte{
	[]byte("cf-challenge"),
	[]byte("cf-browser-verification"),
	[]byte("g-recaptcha"),
	[]byte("h-captcha"),
	[]byte("are you human"),
	[]byte("unusual traffic"),
	[]byte("attention required"),
	[]byte("access denied"),
	[]byte("request blocked"),
}

// fetchSample is one completed fetch in the rolling window.
type fetchSample struct {
	status        int
	captcha       bool
	loginRedirect bool
	passed        bool
	duplicate     bool
	textLen       int
}

// blockWatch keeps a rolling window over the last completed fetches and
// derives the job's site status from it.
type blockWatch struct {
	mu      sync.Mutex
	samples []fetchSample
	next    int
	total   int
}

func newBlockWatch() *blockWatch {
	return &blockWatch{samples: make([]fetchSample, 0, blockWindow)}
}

// observe records one completed fetch.
func (w *blockWatch) observe(status int, body []byte, finalURL string, passed, duplicate bool, textLen int) {
	s := fetchSample{
		status:        status,
		captcha:       hasCaptchaMarker(body),
		loginRedirect: isLoginRedirect(finalURL),
		passed:        passed,
		duplicate:     duplicate,
		textLen:       textLen,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) < blockWindow {
		w.samples = append(w.samples, s)
	} else {
		w.samples[w.next] = s
		w.next = (w.next + 1) % blockWindow
	}
	w.total++
}

// snapshot aggregates the current window.
type blockSnapshot struct {
	Total          int     `json:"total"`
	Blocked429403  int     `json:"block_429_403"`
	Captcha        int     `json:"captcha"`
	LoginRedirects int     `json:"login_redirects"`
	Passed         int     `json:"passed"`
	Duplicates     int     `json:"duplicates"`
	DupRatio       float64 `json:"dup_ratio"`
	MeanTextLen    float64 `json:"mean_text_len"`
}

func (w *blockWatch) snapshot() blockSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	var snap blockSnapshot
	snap.Total = w.total
	textSum := 0
	for _, s := range w.samples {
		if s.status == 429 || s.status == 403 {
			snap.Blocked429403++
		}
		if s.captcha {
			snap.Captcha++
		}
		if s.loginRedirect {
			snap.LoginRedirects++
		}
		if s.passed {
			snap.Passed++
			if s.duplicate {
				snap.Duplicates++
			}
		}
		textSum += s.textLen
	}
	if n := len(w.samples); n > 0 {
		snap.MeanTextLen = float64(textSum) / float64(n)
	}
	if snap.Passed > 0 {
		snap.DupRatio = float64(snap.Duplicates) / float64(snap.Passed)
	}
	return snap
}

// siteStatus derives the blocking verdict from the window.
func (s blockSnapshot) siteStatus() crawler.SiteStatus {
	switch {
	case s.Blocked429403 > 10 || s.Captcha > 2:
		return crawler.SiteBlocked
	case s.LoginRedirects > 5:
		return crawler.SiteLoginWalled
	case s.Blocked429403 > 3:
		return crawler.SiteThrottled
	default:
		return crawler.SiteNormal
	}
}

// evidence serializes the snapshot for the job's block_evidence column.
func (s blockSnapshot) evidence() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}

func hasCaptchaMarker(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, marker := range captchaMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isLoginRedirect(finalURL string) bool {
	path := strings.ToLower(crawler.URLPath(finalURL))
	return strings.Contains(path, "/login") || strings.Contains(path, "/signin")
}

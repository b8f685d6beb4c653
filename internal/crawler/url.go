package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var multiSlash = regexp.MustCompile(`/{2,}`)

// Canonicalize normalizes a URL into the frontier dedup key. It lowercases
// scheme and host, strips the fragment, default port and query string,
// collapses duplicate slashes, folds /index.html down to the directory, and
// trims the trailing slash except at the root. Canonicalize is idempotent.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	u.Fragment = ""
	u.RawQuery = ""
	u.User = nil

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	path = multiSlash.ReplaceAllString(path, "/")
	if strings.HasSuffix(path, "/index.html") {
		path = strings.TrimSuffix(path, "index.html")
	} else if strings.HasSuffix(path, "/index.htm") {
		path = strings.TrimSuffix(path, "index.htm")
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		path = "/"
	}
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("unescape path: %w", err)
	}
	u.Path = unescaped
	u.RawPath = path

	return u.String(), nil
}

// Hostname extracts the lowercased host of a URL, without port.
func Hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// URLPath returns the path component of raw, defaulting to "/".
func URLPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// ExcludedExtensions lists file extensions never admitted to the frontier.
var ExcludedExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".ico": {},
	".webp": {}, ".bmp": {},
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".rar": {}, ".7z": {},
	".css": {}, ".js": {}, ".json": {}, ".xml": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {}, ".webm": {},
	".exe": {}, ".dmg": {}, ".pkg": {}, ".deb": {}, ".rpm": {},
}

// Scope decides which discovered URLs a job may crawl.
type Scope struct {
	AllowedHost        string
	IgnorePathPrefixes []string
	DepthLimit         int
}

// Admit reports whether canonical is crawlable at the given depth. The
// reason names the failed rule for event logging.
func (s Scope) Admit(canonical string, depth int) (bool, string) {
	u, err := url.Parse(canonical)
	if err != nil {
		return false, "unparseable"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false, "scheme"
	}
	if !strings.EqualFold(u.Hostname(), s.AllowedHost) {
		return false, "host"
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, prefix := range s.IgnorePathPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return false, "ignored_prefix"
		}
	}
	lower := strings.ToLower(path)
	if idx := strings.LastIndex(lower, "."); idx > strings.LastIndex(lower, "/") {
		if _, excluded := ExcludedExtensions[lower[idx:]]; excluded {
			return false, "extension"
		}
	}
	if s.DepthLimit > 0 && depth > s.DepthLimit {
		return false, "depth"
	}
	return true, ""
}

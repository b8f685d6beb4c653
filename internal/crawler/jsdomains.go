package crawler

import "strings"

// jsHeavyPatterns lists hosts that ship empty HTML shells and only render
// content client-side. Jobs seeded on these hosts start on the JS fetcher
// instead of discovering the problem ten fetches in.
var jsHeavyPatterns = []string{
	// Help desk / support platforms
	"*.zendesk.com",
	"*.freshdesk.com",
	"*.intercom.help",
	"*.helpscoutdocs.com",
	"*.helpjuice.com",
	"*.document360.io",

	// Documentation platforms
	"*.gitbook.io",
	"*.readme.io",
	"*.notion.site",
	"*.slite.com",
	"*.archbee.io",
	"*.mintlify.app",
	"*.docusaurus.io",

	// SPA hosting
	"*.vercel.app",
	"*.netlify.app",
	"*.pages.dev",
}

// IsJSHeavyHost reports whether host matches a known JS-heavy pattern.
// "*.example.com" matches both example.com and any subdomain of it.
func IsJSHeavyHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	for _, pattern := range jsHeavyPatterns {
		if matchHostPattern(host, pattern) {
			return true
		}
	}
	return false
}

func matchHostPattern(host, pattern string) bool {
	if base, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == base || strings.HasSuffix(host, "."+base)
	}
	return host == pattern
}

package extract

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	slugStripPattern    = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
	slugCollapsePattern = regexp.MustCompile(`[-\s]+`)
)

// Domain returns the bare host of a URL, lowercased, without a leading www.
func Domain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Host)
	return strings.TrimPrefix(host, "www.")
}

// Slugify converts text to a URL-safe slug: lowercase, punctuation removed,
// whitespace and hyphen runs collapsed to single hyphens.
func Slugify(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = slugStripPattern.ReplaceAllString(text, "")
	text = slugCollapsePattern.ReplaceAllString(text, "-")
	return strings.Trim(text, "-")
}

// CompanyID derives the deterministic profile identifier from the extracted
// name and the snapshot domain.
func CompanyID(name, domain string) string {
	return Slugify(name) + "-" + Slugify(domain)
}

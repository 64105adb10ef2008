package pipeline

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query keys stripped during canonicalization, matched
// case-insensitively.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"ref":          {},
	"source":       {},
	"mc_cid":       {},
	"mc_eid":       {},
}

// CanonicalizeURL normalizes a URL into its deterministic canonical form:
// lower-cased scheme and host, tracking parameters removed, remaining
// parameters sorted by key keeping the first non-empty value, trailing
// slashes collapsed (except the root path), fragment dropped.
//
// The function is pure and idempotent; canonical URLs are the identity used
// for dedup and content addressing.
func CanonicalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if p := u.Path; len(p) > 1 && strings.HasSuffix(p, "/") {
		u.Path = strings.TrimRight(p, "/")
		u.RawPath = ""
	}

	u.RawQuery = canonicalQuery(u.Query())
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}

func canonicalQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if _, tracked := trackingParams[strings.ToLower(key)]; tracked {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		first := ""
		for _, v := range values[key] {
			if v != "" {
				first = v
				break
			}
		}
		if first == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(first))
	}
	return b.String()
}

package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	linkPattern    = regexp.MustCompile(`^(https?://)?(www\.)?([a-zA-Z0-9-]+\.)+[a-zA-Z]{2,}(/[^\s]*)?$`)
	sitemapPattern = regexp.MustCompile(`(?i)/(sitemap(_index)?|\d+)\.xml(\.gz)?$`)
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters and drops the fragment. Scheme-less input is treated as https.
func NormalizeURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL != "" && !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse url %q: %w", rawURL, ErrInvalidLink)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	return u.String(), nil
}

// IsValidLink reports whether s looks like a crawlable web address.
func IsValidLink(s string) bool {
	return linkPattern.MatchString(strings.TrimSpace(s))
}

// ParseLinkList splits a newline- or comma-separated list, trims each entry
// and normalizes the valid ones. Blank entries are skipped; invalid entries
// are returned separately.
func ParseLinkList(raw string) (valid []string, invalid []string) {
	seen := make(map[string]struct{})
	entries := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})
	for _, line := range entries {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !IsValidLink(line) {
			invalid = append(invalid, line)
			continue
		}
		normalized, err := NormalizeURL(line)
		if err != nil {
			invalid = append(invalid, line)
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		valid = append(valid, normalized)
	}
	return valid, invalid
}

// IsSitemap reports whether the URL path names a sitemap document.
func IsSitemap(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return sitemapPattern.MatchString(u.Path)
}

// Host returns the lowercased host (with port) of rawURL, or "" if it cannot be parsed.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

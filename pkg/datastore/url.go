package datastore

import (
	"net/url"
	"strings"
)

// normalizeURL trims whitespace, strips a trailing ".git" and trailing
// slash, and lowercases the host, so "https://GitHub.com/foo/bar.git/"
// and "https://github.com/foo/bar" dedupe to the same indexer key.
func normalizeURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.Path = strings.TrimSuffix(u.Path, ".git")
	if u.Path == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host + u.Path, true
}

// locatorFromURL extracts the "owner/repo"-shaped tail of a normalized
// URL's path, used as the human-friendly name for update-project lookups.
func locatorFromURL(normalized string) string {
	i := strings.Index(normalized, "://")
	if i < 0 {
		return normalized
	}
	rest := normalized[i+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return rest
	}
	return strings.TrimPrefix(rest[slash+1:], "/")
}

// looksLikeURL reports whether input is a repository URL rather than a
// path to a CSV file on disk.
func looksLikeURL(input string) bool {
	return strings.Contains(input, "://")
}

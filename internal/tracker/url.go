package tracker

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateURL checks that raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// NormalizeURL applies the domain query-string policy. When params are dropped
// the result is origin+path. When kept, the URL's own query wins and the
// stored params fill in when the URL has none.
func NormalizeURL(raw string, includeParams bool, params string) (string, error) {
	u, err := ValidateURL(raw)
	if err != nil {
		return "", err
	}
	base := u.Scheme + "://" + strings.ToLower(u.Host) + u.EscapedPath()
	if !includeParams {
		return base, nil
	}
	query := u.RawQuery
	if query == "" {
		query = strings.TrimPrefix(strings.TrimSpace(params), "?")
	}
	if query == "" {
		return base, nil
	}
	return base + "?" + query, nil
}

// IdentityKey is the aggregator key for a link: its normalized URL, or the
// trimmed raw URL when it does not parse so that the failure is still counted.
func IdentityKey(link Link) string {
	key, err := NormalizeURL(link.URL, link.IncludeParams(), link.Params)
	if err == nil {
		return key
	}
	if raw := strings.TrimSpace(link.URL); raw != "" {
		return raw
	}
	return fmt.Sprintf("link-%d", link.ID)
}

// Hostname returns the lowercase host of raw, or "" when it does not parse.
func Hostname(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

package workflow

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// CanonicalURL strips the query and fragment from a listing URL and trims
// trailing slashes, so the same listing always produces the same task
// parameters regardless of tracking noise.
func CanonicalURL(raw string) (string, error) {
	parts, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if parts.Scheme == "" || parts.Host == "" {
		return "", fmt.Errorf("url missing scheme or host: %s", raw)
	}
	clean := url.URL{Scheme: parts.Scheme, Host: parts.Host, Path: parts.Path}
	return strings.TrimRight(clean.String(), "/"), nil
}

// URLHash returns the stable hex digest used to key results for a canonical
// URL.
func URLHash(canonical string) string {
	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

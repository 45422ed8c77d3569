package crawler

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// MaxURLLength is the widest canonical URL the page table can hold, in characters.
const MaxURLLength = 3000

var indexFiles = []string{"index.html", "index.htm", "default.asp", "default.aspx"}

var onclickTarget = regexp.MustCompile(`(?i)(?:location(?:\.href)?|window\.open\()\s*=?\s*['"]([^'"]+)['"]`)

// CanonicalizeURL resolves raw against base and reduces it to the canonical form
// used as the unique page key. The second return is false when raw is not a
// crawlable http(s) URL or is longer than MaxURLLength once canonical.
func CanonicalizeURL(base, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(strings.ToLower(raw), "javascript:") {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	resolved := ref
	if base = strings.TrimSpace(base); base != "" {
		baseURL, err := url.Parse(base)
		if err != nil {
			return "", false
		}
		resolved = baseURL.ResolveReference(ref)
	}

	s := strings.ToLower(resolved.String())
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	s = stripSuffixes(s)

	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	if utf8.RuneCountInString(s) > MaxURLLength {
		return "", false
	}
	return s, true
}

// stripSuffixes removes trailing slashes and index filenames until neither applies,
// so a canonical URL canonicalizes to itself.
func stripSuffixes(s string) string {
	for {
		prev := s
		s = strings.TrimSuffix(s, "/")
		if i := strings.LastIndexByte(s, '/'); i >= 0 && i > strings.Index(s, "://")+2 {
			last := s[i+1:]
			for _, name := range indexFiles {
				if last == name {
					s = s[:i]
					break
				}
			}
		}
		if s == prev {
			return s
		}
	}
}

// Canonicalize canonicalizes every raw href against base and returns the sorted set
// of distinct results. Unusable hrefs are dropped.
func Canonicalize(base string, raws ...string) []string {
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		if c, ok := CanonicalizeURL(base, raw); ok {
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Domain returns the lowercase host (with port, if any) of rawURL, or "" if it has none.
func Domain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// ExtractOnclickURL returns the navigation target of an onclick handler such as
// "location.href='/x'" or "window.open('/x')".
func ExtractOnclickURL(js string) (string, bool) {
	m := onclickTarget.FindStringSubmatch(js)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

package strategy

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// Pattern declares cache behavior for a family of URLs. Path segments of
// the form [param] match any single non-slash segment.
//
// Patterns are evaluated in declaration order; the first match wins.
type Pattern struct {
	// Path is the literal or parameterized URL path (e.g. "/api/diaries/[date]").
	Path string

	// TTL is how long matching responses stay fresh. Must be > 0.
	TTL time.Duration

	// Methods is the set of HTTP methods that may be cached under this pattern.
	Methods []string

	// Invalidates lists path patterns whose mutation invalidates entries
	// cached under this pattern.
	Invalidates []string
}

// AllowsMethod reports whether the pattern permits caching the given method.
func (p Pattern) AllowsMethod(method string) bool {
	for _, m := range p.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// MatchPattern finds the first pattern matching the URL path.
func MatchPattern(patterns []Pattern, path string) (Pattern, bool) {
	for _, p := range patterns {
		if pathMatches(p.Path, path) {
			return p, true
		}
	}
	return Pattern{}, false
}

// pathMatches compares a pattern path against a concrete path segment by
// segment. A [param] segment matches exactly one non-empty segment.
func pathMatches(pattern, path string) bool {
	ps := splitPath(pattern)
	cs := splitPath(path)
	if len(ps) != len(cs) {
		return false
	}
	for i, seg := range ps {
		if strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]") {
			if cs[i] == "" {
				return false
			}
			continue
		}
		if seg != cs[i] {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// NormalizeURL reduces a URL to its path plus sorted query string so that
// equivalent requests share a cache key. Scheme and host are dropped;
// entries belong to one origin by construction.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	q := u.Query()
	if len(q) == 0 {
		return path
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(path)
	sb.WriteByte('?')
	for i, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for j, v := range vals {
			if i > 0 || j > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	return sb.String()
}

// EntryKey builds the cache key for a normalized URL and method.
// Format mirrors an HTTP request line: "GET /api/diaries?month=2024-01".
func EntryKey(normalizedURL, method string) string {
	return strings.ToUpper(method) + " " + normalizedURL
}

// pathOf strips any query from a normalized URL.
func pathOf(normalized string) string {
	if i := strings.IndexByte(normalized, '?'); i >= 0 {
		return normalized[:i]
	}
	return normalized
}

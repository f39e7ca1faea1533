package router

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Kind classifies an inbound request for dispatch.
type Kind int

const (
	// KindNavigation is a page load: network-first with offline fallback.
	KindNavigation Kind = iota

	// KindAPIGet is a read-only API call: cache-first with background refresh.
	KindAPIGet

	// KindAPIMutation is a mutating API call: network-only, queued on failure.
	KindAPIMutation

	// KindAudio is an audio asset: cache-first against the audio cache.
	KindAudio

	// KindStatic is any other asset: delegated to platform caching.
	KindStatic
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindNavigation:
		return "navigation"
	case KindAPIGet:
		return "api-get"
	case KindAPIMutation:
		return "api-mutating"
	case KindAudio:
		return "audio"
	default:
		return "static"
	}
}

var audioExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".webm": true,
	".ogg":  true,
	".m4a":  true,
	".aac":  true,
}

var staticExtensions = map[string]bool{
	".js":    true,
	".css":   true,
	".png":   true,
	".jpg":   true,
	".jpeg":  true,
	".svg":   true,
	".gif":   true,
	".ico":   true,
	".woff":  true,
	".woff2": true,
	".json":  true,
	".map":   true,
}

// Classify determines how a request is dispatched.
func Classify(method, rawURL string) Kind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindStatic
	}
	p := u.Path
	ext := strings.ToLower(path.Ext(p))

	if audioExtensions[ext] || strings.HasPrefix(p, "/audio/") {
		return KindAudio
	}

	if strings.HasPrefix(p, "/api/") {
		if method == http.MethodGet || method == http.MethodHead {
			return KindAPIGet
		}
		return KindAPIMutation
	}

	if staticExtensions[ext] {
		return KindStatic
	}

	if method == http.MethodGet {
		return KindNavigation
	}
	return KindStatic
}

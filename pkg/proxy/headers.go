package proxy

import "net/http"

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = map[string]bool{
	"Host":                true,
	"Content-Length":      true,
	"Transfer-Encoding":   true,
	"Content-Encoding":    true,
	"Connection":          true,
	"Upgrade":             true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
}

// clientScrubHeaders are dropped from inbound requests so client-supplied
// credentials and identifiers never leak upstream.
var clientScrubHeaders = map[string]bool{
	"Authorization": true,
	"X-Api-Key":     true,
	"X-Request-Id":  true,
}

// FilterRequestHeaders copies h minus hop-by-hop and scrubbed headers.
func FilterRequestHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHopHeaders[canonical] || clientScrubHeaders[canonical] {
			continue
		}
		for _, v := range values {
			out.Add(canonical, v)
		}
	}
	return out
}

// FilterResponseHeaders copies h minus hop-by-hop headers.
func FilterResponseHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

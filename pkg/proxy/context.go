package proxy

import (
	"context"
	"net/http"

	"ccproxy-hq/ccproxy/pkg/formats"
	"ccproxy-hq/ccproxy/pkg/models"
)

// RequestContext rides along one client request, populated stage by stage:
// middleware fills identity and validation results, the adapter fills the
// rest.
type RequestContext struct {
	// RequestID correlates logs, hooks, and the X-Request-Id header.
	RequestID string

	// Endpoint is the ingress route path.
	Endpoint string

	// ServiceType names the handling provider plugin.
	ServiceType string

	// Chain is the route's format chain.
	Chain []formats.Dialect

	// Body is the decoded request payload; the validation middleware
	// decodes once and everything downstream reuses it.
	Body map[string]any

	// RawBody is the original payload bytes.
	RawBody []byte

	// Model is the requested model id; Card its registry entry when found.
	Model string
	Card  *models.Card

	// InputTokens is the counted prompt size from validation.
	InputTokens int
}

type contextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromRequest extracts the RequestContext, or nil when middleware did not
// run.
func FromRequest(r *http.Request) *RequestContext {
	rc, _ := r.Context().Value(contextKey{}).(*RequestContext)
	return rc
}

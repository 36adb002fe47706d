package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"ccproxy-hq/ccproxy/pkg/formats"
	"ccproxy-hq/ccproxy/pkg/pool"
	"ccproxy-hq/ccproxy/pkg/streaming"
)

// Provider is the per-upstream specialisation of the request pipeline. The
// base adapter drives the state machine; the provider supplies targeting,
// authentication, and payload mutations.
type Provider interface {
	// Name tags logs, hooks, and errors.
	Name() string

	// TargetURL maps the ingress endpoint to the upstream URL.
	TargetURL(endpoint string) string

	// BaseURL is the upstream scheme+host; it selects the connection pool
	// entry.
	BaseURL() string

	// Prepare finalises the outgoing payload and headers: auth, content
	// type, provider-specific mutations. headers arrives pre-filtered.
	Prepare(ctx context.Context, rc *RequestContext, body map[string]any, headers http.Header) ([]byte, http.Header, error)

	// Collector returns a fresh streaming metrics collector.
	Collector() streaming.Collector
}

// StreamOnlyProvider marks providers whose upstream only answers in SSE;
// non-streaming clients are served through the buffered pathway using the
// provider's assembler.
type StreamOnlyProvider interface {
	Provider
	Assembler() streaming.Assembler
}

// AuthRefresher lets the adapter retry a request once after an upstream 401
// by forcing a token refresh.
type AuthRefresher interface {
	RefreshAuth(ctx context.Context) error
}

// ResponseNormalizer lets a provider patch decoded success bodies before the
// reverse chain runs. Implementations return the input unchanged when they
// have nothing to fix.
type ResponseNormalizer interface {
	NormalizeResponse(body map[string]any) map[string]any
}

// Adapter is the shared request pipeline bound to one provider.
type Adapter struct {
	provider Provider
	pool     *pool.Pool
	registry *formats.Registry
	streams  *streaming.Handler
}

// NewAdapter wires the pipeline.
func NewAdapter(provider Provider, p *pool.Pool, registry *formats.Registry, streams *streaming.Handler) *Adapter {
	return &Adapter{provider: provider, pool: p, registry: registry, streams: streams}
}

// Handle runs one request through the pipeline. chain is the route's format
// chain (first dialect is the client-facing one).
func (a *Adapter) Handle(w http.ResponseWriter, r *http.Request, chain []formats.Dialect) {
	ctx := r.Context()
	rc := FromRequest(r)
	if rc == nil {
		rc = &RequestContext{Endpoint: r.URL.Path}
	}
	rc.Chain = chain
	rc.ServiceType = a.provider.Name()

	body, err := a.decodedBody(r, rc)
	if err != nil {
		writeBadRequest(w, "request body is not valid JSON: "+err.Error(), "")
		return
	}

	wantsStream := streaming.ShouldStreamResponse(r.Header, body)
	streamOnly, isStreamOnly := a.provider.(StreamOnlyProvider)

	converted, err := a.registry.ConvertRequest(chain, body)
	if err != nil {
		WriteError(w, MapError(err))
		return
	}

	headers := FilterRequestHeaders(r.Header)
	outBody, outHeaders, err := a.provider.Prepare(ctx, rc, converted, headers.Clone())
	if err != nil {
		WriteError(w, MapError(err))
		return
	}

	cfg := streaming.Config{
		Chain:     chain,
		Collector: a.provider.Collector(),
		Provider:  a.provider.Name(),
		RequestID: rc.RequestID,
	}

	switch {
	case wantsStream:
		client, err := a.pool.GetStreamingClient(a.provider.BaseURL())
		if err != nil {
			WriteError(w, MapError(err))
			return
		}
		upstream, err := a.upstreamRequest(ctx, rc, outBody, outHeaders)
		if err != nil {
			WriteError(w, MapError(err))
			return
		}
		if err := a.streams.HandleStreamingRequest(ctx, w, upstream, client, cfg); err != nil {
			WriteError(w, MapError(&UpstreamTransportError{Provider: a.provider.Name(), Cause: err}))
		}

	case isStreamOnly:
		client, err := a.pool.GetStreamingClient(a.provider.BaseURL())
		if err != nil {
			WriteError(w, MapError(err))
			return
		}
		upstream, err := a.upstreamRequest(ctx, rc, outBody, outHeaders)
		if err != nil {
			WriteError(w, MapError(err))
			return
		}
		status, respBody, err := a.streams.HandleBufferedStreamingRequest(ctx, upstream, client, cfg, streamOnly.Assembler())
		if err != nil {
			WriteError(w, MapError(&UpstreamTransportError{Provider: a.provider.Name(), Cause: err}))
			return
		}
		writeJSON(w, status, respBody)

	default:
		a.dispatch(ctx, w, rc, chain, converted, headers, outBody, outHeaders)
	}
}

// dispatch performs the non-streaming upstream call, retrying once through
// an auth refresh when the upstream rejects the token. The retry re-runs
// Prepare from the converted payload so the fresh token is attached.
func (a *Adapter) dispatch(ctx context.Context, w http.ResponseWriter, rc *RequestContext, chain []formats.Dialect, converted map[string]any, rawHeaders http.Header, body []byte, headers http.Header) {
	client, err := a.pool.GetClient(a.provider.BaseURL())
	if err != nil {
		WriteError(w, MapError(err))
		return
	}

	resp, err := a.doUpstream(ctx, rc, client, body, headers)
	if err != nil {
		WriteError(w, MapError(err))
		return
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if refresher, ok := a.provider.(AuthRefresher); ok {
			resp.Body.Close()
			if err := refresher.RefreshAuth(ctx); err != nil {
				WriteError(w, MapError(err))
				return
			}
			freshBody, freshHeaders, err := a.provider.Prepare(ctx, rc, converted, rawHeaders.Clone())
			if err != nil {
				WriteError(w, MapError(err))
				return
			}
			resp, err = a.doUpstream(ctx, rc, client, freshBody, freshHeaders)
			if err != nil {
				WriteError(w, MapError(err))
				return
			}
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, MapError(&UpstreamTransportError{Provider: a.provider.Name(), Cause: err}))
		return
	}

	decoded, decodeErr := formats.Decode(raw)
	if decodeErr != nil {
		// Non-JSON upstream bodies pass through untouched.
		copyHeaders(w, FilterResponseHeaders(resp.Header))
		w.WriteHeader(resp.StatusCode)
		w.Write(raw)
		return
	}

	if normalizer, ok := a.provider.(ResponseNormalizer); ok && resp.StatusCode < 400 {
		decoded = normalizer.NormalizeResponse(decoded)
	}

	convertedResp, err := a.registry.ConvertResponse(chain, decoded, resp.StatusCode >= 400)
	if err != nil {
		WriteError(w, MapError(err))
		return
	}

	copyHeaders(w, FilterResponseHeaders(resp.Header))
	writeJSON(w, resp.StatusCode, convertedResp)
}

func (a *Adapter) doUpstream(ctx context.Context, rc *RequestContext, client *http.Client, body []byte, headers http.Header) (*http.Response, error) {
	req, err := a.upstreamRequest(ctx, rc, body, headers)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &UpstreamTransportError{Provider: a.provider.Name(), Cause: err}
	}
	return resp, nil
}

func (a *Adapter) upstreamRequest(ctx context.Context, rc *RequestContext, body []byte, headers http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.provider.TargetURL(rc.Endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for name, values := range headers {
		req.Header[name] = values
	}
	return req, nil
}

// decodedBody reuses the validation middleware's decode when present.
func (a *Adapter) decodedBody(r *http.Request, rc *RequestContext) (map[string]any, error) {
	if rc.Body != nil {
		return rc.Body, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	rc.RawBody = raw
	body, err := formats.Decode(raw)
	if err != nil {
		return nil, err
	}
	rc.Body = body
	rc.Model, _ = body["model"].(string)
	return body, nil
}

func copyHeaders(w http.ResponseWriter, h http.Header) {
	for name, values := range h {
		// The body is re-encoded after conversion; stale content type would
		// mislead clients about charset, length is recomputed by net/http.
		if strings.EqualFold(name, "Content-Type") {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	encoded, err := formats.Encode(body)
	if err != nil {
		WriteError(w, MapError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(encoded)
}

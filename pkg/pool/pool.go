// Package pool provides a process-wide cache of upstream HTTP clients keyed
// by destination parameters. One client exists per key; entries live for the
// process and are closed together at shutdown.
package pool

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"ccproxy-hq/ccproxy/pkg/config"
)

// Key identifies one pooled client. Two requests share a client exactly when
// their keys are equal.
type Key struct {
	// BaseURL is the upstream scheme+host, empty for the default client.
	BaseURL string

	// Timeout is the per-request timeout.
	Timeout time.Duration

	// Proxy is the forward proxy URL, empty for direct dialing.
	Proxy string

	// Verify controls TLS certificate verification.
	Verify bool
}

// String renders the key for logs.
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|verify=%t", k.BaseURL, k.Timeout, k.Proxy, k.Verify)
}

// Pool is a keyed cache of HTTP clients with HTTP/2 enabled transports.
type Pool struct {
	cfg config.PoolConfig

	mu      sync.Mutex
	clients map[Key]*http.Client
}

// New creates an empty pool.
func New(cfg config.PoolConfig) *Pool {
	return &Pool{
		cfg:     cfg,
		clients: make(map[Key]*http.Client),
	}
}

// GetClient returns the client for the given base URL using the default
// request timeout, creating it on first use. Concurrent calls for the same
// key return the same client.
func (p *Pool) GetClient(baseURL string) (*http.Client, error) {
	return p.get(Key{
		BaseURL: baseURL,
		Timeout: p.cfg.RequestTimeout,
		Verify:  true,
	})
}

// GetStreamingClient returns a client suited for SSE upstream calls: the
// longer stream timeout bounds the response-header phase only, the body read
// is unbounded.
func (p *Pool) GetStreamingClient(baseURL string) (*http.Client, error) {
	return p.get(Key{
		BaseURL: baseURL,
		Timeout: p.cfg.StreamTimeout,
		Verify:  true,
	})
}

func (p *Pool) get(key Key) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[key]; ok {
		return client, nil
	}

	client, err := p.newClient(key)
	if err != nil {
		return nil, err
	}

	p.clients[key] = client
	slog.Debug("created pooled client", "key", key.String(), "pool_entries", len(p.clients))
	return client, nil
}

func (p *Pool) newClient(key Key) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        2 * p.cfg.Size,
		MaxIdleConnsPerHost: p.cfg.Size,
		MaxConnsPerHost:     2 * p.cfg.Size,
		IdleConnTimeout:     p.cfg.KeepAliveExpiry,
		ForceAttemptHTTP2:   true,
	}

	if !key.Verify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if key.Proxy != "" {
		proxyURL, err := url.Parse(key.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", key.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to configure http2 transport: %w", err)
	}

	// Streaming timeout applies to the header phase only. http.Client.Timeout
	// would cut the SSE body, so the stream case uses the response-header
	// timeout instead.
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if key.Timeout >= p.cfg.StreamTimeout && p.cfg.StreamTimeout > 0 {
		transport.ResponseHeaderTimeout = key.Timeout
	} else {
		client.Timeout = key.Timeout
	}

	return client, nil
}

// Len returns the number of pooled clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// CloseAll closes idle connections of every pooled client in parallel and
// empties the pool.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	clients := make([]*http.Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[Key]*http.Client)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *http.Client) {
			defer wg.Done()
			if t, ok := c.Transport.(*http.Transport); ok {
				t.CloseIdleConnections()
			}
		}(c)
	}
	wg.Wait()

	slog.Debug("closed pooled clients", "count", len(clients))
}

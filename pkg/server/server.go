// Package server assembles the ingress HTTP server: service construction in
// dependency order, plugin registration, route binding, and graceful
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ccproxy-hq/ccproxy/pkg/access"
	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/formats"
	"ccproxy-hq/ccproxy/pkg/hooks"
	"ccproxy-hq/ccproxy/pkg/models"
	"ccproxy-hq/ccproxy/pkg/plugin"
	"ccproxy-hq/ccproxy/pkg/pool"
	claudeplugin "ccproxy-hq/ccproxy/pkg/providers/claude"
	codexplugin "ccproxy-hq/ccproxy/pkg/providers/codex"
	copilotplugin "ccproxy-hq/ccproxy/pkg/providers/copilot"
	"ccproxy-hq/ccproxy/pkg/proxy"
	"ccproxy-hq/ccproxy/pkg/streaming"
	"ccproxy-hq/ccproxy/pkg/tokens"
)

// Server owns every long-lived service and the ingress listener.
type Server struct {
	cfg *config.Config

	pool      *pool.Pool
	bus       *hooks.Bus
	formats   *formats.Registry
	models    *models.Registry
	streams   *streaming.Handler
	plugins   *plugin.Registry
	validator *proxy.Validation
	accessLog *access.Log

	httpServer *http.Server
}

// New constructs the service graph leaves-first. Nothing touches the network
// until Start.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		pool:    pool.New(cfg.Pool),
		bus:     hooks.NewBus(),
		formats: formats.NewDefaultRegistry(),
		plugins: plugin.NewRegistry(cfg.Plugins.HealthTimeout),
	}

	s.models = models.NewRegistry(cfg.Models, nil)
	s.streams = streaming.NewHandler(s.formats, s.bus, s.pricing)
	s.validator = proxy.NewValidation(s.models, tokens.NewCounter(), cfg.Models)

	if cfg.Telemetry.MetricsEnabled {
		s.bus.Subscribe(hooks.NewPrometheusObserver(prometheus.DefaultRegisterer))
	}

	if cfg.Access.Enabled {
		log, err := access.Open(cfg.Access)
		if err != nil {
			return nil, fmt.Errorf("open access log: %w", err)
		}
		s.accessLog = log
		s.bus.Subscribe(log)
	}

	for _, p := range []plugin.Plugin{
		claudeplugin.NewPlugin(),
		codexplugin.NewPlugin(),
		copilotplugin.NewPlugin(),
	} {
		if !cfg.ProviderEnabled(p.Manifest().Name) {
			slog.Info("provider disabled", "plugin", p.Manifest().Name)
			continue
		}
		if err := s.plugins.Register(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// feedProvider maps plugin names onto the card feed's provider tags.
var feedProvider = map[string]string{
	"claude":  "anthropic",
	"codex":   "openai",
	"copilot": "github_copilot",
}

// pricing implements streaming.PricingFunc against the model registry.
func (s *Server) pricing(provider, model string, m hooks.StreamMetrics) (float64, bool) {
	if mapped, ok := feedProvider[provider]; ok {
		provider = mapped
	}
	card, err := s.models.Lookup(provider, model)
	if err != nil {
		return 0, false
	}
	usage := models.Usage{}
	if m.TokensInput != nil {
		usage.InputTokens = *m.TokensInput
	}
	if m.TokensOutput != nil {
		usage.OutputTokens = *m.TokensOutput
	}
	if m.CacheReadTokens != nil {
		usage.CacheReadTokens = *m.CacheReadTokens
	}
	if m.CacheWriteTokens != nil {
		usage.CacheWriteTokens = *m.CacheWriteTokens
	}
	return card.Cost(usage), true
}

// initPlugins builds the service context and initializes every registered
// plugin in dependency order.
func (s *Server) initPlugins(ctx context.Context) error {
	pc := plugin.NewContext()
	plugin.Provide(pc, s.cfg)
	plugin.Provide(pc, s.pool)
	plugin.Provide(pc, s.formats)
	plugin.Provide(pc, s.streams)
	plugin.Provide(pc, s.bus)
	plugin.Provide(pc, s.models)
	// Legacy lookups by well-known name.
	pc.SetNamed("http_pool", s.pool)
	pc.SetNamed("hook_bus", s.bus)

	return s.plugins.InitializeAll(ctx, pc)
}

// Start initializes plugins, binds routes, and serves until ctx is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if err := s.models.Start(ctx); err != nil {
		slog.WarnContext(ctx, "model registry refresh unavailable", "error", err)
	}

	if err := s.initPlugins(ctx); err != nil {
		return err
	}

	addr := s.cfg.Server.ListenAddress
	if addr == "" {
		addr = "127.0.0.1:8787"
	}
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.routes(),
		ReadTimeout:    s.cfg.Server.ReadTimeout,
		WriteTimeout:   s.cfg.Server.WriteTimeout,
		IdleTimeout:    s.cfg.Server.IdleTimeout,
		MaxHeaderBytes: s.cfg.Server.MaxHeaderBytes,
		BaseContext:    func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.WithoutCancel(ctx))
	}
}

// routes builds the ingress mux: provider routes through the full middleware
// stack, operational endpoints bare.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	logging := proxy.Logging(s.bus)
	for _, bound := range s.plugins.Routes() {
		route := bound
		handler := logging(s.validator.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route.Adapter.Handle(w, r, route.Chain)
		})))
		mux.Handle(route.Method+" "+route.Path, handler)
	}

	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Telemetry.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return proxy.RequestID(proxy.Recovery(mux))
}

// handleModels serves an OpenAI-shaped model list synthesized from the card
// registry.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	cards := s.models.List()
	data := make([]map[string]any, 0, len(cards))
	for _, card := range cards {
		data = append(data, map[string]any{
			"id":       card.ID,
			"object":   "model",
			"owned_by": card.Provider,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

// handleHealth reports per-plugin health snapshots.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.plugins.HealthDetails(r.Context())

	healthy := true
	for _, d := range details {
		if ok, _ := d["initialized"].(bool); !ok {
			healthy = false
		}
	}
	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":  state,
		"plugins": details,
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	encoded, err := formats.Encode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(encoded)
}

// Shutdown stops the listener, the plugins, and every background service.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.plugins.ShutdownAll(ctx)
	s.models.Stop()
	if s.accessLog != nil {
		if cerr := s.accessLog.Close(); cerr != nil {
			slog.WarnContext(ctx, "access log close failed", "error", cerr)
		}
	}
	s.pool.CloseAll()
	return err
}

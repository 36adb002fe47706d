package models

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"ccproxy-hq/ccproxy/pkg/config"
)

const cacheFileName = "model-cards.json"

// Registry serves model cards indexed by (provider, model id). Readers see
// an immutable snapshot; refresh swaps the whole snapshot atomically.
type Registry struct {
	cfg    config.ModelsConfig
	client *http.Client

	snapshot atomic.Value // map[string]*Card, keyed provider + "\x00" + id
	refresh  singleflight.Group
	cron     *cron.Cron
}

// NewRegistry builds a registry seeded from the on-disk cache when present,
// falling back to the compiled-in cards. Call Start to enable periodic
// refresh.
func NewRegistry(cfg config.ModelsConfig, client *http.Client) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	r := &Registry{cfg: cfg, client: client}

	cards, err := r.loadCache()
	if err != nil {
		slog.Debug("model card cache unavailable, using builtin cards", "error", err)
		cards = builtinCards()
	}
	r.snapshot.Store(cards)
	return r
}

// Start refreshes once in the background and schedules periodic refresh.
func (r *Registry) Start(ctx context.Context) error {
	if r.cfg.CardURL == "" {
		return nil
	}

	go func() {
		if err := r.Refresh(ctx); err != nil {
			slog.WarnContext(ctx, "initial model card refresh failed", "error", err)
		}
	}()

	interval := r.cfg.RefreshInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	r.cron = cron.New()
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := r.Refresh(context.Background()); err != nil {
			slog.Warn("scheduled model card refresh failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule model refresh: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the refresh schedule.
func (r *Registry) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

func key(provider, model string) string { return provider + "\x00" + normalizeID(model) }

// Lookup returns the card for (provider, model).
func (r *Registry) Lookup(provider, model string) (*Card, error) {
	cards := r.snapshot.Load().(map[string]*Card)
	if c, ok := cards[key(provider, model)]; ok {
		return c, nil
	}
	return nil, &UnknownModelError{Provider: provider, Model: model}
}

// List returns all cards sorted by provider then id.
func (r *Registry) List() []*Card {
	cards := r.snapshot.Load().(map[string]*Card)
	out := make([]*Card, 0, len(cards))
	for _, c := range cards {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Refresh fetches the card feed and swaps the snapshot. Concurrent callers
// share one fetch.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.refresh.Do("refresh", func() (any, error) {
		return nil, r.doRefresh(context.WithoutCancel(ctx))
	})
	return err
}

func (r *Registry) doRefresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.CardURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("model card fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model card feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("model card read failed: %w", err)
	}

	cards, err := parseFeed(body)
	if err != nil {
		return err
	}
	if len(cards) == 0 {
		return fmt.Errorf("model card feed contained no usable cards")
	}

	r.snapshot.Store(cards)
	if err := r.saveCache(body); err != nil {
		slog.WarnContext(ctx, "model card cache write failed", "error", err)
	}

	slog.InfoContext(ctx, "refreshed model cards", "count", len(cards))
	return nil
}

// parseFeed decodes the public card feed: a flat object of model id to card.
// Entries without a provider tag or any window are dropped.
func parseFeed(body []byte) (map[string]*Card, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model card feed: %w", err)
	}

	cards := make(map[string]*Card, len(raw))
	for id, entry := range raw {
		if id == "sample_spec" {
			continue
		}
		var c Card
		if err := json.Unmarshal(entry, &c); err != nil {
			continue
		}
		if c.Provider == "" || (c.MaxTokens == 0 && c.MaxInputTokens == 0) {
			continue
		}
		c.ID = normalizeID(id)
		cards[key(c.Provider, c.ID)] = &c
	}
	return cards, nil
}

func (r *Registry) cachePath() string {
	dir := r.cfg.CacheDir
	if dir == "" {
		dir = config.DefaultCacheDir()
	}
	return filepath.Join(dir, cacheFileName)
}

func (r *Registry) loadCache() (map[string]*Card, error) {
	body, err := os.ReadFile(r.cachePath())
	if err != nil {
		return nil, err
	}
	cards, err := parseFeed(body)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, fmt.Errorf("cached card feed contained no usable cards")
	}
	return cards, nil
}

func (r *Registry) saveCache(body []byte) error {
	path := r.cachePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cards-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// builtinCards covers the models the proxy routes to out of the box, so a
// cold start with no network still validates correctly.
func builtinCards() map[string]*Card {
	cards := []*Card{
		{
			ID: "claude-sonnet-4-20250514", Provider: "anthropic",
			MaxTokens: 200000, MaxInputTokens: 200000, MaxOutputTokens: 64000,
			SupportsVision: true, SupportsFunctionCalling: true, SupportsResponseSchema: true,
			InputCostPerToken: 3e-06, OutputCostPerToken: 1.5e-05,
			CacheReadCostPerToken: 3e-07, CacheWriteCostPerToken: 3.75e-06,
		},
		{
			ID: "claude-opus-4-20250514", Provider: "anthropic",
			MaxTokens: 200000, MaxInputTokens: 200000, MaxOutputTokens: 32000,
			SupportsVision: true, SupportsFunctionCalling: true, SupportsResponseSchema: true,
			InputCostPerToken: 1.5e-05, OutputCostPerToken: 7.5e-05,
			CacheReadCostPerToken: 1.5e-06, CacheWriteCostPerToken: 1.875e-05,
		},
		{
			ID: "claude-3-5-haiku-20241022", Provider: "anthropic",
			MaxTokens: 200000, MaxInputTokens: 200000, MaxOutputTokens: 8192,
			SupportsVision: true, SupportsFunctionCalling: true,
			InputCostPerToken: 8e-07, OutputCostPerToken: 4e-06,
			CacheReadCostPerToken: 8e-08, CacheWriteCostPerToken: 1e-06,
		},
		{
			ID: "gpt-5", Provider: "openai",
			MaxTokens: 400000, MaxInputTokens: 272000, MaxOutputTokens: 128000,
			SupportsVision: true, SupportsFunctionCalling: true, SupportsResponseSchema: true,
			InputCostPerToken: 1.25e-06, OutputCostPerToken: 1e-05,
			CacheReadCostPerToken: 1.25e-07,
		},
		{
			ID: "gpt-5-codex", Provider: "openai",
			MaxTokens: 400000, MaxInputTokens: 272000, MaxOutputTokens: 128000,
			SupportsFunctionCalling: true, SupportsResponseSchema: true,
			InputCostPerToken: 1.25e-06, OutputCostPerToken: 1e-05,
			CacheReadCostPerToken: 1.25e-07,
		},
		{
			ID: "gpt-4o", Provider: "github_copilot",
			MaxTokens: 128000, MaxInputTokens: 128000, MaxOutputTokens: 16384,
			SupportsVision: true, SupportsFunctionCalling: true, SupportsResponseSchema: true,
		},
		{
			ID: "claude-sonnet-4", Provider: "github_copilot",
			MaxTokens: 200000, MaxInputTokens: 200000, MaxOutputTokens: 64000,
			SupportsVision: true, SupportsFunctionCalling: true,
		},
	}

	out := make(map[string]*Card, len(cards))
	for _, c := range cards {
		out[key(c.Provider, c.ID)] = c
	}
	return out
}

// Package claude manages Anthropic OAuth credentials in the layout the
// vendor CLI writes to disk, including PKCE login and refresh-on-use.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"ccproxy-hq/ccproxy/pkg/auth"
	"ccproxy-hq/ccproxy/pkg/config"
)

const (
	// ProviderName tags snapshots and errors.
	ProviderName = "claude"

	// clientID is the public OAuth client the vendor CLI registers under.
	clientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	defaultAuthURL  = "https://claude.ai/oauth/authorize"
	defaultTokenURL = "https://console.anthropic.com/v1/oauth/token"
	redirectURL     = "https://console.anthropic.com/oauth/code/callback"

	// expiryLeeway refreshes slightly before the recorded expiry so a token
	// does not die mid-request.
	expiryLeeway = 60 * time.Second
)

var oauthScopes = []string{"org:create_api_key", "user:profile", "user:inference"}

// Credentials preserves the on-disk layout of the vendor CLI's credential
// file. Field names are the CLI's, not ours.
type Credentials struct {
	ClaudeAiOauth OAuthToken `json:"claudeAiOauth"`
}

// OAuthToken is the inner OAuth record.
type OAuthToken struct {
	// AccessToken is the bearer token sent upstream.
	AccessToken string `json:"accessToken"`

	// RefreshToken refreshes the access token when present.
	RefreshToken string `json:"refreshToken,omitempty"`

	// ExpiresAt is the access token expiry in Unix milliseconds.
	ExpiresAt int64 `json:"expiresAt,omitempty"`

	// Scopes are the granted OAuth scopes.
	Scopes []string `json:"scopes,omitempty"`

	// SubscriptionType is the plan recorded at login ("pro", "max", ...).
	SubscriptionType string `json:"subscriptionType,omitempty"`
}

// ExpiresAtTime converts the millisecond expiry to a time.Time, nil when
// unset.
func (t OAuthToken) ExpiresAtTime() *time.Time {
	if t.ExpiresAt == 0 {
		return nil
	}
	ts := time.UnixMilli(t.ExpiresAt)
	return &ts
}

// Manager implements auth.Manager for the claude provider.
type Manager struct {
	store  *auth.Store
	client *http.Client

	tokenURL string
	authURL  string

	mu    sync.Mutex
	creds *Credentials

	refresh  singleflight.Group
	profiles *gocache.Cache

	// OnRefresh, when set, observes every refresh outcome. Wired to the hook
	// bus by the provider plugin.
	OnRefresh func(err error)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTokenURL overrides the token endpoint (tests, self-hosted gateways).
func WithTokenURL(u string) Option {
	return func(m *Manager) { m.tokenURL = u }
}

// WithHTTPClient overrides the HTTP client used for OAuth calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// NewManager creates a manager over the given credential file path. An empty
// path uses the default location in the user config directory.
func NewManager(credentialsPath string, opts ...Option) *Manager {
	if credentialsPath == "" {
		credentialsPath = filepath.Join(config.DefaultConfigDir(), "claude-credentials.json")
	}

	m := &Manager{
		store:    auth.NewStore(credentialsPath),
		client:   http.DefaultClient,
		tokenURL: defaultTokenURL,
		authURL:  defaultAuthURL,
		profiles: gocache.New(gocache.NoExpiration, 0),
	}
	for _, opt := range opts {
		opt(m)
	}

	// Drop the in-memory copy when the CLI rewrites the file underneath us.
	if err := m.store.Watch(m.invalidate); err != nil {
		slog.Debug("credential watch unavailable", "provider", ProviderName, "error", err)
	}

	return m
}

func (m *Manager) invalidate() {
	m.mu.Lock()
	m.creds = nil
	m.mu.Unlock()
	m.profiles.Flush()
}

// Provider implements auth.Manager.
func (m *Manager) Provider() string { return ProviderName }

// load returns the cached credentials, reading from disk on first use.
func (m *Manager) load() (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.creds != nil {
		return m.creds, nil
	}

	var creds Credentials
	if err := m.store.Load(&creds); err != nil {
		return nil, err
	}
	if creds.ClaudeAiOauth.AccessToken == "" {
		return nil, fmt.Errorf("%w: credential file has empty access token", auth.ErrNoCredentials)
	}

	m.creds = &creds
	return m.creds, nil
}

// save atomically persists the credentials and replaces the cached copy.
func (m *Manager) save(creds *Credentials) error {
	if err := m.store.Save(creds); err != nil {
		return err
	}
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()
	m.profiles.Flush()
	return nil
}

// IsExpired reports whether the access token has passed its expiry.
func (m *Manager) IsExpired() bool {
	creds, err := m.load()
	if err != nil {
		return true
	}
	exp := creds.ClaudeAiOauth.ExpiresAtTime()
	return exp != nil && time.Now().Add(expiryLeeway).After(*exp)
}

// AccessToken implements auth.Manager: refresh-on-use with fallback to the
// stored token when refresh is impossible or fails.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	creds, err := m.load()
	if err != nil {
		return "", err
	}

	if !m.IsExpired() {
		return creds.ClaudeAiOauth.AccessToken, nil
	}

	if creds.ClaudeAiOauth.RefreshToken == "" {
		// Not refreshable: hand back the stored token and let the upstream
		// produce the authoritative rejection.
		return creds.ClaudeAiOauth.AccessToken, nil
	}

	if err := m.Refresh(ctx); err != nil {
		slog.WarnContext(ctx, "token refresh failed, using stored token",
			"provider", ProviderName, "error", err)
		return creds.ClaudeAiOauth.AccessToken, nil
	}

	fresh, err := m.load()
	if err != nil {
		return "", err
	}
	return fresh.ClaudeAiOauth.AccessToken, nil
}

// AccessTokenWithRefresh implements auth.Manager: any refresh failure is
// surfaced instead of falling back.
func (m *Manager) AccessTokenWithRefresh(ctx context.Context) (string, error) {
	creds, err := m.load()
	if err != nil {
		return "", err
	}

	if !m.IsExpired() {
		return creds.ClaudeAiOauth.AccessToken, nil
	}

	if creds.ClaudeAiOauth.RefreshToken == "" {
		return "", &auth.ReauthRequiredError{Provider: ProviderName, Reason: "access token expired and no refresh token stored"}
	}

	if err := m.Refresh(ctx); err != nil {
		return "", err
	}

	fresh, err := m.load()
	if err != nil {
		return "", err
	}
	return fresh.ClaudeAiOauth.AccessToken, nil
}

// refreshRequest is the JSON body the Anthropic token endpoint expects.
type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Refresh calls the token endpoint and atomically replaces the stored
// credentials. At most one refresh is in flight; concurrent callers share
// the outcome. Cancellation of the caller is deliberately not propagated so
// other waiters still benefit from a completed refresh.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.refresh.Do("refresh", func() (any, error) {
		err := m.doRefresh(context.WithoutCancel(ctx))
		if m.OnRefresh != nil {
			m.OnRefresh(err)
		}
		return nil, err
	})
	return err
}

func (m *Manager) doRefresh(ctx context.Context) error {
	creds, err := m.load()
	if err != nil {
		return err
	}
	if creds.ClaudeAiOauth.RefreshToken == "" {
		return &auth.ReauthRequiredError{Provider: ProviderName, Reason: "no refresh token stored"}
	}

	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: creds.ClaudeAiOauth.RefreshToken,
		ClientID:     clientID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return &auth.RefreshError{Provider: ProviderName, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &auth.RefreshError{Provider: ProviderName, Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &auth.RefreshError{Provider: ProviderName, StatusCode: resp.StatusCode}
	}

	var tok tokenResponse
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return &auth.RefreshError{Provider: ProviderName, Cause: err}
	}
	if tok.AccessToken == "" {
		return &auth.RefreshError{Provider: ProviderName, Cause: fmt.Errorf("token endpoint returned empty access token")}
	}

	next := &Credentials{ClaudeAiOauth: creds.ClaudeAiOauth}
	next.ClaudeAiOauth.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.ClaudeAiOauth.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		next.ClaudeAiOauth.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	}
	if tok.Scope != "" {
		next.ClaudeAiOauth.Scopes = strings.Fields(tok.Scope)
	}

	if err := m.save(next); err != nil {
		return err
	}

	slog.InfoContext(ctx, "refreshed oauth token", "provider", ProviderName)
	return nil
}

// Snapshot implements auth.Manager.
func (m *Manager) Snapshot() (auth.Snapshot, error) {
	creds, err := m.load()
	if err != nil {
		return auth.Snapshot{}, err
	}

	t := creds.ClaudeAiOauth
	return auth.Snapshot{
		Provider:     ProviderName,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.ExpiresAtTime(),
		Scopes:       t.Scopes,
		Extras: map[string]string{
			"subscription_type": t.SubscriptionType,
		},
	}, nil
}

// Profile implements auth.Manager. The plan and scopes come straight from
// the credential file; Anthropic has no profile endpoint for OAuth tokens.
func (m *Manager) Profile(ctx context.Context) (auth.Profile, error) {
	if p, ok := m.ProfileQuick(); ok {
		return p, nil
	}

	creds, err := m.load()
	if err != nil {
		return auth.Profile{}, err
	}

	p := auth.Profile{
		Plan:   creds.ClaudeAiOauth.SubscriptionType,
		Scopes: creds.ClaudeAiOauth.Scopes,
	}
	m.profiles.Set("profile", p, gocache.NoExpiration)
	return p, nil
}

// ProfileQuick implements auth.Manager.
func (m *Manager) ProfileQuick() (auth.Profile, bool) {
	if v, ok := m.profiles.Get("profile"); ok {
		return v.(auth.Profile), true
	}
	return auth.Profile{}, false
}

// Close releases the credential watcher.
func (m *Manager) Close() error { return m.store.Close() }

// AuthorizeURL builds the PKCE authorization URL and returns it with the
// verifier the caller must keep for ExchangeCode.
func (m *Manager) AuthorizeURL() (url, verifier string) {
	verifier = oauth2.GenerateVerifier()
	cfg := m.oauthConfig()
	url = cfg.AuthCodeURL("ccproxy",
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("code", "true"),
	)
	return url, verifier
}

// ExchangeCode trades an authorization code for tokens and persists them.
func (m *Manager) ExchangeCode(ctx context.Context, code, verifier string) error {
	cfg := m.oauthConfig()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("code exchange failed: %w", err)
	}

	creds := &Credentials{ClaudeAiOauth: OAuthToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       oauthScopes,
	}}
	if !tok.Expiry.IsZero() {
		creds.ClaudeAiOauth.ExpiresAt = tok.Expiry.UnixMilli()
	}

	return m.save(creds)
}

func (m *Manager) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURL,
		Scopes:      oauthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  m.authURL,
			TokenURL: m.tokenURL,
		},
	}
}

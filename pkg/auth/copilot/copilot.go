// Package copilot manages GitHub Copilot credentials: a long-lived GitHub
// OAuth token obtained via the device-code flow, exchanged on demand for the
// short-lived Copilot API token that upstream requests actually carry.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"ccproxy-hq/ccproxy/pkg/auth"
	"ccproxy-hq/ccproxy/pkg/config"
)

const (
	// ProviderName tags snapshots and errors.
	ProviderName = "copilot"

	// clientID is the public OAuth client VS Code's Copilot extension uses.
	clientID = "Iv1.b507a08c87ecfe98"

	defaultDeviceAuthURL = "https://github.com/login/device/code"
	defaultTokenURL      = "https://github.com/login/oauth/access_token"
	defaultExchangeURL   = "https://api.github.com/copilot_internal/v2/token"
	defaultProfileURL    = "https://api.github.com/user"

	// exchangeLeeway renews the Copilot token this long before its stamped
	// expiry so in-flight requests never carry a token that dies mid-call.
	exchangeLeeway = 2 * time.Minute

	profileTTL = 10 * time.Minute
)

// Credentials is the on-disk layout.
type Credentials struct {
	// OAuthToken is the long-lived GitHub token (gho_ prefix). It has no
	// stamped expiry; it dies only on revocation.
	OAuthToken string `json:"oauth_token"`

	// CopilotToken is the last exchanged short-lived API token.
	CopilotToken *APIToken `json:"copilot_token,omitempty"`

	// AccountType is the Copilot plan (individual, business, enterprise).
	AccountType string `json:"account_type,omitempty"`

	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// APIToken is the short-lived token minted by the exchange endpoint.
type APIToken struct {
	Token string `json:"token"`

	// ExpiresAt is a unix timestamp in seconds.
	ExpiresAt int64 `json:"expires_at"`

	// RefreshIn is the suggested renewal interval in seconds.
	RefreshIn int `json:"refresh_in,omitempty"`
}

// Expired reports whether the token is past (or within leeway of) expiry.
func (t *APIToken) Expired(now time.Time) bool {
	if t == nil || t.Token == "" {
		return true
	}
	return now.Add(exchangeLeeway).After(time.Unix(t.ExpiresAt, 0))
}

// Manager implements auth.Manager for the copilot provider. The access token
// it hands out is always the short-lived Copilot API token.
type Manager struct {
	store  *auth.Store
	client *http.Client

	deviceAuthURL string
	tokenURL      string
	exchangeURL   string
	profileURL    string

	mu    sync.Mutex
	creds *Credentials

	exchange singleflight.Group
	profiles *gocache.Cache

	// OnRefresh, when set, observes every exchange outcome.
	OnRefresh func(err error)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithEndpoints overrides the GitHub endpoints, empty strings keep defaults.
func WithEndpoints(deviceAuth, token, exchange, profile string) Option {
	return func(m *Manager) {
		if deviceAuth != "" {
			m.deviceAuthURL = deviceAuth
		}
		if token != "" {
			m.tokenURL = token
		}
		if exchange != "" {
			m.exchangeURL = exchange
		}
		if profile != "" {
			m.profileURL = profile
		}
	}
}

// WithHTTPClient overrides the HTTP client used for GitHub calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// NewManager creates a manager over the given credential file path.
func NewManager(credentialsPath string, opts ...Option) *Manager {
	if credentialsPath == "" {
		credentialsPath = filepath.Join(config.DefaultConfigDir(), "copilot-credentials.json")
	}

	m := &Manager{
		store:         auth.NewStore(credentialsPath),
		client:        http.DefaultClient,
		deviceAuthURL: defaultDeviceAuthURL,
		tokenURL:      defaultTokenURL,
		exchangeURL:   defaultExchangeURL,
		profileURL:    defaultProfileURL,
		profiles:      gocache.New(profileTTL, profileTTL),
	}
	for _, opt := range opts {
		opt(m)
	}

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
	if creds.OAuthToken == "" {
		return nil, fmt.Errorf("%w: credential file has empty oauth token", auth.ErrNoCredentials)
	}

	m.creds = &creds
	return m.creds, nil
}

func (m *Manager) save(creds *Credentials) error {
	if err := m.store.Save(creds); err != nil {
		return err
	}
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()
	return nil
}

// AccessToken implements auth.Manager. The Copilot token is useless once
// expired, so unlike the other providers there is no lenient fallback to a
// stale token: an expired token always goes through the exchange.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	return m.AccessTokenWithRefresh(ctx)
}

// AccessTokenWithRefresh implements auth.Manager.
func (m *Manager) AccessTokenWithRefresh(ctx context.Context) (string, error) {
	creds, err := m.load()
	if err != nil {
		return "", err
	}

	if !creds.CopilotToken.Expired(time.Now()) {
		return creds.CopilotToken.Token, nil
	}

	if err := m.Refresh(ctx); err != nil {
		return "", err
	}

	fresh, err := m.load()
	if err != nil {
		return "", err
	}
	if fresh.CopilotToken == nil {
		return "", &auth.RefreshError{Provider: ProviderName, Cause: fmt.Errorf("exchange produced no token")}
	}
	return fresh.CopilotToken.Token, nil
}

// Refresh exchanges the GitHub OAuth token for a fresh Copilot API token.
// Single-flight; caller cancellation is not propagated.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.exchange.Do("exchange", func() (any, error) {
		err := m.doExchange(context.WithoutCancel(ctx))
		if m.OnRefresh != nil {
			m.OnRefresh(err)
		}
		return nil, err
	})
	return err
}

type exchangeResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	RefreshIn int    `json:"refresh_in"`
	SKU       string `json:"sku"`
}

func (m *Manager) doExchange(ctx context.Context) error {
	creds, err := m.load()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.exchangeURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+creds.OAuthToken)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return &auth.RefreshError{Provider: ProviderName, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &auth.RefreshError{Provider: ProviderName, Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The long-lived OAuth token itself was rejected: revoked or the
		// Copilot subscription lapsed. Only a new device flow fixes this.
		return &auth.ReauthRequiredError{Provider: ProviderName, Reason: fmt.Sprintf("github rejected oauth token with status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return &auth.RefreshError{Provider: ProviderName, StatusCode: resp.StatusCode}
	}

	var ex exchangeResponse
	if err := json.Unmarshal(body, &ex); err != nil {
		return &auth.RefreshError{Provider: ProviderName, Cause: err}
	}
	if ex.Token == "" {
		return &auth.RefreshError{Provider: ProviderName, Cause: fmt.Errorf("exchange returned empty token")}
	}

	next := *creds
	next.CopilotToken = &APIToken{Token: ex.Token, ExpiresAt: ex.ExpiresAt, RefreshIn: ex.RefreshIn}
	if ex.SKU != "" {
		next.AccountType = ex.SKU
	}
	next.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	if err := m.save(&next); err != nil {
		return err
	}

	slog.InfoContext(ctx, "exchanged copilot token", "provider", ProviderName,
		"expires_at", time.Unix(ex.ExpiresAt, 0).Format(time.RFC3339))
	return nil
}

// Snapshot implements auth.Manager.
func (m *Manager) Snapshot() (auth.Snapshot, error) {
	creds, err := m.load()
	if err != nil {
		return auth.Snapshot{}, err
	}

	snap := auth.Snapshot{
		Provider:    ProviderName,
		AccessToken: creds.OAuthToken,
		Extras: map[string]string{
			"account_type": creds.AccountType,
			"updated_at":   creds.UpdatedAt,
		},
	}
	if creds.CopilotToken != nil {
		exp := time.Unix(creds.CopilotToken.ExpiresAt, 0)
		snap.ExpiresAt = &exp
		snap.Extras["copilot_token"] = creds.CopilotToken.Token
	}
	return snap, nil
}

type githubUser struct {
	Login string `json:"login"`
	Email string `json:"email"`
	ID    int64  `json:"id"`
}

// Profile implements auth.Manager by querying the GitHub user endpoint with
// the long-lived OAuth token.
func (m *Manager) Profile(ctx context.Context) (auth.Profile, error) {
	if p, ok := m.ProfileQuick(); ok {
		return p, nil
	}

	creds, err := m.load()
	if err != nil {
		return auth.Profile{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.profileURL, nil)
	if err != nil {
		return auth.Profile{}, err
	}
	req.Header.Set("Authorization", "token "+creds.OAuthToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := m.client.Do(req)
	if err != nil {
		return auth.Profile{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return auth.Profile{}, fmt.Errorf("%s: profile lookup failed with status %d", ProviderName, resp.StatusCode)
	}

	var user githubUser
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return auth.Profile{}, err
	}

	p := auth.Profile{
		Email:     user.Email,
		Plan:      creds.AccountType,
		AccountID: user.Login,
	}
	m.profiles.Set("profile", p, profileTTL)
	return p, nil
}

// ProfileQuick implements auth.Manager.
func (m *Manager) ProfileQuick() (auth.Profile, bool) {
	if v, ok := m.profiles.Get("profile"); ok {
		return v.(auth.Profile), true
	}
	return auth.Profile{}, false
}

// DeviceFlowConfig returns the device-code endpoints for interactive login.
func (m *Manager) DeviceFlowConfig() auth.DeviceFlowConfig {
	return auth.DeviceFlowConfig{
		ClientID:      clientID,
		DeviceAuthURL: m.deviceAuthURL,
		TokenURL:      m.tokenURL,
		Scopes:        []string{"read:user"},
	}
}

// StoreOAuthToken persists a freshly authorized GitHub token, clearing any
// stale Copilot token so the next request forces an exchange.
func (m *Manager) StoreOAuthToken(token string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	creds := &Credentials{OAuthToken: token, CreatedAt: now, UpdatedAt: now}
	if prev, err := m.load(); err == nil {
		creds.AccountType = prev.AccountType
		creds.CreatedAt = prev.CreatedAt
	}
	return m.save(creds)
}

// Close releases the credential watcher.
func (m *Manager) Close() error { return m.store.Close() }

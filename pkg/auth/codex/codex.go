// Package codex manages OpenAI Codex (ChatGPT backend) OAuth credentials in
// the layout the vendor CLI writes, deriving the account profile from the
// id_token's JWT claims.
package codex

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

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"ccproxy-hq/ccproxy/pkg/auth"
	"ccproxy-hq/ccproxy/pkg/config"
)

const (
	// ProviderName tags snapshots and errors.
	ProviderName = "codex"

	// clientID is the public OAuth client the Codex CLI registers under.
	clientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	defaultTokenURL = "https://auth.openai.com/oauth/token"

	expiryLeeway = 60 * time.Second

	// accessTokenLifetime is assumed when the token carries no exp claim;
	// the CLI refreshes daily.
	accessTokenLifetime = 24 * time.Hour
)

// Credentials preserves the CLI's auth.json layout.
type Credentials struct {
	// Tokens is the OAuth token set.
	Tokens Tokens `json:"tokens"`

	// LastRefresh is the RFC 3339 timestamp of the last refresh.
	LastRefresh string `json:"last_refresh,omitempty"`

	// Active marks the credential set usable.
	Active bool `json:"active"`
}

// Tokens is the inner token record.
type Tokens struct {
	IDToken      string `json:"id_token,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
}

// Manager implements auth.Manager for the codex provider.
type Manager struct {
	store  *auth.Store
	client *http.Client

	tokenURL string

	mu    sync.Mutex
	creds *Credentials

	refresh  singleflight.Group
	profiles *gocache.Cache

	// OnRefresh, when set, observes every refresh outcome.
	OnRefresh func(err error)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTokenURL overrides the token endpoint.
func WithTokenURL(u string) Option {
	return func(m *Manager) { m.tokenURL = u }
}

// WithHTTPClient overrides the HTTP client used for OAuth calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// NewManager creates a manager over the given credential file path.
func NewManager(credentialsPath string, opts ...Option) *Manager {
	if credentialsPath == "" {
		credentialsPath = filepath.Join(config.DefaultConfigDir(), "codex-auth.json")
	}

	m := &Manager{
		store:    auth.NewStore(credentialsPath),
		client:   http.DefaultClient,
		tokenURL: defaultTokenURL,
		profiles: gocache.New(gocache.NoExpiration, 0),
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
	if creds.Tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: credential file has empty access token", auth.ErrNoCredentials)
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
	m.profiles.Flush()
	return nil
}

// expiresAt derives the access token expiry: the JWT exp claim when the
// token parses as one, otherwise last_refresh plus the assumed lifetime.
func (m *Manager) expiresAt(creds *Credentials) *time.Time {
	if claims := parseClaims(creds.Tokens.AccessToken); claims != nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			t := exp.Time
			return &t
		}
	}
	if creds.LastRefresh != "" {
		if t, err := time.Parse(time.RFC3339, creds.LastRefresh); err == nil {
			exp := t.Add(accessTokenLifetime)
			return &exp
		}
	}
	return nil
}

// IsExpired reports whether the access token has passed its expiry.
func (m *Manager) IsExpired() bool {
	creds, err := m.load()
	if err != nil {
		return true
	}
	exp := m.expiresAt(creds)
	return exp != nil && time.Now().Add(expiryLeeway).After(*exp)
}

// AccessToken implements auth.Manager.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	creds, err := m.load()
	if err != nil {
		return "", err
	}

	if !m.IsExpired() {
		return creds.Tokens.AccessToken, nil
	}
	if creds.Tokens.RefreshToken == "" {
		return creds.Tokens.AccessToken, nil
	}

	if err := m.Refresh(ctx); err != nil {
		slog.WarnContext(ctx, "token refresh failed, using stored token",
			"provider", ProviderName, "error", err)
		return creds.Tokens.AccessToken, nil
	}

	fresh, err := m.load()
	if err != nil {
		return "", err
	}
	return fresh.Tokens.AccessToken, nil
}

// AccessTokenWithRefresh implements auth.Manager.
func (m *Manager) AccessTokenWithRefresh(ctx context.Context) (string, error) {
	creds, err := m.load()
	if err != nil {
		return "", err
	}

	if !m.IsExpired() {
		return creds.Tokens.AccessToken, nil
	}
	if creds.Tokens.RefreshToken == "" {
		return "", &auth.ReauthRequiredError{Provider: ProviderName, Reason: "access token expired and no refresh token stored"}
	}

	if err := m.Refresh(ctx); err != nil {
		return "", err
	}

	fresh, err := m.load()
	if err != nil {
		return "", err
	}
	return fresh.Tokens.AccessToken, nil
}

type refreshRequest struct {
	ClientID     string `json:"client_id"`
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

type tokenResponse struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh calls the OpenAI token endpoint and atomically replaces the stored
// credentials. Single-flight; caller cancellation is not propagated.
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
	if creds.Tokens.RefreshToken == "" {
		return &auth.ReauthRequiredError{Provider: ProviderName, Reason: "no refresh token stored"}
	}

	body, err := json.Marshal(refreshRequest{
		ClientID:     clientID,
		GrantType:    "refresh_token",
		RefreshToken: creds.Tokens.RefreshToken,
		Scope:        "openid profile email",
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

	next := &Credentials{
		Tokens:      creds.Tokens,
		LastRefresh: time.Now().UTC().Format(time.RFC3339),
		Active:      true,
	}
	next.Tokens.AccessToken = tok.AccessToken
	if tok.IDToken != "" {
		next.Tokens.IDToken = tok.IDToken
	}
	if tok.RefreshToken != "" {
		next.Tokens.RefreshToken = tok.RefreshToken
	}
	if id := accountIDFromClaims(parseClaims(next.Tokens.IDToken)); id != "" {
		next.Tokens.AccountID = id
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

	return auth.Snapshot{
		Provider:     ProviderName,
		AccessToken:  creds.Tokens.AccessToken,
		RefreshToken: creds.Tokens.RefreshToken,
		ExpiresAt:    m.expiresAt(creds),
		AccountID:    creds.Tokens.AccountID,
		Extras: map[string]string{
			"active":       fmt.Sprintf("%t", creds.Active),
			"last_refresh": creds.LastRefresh,
		},
	}, nil
}

// Profile implements auth.Manager: claims come from the id_token, no network
// call involved.
func (m *Manager) Profile(ctx context.Context) (auth.Profile, error) {
	if p, ok := m.ProfileQuick(); ok {
		return p, nil
	}

	creds, err := m.load()
	if err != nil {
		return auth.Profile{}, err
	}

	claims := parseClaims(creds.Tokens.IDToken)
	if claims == nil {
		return auth.Profile{}, fmt.Errorf("%s: id_token is not a parseable JWT", ProviderName)
	}

	p := auth.Profile{AccountID: creds.Tokens.AccountID}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}
	if authClaim, ok := claims["https://api.openai.com/auth"].(map[string]any); ok {
		if plan, ok := authClaim["chatgpt_plan_type"].(string); ok {
			p.Plan = plan
		}
		if p.AccountID == "" {
			if id, ok := authClaim["chatgpt_account_id"].(string); ok {
				p.AccountID = id
			}
		}
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

// AccountID returns the ChatGPT account id from credentials or id_token
// claims, empty when unknown. The codex adapter attaches it as the
// chatgpt-account-id header.
func (m *Manager) AccountID() string {
	creds, err := m.load()
	if err != nil {
		return ""
	}
	if creds.Tokens.AccountID != "" {
		return creds.Tokens.AccountID
	}
	return accountIDFromClaims(parseClaims(creds.Tokens.IDToken))
}

// Close releases the credential watcher.
func (m *Manager) Close() error { return m.store.Close() }

// parseClaims decodes a JWT's claims without verifying the signature. The
// tokens come off our own disk and are only mined for display fields; the
// upstream does the real verification.
func parseClaims(token string) jwt.MapClaims {
	if token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}

func accountIDFromClaims(claims jwt.MapClaims) string {
	if claims == nil {
		return ""
	}
	if authClaim, ok := claims["https://api.openai.com/auth"].(map[string]any); ok {
		if id, ok := authClaim["chatgpt_account_id"].(string); ok {
			return id
		}
	}
	return ""
}

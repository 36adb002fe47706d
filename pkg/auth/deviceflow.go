package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DeviceAuthorization is the first leg of a device-code flow: the codes the
// user enters at the verification URI.
type DeviceAuthorization struct {
	// DeviceCode is the opaque code polled against the token endpoint.
	DeviceCode string `json:"device_code"`

	// UserCode is the short code the user types in.
	UserCode string `json:"user_code"`

	// VerificationURI is where the user completes authorization.
	VerificationURI string `json:"verification_uri"`

	// ExpiresIn is the lifetime of the device code in seconds.
	ExpiresIn int `json:"expires_in"`

	// Interval is the minimum polling interval in seconds.
	Interval int `json:"interval"`
}

// DeviceFlowConfig describes a provider's device-code endpoints.
type DeviceFlowConfig struct {
	// ClientID is the OAuth client identifier.
	ClientID string

	// DeviceAuthURL is the device-authorization endpoint.
	DeviceAuthURL string

	// TokenURL is the token endpoint polled for completion.
	TokenURL string

	// Scopes are the requested scopes.
	Scopes []string
}

// StartDeviceFlow requests a device authorization from the provider.
func StartDeviceFlow(ctx context.Context, client *http.Client, cfg DeviceFlowConfig) (*DeviceAuthorization, error) {
	form := url.Values{
		"client_id": {cfg.ClientID},
		"scope":     {strings.Join(cfg.Scopes, " ")},
	}

	body, status, err := postForm(ctx, client, cfg.DeviceAuthURL, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device authorization failed with status %d: %s", status, truncate(body, 200))
	}

	var da DeviceAuthorization
	if err := json.Unmarshal(body, &da); err != nil {
		return nil, fmt.Errorf("failed to parse device authorization: %w", err)
	}
	if da.Interval <= 0 {
		da.Interval = 5
	}
	return &da, nil
}

// deviceTokenResponse is the token endpoint's answer while polling.
type deviceTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

// PollForToken polls the token endpoint until the user completes, denies, or
// the device code expires. authorization_pending backs off exponentially up
// to 4x the base interval; slow_down bumps the base interval per RFC 8628.
func PollForToken(ctx context.Context, client *http.Client, cfg DeviceFlowConfig, da *DeviceAuthorization) (*oauth2.Token, error) {
	interval := time.Duration(da.Interval) * time.Second
	backoff := interval
	deadline := time.Now().Add(time.Duration(da.ExpiresIn) * time.Second)

	form := url.Values{
		"client_id":   {cfg.ClientID},
		"device_code": {da.DeviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("device code expired before authorization completed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		body, status, err := postForm(ctx, client, cfg.TokenURL, form)
		if err != nil {
			return nil, err
		}

		var resp deviceTokenResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse token response: %w", err)
		}

		switch resp.Error {
		case "":
			if resp.AccessToken == "" {
				return nil, fmt.Errorf("token endpoint returned neither token nor error (status %d)", status)
			}
			tok := &oauth2.Token{
				AccessToken:  resp.AccessToken,
				RefreshToken: resp.RefreshToken,
				TokenType:    resp.TokenType,
			}
			if resp.ExpiresIn > 0 {
				tok.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
			}
			return tok, nil

		case "authorization_pending":
			if backoff < 4*interval {
				backoff *= 2
			}
			continue

		case "slow_down":
			interval += 5 * time.Second
			backoff = interval
			continue

		case "expired_token":
			return nil, fmt.Errorf("device code expired before authorization completed")

		case "access_denied":
			return nil, fmt.Errorf("authorization denied by user")

		default:
			return nil, fmt.Errorf("device flow failed: %s", resp.Error)
		}
	}
}

func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

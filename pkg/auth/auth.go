// Package auth defines the shared credential model for the provider token
// managers: token snapshots, profiles, the manager contract, and the atomic
// on-disk credential store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Snapshot is a provider-tagged, read-only projection of provider-specific
// credentials into a uniform shape for diagnostics and status output.
type Snapshot struct {
	// Provider is the owning provider name.
	Provider string `json:"provider"`

	// AccessToken is the current access token. Never empty in a valid
	// snapshot.
	AccessToken string `json:"access_token"`

	// RefreshToken is present when the credential chain can be refreshed.
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresAt is the absolute expiry of the access token, when known.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Scopes are the granted OAuth scopes.
	Scopes []string `json:"scopes,omitempty"`

	// AccountID identifies the upstream account, when known.
	AccountID string `json:"account_id,omitempty"`

	// Extras carries provider-specific diagnostic fields.
	Extras map[string]string `json:"extras,omitempty"`
}

// Expired reports whether the snapshot's access token has passed its expiry.
// Snapshots without an expiry never report expired.
func (s Snapshot) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Profile describes the authenticated account behind a credential set.
type Profile struct {
	// Email is the account email, when derivable.
	Email string `json:"email,omitempty"`

	// Plan is the subscription plan ("pro", "max", "business", ...).
	Plan string `json:"plan,omitempty"`

	// AccountID identifies the upstream account.
	AccountID string `json:"account_id,omitempty"`

	// Scopes are the granted OAuth scopes.
	Scopes []string `json:"scopes,omitempty"`
}

// Manager is the per-provider token manager contract. Implementations
// serialize refreshes so that at most one is in flight per manager and
// concurrent callers share the outcome.
type Manager interface {
	// Provider returns the owning provider name.
	Provider() string

	// AccessToken returns a usable access token: valid tokens are returned
	// as-is, expired refreshable tokens are refreshed first, and expired
	// non-refreshable tokens are returned unchanged so the upstream rejects
	// them with an authoritative error.
	AccessToken(ctx context.Context) (string, error)

	// AccessTokenWithRefresh is the stricter sibling: it fails on any
	// refresh failure instead of falling back to the stored token.
	AccessTokenWithRefresh(ctx context.Context) (string, error)

	// Refresh forces a refresh against the provider's token endpoint and
	// atomically replaces the stored credentials on success.
	Refresh(ctx context.Context) error

	// Snapshot projects the stored credentials, or returns ErrNoCredentials.
	Snapshot() (Snapshot, error)

	// Profile derives the account profile, consulting the provider API or
	// token claims as needed. Results are cached for the process lifetime
	// and invalidated on refresh.
	Profile(ctx context.Context) (Profile, error)

	// ProfileQuick returns the cached profile without any network call, or
	// false when nothing is cached.
	ProfileQuick() (Profile, bool)
}

// ErrNoCredentials indicates that no credential file exists for a provider.
var ErrNoCredentials = errors.New("no credentials found")

// ReauthRequiredError indicates that the credential chain cannot be repaired
// without the user re-running the interactive login flow.
type ReauthRequiredError struct {
	// Provider is the provider whose credentials are unusable.
	Provider string

	// Reason explains why refresh is impossible.
	Reason string
}

// Error implements error.
func (e *ReauthRequiredError) Error() string {
	return fmt.Sprintf("%s: re-authentication required: %s", e.Provider, e.Reason)
}

// RefreshError wraps a failed token-endpoint call.
type RefreshError struct {
	// Provider is the provider whose refresh failed.
	Provider string

	// StatusCode is the token endpoint's HTTP status, 0 for transport errors.
	StatusCode int

	// Cause is the underlying error, when any.
	Cause error
}

// Error implements error.
func (e *RefreshError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: token refresh failed: %v", e.Provider, e.Cause)
	}
	return fmt.Sprintf("%s: token refresh failed with status %d", e.Provider, e.StatusCode)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (e *RefreshError) Unwrap() error { return e.Cause }

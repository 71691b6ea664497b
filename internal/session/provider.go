package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/starford/voicenotes/internal/models"
)

// ErrExchangeFailed is returned when the provider rejects an authorization
// code or its ID token.
var ErrExchangeFailed = errors.New("session: code exchange failed")

// Grant is the result of a successful provider round-trip.
type Grant struct {
	Identity models.Identity
	// Expiry is when the sign-in lapses. Zero means it does not.
	Expiry time.Time
}

// Provider is an interactive identity provider using the authorization-code
// flow.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (Grant, error)
}

// OIDCConfig configures an OIDCProvider.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// OIDCProvider signs users in against any OpenID Connect issuer.
type OIDCProvider struct {
	verifier    *oidc.IDTokenVerifier
	oauthConfig *oauth2.Config
}

// NewOIDCProvider discovers the issuer's endpoints.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("session: discover issuer %s: %w", cfg.Issuer, err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
	}, nil
}

// AuthCodeURL implements Provider.
func (p *OIDCProvider) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// Exchange implements Provider.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (Grant, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return Grant{}, fmt.Errorf("%w: missing id_token in token response", ErrExchangeFailed)
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: id_token verification failed: %v", ErrExchangeFailed, err)
	}
	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Grant{}, fmt.Errorf("%w: parse claims: %v", ErrExchangeFailed, err)
	}
	if claims.Sub == "" {
		return Grant{}, fmt.Errorf("%w: empty subject", ErrExchangeFailed)
	}
	return Grant{
		Identity: models.Identity{ID: claims.Sub, Email: claims.Email},
		Expiry:   idToken.Expiry,
	}, nil
}

// LocalProvider signs everyone in as one fixed identity. The authorization
// URL points straight back at the callback, so the full begin/complete
// round-trip still happens.
type LocalProvider struct {
	identity    models.Identity
	redirectURL string

	mu    sync.Mutex
	codes map[string]time.Time
}

// NewLocalProvider creates a development provider.
func NewLocalProvider(identity models.Identity, redirectURL string) *LocalProvider {
	return &LocalProvider{identity: identity, redirectURL: redirectURL, codes: make(map[string]time.Time)}
}

// AuthCodeURL implements Provider.
func (p *LocalProvider) AuthCodeURL(state string) string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	code := hex.EncodeToString(b)

	p.mu.Lock()
	p.codes[code] = time.Now()
	p.mu.Unlock()

	q := url.Values{"code": {code}, "state": {state}}
	return p.redirectURL + "?" + q.Encode()
}

// Exchange implements Provider.
func (p *LocalProvider) Exchange(_ context.Context, code string) (Grant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	issued, ok := p.codes[code]
	if !ok {
		return Grant{}, fmt.Errorf("%w: unknown code", ErrExchangeFailed)
	}
	delete(p.codes, code)
	if time.Since(issued) > 10*time.Minute {
		return Grant{}, fmt.Errorf("%w: code expired", ErrExchangeFailed)
	}
	return Grant{Identity: p.identity}, nil
}

package indexing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
)

// DefaultTokenSkew refreshes tokens this long before they expire.
const DefaultTokenSkew = time.Minute

// FetchFunc obtains a fresh access token.
type FetchFunc func() (*oauth2.Token, error)

// TokenCache holds one access token and refetches it only near expiry or after Invalidate.
// It implements oauth2.TokenSource.
type TokenCache struct {
	mu    sync.Mutex
	fetch FetchFunc
	skew  time.Duration
	now   func() time.Time
	token *oauth2.Token
}

// NewTokenCache wraps fetch. A non-positive skew uses DefaultTokenSkew.
func NewTokenCache(fetch FetchFunc, skew time.Duration) *TokenCache {
	if skew <= 0 {
		skew = DefaultTokenSkew
	}
	return &TokenCache{fetch: fetch, skew: skew, now: time.Now}
}

// Token returns the cached token or fetches a new one.
func (c *TokenCache) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid() {
		tok := *c.token
		return &tok, nil
	}
	tok, err := c.fetch()
	if err != nil {
		return nil, fmt.Errorf("fetch access token: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, fmt.Errorf("fetch access token: empty token")
	}
	c.token = tok
	out := *tok
	return &out, nil
}

// Invalidate drops the cached token so the next call refetches.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

func (c *TokenCache) valid() bool {
	if c.token == nil || c.token.AccessToken == "" {
		return false
	}
	if c.token.Expiry.IsZero() {
		return true
	}
	return c.now().Add(c.skew).Before(c.token.Expiry)
}

// Credentials identifies the service account. JSON takes precedence over the
// ClientEmail/PrivateKey pair.
type Credentials struct {
	JSON        []byte
	ClientEmail string
	PrivateKey  string
	TokenURL    string
}

// ServiceAccountFetcher returns a FetchFunc performing the JWT bearer exchange
// for scope on every call.
func ServiceAccountFetcher(ctx context.Context, creds Credentials, scope string) (FetchFunc, error) {
	var (
		cfg *jwt.Config
		err error
	)
	switch {
	case len(creds.JSON) > 0:
		cfg, err = google.JWTConfigFromJSON(creds.JSON, scope)
		if err != nil {
			return nil, fmt.Errorf("parse service account json: %w", err)
		}
	case creds.ClientEmail != "" && creds.PrivateKey != "":
		cfg = &jwt.Config{
			Email: creds.ClientEmail,
			// Keys pasted into env vars usually carry literal \n sequences.
			PrivateKey: []byte(strings.ReplaceAll(creds.PrivateKey, `\n`, "\n")),
			Scopes:     []string{scope},
			TokenURL:   google.JWTTokenURL,
		}
	default:
		return nil, fmt.Errorf("service account credentials are required")
	}
	if creds.TokenURL != "" {
		cfg.TokenURL = creds.TokenURL
	}
	return func() (*oauth2.Token, error) {
		tok, err := cfg.TokenSource(ctx).Token()
		if err != nil {
			return nil, fmt.Errorf("jwt exchange: %w", err)
		}
		return tok, nil
	}, nil
}

package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

// tokenRefreshInterval is how long a fetched ID token is reused. Google ID
// tokens live for an hour; the cache does not inspect the token's own expiry.
const tokenRefreshInterval = time.Hour

// TokenFetcher mints an ID token for an audience.
type TokenFetcher interface {
	FetchToken(ctx context.Context, audience string) (string, error)
}

// IDTokenFetcher mints Google-signed ID tokens from the ambient credentials
// or a service account file.
type IDTokenFetcher struct {
	opts []option.ClientOption
}

// NewIDTokenFetcher creates a fetcher. An empty credentialsFile uses
// application default credentials (the metadata server on Cloud Run).
func NewIDTokenFetcher(credentialsFile string) *IDTokenFetcher {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	return &IDTokenFetcher{opts: opts}
}

// FetchToken implements TokenFetcher.
func (f *IDTokenFetcher) FetchToken(ctx context.Context, audience string) (string, error) {
	ts, err := idtoken.NewTokenSource(ctx, audience, f.opts...)
	if err != nil {
		return "", fmt.Errorf("creating id token source: %w", err)
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("fetching id token: %w", err)
	}
	return tok.AccessToken, nil
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// TokenCache reuses fetched tokens per audience for tokenRefreshInterval.
type TokenCache struct {
	fetcher TokenFetcher
	ttl     time.Duration
	now     func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

// NewTokenCache wraps fetcher with a per-audience cache.
func NewTokenCache(fetcher TokenFetcher) *TokenCache {
	return &TokenCache{
		fetcher: fetcher,
		ttl:     tokenRefreshInterval,
		now:     time.Now,
		tokens:  make(map[string]cachedToken),
	}
}

// Token returns a cached token for audience, fetching a new one when none is
// cached or the cached one is past its window.
func (c *TokenCache) Token(ctx context.Context, audience string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tokens[audience]; ok && c.now().Before(t.expiry) {
		return t.token, nil
	}

	now := c.now()
	token, err := c.fetcher.FetchToken(ctx, audience)
	if err != nil {
		return "", err
	}
	c.tokens[audience] = cachedToken{token: token, expiry: now.Add(c.ttl)}
	return token, nil
}

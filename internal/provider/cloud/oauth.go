// Package cloud implements Upload-capable providers for Dropbox, Google
// Drive, and Yandex Disk: OAuth2 REST clients sharing one retryable HTTP
// transport and token-refresh path.
package cloud

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
)

// Credentials is the config shape shared by all three providers
// (spec.md §6's tagged-union provider config).
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// oauthClient owns a refreshing token source and a retryable HTTP client
// built on top of it. Token refresh is mutex-guarded so concurrent chunk
// uploads on the same provider never race to refresh simultaneously.
type oauthClient struct {
	mu     sync.Mutex
	ts     oauth2.TokenSource
	http   *retryablehttp.Client
	tokURL string
}

func newOAuthClient(ctx context.Context, creds Credentials, tokenURL string) *oauthClient {
	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	tok := &oauth2.Token{RefreshToken: creds.RefreshToken}
	ts := cfg.TokenSource(ctx, tok)

	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 8 * time.Second
	rc.Logger = nil

	return &oauthClient{ts: ts, http: rc, tokURL: tokenURL}
}

// authedRequest builds an HTTP request with a fresh bearer token attached.
// body follows retryablehttp's accepted shapes (nil, []byte, io.Reader,
// or a func() (io.Reader, error) for replayable retries).
func (c *oauthClient) authedRequest(ctx context.Context, method, url string, body interface{}) (*retryablehttp.Request, error) {
	c.mu.Lock()
	tok, err := c.ts.Token()
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("cloud: refresh token: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("cloud: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return req, nil
}

func (c *oauthClient) do(req *retryablehttp.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloud: transport: %w", err)
	}
	return resp, nil
}

// Package auth obtains OAuth2 client-credentials tokens for the outbound
// HTTP integrations, such as the transactional mail API used for OTPs.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCred caches a client-credentials token and refreshes it when it
// expires. It is safe for concurrent use.
type ClientCred struct {
	conf clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

func NewClientCred(conf Conf) *ClientCred {
	return &ClientCred{
		conf: conf.toOauth2Config(),
	}
}

// GetToken returns a valid access token, fetching a new one when the cached
// token is missing or expired.
func (c *ClientCred) GetToken(ctx context.Context) (string, error) {
	tok, err := c.valid(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (c *ClientCred) valid(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.Valid() {
		return c.token, nil
	}
	return c.fetch(ctx)
}

// fetch must be called with mu held.
func (c *ClientCred) fetch(ctx context.Context) (*oauth2.Token, error) {
	tok, err := c.conf.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	c.token = tok
	return tok, nil
}

// ForceRefresh discards the cached token, typically after the remote API
// answered 401, and returns a new one.
func (c *ClientCred) ForceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// SetAuthHeader sets the bearer token on r.
func (c *ClientCred) SetAuthHeader(r *http.Request) error {
	tok, err := c.valid(r.Context())
	if err != nil {
		return err
	}
	tok.SetAuthHeader(r)
	return nil
}

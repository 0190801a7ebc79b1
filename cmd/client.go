package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nexora/dispatch/api/httpx"
	"github.com/nexora/dispatch/config"
	"github.com/nexora/dispatch/core/model"
)

// apiClient calls a running dispatchd as an operator. The bearer token is
// minted with the configured secret.
type apiClient struct {
	base   string
	http   *http.Client
	header http.Header
}

func newAPIClient(cfg *config.Config, server string) (*apiClient, error) {
	c := &apiClient{
		base:   strings.TrimRight(server, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		header: http.Header{},
	}
	if cfg.HTTP.JWTSecret == "" {
		c.header.Set("X-User-ID", "cli")
		c.header.Set("X-User-Role", string(model.RoleAdmin))
		return c, nil
	}
	tok, err := httpx.IssueToken(cfg.HTTP.JWTSecret, "cli", model.RoleAdmin, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	c.header.Set("Authorization", "Bearer "+tok)
	return c, nil
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e httpx.Error
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Retry {
			return fmt.Errorf("%s %s: %s (%d, retry later)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s (%d)", method, path, e.Error, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

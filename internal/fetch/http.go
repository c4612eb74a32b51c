package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPGetter fetches media over plain HTTP(S). The per-request deadline comes
// from the context the Fetcher builds, so the client itself carries none.
type HTTPGetter struct {
	client *http.Client
}

// NewHTTPGetter wraps the provided client; nil means http.DefaultClient.
func NewHTTPGetter(client *http.Client) *HTTPGetter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGetter{client: client}
}

func (g *HTTPGetter) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

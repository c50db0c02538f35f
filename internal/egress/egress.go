// Package egress is the client side of the proxy-health subsystem's narrow
// interface: ask for one healthy egress endpoint. The health checking itself
// is that subsystem's business, not ours.
package egress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Provider asks an external proxy-health service for an available egress
// endpoint. A "none available" answer is a normal transient condition and is
// reported via ok=false, not an error.
type Provider struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, timeout time.Duration) *Provider {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Provider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Endpoint returns a proxy URL to egress through. GET {base}/v1/endpoint is
// expected to answer {"url": "..."} or 204 when nothing healthy is up.
func (p *Provider) Endpoint(ctx context.Context) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/endpoint", nil)
	if err != nil {
		return "", false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", false, err
		}
		if body.URL == "" {
			return "", false, nil
		}
		return body.URL, true, nil
	case http.StatusNoContent, http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("egress provider: status %d", resp.StatusCode)
	}
}

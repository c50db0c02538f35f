// Package fetch is a thin HTTP implementation of the execution capability.
// The real extraction pipeline lives outside this subsystem; this fetcher
// exists so the worker binary has something real to run and so failure
// classification (transient vs terminal) has one concrete home.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/crawlgrid/crawlgrid/internal/task"
	"github.com/crawlgrid/crawlgrid/internal/worker"
)

const maxBodyBytes = 10 << 20 // 10 MiB cap per fetch

// Fetcher implements worker.Capability over plain HTTP GET.
type Fetcher struct {
	Timeout   time.Duration
	UserAgent string
}

func New(timeout time.Duration) *Fetcher {
	return &Fetcher{Timeout: timeout, UserAgent: "crawlgrid/1.0"}
}

// Execute fetches the payload URL, routing through the egress proxy when one
// is provided. A malformed URL or a definitive 4xx is terminal; network
// errors, timeouts, 429 and 5xx are transient.
func (f *Fetcher) Execute(ctx context.Context, p task.Payload, egressURL string) (worker.Result, error) {
	target, err := url.ParseRequestURI(p.URL)
	if err != nil {
		return worker.Result{}, worker.Terminal(fmt.Errorf("invalid target url: %w", err))
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return worker.Result{}, worker.Terminal(fmt.Errorf("unsupported scheme %q", target.Scheme))
	}

	client, err := f.client(egressURL)
	if err != nil {
		return worker.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return worker.Result{}, worker.Terminal(err)
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return worker.Result{}, err // network class: retriable
	}
	defer resp.Body.Close()

	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return worker.Result{
			Summary: fmt.Sprintf("fetched %s: status %d", p.URL, resp.StatusCode),
			Bytes:   int(n),
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return worker.Result{}, fmt.Errorf("fetch %s: status %d", p.URL, resp.StatusCode)
	default:
		// Definitive client error: the target will not get better on retry.
		return worker.Result{}, worker.Terminal(fmt.Errorf("fetch %s: status %d", p.URL, resp.StatusCode))
	}
}

func (f *Fetcher) client(egressURL string) (*http.Client, error) {
	timeout := f.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if egressURL == "" {
		return &http.Client{Timeout: timeout}, nil
	}
	proxy, err := url.Parse(egressURL)
	if err != nil {
		return nil, fmt.Errorf("bad egress endpoint %q: %w", egressURL, err)
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxy)},
	}, nil
}

package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const proxyPath = "/cors-anywhere"

type Fetcher struct {
	httpClient *http.Client
	proxyBase  string
	userAgent  string
	timeout    time.Duration
}

// NewFetcher routes every request through proxyBase. An empty proxyBase
// requests targets directly.
func NewFetcher(httpClient *http.Client, proxyBase, userAgent string, timeout time.Duration) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Fetcher{
		httpClient: httpClient,
		proxyBase:  strings.TrimRight(proxyBase, "/"),
		userAgent:  userAgent,
		timeout:    timeout,
	}
}

// RequestURL returns the URL actually requested for target.
func (f *Fetcher) RequestURL(target string) string {
	if f.proxyBase == "" {
		return target
	}
	return f.proxyBase + proxyPath + "?" + url.Values{"u": {target}}.Encode()
}

// Fetch returns the whole body of target as text.
func (f *Fetcher) Fetch(ctx context.Context, target string) (string, error) {
	body, err := f.Open(ctx, target)
	if err != nil {
		return "", err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			return "", fetchErr
		}
		return "", &FetchError{URL: target, Err: err}
	}

	return string(data), nil
}

// Open starts the request and hands back the body as a stream. The fetch
// timeout covers reading the body too; closing the body releases it.
func (f *Fetcher) Open(ctx context.Context, target string) (io.ReadCloser, error) {
	if _, err := url.ParseRequestURI(target); err != nil {
		return nil, &FetchError{URL: target, Err: fmt.Errorf("invalid URL: %w", err)}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, f.timeout)

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, f.RequestURL(target), nil)
	if err != nil {
		cancel()
		return nil, &FetchError{URL: target, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &FetchError{URL: target, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, &FetchError{URL: target, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	slog.Debug("Document fetched", "url", target, "status", resp.StatusCode, "content_length", resp.ContentLength)

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel, target: target}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	target string
}

func (c *cancelOnClose) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		return n, &FetchError{URL: c.target, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	return n, err
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Package enrich is the client for the upstream visitor-enrichment API:
// a paginated JSON source of contact/event records with several
// historical field-naming conventions, fetched in parallel batches and
// tolerant of partial page failures.
package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/visitor-insights/internal/pkg/httpretry"
)

// bearerHostSuffix is the managed-platform host family that requires the
// API key as a bearer token in addition to the X-API-Key header. Other
// deployments reject an Authorization header they did not configure.
const bearerHostSuffix = "insightpixel.io"

const (
	defaultFullFetchBatch  = 5
	defaultChunkFetchBatch = 10
)

// Client fetches pages from an enrichment endpoint. The endpoint URL is
// per-call: each audience import carries its own source URL.
type Client struct {
	apiKey     string
	httpClient httpretry.HTTPDoer
	fullBatch  int
	chunkBatch int
}

// NewClient creates an enrichment API client.
func NewClient(cfg Config) *Client {
	fullBatch := cfg.FullFetchBatchPages
	if fullBatch <= 0 {
		fullBatch = defaultFullFetchBatch
	}
	chunkBatch := cfg.ChunkFetchBatchPages
	if chunkBatch <= 0 {
		chunkBatch = defaultChunkFetchBatch
	}
	return &Client{
		apiKey: cfg.APIKey,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: 60 * time.Second,
		}, cfg.MaxRetries),
		fullBatch:  fullBatch,
		chunkBatch: chunkBatch,
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// ValidateEndpoint checks that an import source URL is well-formed before
// any state is created for it.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	return nil
}

// fetchPage retrieves and parses a single page. Returns the parsed
// envelope and the raw body (for the forensic archive).
func (c *Client) fetchPage(ctx context.Context, endpoint string, page int) (*pageEnvelope, []byte, error) {
	pageURL, err := pageURL(endpoint, page)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, snippet(body))
	}

	envelope, err := parsePage(body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse page %d: %w", page, err)
	}
	return envelope, body, nil
}

// setAuthHeaders attaches the API key. X-API-Key is always sent; the
// bearer form is added only for the managed-platform host family, since
// upstream auth requirements vary by deployment.
func (c *Client) setAuthHeaders(req *http.Request) {
	if c.apiKey == "" {
		return
	}
	req.Header.Set("X-API-Key", c.apiKey)
	host := req.URL.Hostname()
	if host == bearerHostSuffix || strings.HasSuffix(host, "."+bearerHostSuffix) {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// pageURL appends the page query parameter, preserving any query string
// already on the endpoint.
func pageURL(endpoint string, page int) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint URL: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// snippet truncates a response body for error messages.
func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// Package taxii is a TAXII 2.1 client: collection discovery and paged object
// retrieval with added-after filtering. Requests are rate limited client-side
// and retried with exponential backoff on transient failures.
package taxii

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"crisp.org/internal/feed"
	"crisp.org/internal/intel"
	"crisp.org/internal/stix"
)

var _ feed.Source = (*Client)(nil)

const (
	mediaType       = "application/taxii+json;version=2.1"
	defaultPageSize = 100
	maxRetries      = 4
	maxResponseSize = 32 << 20 // 32 MiB per page
)

// Collection describes a readable TAXII collection.
type Collection struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	CanRead     bool     `json:"can_read"`
	CanWrite    bool     `json:"can_write"`
	MediaTypes  []string `json:"media_types,omitempty"`
}

type collectionsEnvelope struct {
	Collections []Collection `json:"collections"`
}

type objectsEnvelope struct {
	Objects []stix.Object `json:"objects"`
	More    bool          `json:"more"`
	Next    string        `json:"next,omitempty"`
}

// Client talks to TAXII 2.1 servers. One client may serve many feeds; the
// rate limiter is shared so a burst of consumptions cannot flood a server.
type Client struct {
	http     *http.Client
	limiter  *rate.Limiter
	pageSize int
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithPageSize sets the limit parameter sent per page request.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewClient builds a client with a 30s request timeout and a 10 req/s limit.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DiscoverCollections lists the collections under an API root.
func (c *Client) DiscoverCollections(ctx context.Context, serverURL, apiRoot, username, password string) ([]Collection, error) {
	endpoint, err := joinURL(serverURL, apiRoot, "collections/")
	if err != nil {
		return nil, err
	}
	var env collectionsEnvelope
	if err := c.getJSON(ctx, endpoint, username, password, &env); err != nil {
		return nil, fmt.Errorf("discover collections: %w", err)
	}
	return env.Collections, nil
}

// Objects implements the feed source interface: it pages through the feed's
// collection, following next cursors until the server reports no more data.
// since becomes the added_after filter for incremental polling; pageSize
// overrides the client's configured page size when positive.
func (c *Client) Objects(ctx context.Context, feed *intel.Feed, since *time.Time, pageSize int) ([]stix.Object, error) {
	endpoint, err := joinURL(feed.ServerURL, feed.APIRoot, "collections/"+feed.CollectionID+"/objects/")
	if err != nil {
		return nil, err
	}
	size := c.pageSize
	if pageSize > 0 {
		size = pageSize
	}

	var out []stix.Object
	next := ""
	for {
		page := endpoint
		query := url.Values{}
		query.Set("limit", fmt.Sprintf("%d", size))
		if since != nil {
			query.Set("added_after", since.UTC().Format(time.RFC3339))
		}
		if next != "" {
			query.Set("next", next)
		}
		page += "?" + query.Encode()

		var env objectsEnvelope
		if err := c.getJSON(ctx, page, feed.Username, feed.Password, &env); err != nil {
			return nil, fmt.Errorf("get objects: %w", err)
		}
		out = append(out, env.Objects...)
		if !env.More || env.Next == "" {
			return out, nil
		}
		next = env.Next
	}
}

// getJSON performs one rate-limited GET with retries. Client errors (4xx) are
// permanent; 429 and 5xx are retried.
func (c *Client) getJSON(ctx context.Context, endpoint, username, password string, dest any) error {
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", mediaType)
		if username != "" {
			req.SetBasicAuth(username, password)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("taxii server returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("taxii server returned %d", resp.StatusCode))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, dest); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
}

func joinURL(serverURL, apiRoot, suffix string) (string, error) {
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	root := strings.Trim(apiRoot, "/")
	parts := []string{base.String()}
	if root != "" {
		parts = append(parts, root)
	}
	parts = append(parts, suffix)
	return strings.Join(parts, "/"), nil
}

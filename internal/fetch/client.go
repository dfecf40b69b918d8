// Package fetch is the rate-limited, retrying HTTP side of the pipelines:
// page metadata for links and raw JSON payloads for datasets.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = 250 * time.Millisecond
	DefaultRateLimit    = 5.0
	DefaultRateBurst    = 5
	DefaultMaxBodyBytes = 8 << 20
	DefaultUserAgent    = "sitecache/1.0 (+static site build)"
)

type Config struct {
	// Timeout bounds one attempt when the caller's ctx has no deadline.
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	// RateLimit is requests per second shared by every goroutine using the client.
	RateLimit    float64
	RateBurst    int
	MaxBodyBytes int64
	UserAgent    string
	Transport    http.RoundTripper
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = DefaultRateBurst
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(config Config) *Client {
	config = config.withDefaults()
	return &Client{
		config: config,
		http: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
	}
}

type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: HTTP %d: %s", e.URL, e.StatusCode, e.Message)
}

func (e *HTTPError) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

func (e *HTTPError) IsServerError() bool { return e.StatusCode >= 500 }

var errPermanent = errors.New("permanent")

func isRetryable(err error) bool {
	if errors.Is(err, errPermanent) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRateLimited() || httpErr.IsServerError()
	}
	// transport errors (reset, refused) are worth one more try; ctx errors are not
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Get fetches url with rate limiting and exponential backoff on 429, 5xx and
// transport errors.
func (c *Client) Get(ctx context.Context, url string, accept string) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("rate limiter: %w", err)
		}
		resp, err := c.getOnce(ctx, url, accept)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == c.config.MaxRetries {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * c.config.RetryBackoff
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return Response{}, ctx.Err()
		case <-t.C:
		}
	}
	return Response{}, lastErr
}

func (c *Client) getOnce(ctx context.Context, url string, accept string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("create request %s: %w: %w", url, errPermanent, err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes+1))
	if err != nil {
		return Response{}, fmt.Errorf("read body %s: %w", url, err)
	}
	if int64(len(body)) > c.config.MaxBodyBytes {
		return Response{}, fmt.Errorf("GET %s: body exceeds %d bytes: %w", url, c.config.MaxBodyBytes, errPermanent)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &HTTPError{URL: url, StatusCode: resp.StatusCode, Message: snippet(body)}
	}

	return Response{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// Package wiki talks to MediaWiki JSON APIs: a paced client with an unbounded
// 429 retry loop, a category paginator, a batched markup fetcher and an
// imageinfo lookup.
package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/metrics"
	"github.com/lostcityquiz/wikiscrape/internal/policy/retry"
)

const defaultTimeout = 15 * time.Second

// Caller issues one JSON API call and decodes the response into out.
type Caller interface {
	Call(ctx context.Context, params url.Values, out any) error
}

// Pacer spaces out requests to the same host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// APIError is a terminal, non-429 failure for one call.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wiki api error %d: %s", e.Status, e.Body)
}

// TimeoutError reports that no response arrived within the call deadline.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wiki api timeout after %s: %s", e.Timeout, e.URL)
}

// Config controls a Client.
type Config struct {
	Endpoint   string
	UserAgent  string
	Timeout    time.Duration
	RetryAfter time.Duration
}

// Client is a rate-limited MediaWiki API client.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *resty.Client
	pacer    Pacer
	retry    *retry.Policy
	logger   *zap.Logger
}

// NewClient builds a Client. A nil pacer disables pacing.
func NewClient(cfg Config, pacer Pacer, logger *zap.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid wiki endpoint %q: %w", cfg.Endpoint, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := resty.New()
	httpClient.SetLogger(logger.Sugar())
	if cfg.UserAgent != "" {
		httpClient.SetHeader("User-Agent", cfg.UserAgent)
	}
	httpClient.SetHeader("Accept", "application/json")
	httpClient.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		metrics.ObserveWikiRequest(res.Request.URL, res.StatusCode())
		return nil
	})

	return &Client{
		endpoint: cfg.Endpoint,
		timeout:  timeout,
		http:     httpClient,
		pacer:    pacer,
		retry:    retry.New(cfg.RetryAfter),
		logger:   logger,
	}, nil
}

// Endpoint returns the API URL the client talks to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Call paces, sends params as a GET query with format=json and decodes the
// body into out. A 429 is retried after its Retry-After wait until it
// succeeds or ctx ends.
func (c *Client) Call(ctx context.Context, params url.Values, out any) error {
	query := make(url.Values, len(params)+1)
	for k, v := range params {
		query[k] = append([]string(nil), v...)
	}
	query.Set("format", "json")

	for {
		if c.pacer != nil {
			if err := c.pacer.Wait(ctx, c.endpoint); err != nil {
				return fmt.Errorf("pace wiki call: %w", err)
			}
		}
		res, err := c.do(ctx, query)
		if err != nil {
			return err
		}
		if res.StatusCode() == http.StatusTooManyRequests {
			wait := c.retry.RetryAfter(res.Header().Get("Retry-After"))
			metrics.ObserveRateLimited(c.endpoint, wait)
			c.logger.Warn("rate limited, waiting",
				zap.String("endpoint", c.endpoint),
				zap.Duration("wait", wait),
			)
			if err := retry.Sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		if res.StatusCode() < 200 || res.StatusCode() > 299 {
			return &APIError{Status: res.StatusCode(), Body: res.String()}
		}
		return decode(res.Body(), out)
	}
}

func (c *Client) do(ctx context.Context, query url.Values) (*resty.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.http.R().
		SetContext(callCtx).
		SetQueryParamsFromValues(query).
		Get(c.endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wiki call canceled: %w", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{URL: c.endpoint, Timeout: c.timeout}
		}
		return nil, fmt.Errorf("wiki request: %w", err)
	}
	return res, nil
}

type errorEnvelope struct {
	Error *struct {
		Code string `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
}

func decode(body []byte, out any) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode wiki response: %w", err)
	}
	if env.Error != nil {
		return &APIError{Status: http.StatusOK, Body: env.Error.Code + ": " + env.Error.Info}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode wiki response: %w", err)
	}
	return nil
}

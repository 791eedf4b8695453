// Package collyfetcher downloads raw file bytes from wiki file endpoints using
// gocolly, retrying HTTP 429 responses until they clear.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/metrics"
	"github.com/lostcityquiz/wikiscrape/internal/policy/retry"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 20 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	RetryAfter  time.Duration
}

// StatusError is a terminal non-2xx, non-429 response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: http %d", e.URL, e.Status)
}

// Fetcher downloads single URLs with a cloned Colly collector per attempt.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	retry         *retry.Policy
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// attempt captures the outcome of one collector visit.
type attempt struct {
	status     int
	retryAfter string
	body       []byte
	err        error
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		retry:         retry.New(cfg.RetryAfter),
		logger:        logger,
	}
}

// Fetch returns the body of url. A 429 is retried after its Retry-After wait
// for as long as ctx allows; any other non-2xx is a *StatusError.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	for {
		var result attempt
		collector := f.buildCollector(ctx, &result)
		if err := f.runCollector(ctx, collector, url); err != nil {
			// Colly reports non-2xx through Visit too; only bail when no
			// response came back at all.
			if ctx.Err() != nil || result.status == 0 {
				return nil, err
			}
		}
		metrics.ObserveWikiRequest(url, result.status)

		switch {
		case result.status == http.StatusTooManyRequests:
			wait := f.retry.RetryAfter(result.retryAfter)
			metrics.ObserveRateLimited(url, wait)
			f.logger.Warn("rate limited, waiting", zap.String("url", url), zap.Duration("wait", wait))
			if err := retry.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		case result.status < 200 || result.status > 299:
			return nil, &StatusError{URL: url, Status: result.status}
		case result.err != nil:
			return nil, fmt.Errorf("colly response failed: %w", result.err)
		default:
			return result.body, nil
		}
	}
}

// FetchFirst tries urls in order and returns the first body that downloads,
// together with the URL that served it.
func (f *Fetcher) FetchFirst(ctx context.Context, urls []string) ([]byte, string, error) {
	var errs []error
	for _, url := range urls {
		body, err := f.Fetch(ctx, url)
		if err == nil {
			return body, url, nil
		}
		if ctx.Err() != nil {
			return nil, "", err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, "", errors.New("no urls to fetch")
	}
	return nil, "", errors.Join(errs...)
}

func (f *Fetcher) buildCollector(ctx context.Context, result *attempt) *colly.Collector {
	collector := f.baseCollector.Clone()
	// Requests carry ctx so cancellation aborts the transport too.
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.MaxBodySize = f.cfg.MaxBodySize
	collector.SetRequestTimeout(f.cfg.Timeout)

	f.configureCollectorHooks(collector, result)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *attempt) {
	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		result.err = err
		if r == nil {
			return
		}
		result.status = r.StatusCode
		if r.Headers != nil {
			result.retryAfter = r.Headers.Get("Retry-After")
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Package fetch implements the probe fetch client: colly transport, bounded
// retries with backoff, session rate limiting, and optional headless
// promotion. Fetch never returns an error; every failure is folded into the
// result.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

// Config controls the probe transport and promotion behavior.
type Config struct {
	// UserAgent is sent on every probe and headless request.
	UserAgent string
	// Timeout applies when a task's fetch policy has none.
	Timeout time.Duration
	// HeadlessEnabled allows detector-driven promotion. Sources can force
	// rendering regardless via metadata render_js=true.
	HeadlessEnabled bool
}

// Client implements pipeline.Fetcher.
type Client struct {
	cfg      Config
	limiter  pipeline.Limiter
	renderer pipeline.Renderer
	detector pipeline.HeadlessDetector
	clock    pipeline.Clock
	logger   *zap.Logger
	base     *colly.Collector
}

// NewClient builds a fetch client. Renderer and detector may be nil, which
// disables headless promotion.
func NewClient(
	cfg Config,
	limiter pipeline.Limiter,
	renderer pipeline.Renderer,
	detector pipeline.HeadlessDetector,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	base := colly.NewCollector(
		colly.Async(false),
		colly.UserAgent(cfg.UserAgent),
	)
	base.WithTransport(newHTTPTransport())

	return &Client{
		cfg:      cfg,
		limiter:  limiter,
		renderer: renderer,
		detector: detector,
		clock:    clock,
		logger:   logger,
		base:     base,
	}
}

// Fetch performs one rate-limited GET with bounded retries. Transient
// network and timeout errors are retried; HTTP error statuses are not.
func (c *Client) Fetch(ctx context.Context, task pipeline.FetchTask) pipeline.FetchResult {
	start := c.clock.Now()

	timeout := task.Policy.Timeout()
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	policy := pipeline.DefaultRetryPolicy()
	if task.Policy.MaxRetries > 0 {
		policy = policy.WithMaxAttempts(task.Policy.MaxRetries)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return c.foldError(task, start, 0, err)
	}

	var result pipeline.FetchResult
	attempt := 0
	for {
		res, err := c.attemptProbe(ctx, task, timeout)
		if err == nil {
			result = res
			break
		}
		if !policy.ShouldRetry(err, attempt) {
			return c.foldError(task, start, attempt, err)
		}
		delay := policy.Backoff(attempt)
		c.logger.Debug("retrying fetch",
			zap.String("url", task.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return c.foldError(task, start, attempt, ctx.Err())
		}
		attempt++
	}

	if result.Success {
		result = c.maybePromote(ctx, task, result, timeout)
	}
	result.RetryCount = attempt
	result.DurationMS = c.clock.Since(start).Milliseconds()
	return result
}

// attemptProbe issues a single GET. A response with any HTTP status folds
// into a result with no error; only transport failures return an error.
func (c *Client) attemptProbe(ctx context.Context, task pipeline.FetchTask, timeout time.Duration) (pipeline.FetchResult, error) {
	collector := c.base.Clone()
	collector.SetRequestTimeout(timeout)

	var (
		result   pipeline.FetchResult
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		result = responseToResult(task.URL, r)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			result = responseToResult(task.URL, r)
			result.Error = fmt.Sprintf("HTTP %d", r.StatusCode)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(task.URL)
	}()

	select {
	case <-ctx.Done():
		return pipeline.FetchResult{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case visitErr := <-done:
		if result.StatusCode > 0 {
			return result, nil
		}
		if fetchErr != nil {
			return pipeline.FetchResult{}, fetchErr
		}
		if visitErr != nil {
			return pipeline.FetchResult{}, fmt.Errorf("visit %s: %w", task.URL, visitErr)
		}
		return pipeline.FetchResult{}, errors.New("fetch produced no result")
	}
}

// maybePromote retries through the headless renderer when the probe body
// looks like a JS shell, or unconditionally when the source forces
// render_js. Promotion failures keep the probe result.
func (c *Client) maybePromote(ctx context.Context, task pipeline.FetchTask, result pipeline.FetchResult, timeout time.Duration) pipeline.FetchResult {
	if c.renderer == nil || c.detector == nil {
		return result
	}
	forced := task.Metadata["render_js"] == "true"
	if !c.cfg.HeadlessEnabled && !forced {
		return result
	}
	if !forced && !c.detector.ShouldPromote(result) {
		return result
	}

	rendered, err := c.renderer.Render(ctx, task.URL, timeout)
	if err != nil {
		c.logger.Warn("headless promotion failed",
			zap.String("url", task.URL),
			zap.Error(err),
		)
		return result
	}
	rendered.UsedHeadless = true
	c.logger.Info("headless promotion applied", zap.String("url", task.URL))
	return rendered
}

func (c *Client) foldError(task pipeline.FetchTask, start time.Time, attempt int, err error) pipeline.FetchResult {
	return pipeline.FetchResult{
		URL:        task.URL,
		Success:    false,
		Error:      err.Error(),
		RetryCount: attempt,
		DurationMS: c.clock.Since(start).Milliseconds(),
	}
}

func responseToResult(requestURL string, r *colly.Response) pipeline.FetchResult {
	headers := map[string]string{}
	contentType := ""
	if r.Headers != nil {
		for key, values := range *r.Headers {
			if len(values) > 0 {
				headers[key] = values[0]
			}
		}
		contentType = r.Headers.Get("Content-Type")
	}
	finalURL := requestURL
	if r.Request != nil && r.Request.URL != nil {
		finalURL = r.Request.URL.String()
	}
	return pipeline.FetchResult{
		URL:         finalURL,
		StatusCode:  r.StatusCode,
		Content:     append([]byte(nil), r.Body...),
		Headers:     headers,
		ContentType: contentType,
		Success:     r.StatusCode >= 200 && r.StatusCode < 300,
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

package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/clock/system"
	"github.com/jobagent/leadpipe/internal/fetch/detector"
	"github.com/jobagent/leadpipe/internal/pipeline"
)

type fakeLimiter struct {
	waits int32
	err   error
}

func (f *fakeLimiter) Wait(_ context.Context) error {
	atomic.AddInt32(&f.waits, 1)
	return f.err
}

type fakeRenderer struct {
	result pipeline.FetchResult
	err    error
	calls  int32
}

func (f *fakeRenderer) Render(_ context.Context, _ string, _ time.Duration) (pipeline.FetchResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return pipeline.FetchResult{}, f.err
	}
	return f.result, nil
}

type fakeDetector struct {
	promote bool
}

func (f fakeDetector) ShouldPromote(pipeline.FetchResult) bool {
	return f.promote
}

func newTestClient(cfg Config, limiter pipeline.Limiter, renderer pipeline.Renderer, det pipeline.HeadlessDetector) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "test-agent"
	}
	return NewClient(cfg, limiter, renderer, det, system.New(), zap.NewNop())
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>careers</html>"))
	}))
	defer server.Close()

	limiter := &fakeLimiter{}
	client := newTestClient(Config{}, limiter, nil, nil)

	result := client.Fetch(context.Background(), pipeline.FetchTask{
		URL:      server.URL,
		SourceID: "acme",
		Policy:   pipeline.FetchPolicy{TimeoutSeconds: 5, MaxRetries: 3},
	})

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", result.StatusCode)
	}
	if string(result.Content) != "<html>careers</html>" {
		t.Fatalf("unexpected content %q", result.Content)
	}
	if result.ContentType != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %q", result.ContentType)
	}
	if result.RetryCount != 0 {
		t.Fatalf("expected no retries, got %d", result.RetryCount)
	}
	if got := atomic.LoadInt32(&limiter.waits); got != 1 {
		t.Fatalf("expected one limiter wait per fetch, got %d", got)
	}
}

func TestFetchHTTPErrorNoRetry(t *testing.T) {
	t.Parallel()

	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(Config{}, &fakeLimiter{}, nil, nil)

	result := client.Fetch(context.Background(), pipeline.FetchTask{
		URL:    server.URL,
		Policy: pipeline.FetchPolicy{TimeoutSeconds: 5, MaxRetries: 3},
	})

	if result.Success {
		t.Fatal("expected failure for 404")
	}
	if result.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", result.StatusCode)
	}
	if result.Error != "HTTP 404" {
		t.Fatalf("unexpected error text %q", result.Error)
	}
	if result.RetryCount != 0 {
		t.Fatalf("expected zero retries on HTTP error, got %d", result.RetryCount)
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Fatalf("expected exactly one request, got %d", got)
	}
}

func TestFetchRetriesOnTimeout(t *testing.T) {
	t.Parallel()

	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&requests, 1)
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	}))
	defer server.Close()

	client := newTestClient(Config{}, &fakeLimiter{}, nil, nil)

	result := client.Fetch(context.Background(), pipeline.FetchTask{
		URL:    server.URL,
		Policy: pipeline.FetchPolicy{TimeoutSeconds: 0.05, MaxRetries: 2},
	})

	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if result.StatusCode != 0 {
		t.Fatalf("expected status 0 when no response arrived, got %d", result.StatusCode)
	}
	if result.RetryCount != 1 {
		t.Fatalf("expected one completed retry, got %d", result.RetryCount)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Fatalf("expected two attempts, got %d", got)
	}
	if result.Error == "" {
		t.Fatal("expected error text to be captured")
	}
}

func TestFetchLimiterErrorFolds(t *testing.T) {
	t.Parallel()

	client := newTestClient(Config{}, &fakeLimiter{err: context.Canceled}, nil, nil)

	result := client.Fetch(context.Background(), pipeline.FetchTask{
		URL:    "https://example.invalid",
		Policy: pipeline.FetchPolicy{TimeoutSeconds: 1, MaxRetries: 1},
	})

	if result.Success {
		t.Fatal("expected failure when limiter rejects")
	}
	if result.StatusCode != 0 {
		t.Fatalf("expected status 0, got %d", result.StatusCode)
	}
	if result.Error != context.Canceled.Error() {
		t.Fatalf("expected canceled error text, got %q", result.Error)
	}
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("landed"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(Config{}, &fakeLimiter{}, nil, nil)

	result := client.Fetch(context.Background(), pipeline.FetchTask{
		URL:    server.URL + "/old",
		Policy: pipeline.FetchPolicy{TimeoutSeconds: 5, MaxRetries: 1},
	})

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.URL != server.URL+"/new" {
		t.Fatalf("expected final URL recorded, got %q", result.URL)
	}
	if string(result.Content) != "landed" {
		t.Fatalf("unexpected content %q", result.Content)
	}
}

func TestFetchHeadlessPromotion(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<div id="__next"></div>`))
	}))
	defer server.Close()

	renderer := &fakeRenderer{result: pipeline.FetchResult{
		URL:        server.URL,
		StatusCode: 200,
		Content:    []byte("<html>rendered jobs</html>"),
		Success:    true,
	}}
	client := newTestClient(Config{HeadlessEnabled: true}, &fakeLimiter{}, renderer, detector.NewHeuristic(100))

	result := client.Fetch(context.Background(), pipeline.FetchTask{
		URL:    server.URL,
		Policy: pipeline.FetchPolicy{TimeoutSeconds: 5, MaxRetries: 1},
	})

	if !result.UsedHeadless {
		t.Fatalf("expected promotion, got %+v", result)
	}
	if string(result.Content) != "<html>rendered jobs</html>" {
		t.Fatalf("expected rendered content, got %q", result.Content)
	}
	if atomic.LoadInt32(&renderer.calls) != 1 {
		t.Fatal("expected renderer to be called once")
	}
}

func TestFetchRenderJSForcesPromotion(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>plain static page</body></html>"))
	}))
	defer server.Close()

	renderer := &fakeRenderer{result: pipeline.FetchResult{
		StatusCode: 200,
		Content:    []byte("<html>rendered</html>"),
		Success:    true,
	}}
	// Detector never promotes; render_js must force the render anyway.
	client := newTestClient(Config{HeadlessEnabled: false}, &fakeLimiter{}, renderer, fakeDetector{promote: false})

	result := client.Fetch(context.Background(), pipeline.FetchTask{
		URL:      server.URL,
		Policy:   pipeline.FetchPolicy{TimeoutSeconds: 5, MaxRetries: 1},
		Metadata: map[string]string{"render_js": "true"},
	})

	if !result.UsedHeadless {
		t.Fatalf("expected forced promotion, got %+v", result)
	}
}

func TestFetchPromotionFailureKeepsProbeResult(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<div id="app"></div>`))
	}))
	defer server.Close()

	renderer := &fakeRenderer{err: errors.New("chrome unavailable")}
	client := newTestClient(Config{HeadlessEnabled: true}, &fakeLimiter{}, renderer, fakeDetector{promote: true})

	result := client.Fetch(context.Background(), pipeline.FetchTask{
		URL:    server.URL,
		Policy: pipeline.FetchPolicy{TimeoutSeconds: 5, MaxRetries: 1},
	})

	if result.UsedHeadless {
		t.Fatal("expected probe result kept when promotion fails")
	}
	if !result.Success {
		t.Fatalf("expected probe success preserved, got %+v", result)
	}
	if string(result.Content) != `<div id="app"></div>` {
		t.Fatalf("unexpected content %q", result.Content)
	}
}

func TestFetchPromotionSkippedWhenDisabled(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<div id="__next"></div>`))
	}))
	defer server.Close()

	renderer := &fakeRenderer{result: pipeline.FetchResult{Success: true}}
	client := newTestClient(Config{HeadlessEnabled: false}, &fakeLimiter{}, renderer, fakeDetector{promote: true})

	result := client.Fetch(context.Background(), pipeline.FetchTask{
		URL:    server.URL,
		Policy: pipeline.FetchPolicy{TimeoutSeconds: 5, MaxRetries: 1},
	})

	if result.UsedHeadless {
		t.Fatal("expected no promotion when headless is disabled")
	}
	if atomic.LoadInt32(&renderer.calls) != 0 {
		t.Fatal("expected renderer not to be called")
	}
}

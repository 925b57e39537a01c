// Package capability implements the Capability Port: the boundary
// through which the core invokes external tool services (terraform,
// k8s, helm, git, drift detectors) over HTTP, with per-service rate
// limiting and retry/backoff. The admission and reservation shape
// follows the teacher's internal/dispatch.RateLimiter
// (PickAndReserveProvider's "reserve, then release on failure"
// idiom), generalized from a shared authed-provider cap to a
// per-service golang.org/x/time/rate token bucket.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
)

// DefaultRateLimit and DefaultBurst match spec.md §5's "per-service
// token bucket (default 60 req/min, burst 60)".
const (
	DefaultRateLimit = 60 // requests per minute
	DefaultBurst     = 60

	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 30 * time.Second
)

// Request is one capability invocation: a step's kind plus its
// resolved inputs.
type Request struct {
	Kind    string
	Inputs  map[string]any
	Timeout time.Duration
}

// Response is a capability invocation's outcome.
type Response struct {
	Outputs    map[string]any
	StatusCode int
}

// BackoffDelay reproduces the teacher's internal/dispatch.BackoffDelay
// formula verbatim: base * 2^(retries-1), capped at maxDelay, with up
// to 10% jitter. Reused here as the capability HTTP client's own
// retry loop for 429s below Temporal's activity-retry layer.
func BackoffDelay(retries int, base, maxDelay time.Duration) time.Duration {
	if retries <= 0 {
		return 0
	}
	exponent := retries - 1
	multiplier := math.Pow(2, float64(exponent))
	if math.IsInf(multiplier, 1) || multiplier > float64(maxDelay)/float64(base) {
		delay := maxDelay
		jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
		return delay + jitter
	}
	delay := base * time.Duration(multiplier)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
	return delay + jitter
}

// bucket is one service's token bucket plus a bounded admission queue:
// rate.Limiter already blocks callers until a token is free, but
// capability calls must additionally be rejected once a bounded
// number are already queued, per spec.md §5's "excess is queued up to
// a bounded capacity and rejected beyond it".
type bucket struct {
	limiter *rate.Limiter
	queued  chan struct{}
}

func newBucket(reqPerMin int, burst int, queueCapacity int) *bucket {
	return &bucket{
		limiter: rate.NewLimiter(rate.Limit(float64(reqPerMin)/60.0), burst),
		queued:  make(chan struct{}, queueCapacity),
	}
}

// Client invokes capabilities over HTTP against a per-service base
// URL, carrying the service token in the x-internal-service-token
// header the way the teacher's matrix.HTTPSender carries a bearer
// token for its own outbound calls.
type Client struct {
	httpClient    *http.Client
	serviceToken  string
	baseURLs      map[string]string // capability kind prefix -> service base URL
	buckets       map[string]*bucket
	queueCapacity int
	maxRetries    int
	rateLimits    map[string]RateLimit
}

// Option configures a Client at construction.
type Option func(*Client)

// WithQueueCapacity overrides the bounded admission queue size per
// service (default 32).
func WithQueueCapacity(n int) Option {
	return func(c *Client) { c.queueCapacity = n }
}

// WithMaxRetries overrides the number of 429 retries the client
// performs before giving up (default 3).
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// RateLimit is a per-service token bucket configuration, mirroring
// internal/config.RateLimit without importing the config package.
type RateLimit struct {
	RequestsPerMinute int
	Burst             int
	QueueCapacity     int
}

// WithRateLimits overrides the default 60req/min-burst-60 bucket for
// the named services, matching spec.md §6's per-service
// RATE_LIMIT_REQ_PER_MIN configuration. A service absent from limits
// keeps the default bucket.
func WithRateLimits(limits map[string]RateLimit) Option {
	return func(c *Client) { c.rateLimits = limits }
}

// NewClient constructs a capability client. baseURLs maps a service
// name (e.g. "terraform", "k8s") to its HTTP base URL.
func NewClient(httpClient *http.Client, serviceToken string, baseURLs map[string]string, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		httpClient:    httpClient,
		serviceToken:  serviceToken,
		baseURLs:      baseURLs,
		buckets:       make(map[string]*bucket),
		queueCapacity: 32,
		maxRetries:    3,
	}
	for _, opt := range opts {
		opt(c)
	}
	for service := range baseURLs {
		reqPerMin, burst, queueCap := DefaultRateLimit, DefaultBurst, c.queueCapacity
		if rl, ok := c.rateLimits[service]; ok {
			if rl.RequestsPerMinute > 0 {
				reqPerMin = rl.RequestsPerMinute
			}
			if rl.Burst > 0 {
				burst = rl.Burst
			}
			if rl.QueueCapacity > 0 {
				queueCap = rl.QueueCapacity
			}
		} else if rl, ok := c.rateLimits["default"]; ok {
			if rl.RequestsPerMinute > 0 {
				reqPerMin = rl.RequestsPerMinute
			}
			if rl.Burst > 0 {
				burst = rl.Burst
			}
			if rl.QueueCapacity > 0 {
				queueCap = rl.QueueCapacity
			}
		}
		c.buckets[service] = newBucket(reqPerMin, burst, queueCap)
	}
	return c
}

func serviceForKind(kind string) string {
	domain, _ := splitKind(kind)
	return domain
}

// splitKind splits a capability kind ("terraform.apply") into its
// domain ("terraform") and action ("apply"), matching spec.md §6's
// consumed RPC surface (POST /api/<domain>/<action>). A kind with no
// dot is treated as its own domain with an empty action.
func splitKind(kind string) (domain, action string) {
	for i := 0; i < len(kind); i++ {
		if kind[i] == '.' {
			return kind[:i], kind[i+1:]
		}
	}
	return kind, ""
}

// reserve admits one request against the named service's bucket,
// returning a release func that must be called once the request
// completes (or an error if the bounded queue is already full), the
// same reserve/cleanup shape as PickAndReserveProvider.
func (c *Client) reserve(ctx context.Context, service string) (func(), error) {
	b, ok := c.buckets[service]
	if !ok {
		return nil, nimbuserr.Newf(nimbuserr.BadInput, nil, "no capability service registered for %q", service)
	}
	select {
	case b.queued <- struct{}{}:
	default:
		return nil, nimbuserr.Newf(nimbuserr.CapabilityTransient, nil, "capability service %q admission queue is full", service)
	}
	release := func() { <-b.queued }

	if err := b.limiter.Wait(ctx); err != nil {
		release()
		return nil, nimbuserr.New(nimbuserr.Timeout, "wait for capability rate limiter", err)
	}
	return release, nil
}

// Invoke performs one capability call, retrying on HTTP 429 per
// BackoffDelay up to the client's configured max retries.
func (c *Client) Invoke(ctx context.Context, req Request) (Response, error) {
	service := serviceForKind(req.Kind)
	baseURL, ok := c.baseURLs[service]
	if !ok {
		return Response{}, nimbuserr.Newf(nimbuserr.BadInput, nil, "no capability service registered for kind %q", req.Kind)
	}

	release, err := c.reserve(ctx, service)
	if err != nil {
		return Response{}, err
	}
	defer release()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := BackoffDelay(attempt, defaultBackoffBase, defaultBackoffCap)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Response{}, nimbuserr.New(nimbuserr.Timeout, "capability retry backoff interrupted", ctx.Err())
			case <-timer.C:
			}
		}

		resp, err := c.invokeOnce(ctx, baseURL, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if nimbuserr.KindOf(err) != nimbuserr.CapabilityTransient {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}

func (c *Client) invokeOnce(ctx context.Context, baseURL string, req Request) (Response, error) {
	invokeCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		invokeCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(map[string]any{
		"kind":   req.Kind,
		"inputs": req.Inputs,
	})
	if err != nil {
		return Response{}, nimbuserr.New(nimbuserr.BadInput, "marshal capability request", err)
	}

	path := "/api/" + req.Kind
	if domain, action := splitKind(req.Kind); action != "" {
		path = "/api/" + domain + "/" + action
	}

	httpReq, err := http.NewRequestWithContext(invokeCtx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Response{}, nimbuserr.New(nimbuserr.Internal, "build capability request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-internal-service-token", c.serviceToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if invokeCtx.Err() != nil {
			return Response{}, nimbuserr.New(nimbuserr.Timeout, "capability request timed out", err)
		}
		return Response{}, nimbuserr.New(nimbuserr.CapabilityTransient, "capability request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Response{}, nimbuserr.Newf(nimbuserr.CapabilityTransient, nil, "capability service rate limited request: %s", compact(raw))
	case resp.StatusCode >= 500:
		return Response{}, nimbuserr.Newf(nimbuserr.CapabilityTransient, nil, "capability service error %d: %s", resp.StatusCode, compact(raw))
	case resp.StatusCode >= 400:
		return Response{}, nimbuserr.Newf(nimbuserr.CapabilityPermanent, nil, "capability request rejected with %d: %s", resp.StatusCode, compact(raw))
	}

	var decoded struct {
		Outputs map[string]any `json:"outputs"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return Response{}, nimbuserr.New(nimbuserr.CapabilityPermanent, "decode capability response", err)
		}
	}
	return Response{Outputs: decoded.Outputs, StatusCode: resp.StatusCode}, nil
}

func compact(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

package capability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
)

type fakeRoundTripper func(req *http.Request) (*http.Response, error)

func (f fakeRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestInvokeSendsServiceTokenAndDecodesOutputs(t *testing.T) {
	var gotToken string
	var gotKind string

	client := &http.Client{
		Transport: fakeRoundTripper(func(req *http.Request) (*http.Response, error) {
			gotToken = req.Header.Get("x-internal-service-token")
			var payload map[string]any
			_ = json.NewDecoder(req.Body).Decode(&payload)
			gotKind, _ = payload["kind"].(string)
			return jsonResponse(http.StatusOK, `{"outputs":{"plan_id":"abc"}}`), nil
		}),
	}

	c := NewClient(client, "svc-token-xyz", map[string]string{"tf": "http://terraform.local"})
	resp, err := c.Invoke(context.Background(), Request{Kind: "tf.plan", Inputs: map[string]any{"env": "dev"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotToken != "svc-token-xyz" {
		t.Errorf("service token = %q, want svc-token-xyz", gotToken)
	}
	if gotKind != "tf.plan" {
		t.Errorf("kind in request body = %q, want tf.plan", gotKind)
	}
	if resp.Outputs["plan_id"] != "abc" {
		t.Errorf("outputs = %+v, want plan_id=abc", resp.Outputs)
	}
}

func TestInvokeRoutesToDomainActionPath(t *testing.T) {
	var gotPath string

	client := &http.Client{
		Transport: fakeRoundTripper(func(req *http.Request) (*http.Response, error) {
			gotPath = req.URL.Path
			return jsonResponse(http.StatusOK, `{"outputs":{}}`), nil
		}),
	}

	c := NewClient(client, "token", map[string]string{"terraform": "http://terraform.local"})
	if _, err := c.Invoke(context.Background(), Request{Kind: "terraform.apply"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotPath != "/api/terraform/apply" {
		t.Errorf("request path = %q, want /api/terraform/apply", gotPath)
	}
}

func TestInvokeUnknownServiceReturnsBadInput(t *testing.T) {
	c := NewClient(&http.Client{}, "token", map[string]string{"tf": "http://terraform.local"})
	_, err := c.Invoke(context.Background(), Request{Kind: "k8s.apply"})
	if err == nil {
		t.Fatal("expected error for unregistered service")
	}
	if kind := nimbuserr.KindOf(err); kind != nimbuserr.BadInput {
		t.Errorf("error kind = %s, want %s", kind, nimbuserr.BadInput)
	}
}

func TestInvokeRetriesOn429ThenSucceeds(t *testing.T) {
	var attempts int32
	client := &http.Client{
		Transport: fakeRoundTripper(func(req *http.Request) (*http.Response, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return jsonResponse(http.StatusTooManyRequests, `{"error":"rate limited"}`), nil
			}
			return jsonResponse(http.StatusOK, `{"outputs":{}}`), nil
		}),
	}

	c := NewClient(client, "token", map[string]string{"tf": "http://terraform.local"}, WithMaxRetries(5))
	_, err := c.Invoke(context.Background(), Request{Kind: "tf.apply"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestInvokeGivesUpAfterMaxRetries(t *testing.T) {
	client := &http.Client{
		Transport: fakeRoundTripper(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusTooManyRequests, `{}`), nil
		}),
	}
	c := NewClient(client, "token", map[string]string{"tf": "http://terraform.local"}, WithMaxRetries(2))
	_, err := c.Invoke(context.Background(), Request{Kind: "tf.apply"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestInvokeClassifiesServerErrorsAsTransient(t *testing.T) {
	client := &http.Client{
		Transport: fakeRoundTripper(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusInternalServerError, `{}`), nil
		}),
	}
	c := NewClient(client, "token", map[string]string{"tf": "http://terraform.local"}, WithMaxRetries(0))
	_, err := c.Invoke(context.Background(), Request{Kind: "tf.apply"})
	if err == nil {
		t.Fatal("expected error for server error response")
	}
	if kind := nimbuserr.KindOf(err); kind != nimbuserr.CapabilityTransient {
		t.Errorf("error kind = %s, want %s", kind, nimbuserr.CapabilityTransient)
	}
}

func TestInvokeClassifiesClientErrorsAsPermanentNonRetried(t *testing.T) {
	var attempts int32
	client := &http.Client{
		Transport: fakeRoundTripper(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&attempts, 1)
			return jsonResponse(http.StatusBadRequest, `{"error":"bad input"}`), nil
		}),
	}
	c := NewClient(client, "token", map[string]string{"tf": "http://terraform.local"}, WithMaxRetries(5))
	_, err := c.Invoke(context.Background(), Request{Kind: "tf.apply"})
	if err == nil {
		t.Fatal("expected error for bad request response")
	}
	if kind := nimbuserr.KindOf(err); kind != nimbuserr.CapabilityPermanent {
		t.Errorf("error kind = %s, want %s", kind, nimbuserr.CapabilityPermanent)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("attempts = %d, want 1 (permanent errors must not retry)", attempts)
	}
}

func TestInvokeRejectsWhenAdmissionQueueIsFull(t *testing.T) {
	release := make(chan struct{})
	client := &http.Client{
		Transport: fakeRoundTripper(func(req *http.Request) (*http.Response, error) {
			<-release
			return jsonResponse(http.StatusOK, `{"outputs":{}}`), nil
		}),
	}
	c := NewClient(client, "token", map[string]string{"tf": "http://terraform.local"}, WithQueueCapacity(1))

	done := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), Request{Kind: "tf.apply"})
		done <- err
	}()

	// give the first call time to occupy the single queue slot
	time.Sleep(20 * time.Millisecond)

	_, err := c.Invoke(context.Background(), Request{Kind: "tf.plan"})
	if err == nil {
		t.Fatal("expected second concurrent call to be rejected by the bounded queue")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first call should have succeeded once released: %v", err)
	}
}

func TestBackoffDelayIsZeroForNonPositiveRetries(t *testing.T) {
	if d := BackoffDelay(0, defaultBackoffBase, defaultBackoffCap); d != 0 {
		t.Errorf("BackoffDelay(0, ...) = %v, want 0", d)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	d1 := BackoffDelay(1, defaultBackoffBase, defaultBackoffCap)
	d4 := BackoffDelay(10, defaultBackoffBase, defaultBackoffCap)
	if d1 <= 0 {
		t.Fatalf("BackoffDelay(1, ...) = %v, want > 0", d1)
	}
	if d4 <= d1 {
		t.Errorf("BackoffDelay(10, ...) = %v, want greater than BackoffDelay(1, ...) = %v", d4, d1)
	}
	if d4 > defaultBackoffCap+defaultBackoffCap/10 {
		t.Errorf("BackoffDelay(10, ...) = %v, should be capped near %v", d4, defaultBackoffCap)
	}
}

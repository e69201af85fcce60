// Package httputils collects the small set of net/http helpers shared by the
// server, worker long-poll client and CLI: a retrying RoundTripper, a client
// that rejects non-2xx responses, and a couple of handler-wrapping
// middlewares.
package httputils

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.skia.org/mrtaskman/go/skerr"
	"go.skia.org/mrtaskman/go/sklog"
)

// SCHEME_AT_LOAD_BALANCER_HEADER is set by the GCE load balancer to the
// scheme ("http" or "https") the client actually used to reach it.
const SCHEME_AT_LOAD_BALANCER_HEADER = "X-Forwarded-Proto"

const (
	INITIAL_INTERVAL     = 500 * time.Millisecond
	RANDOMIZATION_FACTOR = 0.5
	BACKOFF_MULTIPLIER   = 1.5
	MAX_INTERVAL         = 30 * time.Second
	MAX_ELAPSED_TIME      = 3 * time.Minute
)

// ReadAndClose reads r to completion and closes it, discarding the bytes
// read. Safe to call with a nil r.
func ReadAndClose(r io.ReadCloser) {
	if r == nil {
		return
	}
	_, _ = io.Copy(ioutil.Discard, r)
	_ = r.Close()
}

// BackOffConfig configures NewConfiguredBackOffTransport.
type BackOffConfig struct {
	initialInterval     time.Duration
	maxInterval         time.Duration
	maxElapsedTime      time.Duration
	randomizationFactor float64
	backOffMultiplier   float64
}

// NewBackOffConfig returns the default retry schedule used throughout
// MrTaskman: ~500ms initial interval backing off to 30s, giving up after 3
// minutes total.
func NewBackOffConfig() *BackOffConfig {
	return &BackOffConfig{
		initialInterval:     INITIAL_INTERVAL,
		maxInterval:         MAX_INTERVAL,
		maxElapsedTime:      MAX_ELAPSED_TIME,
		randomizationFactor: RANDOMIZATION_FACTOR,
		backOffMultiplier:   BACKOFF_MULTIPLIER,
	}
}

func (c *BackOffConfig) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.initialInterval,
		RandomizationFactor: c.randomizationFactor,
		Multiplier:          c.backOffMultiplier,
		MaxInterval:         c.maxInterval,
		MaxElapsedTime:      c.maxElapsedTime,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// retriableStatus reports whether a response with this status code should be
// retried: anything that isn't a definitive client or informational/success
// response.
func retriableStatus(code int) bool {
	switch {
	case code == http.StatusOK:
		return false
	case code >= 500:
		return true
	default:
		return false
	}
}

// BackOffTransport is an http.RoundTripper that retries requests whose
// response status is retriable, or whose RoundTrip returned a transport
// error, following an exponential backoff schedule. It gives up and returns
// the last response/error once the backoff policy is exhausted or the
// request's context is canceled.
type BackOffTransport struct {
	config  *BackOffConfig
	wrapped http.RoundTripper
}

// NewConfiguredBackOffTransport wraps wrapped with retry behavior per config.
func NewConfiguredBackOffTransport(config *BackOffConfig, wrapped http.RoundTripper) *BackOffTransport {
	return &BackOffTransport{config: config, wrapped: wrapped}
}

// NewBackOffTransport wraps wrapped using the default BackOffConfig.
func NewBackOffTransport(wrapped http.RoundTripper) *BackOffTransport {
	return NewConfiguredBackOffTransport(NewBackOffConfig(), wrapped)
}

func (t *BackOffTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	b := t.config.newBackOff()
	var resp *http.Response
	var rtErr error
	op := func() error {
		if resp != nil {
			ReadAndClose(resp.Body)
			resp = nil
		}
		resp, rtErr = t.wrapped.RoundTrip(req)
		if rtErr != nil {
			return rtErr
		}
		if retriableStatus(resp.StatusCode) {
			return skerr.Fmt("retriable status %d", resp.StatusCode)
		}
		return nil
	}
	if ctx := req.Context(); ctx != nil {
		_ = backoff.Retry(op, backoff.WithContext(b, ctx))
	} else {
		_ = backoff.Retry(op, b)
	}
	return resp, rtErr
}

// Response2xxOnly wraps c's Transport so that any non-2xx response is
// surfaced to callers as an error instead of a successful round trip.
func Response2xxOnly(c *http.Client) *http.Client {
	rt := c.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	clone := *c
	clone.Transport = &only2xxTransport{wrapped: rt}
	return &clone
}

type only2xxTransport struct {
	wrapped http.RoundTripper
}

func (t *only2xxTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.wrapped.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ReadAndClose(resp.Body)
		return nil, skerr.Fmt("got non-2xx status %d for %s", resp.StatusCode, req.URL)
	}
	return resp, nil
}

// NewTimeoutClient returns an http.Client with a retrying transport and an
// overall request timeout, suitable for the worker's long-poll loop and the
// CLI's requests to the scheduler.
func NewTimeoutClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: NewBackOffTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

// GetWithContext issues a GET to url using c, honoring ctx's cancellation.
func GetWithContext(ctx context.Context, c *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return resp, nil
}

// PostWithContext issues a POST of body (with the given content type) to url
// using c, honoring ctx's cancellation.
func PostWithContext(ctx context.Context, c *http.Client, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.Do(req)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return resp, nil
}

// HealthzAndHTTPS wraps h so that GCE health-check requests (identified by a
// GoogleHC User-Agent hitting "/") get a bare 200, and everything else
// arriving over plain HTTP behind the load balancer is redirected to HTTPS.
func HealthzAndHTTPS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && isHealthCheck(r) {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Header.Get(SCHEME_AT_LOAD_BALANCER_HEADER) == "http" {
			u := *r.URL
			u.Scheme = "https"
			u.Host = r.Host
			http.Redirect(w, r, u.String(), http.StatusMovedPermanently)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isHealthCheck(r *http.Request) bool {
	ua := r.Header.Get("User-Agent")
	return len(ua) >= 8 && ua[:8] == "GoogleHC"
}

// CrossOriginResourcePolicy wraps h, tagging every response with
// Cross-Origin-Resource-Policy: cross-origin so any origin may embed it.
func CrossOriginResourcePolicy(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")
		h.ServeHTTP(w, r)
	})
}

// ReportError logs err with message and writes message as a plain-text
// response with the given status code. Handlers use this instead of letting
// an internal error escape as a raw 500 with no body.
func ReportError(w http.ResponseWriter, err error, message string, status int) {
	sklog.Warningf("%s: %s", message, err)
	http.Error(w, message, status)
}

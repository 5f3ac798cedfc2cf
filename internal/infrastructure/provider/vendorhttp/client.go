// Package vendorhttp is the JSON-over-HTTP transport shared by the provider
// adapters. It maps transport failures and status codes onto the provider
// error taxonomy and records external call metrics.
package vendorhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

const maxBodyBytes = 1 << 20

type Config struct {
	// Peer labels metrics and logs, e.g. "paycrest".
	Peer    string
	BaseURL string
	Headers map[string]string
	// Timeout bounds a single request; the caller's ctx may be shorter.
	Timeout time.Duration
	HTTP    *http.Client
}

type Client struct {
	peer    string
	baseURL string
	headers map[string]string
	http    *http.Client

	log          observability.Logger
	extCounter   observability.Counter   // external_requests_total{peer,endpoint,outcome}
	extHistogram observability.Histogram // external_request_duration_seconds{peer,endpoint}
}

func New(cfg Config, tel observability.Observability) *Client {
	hc := cfg.HTTP
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := observability.NopLogger()
	metrics := observability.NopMetrics()
	if tel != nil {
		logger = tel.Logger()
		metrics = tel.Metrics()
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &Client{
		peer:         cfg.Peer,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		headers:      headers,
		http:         hc,
		log:          logger.With(observability.F("component", "vendor_http"), observability.F("peer", cfg.Peer)),
		extCounter:   metrics.Counter(observability.MExternalRequests),
		extHistogram: metrics.Histogram(observability.MExternalRequestDuration),
	}
}

// StatusError carries a non-2xx vendor response. It unwraps to the provider
// sentinel matching the status class.
type StatusError struct {
	Code int
	Body string
	kind error
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%v: status %d", e.kind, e.Code)
	}
	return fmt.Sprintf("%v: status %d: %s", e.kind, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return e.kind }

func classify(code int) error {
	switch {
	case code == http.StatusNotFound:
		return domprovider.ErrNotFound
	case code == http.StatusTooManyRequests, code >= 500:
		return domprovider.ErrUpstreamUnavailable
	default:
		return domprovider.ErrValidationRejected
	}
}

// Do sends in (if non-nil) as JSON and decodes a 2xx response into out (if
// non-nil). endpoint is a short label for metrics, path the request path.
func (c *Client) Do(ctx context.Context, method, endpoint, path string, in, out any) (err error) {
	start := time.Now()
	outcome := "success"
	defer func() {
		if err != nil {
			outcome = "error"
			if errors.Is(err, domprovider.ErrUpstreamUnavailable) {
				outcome = "unavailable"
			}
		}
		c.extCounter.Add(1,
			observability.L("peer", c.peer),
			observability.L("endpoint", endpoint),
			observability.L("outcome", outcome),
		)
		c.extHistogram.Observe(time.Since(start).Seconds(),
			observability.L("peer", c.peer),
			observability.L("endpoint", endpoint),
		)
	}()

	var body io.Reader
	if in != nil {
		raw, mErr := json.Marshal(in)
		if mErr != nil {
			return fmt.Errorf("%s: encode %s request: %w", c.peer, endpoint, mErr)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build %s request: %w", c.peer, endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		logctx.FromOr(ctx, c.log).Warn("vendor_request_failed",
			observability.F("endpoint", endpoint),
			observability.F("error", err),
		)
		return fmt.Errorf("%w: %s %s: %w", domprovider.ErrUpstreamUnavailable, c.peer, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %s %s: read body: %w", domprovider.ErrUpstreamUnavailable, c.peer, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw)), kind: classify(resp.StatusCode)}
		logctx.FromOr(ctx, c.log).Warn("vendor_request_rejected",
			observability.F("endpoint", endpoint),
			observability.F("status_code", strconv.Itoa(resp.StatusCode)),
		)
		return serr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// A 2xx we cannot read is a vendor fault, not a caller fault.
		return fmt.Errorf("%w: %s %s: decode: %w", domprovider.ErrUpstreamUnavailable, c.peer, endpoint, err)
	}
	return nil
}

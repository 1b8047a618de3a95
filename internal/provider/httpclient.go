package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/predict-engine/internal/metrics"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultRatePerSec = 5
	baseRetryWait     = 250 * time.Millisecond
	maxErrorBody      = 4 << 10
)

// Call is one outbound request.
type Call struct {
	Op     string // metrics label, e.g. "disburse"
	Method string
	URL    string
	Header http.Header
	Body   any // JSON-encoded when non-nil
	// Retry allows retrying transport errors, 429 and 5xx. Only set it for
	// requests the rail deduplicates (reads, or writes keyed by our
	// reference).
	Retry bool
}

// HTTPClient is a rate-limited JSON client with bounded retries.
type HTTPClient struct {
	provider   string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseWait   time.Duration
	logger     *slog.Logger
}

// NewHTTPClient creates a client for one rail. Zero values pick defaults.
func NewHTTPClient(provider string, timeout time.Duration, ratePerSec float64, maxRetries int, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSec
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	burst := int(math.Max(1, math.Ceil(ratePerSec)))
	return &HTTPClient{
		provider:   provider,
		http:       &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		maxRetries: maxRetries,
		baseWait:   baseRetryWait,
		logger:     logger,
	}
}

// SetRetryWait overrides the backoff base.
func (c *HTTPClient) SetRetryWait(d time.Duration) { c.baseWait = d }

// Result describes how a call went.
type Result struct {
	Status   int
	Attempts int
	// Uncertain is set when an earlier attempt failed after the request
	// may have reached the rail (transport error or 5xx).
	Uncertain bool
}

// Do sends the call and decodes a 2xx JSON body into out (which may be
// nil). It returns the final HTTP status.
func (c *HTTPClient) Do(ctx context.Context, call Call, out any) (int, error) {
	res, err := c.Send(ctx, call, out)
	return res.Status, err
}

// Send is Do with the attempt history. A failure returned after an
// uncertain attempt is marked Uncertain.
func (c *HTTPClient) Send(ctx context.Context, call Call, out any) (Result, error) {
	var res Result
	var payload []byte
	if call.Body != nil {
		b, err := json.Marshal(call.Body)
		if err != nil {
			return res, &Error{Provider: c.provider, Kind: KindConfig, Message: "marshal request", Err: err}
		}
		payload = b
	}

	attempts := 1
	if call.Retry {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt-1); err != nil {
				return res, c.mark(res, &Error{Provider: c.provider, Kind: KindTransport, Message: "cancelled", Err: err})
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return res, c.mark(res, &Error{Provider: c.provider, Kind: KindTransport, Message: "rate limiter", Err: err})
		}

		res.Attempts++
		status, retryable, err := c.once(ctx, call, payload, out)
		res.Status = status
		if err == nil {
			return res, nil
		}
		if !retryable {
			return res, c.mark(res, err)
		}
		lastErr = err
		if status == 0 || status >= 500 {
			res.Uncertain = true
		}
		c.logger.Warn("provider call failed, retrying",
			"provider", c.provider, "op", call.Op, "attempt", attempt+1, "status", status, "err", err)
	}
	res.Status = 0
	return res, c.mark(res, lastErr)
}

func (c *HTTPClient) mark(res Result, err error) error {
	if pe, ok := AsError(err); ok && res.Uncertain {
		pe.Uncertain = true
	}
	return err
}

func (c *HTTPClient) once(ctx context.Context, call Call, payload []byte, out any) (status int, retryable bool, err error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, body)
	if err != nil {
		return 0, false, &Error{Provider: c.provider, Kind: KindConfig, Message: "build request", Err: err}
	}
	for k, vs := range call.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveProvider(c.provider, call.Op, "transport_error", time.Since(start))
		return 0, true, &Error{Provider: c.provider, Kind: KindTransport, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	metrics.ObserveProvider(c.provider, call.Op, strconv.Itoa(resp.StatusCode), time.Since(start))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, true, &Error{
			Provider: c.provider, Kind: KindTransport,
			Code: strconv.Itoa(resp.StatusCode), Message: string(raw),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, false, &Error{
			Provider: c.provider, Kind: KindAuth,
			Code: strconv.Itoa(resp.StatusCode), Message: string(raw),
		}
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, false, &Error{
			Provider: c.provider, Kind: KindRejected,
			Code: strconv.Itoa(resp.StatusCode), Message: string(raw),
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, false, nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, false, &Error{Provider: c.provider, Kind: KindTransport, Message: "read response", Err: err}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, false, &Error{
			Provider: c.provider, Kind: KindTransport,
			Message: fmt.Sprintf("decode response: %s", truncate(raw)), Err: err,
		}
	}
	return resp.StatusCode, false, nil
}

// sleep waits with exponential backoff, honoring ctx.
func (c *HTTPClient) sleep(ctx context.Context, attempt int) error {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.baseWait
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}

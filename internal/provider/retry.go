package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

const (
	maxRetries = 3
	maxBackoff = 30 * time.Second
)

// retrier re-sends a request on network errors, 5xx and 429. Callers zero
// attempts for requests that must not be repeated.
type retrier struct {
	attempts int
	base     time.Duration
	logger   *slog.Logger
}

func newRetrier(base time.Duration, logger *slog.Logger) retrier {
	if base <= 0 {
		base = time.Second
	}
	return retrier{attempts: maxRetries, base: base, logger: logger}
}

func transient(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// backoff doubles per attempt with up to 50% jitter. A Retry-After header
// in seconds takes precedence.
func (r retrier) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			return min(time.Duration(secs)*time.Second, maxBackoff)
		}
	}
	d := r.base << (attempt - 1)
	d += time.Duration(rand.Int64N(int64(d/2) + 1))
	return min(d, maxBackoff)
}

// do sends the request built by buildReq. Once retries run out on a
// transient status the final response is returned unread so the caller can
// map its body to a provider error.
func (r retrier) do(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		last := attempt > r.attempts
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil && last:
			return nil, fmt.Errorf("request failed after %d attempts: %w", attempt, err)
		case err == nil && (!transient(resp.StatusCode) || last):
			return resp, nil
		}

		wait := r.backoff(attempt, resp)
		if err != nil {
			r.logger.Warn("provider request failed, retrying", "path", redactPath(req.URL.String()), "attempt", attempt, "backoff", wait, "err", err)
		} else {
			r.logger.Warn("provider busy, retrying", "path", redactPath(req.URL.String()), "status", resp.StatusCode, "attempt", attempt, "backoff", wait)
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

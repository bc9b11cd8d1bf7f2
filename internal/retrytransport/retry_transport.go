package retrytransport

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudflare/backoff"
	"go.uber.org/zap"

	rcontext "github.com/wundergraph/cosmo/dispatch/internal/context"
)

type RetryHTTPTransport struct {
	roundTripper     http.RoundTripper
	getRequestLogger requestLoggerGetter
	retryManager     *Manager
}

// parseRetryAfterHeader parses the Retry-After header value according to RFC 7231.
// It supports both delay-seconds and HTTP-date formats.
// Returns the duration to wait before retrying, or 0 if parsing fails.
func parseRetryAfterHeader(logger *zap.Logger, retryAfter string) time.Duration {
	if retryAfter == "" {
		return 0
	}

	var errJoin error

	seconds, err := strconv.Atoi(retryAfter)
	if err == nil {
		if seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
		return 0
	}
	errJoin = errors.Join(errJoin, err)

	t, err := http.ParseTime(retryAfter)
	if err == nil {
		if duration := time.Until(t); duration > 0 {
			return duration
		}
		return 0
	}
	errJoin = errors.Join(errJoin, err)

	logger.Error("Failed to parse Retry-After header", zap.String("retry-after", retryAfter), zap.Error(errJoin))

	return 0
}

// shouldUseRetryAfter determines if we should use Retry-After header for 429 responses
func shouldUseRetryAfter(logger *zap.Logger, resp *http.Response, maxDuration time.Duration) (time.Duration, bool) {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}

	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0, false
	}

	duration := parseRetryAfterHeader(logger, retryAfter)
	if duration > maxDuration {
		duration = maxDuration
	}

	return duration, duration > 0
}

// NewRetryHTTPTransport wraps roundTripper. getRequestLogger may be nil.
func NewRetryHTTPTransport(
	roundTripper http.RoundTripper,
	getRequestLogger requestLoggerGetter,
	retryManager *Manager,
) *RetryHTTPTransport {
	if getRequestLogger == nil {
		getRequestLogger = func(*http.Request) *zap.Logger { return zap.NewNop() }
	}
	return &RetryHTTPTransport{
		roundTripper:     roundTripper,
		getRequestLogger: getRequestLogger,
		retryManager:     retryManager,
	}
}

func (rt *RetryHTTPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := rt.roundTripper.RoundTrip(req)
	if err == nil && isResponseOK(resp) {
		return resp, nil
	}

	retryOptions := rt.retryManager.GetSubgraphOptions(rcontext.Subgraph(req.Context()))
	if retryOptions == nil {
		return resp, err
	}

	b := backoff.New(retryOptions.MaxDuration, retryOptions.Interval)
	defer b.Reset()

	requestLogger := rt.getRequestLogger(req)

	retries := 0
	for rt.retryManager.Retry(err, req, resp) && retries < retryOptions.MaxRetryCount {
		retries++

		var sleepDuration time.Duration
		if retryAfterDuration, useRetryAfter := shouldUseRetryAfter(requestLogger, resp, retryOptions.MaxDuration); useRetryAfter {
			sleepDuration = retryAfterDuration
			requestLogger.Debug("Using Retry-After header for 429 response",
				zap.Int("retry", retries),
				zap.String("url", req.URL.String()),
				zap.Duration("retry-after", sleepDuration),
			)
		} else {
			sleepDuration = b.Duration()
			requestLogger.Debug("Retrying request",
				zap.Int("retry", retries),
				zap.String("url", req.URL.String()),
				zap.Duration("sleep", sleepDuration),
			)
		}

		if rt.retryManager.OnRetry != nil {
			rt.retryManager.OnRetry(retries, req, resp, sleepDuration, err)
		}

		// drain the previous response before retrying
		rt.drainBody(resp, requestLogger)

		if !sleep(req, sleepDuration) {
			return nil, req.Context().Err()
		}

		retryReq, rewindErr := rewindBody(req)
		if rewindErr != nil {
			return nil, rewindErr
		}

		resp, err = rt.roundTripper.RoundTrip(retryReq)
		if err == nil && isResponseOK(resp) {
			return resp, nil
		}
	}

	return resp, err
}

// sleep waits for d and returns false if the request context ends first.
func sleep(req *http.Request, d time.Duration) bool {
	if req.Context().Err() != nil {
		return false
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-req.Context().Done():
		return false
	}
}

// rewindBody returns a shallow copy of req with a fresh body.
func rewindBody(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("cannot retry request with a body that cannot be re-read")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone := *req
	clone.Body = body
	return &clone, nil
}

func (rt *RetryHTTPTransport) drainBody(resp *http.Response, logger *zap.Logger) {
	if resp == nil || resp.Body == nil {
		return
	}

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			logger.Error("Failed draining when closing the body", zap.Error(err))
		}
	}()

	// Reading the body to EOF lets the connection be reused for the retry
	_, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		logger.Error("Failed draining when discarding the body", zap.Error(err))
	}
}

func isResponseOK(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

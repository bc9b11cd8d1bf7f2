package httpclient

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type RetryableClientOptions struct {
	// RetryMax is the number of retries after the first attempt
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Transport sends each attempt, http.DefaultTransport if nil
	Transport http.RoundTripper
}

// NewRetryableHTTPClient returns a client that retries connection errors and
// 5xx responses with exponential backoff. It is used for schema loading where
// a subgraph may still be starting.
func NewRetryableHTTPClient(logger *zap.Logger, opts RetryableClientOptions) *http.Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 5
	retryClient.RetryWaitMax = 30 * time.Second
	if opts.RetryMax > 0 {
		retryClient.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Transport != nil {
		retryClient.HTTPClient = &http.Client{Transport: opts.Transport}
	}

	retryClient.Backoff = retryablehttp.DefaultBackoff
	retryClient.Logger = nil
	retryClient.ErrorHandler = func(resp *http.Response, err error, numTries int) (*http.Response, error) {
		logger.Error("Request failed", zap.Error(err), zap.Int("numTries", numTries))
		return resp, err
	}
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, retry int) {
		if retry > 0 {
			logger.Info("Retry request", zap.Int("retry", retry))
		}
	}

	return retryClient.StandardClient()
}

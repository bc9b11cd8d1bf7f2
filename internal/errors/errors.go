package errors

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// IsBrokenPipe determines whether the provided error is a "broken pipe" error.
// It checks if the error is or wraps `syscall.EPIPE` or `syscall.ECONNRESET`,
// which are returned when a subgraph closes the connection while the request
// is still being written or read.
func IsBrokenPipe(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nErr net.Error
	return errors.As(err, &nErr) && nErr.Timeout()
}

// IsConnectionError reports whether err happened while establishing or using
// the connection, as opposed to a protocol level failure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if IsBrokenPipe(err) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

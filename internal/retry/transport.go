package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// IsTimeout reports whether err is a network timeout or an exceeded deadline.
func IsTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsConnection reports whether err is a connection-level failure (refused,
// reset, DNS, broken pipe). Timeouts are reported by IsTimeout, not here.
func IsConnection(err error) bool {
	if IsTimeout(err) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// IsTransient reports whether err is a transport-level failure worth an
// inline retry. Application-level responses are never transient.
func IsTransient(err error) bool {
	return IsTimeout(err) || IsConnection(err)
}

package ledger

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// connectivityMarkers are substrings of error messages that indicate the store
// could not be reached at all (browser-style offline and cross-origin failures).
var connectivityMarkers = []string{"offline", "cors", "access control", "access-control"}

// IsConnectivityError reports whether err means the remote record store is unreachable.
// Business errors such as ErrRecordNotFound are never connectivity errors, and neither is
// a caller-side cancellation.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range connectivityMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

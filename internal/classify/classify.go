// Package classify maps the outcome of one send attempt to an item status.
//
// The mapping is a total function: every response code and every error has
// a status, and unmapped codes fall through to StatusUnknown.
package classify

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/snehjoshi/batchq/internal/types"
)

// ErrTimeout marks a transport failure caused by the per-request deadline.
// Transports that enforce their own deadline may return (or wrap) it.
var ErrTimeout = errors.New("classify: request deadline exceeded")

var codes = map[int]types.Status{
	http.StatusOK:                  types.StatusSuccess,
	http.StatusNoContent:           types.StatusSuccess,
	http.StatusBadRequest:          types.StatusInvalid,
	http.StatusUnauthorized:        types.StatusUnauthorized,
	http.StatusForbidden:           types.StatusForbidden,
	http.StatusNotFound:            types.StatusNotFound,
	http.StatusTooManyRequests:     types.StatusRateLimited,
	http.StatusInternalServerError: types.StatusServerError,
}

// Code classifies a response code.
func Code(code int) types.Status {
	if s, ok := codes[code]; ok {
		return s
	}
	return types.StatusUnknown
}

// Error classifies a transport failure. Deadline failures become
// StatusTimeout; everything else (refused connections, resets, TLS errors)
// becomes StatusServerError.
func Error(err error) types.Status {
	if IsTimeout(err) {
		return types.StatusTimeout
	}
	return types.StatusServerError
}

// Outcome classifies a send attempt: err takes precedence over code.
func Outcome(code int, err error) types.Status {
	if err != nil {
		return Error(err)
	}
	return Code(code)
}

// IsTimeout reports whether err was caused by a deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

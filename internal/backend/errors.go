package backend

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/rpc"
)

// RemoteError extracts a JSON-RPC error object returned by the server.
// A remote error means the endpoint was reached and answered deliberately.
func RemoteError(err error) (rpc.Error, bool) {
	var rerr rpc.Error
	if errors.As(err, &rerr) {
		return rerr, true
	}
	return nil, false
}

// RemoteCode returns the JSON-RPC error code, if err carries one.
func RemoteCode(err error) (int, bool) {
	rerr, ok := RemoteError(err)
	if !ok {
		return 0, false
	}
	return rerr.ErrorCode(), true
}

// HTTPStatus returns the HTTP status of a non-2xx response.
func HTTPStatus(err error) (int, bool) {
	var herr rpc.HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode, true
	}
	return 0, false
}

// IsTransient reports whether err is a transport-level failure worth
// retrying: timeouts, connection errors, rate limiting and 5xx responses.
// Errors returned by the remote procedure itself are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := RemoteError(err); ok {
		return false
	}
	if status, ok := HTTPStatus(err); ok {
		return status == http.StatusTooManyRequests || status >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	var operr *net.OpError
	return errors.As(err, &operr)
}

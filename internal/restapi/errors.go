package restapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized indicates the server rejected the session token or credentials.
	ErrUnauthorized = errors.New("restapi: unauthorized")
	// ErrMissingBaseURL indicates the client was constructed without a server URL.
	ErrMissingBaseURL = errors.New("restapi: base url required")
	// ErrMissingToken indicates a login response carried no session token.
	ErrMissingToken = errors.New("restapi: session token missing from response")
	// ErrInvalidChannelName indicates a join request for a name that is not a channel.
	ErrInvalidChannelName = errors.New("restapi: buffer name is not a channel")
	// ErrMalformedResponse indicates a response body that could not be decoded.
	ErrMalformedResponse = errors.New("restapi: malformed response")
)

// Resource names used in FetchError.
const (
	ResourceUser    = "user"
	ResourceBuffer  = "buffer"
	ResourceLine    = "line"
	ResourceSession = "session"
)

// FetchError describes a failed request against a resource.
type FetchError struct {
	Resource   string
	ID         string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	target := e.Resource
	if e.ID != "" {
		target = fmt.Sprintf("%s %s", e.Resource, e.ID)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", target, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", target, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the request could succeed.
func (e *FetchError) Transient() bool {
	if e.StatusCode == 0 {
		for _, permanent := range []error{ErrMalformedResponse, ErrMissingToken, ErrUnauthorized, context.Canceled} {
			if errors.Is(e.Err, permanent) {
				return false
			}
		}
		return true
	}
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// IsTransient reports whether err is a FetchError worth retrying.
func IsTransient(err error) bool {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Transient()
	}
	return false
}

package gobii

import (
	"errors"
	"fmt"
)

// ErrMissingAPIKey is wrapped by AuthError when no credential is configured
var ErrMissingAPIKey = errors.New("API key is missing, configure it in settings")

// AuthError means the request could not be authenticated locally
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError wraps a network level failure
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is returned for any non-2xx HTTP response
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned an error with status code %d", e.StatusCode)
}

// DecodeError means the response body could not be decoded
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

package osm

import (
	"errors"
	"fmt"
)

// Error classes surfaced to callers. Every gateway error wraps exactly one.
var (
	ErrAuthExpired = errors.New("osm rejected the access token")
	ErrRateBlocked = errors.New("osm blocked further calls")
	ErrTransport   = errors.New("osm transport failure")
	ErrNotFound    = errors.New("osm resource not found")
)

// HTTPError describes a classified non-success response
type HTTPError struct {
	Operation  string
	StatusCode int
	Message    string
	class      error
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s: %s", e.Operation, e.StatusCode, e.class, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Operation, e.StatusCode, e.class)
}

func (e *HTTPError) Unwrap() error {
	return e.class
}

// IsAuthExpired reports whether err means the token must not be used again
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// IsRateBlocked reports whether err means OSM asked the client to stop calling
func IsRateBlocked(err error) bool {
	return errors.Is(err, ErrRateBlocked)
}

// IsTransport reports whether err is a network, server or decoding failure
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsNotFound reports whether err means the resource does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func transportError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

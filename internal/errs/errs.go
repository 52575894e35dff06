// Package errs contains the error taxonomy shared by the sync engine layers.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Configuration errors are fatal until the device is configured; they are never retried automatically.
var (
	ErrNoServerURL   = errors.New("no server url configured")
	ErrNoGatewayURL  = errors.New("no gateway url configured")
	ErrNoCredentials = errors.New("no device credentials configured")
)

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrDeviceDeactivated    = errors.New("device deactivated")
	ErrValidation           = errors.New("validation failed")
	ErrRateLimited          = errors.New("rate limited")
	ErrAuthCooldown         = errors.New("authentication cooling down after failure")
	ErrTransportUnreachable = errors.New("transport unreachable")
	ErrServer               = errors.New("server error")
	ErrNetwork              = errors.New("network error")
	ErrTimeout              = errors.New("timeout")
	ErrDecode               = errors.New("decode error")
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
)

// RateLimitedError carries the earliest time another attempt may be made.
type RateLimitedError struct {
	Until time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ServerError is any non-2xx response the caller did not handle specially.
type ServerError struct {
	StatusCode int
	Code       string
	Body       []byte
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, truncate(e.Body))
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, truncate(e.Body))
}

func (e *ServerError) Is(target error) bool {
	return target == ErrServer
}

// NetworkError wraps DNS, dial, TLS and timeout failures.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	if target == ErrNetwork {
		return true
	}
	if target == ErrTimeout {
		return e.Timeout()
	}
	return false
}

func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// DecodeError signals a schema mismatch between client and server.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// Auth error codes carried in the structured gateway error body.
const (
	CodeDeviceDeactivated  = "device_deactivated"
	CodeInvalidCredentials = "invalid_credentials"
)

// AuthError is a rejection from the auth gateway.
type AuthError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *AuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth rejected (http %d %s): %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("auth rejected (http %d): %s", e.StatusCode, e.Detail)
}

func (e *AuthError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrDeviceDeactivated:
		return e.StatusCode == http.StatusUnauthorized && e.Code == CodeDeviceDeactivated
	case ErrValidation:
		return e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// IsConfiguration reports errors that need operator action rather than a retry.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrNoServerURL) ||
		errors.Is(err, ErrNoGatewayURL) ||
		errors.Is(err, ErrNoCredentials) ||
		errors.Is(err, ErrDeviceDeactivated)
}

// IsTransient reports errors the next scheduled cycle is expected to clear.
func IsTransient(err error) bool {
	if err == nil || IsConfiguration(err) {
		return false
	}
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrTransportUnreachable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrAuthCooldown) ||
		errors.Is(err, context.DeadlineExceeded)
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

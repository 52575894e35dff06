package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestAuthErrorClassification(t *testing.T) {
	deactivated := &AuthError{StatusCode: http.StatusUnauthorized, Code: CodeDeviceDeactivated}
	if !errors.Is(deactivated, ErrUnauthorized) || !errors.Is(deactivated, ErrDeviceDeactivated) {
		t.Fatalf("expected deactivated error to match unauthorized and deactivated")
	}
	plain := &AuthError{StatusCode: http.StatusUnauthorized, Code: CodeInvalidCredentials}
	if errors.Is(plain, ErrDeviceDeactivated) {
		t.Fatalf("expected ordinary credential failure to not match deactivated")
	}
	validation := &AuthError{StatusCode: http.StatusUnprocessableEntity}
	if !errors.Is(validation, ErrValidation) || errors.Is(validation, ErrUnauthorized) {
		t.Fatalf("expected 422 to be a validation error only")
	}
}

func TestNetworkErrorTimeout(t *testing.T) {
	err := fmt.Errorf("push: %w", &NetworkError{Op: "push", Err: context.DeadlineExceeded})
	if !errors.Is(err, ErrNetwork) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected wrapped deadline to be a network timeout, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("expected network timeout to be transient")
	}
	dns := &NetworkError{Op: "pull", Err: errors.New("no such host")}
	if errors.Is(dns, ErrTimeout) {
		t.Fatalf("expected dns failure to not be a timeout")
	}
}

func TestClassificationHelpers(t *testing.T) {
	if !IsConfiguration(fmt.Errorf("start: %w", ErrNoServerURL)) {
		t.Fatalf("expected missing server url to be configuration")
	}
	if IsTransient(ErrNoCredentials) {
		t.Fatalf("expected configuration errors to never be transient")
	}
	if !IsTransient(&RateLimitedError{Until: time.Now().Add(time.Minute)}) {
		t.Fatalf("expected rate limit to be transient")
	}
	if IsTransient(&ServerError{StatusCode: 500}) {
		t.Fatalf("expected server errors to be left to the caller")
	}
	if !errors.Is(&DecodeError{What: "pull", Err: errors.New("bad")}, ErrDecode) {
		t.Fatalf("expected decode error sentinel match")
	}
}

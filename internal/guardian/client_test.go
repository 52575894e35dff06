package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentworkforce/nexussync/internal/errs"
)

func TestAuthenticateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/token" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["device_id"] != "dev-1" || body["password"] != "pw" {
			t.Fatalf("unexpected credentials %+v", body)
		}
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	}))
	defer server.Close()

	token, err := NewClient(server.URL, Options{}).Authenticate(context.Background(), "dev-1", "pw")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if token.AccessToken != "tok" || token.ExpiresIn != 3600 {
		t.Fatalf("unexpected token %+v", token)
	}
}

func TestAuthenticateStatusPolicy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		status int
		header string
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "deactivated",
			status: http.StatusUnauthorized,
			body:   `{"code":"device_deactivated","detail":"device disabled by administrator","version":1}`,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, errs.ErrDeviceDeactivated) {
					t.Fatalf("expected deactivated, got %v", err)
				}
			},
		},
		{
			name:   "bad credentials",
			status: http.StatusUnauthorized,
			body:   `{"code":"invalid_credentials","detail":"Device is deactivated"}`,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, errs.ErrUnauthorized) || errors.Is(err, errs.ErrDeviceDeactivated) {
					t.Fatalf("expected plain unauthorized without detail sniffing, got %v", err)
				}
			},
		},
		{
			name:   "validation",
			status: http.StatusUnprocessableEntity,
			body:   `{"detail":"password missing"}`,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, errs.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
			},
		},
		{
			name:   "rate limited with hint",
			status: http.StatusTooManyRequests,
			header: "120",
			check: func(t *testing.T, err error) {
				var rl *errs.RateLimitedError
				if !errors.As(err, &rl) || !rl.Until.Equal(now.Add(120*time.Second)) {
					t.Fatalf("expected retry at +120s, got %v", err)
				}
			},
		},
		{
			name:   "rate limited with zero hint",
			status: http.StatusTooManyRequests,
			header: "0",
			check: func(t *testing.T, err error) {
				var rl *errs.RateLimitedError
				if !errors.As(err, &rl) || !rl.Until.Equal(now) {
					t.Fatalf("expected retry allowed immediately, got %v", err)
				}
			},
		},
		{
			name:   "rate limited default",
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, err error) {
				var rl *errs.RateLimitedError
				if !errors.As(err, &rl) || !rl.Until.Equal(now.Add(30*time.Minute)) {
					t.Fatalf("expected default 30m backoff, got %v", err)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   `upstream down`,
			check: func(t *testing.T, err error) {
				var se *errs.ServerError
				if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway || string(se.Body) != "upstream down" {
					t.Fatalf("expected server error with body, got %v", err)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()
			client := NewClient(server.URL, Options{Now: func() time.Time { return now }})
			_, err := client.Authenticate(context.Background(), "dev-1", "pw")
			tc.check(t, err)
		})
	}
}

func TestAuthenticateNetworkAndConfigErrors(t *testing.T) {
	if _, err := NewClient("", Options{}).Authenticate(context.Background(), "d", "p"); !errors.Is(err, errs.ErrNoGatewayURL) {
		t.Fatalf("expected no gateway error, got %v", err)
	}
	if _, err := NewClient("http://127.0.0.1:1", Options{}).Authenticate(context.Background(), "", "p"); !errors.Is(err, errs.ErrNoCredentials) {
		t.Fatalf("expected no credentials error, got %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()
	if _, err := NewClient(url, Options{}).Authenticate(context.Background(), "d", "p"); !errors.Is(err, errs.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestHealthTimeoutIsBounded(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, Options{HealthTimeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := client.Health(context.Background())
	if !errors.Is(err, errs.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("health check was not bounded")
	}
}

func TestHealthDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","service":"guardian"}`))
	}))
	defer server.Close()
	health, err := NewClient(server.URL, Options{}).Health(context.Background())
	if err != nil || !health.Healthy() || health.Service != "guardian" {
		t.Fatalf("unexpected health %+v err=%v", health, err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		header string
		want   time.Duration
		ok     bool
	}{
		{header: "", ok: false},
		{header: "soon", ok: false},
		{header: "-5", ok: false},
		{header: "0", want: 0, ok: true},
		{header: " 45 ", want: 45 * time.Second, ok: true},
		{header: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second, ok: true},
		{header: now.Add(-time.Hour).Format(http.TimeFormat), want: 0, ok: true},
	}
	for _, tc := range cases {
		got, ok := ParseRetryAfter(tc.header, now)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseRetryAfter(%q) = %v, %v; want %v, %v", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestHealthRejectsOversizedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, maxResponseBytes+1))
	}))
	defer server.Close()
	_, err := NewClient(server.URL, Options{}).Health(context.Background())
	if !errors.Is(err, errs.ErrDecode) {
		t.Fatalf("expected decode error for oversized body, got %v", err)
	}
}

// Package guardian is the wire client for the authentication gateway.
package guardian

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/nexussync/internal/errs"
)

const (
	DefaultAuthTimeout      = 10 * time.Second
	DefaultHealthTimeout    = 5 * time.Second
	DefaultRateLimitBackoff = 30 * time.Minute

	maxResponseBytes = 1 << 20
)

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (h HealthResponse) Healthy() bool {
	switch strings.ToLower(strings.TrimSpace(h.Status)) {
	case "ok", "healthy", "up":
		return true
	}
	return false
}

// errorBody is the structured rejection the gateway returns.
type errorBody struct {
	Code    string `json:"code"`
	Detail  string `json:"detail"`
	Version int    `json:"version"`
}

type Options struct {
	HTTPClient    *http.Client
	AuthTimeout   time.Duration
	HealthTimeout time.Duration
	Logger        *zap.Logger
	Now           func() time.Time
}

type Client struct {
	baseURL       string
	httpClient    *http.Client
	authTimeout   time.Duration
	healthTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

func NewClient(baseURL string, opts Options) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient:    opts.HTTPClient,
		authTimeout:   opts.AuthTimeout,
		healthTimeout: opts.HealthTimeout,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.authTimeout <= 0 {
		c.authTimeout = DefaultAuthTimeout
	}
	if c.healthTimeout <= 0 {
		c.healthTimeout = DefaultHealthTimeout
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Client) Authenticate(ctx context.Context, deviceID, password string) (TokenResponse, error) {
	if c.baseURL == "" {
		return TokenResponse{}, errs.ErrNoGatewayURL
	}
	if strings.TrimSpace(deviceID) == "" || password == "" {
		return TokenResponse{}, errs.ErrNoCredentials
	}
	ctx, cancel := context.WithTimeout(ctx, c.authTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"device_id": deviceID, "password": password})
	if err != nil {
		return TokenResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, payload, err := c.do(req, "authenticate")
	if err != nil {
		return TokenResponse{}, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var token TokenResponse
		if err := json.Unmarshal(payload, &token); err != nil {
			return TokenResponse{}, &errs.DecodeError{What: "token response", Err: err}
		}
		if token.AccessToken == "" {
			return TokenResponse{}, &errs.DecodeError{What: "token response", Err: errors.New("missing access_token")}
		}
		return token, nil
	case http.StatusUnauthorized, http.StatusUnprocessableEntity:
		var body errorBody
		_ = json.Unmarshal(payload, &body)
		c.logger.Warn("guardian rejected authentication",
			zap.Int("status", resp.StatusCode),
			zap.String("code", body.Code),
		)
		return TokenResponse{}, &errs.AuthError{StatusCode: resp.StatusCode, Code: body.Code, Detail: body.Detail}
	case http.StatusTooManyRequests:
		wait, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		if !ok {
			wait = DefaultRateLimitBackoff
		}
		c.logger.Warn("guardian rate limited authentication", zap.Duration("retry_after", wait))
		return TokenResponse{}, &errs.RateLimitedError{Until: c.now().Add(wait)}
	default:
		var body errorBody
		_ = json.Unmarshal(payload, &body)
		return TokenResponse{}, &errs.ServerError{StatusCode: resp.StatusCode, Code: body.Code, Body: payload}
	}
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	if c.baseURL == "" {
		return HealthResponse{}, errs.ErrNoGatewayURL
	}
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, payload, err := c.do(req, "health")
	if err != nil {
		return HealthResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return HealthResponse{}, &errs.ServerError{StatusCode: resp.StatusCode, Body: payload}
	}
	var health HealthResponse
	if err := json.Unmarshal(payload, &health); err != nil {
		return HealthResponse{}, &errs.DecodeError{What: "health response", Err: err}
	}
	return health, nil
}

func (c *Client) do(req *http.Request, op string) (*http.Response, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &errs.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, nil, &errs.NetworkError{Op: op, Err: err}
	}
	if len(payload) > maxResponseBytes {
		return nil, nil, &errs.DecodeError{What: op + " response", Err: fmt.Errorf("more than %d bytes", maxResponseBytes)}
	}
	return resp, payload, nil
}

// ParseRetryAfter accepts delta-seconds or an HTTP date. ok is false when the
// header is absent or unparseable; a date already past yields zero.
func ParseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if ts, err := http.ParseTime(header); err == nil {
		return max(ts.Sub(now), 0), true
	}
	return 0, false
}

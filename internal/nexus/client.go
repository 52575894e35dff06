// Package nexus is the wire client for the sync data gateway.
package nexus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/guardian"
)

const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultMaxResponseBytes = 64 << 20
)

// ErrResponseTooLarge marks a response body longer than the configured limit.
var ErrResponseTooLarge = errors.New("response body exceeds size limit")

// TokenSource supplies bearer tokens; Reauthenticate is called at most once per request.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (string, error)
	Reauthenticate(ctx context.Context) (string, error)
}

type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxResponseBytes caps every response body, attachments included.
	MaxResponseBytes int64
	Logger           *zap.Logger
	Now              func() time.Time
}

type Client struct {
	baseURL    string
	deviceID   string
	tokens     TokenSource
	httpClient *http.Client
	timeout    time.Duration
	maxBody    int64
	logger     *zap.Logger
	now        func() time.Time
}

func NewClient(baseURL, deviceID string, tokens TokenSource, opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		deviceID:   deviceID,
		tokens:     tokens,
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		maxBody:    opts.MaxResponseBytes,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	if c.maxBody <= 0 {
		c.maxBody = DefaultMaxResponseBytes
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Client) DeviceID() string {
	return c.deviceID
}

func (c *Client) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	if req.DeviceID == "" {
		req.DeviceID = c.deviceID
	}
	body, err := json.Marshal(req)
	if err != nil {
		return PushResponse{}, err
	}
	payload, err := c.do(ctx, "push", func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/push", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
	if err != nil {
		return PushResponse{}, err
	}
	var out PushResponse
	if err := decodeValidated(schemaPushResponse, "push response", payload, &out); err != nil {
		return PushResponse{}, err
	}
	return out, nil
}

func (c *Client) Pull(ctx context.Context, sinceVersion int64, limit int) (PullResponse, error) {
	query := url.Values{}
	query.Set("device_id", c.deviceID)
	query.Set("since_version", strconv.FormatInt(sinceVersion, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	target := c.baseURL + "/sync/pull?" + query.Encode()
	payload, err := c.do(ctx, "pull", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
	if err != nil {
		return PullResponse{}, err
	}
	var out PullResponse
	if err := decodeValidated(schemaPullResponse, "pull response", payload, &out); err != nil {
		return PullResponse{}, err
	}
	return out, nil
}

// Upload sends one attachment as a multipart file. token may be a bare upload
// token, a server-relative path, or an absolute URL.
func (c *Client) Upload(ctx context.Context, token string, data []byte, filename, contentType string) (UploadResult, error) {
	target, err := c.transferURL("/sync/upload/", token)
	if err != nil {
		return UploadResult{}, err
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := part.Write(data); err != nil {
		return UploadResult{}, err
	}
	if err := writer.Close(); err != nil {
		return UploadResult{}, err
	}
	body := buf.Bytes()
	formType := writer.FormDataContentType()

	payload, err := c.do(ctx, "upload", func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", formType)
		return r, nil
	})
	if err != nil {
		return UploadResult{}, err
	}
	var out UploadResult
	if err := json.Unmarshal(payload, &out); err != nil {
		return UploadResult{}, &errs.DecodeError{What: "upload result", Err: err}
	}
	return out, nil
}

func (c *Client) Download(ctx context.Context, token string) ([]byte, error) {
	target, err := c.transferURL("/sync/download/", token)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, "download", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	payload, err := c.do(ctx, "status", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/status", nil)
	})
	if err != nil {
		return StatusResponse{}, err
	}
	var out StatusResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return StatusResponse{}, &errs.DecodeError{What: "status response", Err: err}
	}
	return out, nil
}

// do runs one logical request: inject the bearer token, and on a 401 reauthenticate
// once and retry once. A second 401 surfaces as unauthorized.
func (c *Client) do(ctx context.Context, op string, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	if c.baseURL == "" {
		return nil, errs.ErrNoServerURL
	}
	token, err := c.tokens.EnsureValidToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for attempt := 0; ; attempt++ {
		status, header, payload, err := c.roundTrip(ctx, op, token, build)
		if err != nil {
			return nil, err
		}
		switch {
		case status >= 200 && status <= 299:
			return payload, nil
		case status == http.StatusUnauthorized:
			if attempt > 0 {
				c.logger.Warn("request rejected after reauthentication",
					zap.String("op", op),
					zap.Int("attempt", attempt+1),
				)
				return nil, &errs.AuthError{StatusCode: status, Detail: op + " rejected after reauthentication"}
			}
			c.logger.Info("bearer token rejected, reauthenticating", zap.String("op", op))
			token, err = c.tokens.Reauthenticate(ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: reauthenticate: %w", op, err)
			}
		case status == http.StatusTooManyRequests:
			wait, ok := guardian.ParseRetryAfter(header.Get("Retry-After"), c.now())
			if !ok {
				wait = guardian.DefaultRateLimitBackoff
			}
			return nil, &errs.RateLimitedError{Until: c.now().Add(wait)}
		default:
			var body struct {
				Code string `json:"code"`
			}
			_ = json.Unmarshal(payload, &body)
			return nil, &errs.ServerError{StatusCode: status, Code: body.Code, Body: payload}
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, op, token string, build func(context.Context) (*http.Request, error)) (int, http.Header, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := build(ctx)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", correlationID())
	req.Header.Set("X-Device-Id", c.deviceID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, &errs.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return 0, nil, nil, &errs.NetworkError{Op: op, Err: err}
	}
	if int64(len(payload)) > c.maxBody {
		return 0, nil, nil, &errs.DecodeError{
			What: op + " response",
			Err:  fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxBody),
		}
	}
	return resp.StatusCode, resp.Header, payload, nil
}

func (c *Client) transferURL(prefix, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty transfer token", errs.ErrInvalidInput)
	}
	if strings.HasPrefix(token, "http://") || strings.HasPrefix(token, "https://") {
		return token, nil
	}
	if strings.HasPrefix(token, "/") {
		return c.baseURL + token, nil
	}
	return c.baseURL + prefix + url.PathEscape(token), nil
}

func decodeValidated(schema, what string, payload []byte, out any) error {
	if err := validatePayload(schema, payload); err != nil {
		return &errs.DecodeError{What: what, Err: err}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &errs.DecodeError{What: what, Err: err}
	}
	return nil
}

func correlationID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Sprintf("nexussync_%d", time.Now().UnixNano())
	}
	return id.String()
}

// IsRetryableLater reports whether the failure should simply wait for the next cycle.
func IsRetryableLater(err error) bool {
	var se *errs.ServerError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return errs.IsTransient(err)
}

// Package auth owns the bearer token lifecycle: proactive refresh, rate-limit
// backoff, failure cooldown and deactivation handling.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/nexussync/internal/credstore"
	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/guardian"
)

const (
	DefaultFailureCooldown   = 60 * time.Second
	DefaultReachabilityEvery = 5 * time.Second
)

// Gateway is the subset of the guardian client the manager drives.
type Gateway interface {
	Authenticate(ctx context.Context, deviceID, password string) (guardian.TokenResponse, error)
	Health(ctx context.Context) (guardian.HealthResponse, error)
}

type Options struct {
	DeviceID          string
	FailureCooldown   time.Duration
	ReachabilityEvery time.Duration
	Logger            *zap.Logger
	Now               func() time.Time
}

type Manager struct {
	gateway  Gateway
	creds    credstore.Store
	deviceID string
	cooldown time.Duration
	logger   *zap.Logger
	now      func() time.Time
	flight   singleflight.Group

	mu            sync.Mutex
	loaded        bool
	token         string
	meta          TokenMetadata
	status        Status
	lastFailureAt time.Time
	deactivated   bool

	probeMu     sync.Mutex
	probeLimit  *rate.Limiter
	probeResult error
	probed      bool
}

func NewManager(gateway Gateway, creds credstore.Store, opts Options) *Manager {
	m := &Manager{
		gateway:  gateway,
		creds:    creds,
		deviceID: opts.DeviceID,
		cooldown: opts.FailureCooldown,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if m.cooldown <= 0 {
		m.cooldown = DefaultFailureCooldown
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	every := opts.ReachabilityEvery
	if every <= 0 {
		every = DefaultReachabilityEvery
	}
	m.probeLimit = rate.NewLimiter(rate.Every(every), 1)
	return m
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked()
	return m.status
}

// EnsureValidToken returns a usable bearer token, authenticating only when needed.
func (m *Manager) EnsureValidToken(ctx context.Context) (string, error) {
	now := m.now()

	m.mu.Lock()
	m.loadLocked()
	if err := m.gateLocked(now); err != nil {
		m.mu.Unlock()
		return "", err
	}
	cached, meta := m.token, m.meta
	valid := cached != "" && !meta.IsExpired(now)
	if m.inCooldownLocked(now) {
		m.mu.Unlock()
		if valid {
			return cached, nil
		}
		return "", errs.ErrAuthCooldown
	}
	m.mu.Unlock()

	if valid && !meta.NeedsRefresh(now) {
		return cached, nil
	}
	if valid {
		token, err := m.authenticateShared(ctx)
		if err == nil {
			return token, nil
		}
		if errors.Is(err, errs.ErrDeviceDeactivated) || ctx.Err() != nil {
			return "", err
		}
		m.logger.Warn("proactive token refresh failed, using cached token",
			zap.Time("expires_at", meta.ExpiresAt()),
			zap.Error(err),
		)
		m.mu.Lock()
		if m.status.Kind == StatusFailed && m.token == cached {
			m.status = Status{Kind: StatusAuthenticated, ExpiresAt: meta.ExpiresAt()}
		}
		m.mu.Unlock()
		return cached, nil
	}
	return m.authenticateShared(ctx)
}

// Reauthenticate discards the cached token after a server rejection and obtains a new one.
func (m *Manager) Reauthenticate(ctx context.Context) (string, error) {
	now := m.now()
	m.mu.Lock()
	m.loadLocked()
	m.dropTokenLocked()
	if err := m.gateLocked(now); err != nil {
		m.mu.Unlock()
		return "", err
	}
	if m.inCooldownLocked(now) {
		m.mu.Unlock()
		return "", errs.ErrAuthCooldown
	}
	m.mu.Unlock()
	return m.authenticateShared(ctx)
}

// Authenticate is the user-triggered login. It lifts the failure cooldown and a prior deactivation.
func (m *Manager) Authenticate(ctx context.Context) (string, error) {
	now := m.now()
	m.mu.Lock()
	m.loadLocked()
	m.lastFailureAt = time.Time{}
	m.deactivated = false
	if m.status.Kind == StatusRateLimited && now.Before(m.status.RetryAfter) {
		until := m.status.RetryAfter
		m.mu.Unlock()
		return "", &errs.RateLimitedError{Until: until}
	}
	m.mu.Unlock()
	return m.authenticateShared(ctx)
}

// SetPassword stores new device credentials and resets failure bookkeeping.
func (m *Manager) SetPassword(password string) error {
	if password == "" {
		return fmt.Errorf("%w: empty password", errs.ErrInvalidInput)
	}
	if err := m.creds.Set(credstore.KeyDevicePassword, []byte(password)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked()
	m.lastFailureAt = time.Time{}
	m.deactivated = false
	m.dropTokenLocked()
	return nil
}

func (m *Manager) ClearToken() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked()
	return m.dropTokenLocked()
}

// ClearAll removes every stored credential, including the device password.
func (m *Manager) ClearAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked()
	err := m.dropTokenLocked()
	if delErr := m.creds.Delete(credstore.KeyDevicePassword); delErr != nil && err == nil {
		err = delErr
	}
	m.lastFailureAt = time.Time{}
	m.deactivated = false
	m.status = Status{Kind: StatusUnconfigured}
	return err
}

// CheckTransportReachability probes the gateway's health endpoint. Probes are
// throttled; between probes the last result is returned.
func (m *Manager) CheckTransportReachability(ctx context.Context) error {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	if m.probed && !m.probeLimit.AllowN(m.now(), 1) {
		return m.probeResult
	}
	if !m.probed {
		m.probeLimit.AllowN(m.now(), 1)
	}
	m.probed = true
	_, err := m.gateway.Health(ctx)
	switch {
	case err == nil:
		m.probeResult = nil
	case errors.Is(err, errs.ErrNetwork):
		m.probeResult = fmt.Errorf("%w: %v", errs.ErrTransportUnreachable, err)
	case errs.IsConfiguration(err):
		m.probeResult = err
	default:
		// any HTTP answer proves the transport is up
		m.probeResult = nil
	}
	if m.probeResult != nil {
		m.logger.Info("auth gateway unreachable", zap.Error(m.probeResult))
	}
	return m.probeResult
}

func (m *Manager) authenticateShared(ctx context.Context) (string, error) {
	ch := m.flight.DoChan("authenticate", func() (any, error) {
		return m.performAuthentication(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) performAuthentication(ctx context.Context) (string, error) {
	if err := m.CheckTransportReachability(ctx); err != nil {
		return "", err
	}
	password, err := m.creds.Get(credstore.KeyDevicePassword)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return "", err
	}
	if m.deviceID == "" || len(password) == 0 {
		m.setStatus(Status{Kind: StatusUnconfigured})
		return "", errs.ErrNoCredentials
	}

	m.setStatus(Status{Kind: StatusAuthenticating})
	resp, err := m.gateway.Authenticate(ctx, m.deviceID, string(password))
	now := m.now()
	if err != nil {
		return "", m.recordFailure(now, err)
	}

	meta := TokenMetadata{ObtainedAt: now, ExpiresIn: tokenLifetime(resp.AccessToken, resp.ExpiresIn, now)}
	if err := m.persistToken(resp.AccessToken, meta); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.token = resp.AccessToken
	m.meta = meta
	m.lastFailureAt = time.Time{}
	m.status = Status{Kind: StatusAuthenticated, ExpiresAt: meta.ExpiresAt()}
	m.mu.Unlock()
	m.logger.Info("device authenticated", zap.Time("expires_at", meta.ExpiresAt()))
	return resp.AccessToken, nil
}

func (m *Manager) recordFailure(now time.Time, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rateLimited *errs.RateLimitedError
	switch {
	case errors.As(err, &rateLimited):
		m.status = Status{Kind: StatusRateLimited, RetryAfter: rateLimited.Until}
	case errors.Is(err, errs.ErrDeviceDeactivated):
		m.deactivated = true
		if dropErr := m.dropTokenLocked(); dropErr != nil {
			m.logger.Error("failed to delete token after deactivation", zap.Error(dropErr))
		}
		m.status = Status{Kind: StatusFailed, Reason: err.Error(), Deactivated: true}
		m.logger.Error("device has been deactivated")
	case errs.IsConfiguration(err):
		m.status = Status{Kind: StatusUnconfigured}
	default:
		m.lastFailureAt = now
		m.status = Status{Kind: StatusFailed, Reason: err.Error()}
		m.logger.Warn("authentication failed", zap.Error(err))
	}
	return err
}

// gateLocked applies the rate-limit and deactivation checks that precede any network call.
func (m *Manager) gateLocked(now time.Time) error {
	if m.deactivated {
		return errs.ErrDeviceDeactivated
	}
	if m.status.Kind == StatusRateLimited {
		if now.Before(m.status.RetryAfter) {
			return &errs.RateLimitedError{Until: m.status.RetryAfter}
		}
		m.status = Status{Kind: StatusUnauthenticated}
	}
	return nil
}

func (m *Manager) inCooldownLocked(now time.Time) bool {
	return !m.lastFailureAt.IsZero() && now.Sub(m.lastFailureAt) < m.cooldown
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *Manager) persistToken(token string, meta TokenMetadata) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := m.creds.Set(credstore.KeyBearerToken, []byte(token)); err != nil {
		return fmt.Errorf("store bearer token: %w", err)
	}
	if err := m.creds.Set(credstore.KeyTokenMetadata, encoded); err != nil {
		// a token without its own metadata must not outlive a restart
		if delErr := m.creds.Delete(credstore.KeyBearerToken); delErr != nil {
			m.logger.Error("failed to remove token after metadata write failure", zap.Error(delErr))
		}
		return fmt.Errorf("store token metadata: %w", err)
	}
	return nil
}

func (m *Manager) dropTokenLocked() error {
	m.token = ""
	m.meta = TokenMetadata{}
	err := m.creds.Delete(credstore.KeyBearerToken)
	if metaErr := m.creds.Delete(credstore.KeyTokenMetadata); metaErr != nil && err == nil {
		err = metaErr
	}
	if !m.deactivated && m.status.Kind != StatusRateLimited {
		m.status = Status{Kind: m.idleKindLocked()}
	}
	return err
}

// loadLocked reads the persisted token once so a restart keeps a valid session.
func (m *Manager) loadLocked() {
	if m.loaded {
		return
	}
	m.loaded = true
	m.status = Status{Kind: m.idleKindLocked()}
	token, err := m.creds.Get(credstore.KeyBearerToken)
	if err != nil || len(token) == 0 {
		return
	}
	raw, err := m.creds.Get(credstore.KeyTokenMetadata)
	if err != nil {
		return
	}
	var meta TokenMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		m.logger.Warn("discarding unreadable token metadata", zap.Error(err))
		return
	}
	m.token = string(token)
	m.meta = meta
	if !meta.IsExpired(m.now()) {
		m.status = Status{Kind: StatusAuthenticated, ExpiresAt: meta.ExpiresAt()}
	}
}

func (m *Manager) idleKindLocked() StatusKind {
	if m.deviceID == "" {
		return StatusUnconfigured
	}
	if _, err := m.creds.Get(credstore.KeyDevicePassword); err != nil {
		return StatusUnconfigured
	}
	return StatusUnauthenticated
}

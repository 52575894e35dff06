package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/nexussync/internal/credstore"
	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/guardian"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	authCalls   atomic.Int32
	healthCalls atomic.Int32
	authFn      func(call int32) (guardian.TokenResponse, error)
	healthErr   error
}

func (g *fakeGateway) Authenticate(ctx context.Context, deviceID, password string) (guardian.TokenResponse, error) {
	n := g.authCalls.Add(1)
	return g.authFn(n)
}

func (g *fakeGateway) Health(ctx context.Context) (guardian.HealthResponse, error) {
	g.healthCalls.Add(1)
	if g.healthErr != nil {
		return guardian.HealthResponse{}, g.healthErr
	}
	return guardian.HealthResponse{Status: "ok"}, nil
}

func okToken(token string, expiresIn int64) func(int32) (guardian.TokenResponse, error) {
	return func(int32) (guardian.TokenResponse, error) {
		return guardian.TokenResponse{AccessToken: token, TokenType: "bearer", ExpiresIn: expiresIn}, nil
	}
}

func newTestManager(t *testing.T, gw Gateway, clock *fakeClock) (*Manager, *credstore.MemoryStore) {
	t.Helper()
	creds := credstore.NewMemoryStore()
	require.NoError(t, creds.Set(credstore.KeyDevicePassword, []byte("pw")))
	m := NewManager(gw, creds, Options{DeviceID: "dev-1", Now: clock.Now})
	return m, creds
}

func TestTokenMetadataThresholds(t *testing.T) {
	obtained := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	meta := TokenMetadata{ObtainedAt: obtained, ExpiresIn: 100}

	require.False(t, meta.NeedsRefresh(obtained.Add(79*time.Second)))
	require.True(t, meta.NeedsRefresh(obtained.Add(81*time.Second)))
	require.False(t, meta.IsExpired(obtained.Add(99*time.Second)))
	require.True(t, meta.IsExpired(obtained.Add(101*time.Second)))
}

func TestRateLimitBlocksUntilRetryAfter(t *testing.T) {
	clock := newFakeClock()
	var requests atomic.Int32
	var limited atomic.Bool
	limited.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"ok","service":"guardian"}`))
		case "/auth/token":
			if limited.Load() {
				w.Header().Set("Retry-After", "120")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"bearer","expires_in":3600}`))
		}
	}))
	defer server.Close()

	gw := guardian.NewClient(server.URL, guardian.Options{Now: clock.Now})
	m, _ := newTestManager(t, gw, clock)

	_, err := m.EnsureValidToken(context.Background())
	require.True(t, errors.Is(err, errs.ErrRateLimited), "got %v", err)
	require.Equal(t, StatusRateLimited, m.Status().Kind)
	before := requests.Load()

	clock.Advance(time.Second)
	_, err = m.EnsureValidToken(context.Background())
	require.True(t, errors.Is(err, errs.ErrRateLimited), "got %v", err)
	require.Equal(t, before, requests.Load(), "rate-limited call must not reach the network")

	limited.Store(false)
	clock.Advance(120 * time.Second)
	token, err := m.EnsureValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fresh", token)
	require.Greater(t, requests.Load(), before)
	require.Equal(t, StatusAuthenticated, m.Status().Kind)
}

func TestFailureCooldownWithoutCachedToken(t *testing.T) {
	clock := newFakeClock()
	gw := &fakeGateway{authFn: func(call int32) (guardian.TokenResponse, error) {
		if call == 1 {
			return guardian.TokenResponse{}, &errs.ServerError{StatusCode: 500}
		}
		return guardian.TokenResponse{AccessToken: "tok", ExpiresIn: 3600}, nil
	}}
	m, _ := newTestManager(t, gw, clock)

	_, err := m.EnsureValidToken(context.Background())
	require.True(t, errors.Is(err, errs.ErrServer))
	require.Equal(t, StatusFailed, m.Status().Kind)

	clock.Advance(10 * time.Second)
	_, err = m.EnsureValidToken(context.Background())
	require.True(t, errors.Is(err, errs.ErrAuthCooldown), "got %v", err)
	require.EqualValues(t, 1, gw.authCalls.Load())

	clock.Advance(51 * time.Second)
	token, err := m.EnsureValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok", token)
	require.EqualValues(t, 2, gw.authCalls.Load())
}

func TestProactiveRefreshFallsBackToCachedToken(t *testing.T) {
	clock := newFakeClock()
	gw := &fakeGateway{authFn: func(call int32) (guardian.TokenResponse, error) {
		switch call {
		case 1:
			return guardian.TokenResponse{AccessToken: "first", ExpiresIn: 100}, nil
		case 2:
			return guardian.TokenResponse{}, &errs.NetworkError{Op: "authenticate", Err: context.DeadlineExceeded}
		default:
			return guardian.TokenResponse{AccessToken: "second", ExpiresIn: 100}, nil
		}
	}}
	m, creds := newTestManager(t, gw, clock)

	token, err := m.EnsureValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", token)

	clock.Advance(50 * time.Second)
	token, err = m.EnsureValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", token)
	require.EqualValues(t, 1, gw.authCalls.Load(), "token below refresh threshold must be reused")

	clock.Advance(35 * time.Second)
	token, err = m.EnsureValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", token, "failed refresh falls back to the still-valid token")
	require.EqualValues(t, 2, gw.authCalls.Load())
	require.Equal(t, StatusAuthenticated, m.Status().Kind)

	clock.Advance(5 * time.Second)
	token, err = m.EnsureValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", token)
	require.EqualValues(t, 2, gw.authCalls.Load(), "cooldown must serve the cached token without retrying")

	clock.Advance(11 * time.Second)
	_, err = m.EnsureValidToken(context.Background())
	require.True(t, errors.Is(err, errs.ErrAuthCooldown), "expired token during cooldown, got %v", err)

	clock.Advance(60 * time.Second)
	token, err = m.EnsureValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "second", token)
	stored, err := creds.Get(credstore.KeyBearerToken)
	require.NoError(t, err)
	require.Equal(t, "second", string(stored))
}

func TestDeactivationIsTerminal(t *testing.T) {
	clock := newFakeClock()
	gw := &fakeGateway{authFn: func(call int32) (guardian.TokenResponse, error) {
		if call == 1 {
			return guardian.TokenResponse{AccessToken: "tok", ExpiresIn: 100}, nil
		}
		return guardian.TokenResponse{}, &errs.AuthError{StatusCode: 401, Code: errs.CodeDeviceDeactivated}
	}}
	m, creds := newTestManager(t, gw, clock)

	_, err := m.EnsureValidToken(context.Background())
	require.NoError(t, err)

	_, err = m.Reauthenticate(context.Background())
	require.True(t, errors.Is(err, errs.ErrDeviceDeactivated), "got %v", err)
	status := m.Status()
	require.Equal(t, StatusFailed, status.Kind)
	require.True(t, status.Deactivated)
	_, err = creds.Get(credstore.KeyBearerToken)
	require.True(t, errors.Is(err, errs.ErrNotFound), "token must be deleted on deactivation")

	clock.Advance(10 * time.Minute)
	_, err = m.EnsureValidToken(context.Background())
	require.True(t, errors.Is(err, errs.ErrDeviceDeactivated))
	require.EqualValues(t, 2, gw.authCalls.Load())
}

func TestTransportUnreachableDoesNotStartCooldown(t *testing.T) {
	clock := newFakeClock()
	gw := &fakeGateway{
		authFn:    okToken("tok", 3600),
		healthErr: &errs.NetworkError{Op: "health", Err: errors.New("no route to host")},
	}
	m, _ := newTestManager(t, gw, clock)

	_, err := m.EnsureValidToken(context.Background())
	require.True(t, errors.Is(err, errs.ErrTransportUnreachable), "got %v", err)
	require.EqualValues(t, 0, gw.authCalls.Load())
	require.NotEqual(t, StatusRateLimited, m.Status().Kind)

	gw.healthErr = nil
	clock.Advance(6 * time.Second)
	token, err := m.EnsureValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok", token)
}

func TestReachabilityProbesAreThrottled(t *testing.T) {
	clock := newFakeClock()
	gw := &fakeGateway{authFn: okToken("tok", 3600)}
	m, _ := newTestManager(t, gw, clock)

	require.NoError(t, m.CheckTransportReachability(context.Background()))
	require.NoError(t, m.CheckTransportReachability(context.Background()))
	require.EqualValues(t, 1, gw.healthCalls.Load())

	clock.Advance(6 * time.Second)
	require.NoError(t, m.CheckTransportReachability(context.Background()))
	require.EqualValues(t, 2, gw.healthCalls.Load())
}

func TestConcurrentCallersShareOneAuthentication(t *testing.T) {
	clock := newFakeClock()
	release := make(chan struct{})
	gw := &fakeGateway{authFn: func(int32) (guardian.TokenResponse, error) {
		<-release
		return guardian.TokenResponse{AccessToken: "shared", ExpiresIn: 3600}, nil
	}}
	m, _ := newTestManager(t, gw, clock)

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errsOut := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errsOut[i] = m.EnsureValidToken(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return gw.authCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, gw.authCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errsOut[i])
		require.Equal(t, "shared", tokens[i])
	}
}

func TestMissingCredentialsIsConfigurationError(t *testing.T) {
	clock := newFakeClock()
	gw := &fakeGateway{authFn: okToken("tok", 3600)}
	m := NewManager(gw, credstore.NewMemoryStore(), Options{DeviceID: "dev-1", Now: clock.Now})
	require.Equal(t, StatusUnconfigured, m.Status().Kind)

	_, err := m.EnsureValidToken(context.Background())
	require.True(t, errors.Is(err, errs.ErrNoCredentials), "got %v", err)
	require.EqualValues(t, 0, gw.authCalls.Load())

	require.NoError(t, m.SetPassword("pw"))
	require.Equal(t, StatusUnauthenticated, m.Status().Kind)
	clock.Advance(10 * time.Second)
	_, err = m.EnsureValidToken(context.Background())
	require.NoError(t, err)
}

func TestClearAllRemovesEverything(t *testing.T) {
	clock := newFakeClock()
	gw := &fakeGateway{authFn: okToken("tok", 3600)}
	m, creds := newTestManager(t, gw, clock)
	_, err := m.Authenticate(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.ClearToken())
	require.Equal(t, StatusUnauthenticated, m.Status().Kind)
	_, err = creds.Get(credstore.KeyDevicePassword)
	require.NoError(t, err)

	require.NoError(t, m.ClearAll())
	require.Equal(t, StatusUnconfigured, m.Status().Kind)
	_, err = creds.Get(credstore.KeyDevicePassword)
	require.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestPersistedTokenSurvivesRestart(t *testing.T) {
	clock := newFakeClock()
	gw := &fakeGateway{authFn: okToken("tok", 3600)}
	m, creds := newTestManager(t, gw, clock)
	_, err := m.EnsureValidToken(context.Background())
	require.NoError(t, err)

	restarted := NewManager(gw, creds, Options{DeviceID: "dev-1", Now: clock.Now})
	require.Equal(t, StatusAuthenticated, restarted.Status().Kind)
	token, err := restarted.EnsureValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok", token)
	require.EqualValues(t, 1, gw.authCalls.Load())
}

type failingMetadataStore struct {
	*credstore.MemoryStore
}

func (s failingMetadataStore) Set(key string, value []byte) error {
	if key == credstore.KeyTokenMetadata {
		return errors.New("disk full")
	}
	return s.MemoryStore.Set(key, value)
}

func TestMetadataWriteFailureDoesNotLeaveOrphanToken(t *testing.T) {
	clock := newFakeClock()
	gw := &fakeGateway{authFn: okToken("tok", 3600)}
	mem := credstore.NewMemoryStore()
	require.NoError(t, mem.Set(credstore.KeyDevicePassword, []byte("pw")))
	m := NewManager(gw, failingMetadataStore{mem}, Options{DeviceID: "dev-1", Now: clock.Now})

	_, err := m.EnsureValidToken(context.Background())
	require.ErrorContains(t, err, "store token metadata")

	_, err = mem.Get(credstore.KeyBearerToken)
	require.ErrorIs(t, err, errs.ErrNotFound)

	restarted := NewManager(gw, mem, Options{DeviceID: "dev-1", Now: clock.Now})
	require.Equal(t, StatusUnauthenticated, restarted.Status().Kind)
}

func TestTokenLifetimeFallbacks(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	require.EqualValues(t, 42, tokenLifetime("opaque", 42, now))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	require.EqualValues(t, 600, tokenLifetime(signed, 0, now))

	require.EqualValues(t, 900, tokenLifetime("not-a-jwt", 0, now))
}

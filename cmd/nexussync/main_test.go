package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/nexussync/internal/config"
	"github.com/agentworkforce/nexussync/internal/device"
	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/nexus"
	"github.com/agentworkforce/nexussync/internal/statestore"
)

type fixtureServer struct {
	*httptest.Server
	mu     sync.Mutex
	pushes []nexus.PushRequest
}

func newFixtureServer(t *testing.T) *fixtureServer {
	t.Helper()
	f := &fixtureServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","service":"guardian"}`))
	})
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DeviceID string `json:"device_id"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password != "s3cret" || body.DeviceID == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"invalid_credentials","detail":"bad password","version":1}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
	})
	authorized := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("POST /sync/push", authorized(func(w http.ResponseWriter, r *http.Request) {
		var req nexus.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.pushes = append(f.pushes, req)
		f.mu.Unlock()
		resp := nexus.PushResponse{}
		for _, c := range req.Changes {
			resp.Accepted = append(resp.Accepted, nexus.AcceptedChange{EntityID: c.EntityID, Version: c.Version})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	mux.HandleFunc("GET /sync/pull", authorized(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("since_version") != "0" {
			_, _ = w.Write([]byte(`{"changes":[],"has_more":false,"next_version":null,"current_version":1}`))
			return
		}
		_, _ = w.Write([]byte(`{"changes":[{"data_category":"clinical","entity_type":"patient","entity_id":"srv-1",` +
			`"operation":"create","version":1,"data":{"firstname":"Ben"},"timestamp":"2026-01-02T03:04:05"}],` +
			`"has_more":false,"next_version":1,"current_version":1}`))
	}))
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandLineSyncRoundTrip(t *testing.T) {
	srv := newFixtureServer(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, "empty.env")
	require.NoError(t, os.WriteFile(envFile, nil, 0o600))
	base := []string{"--sync-dir", filepath.Join(dir, "sync"), "--env-file", envFile, "--log-level", "error"}
	with := func(args ...string) []string { return append(append([]string{}, args...), base...) }

	out, err := runCLI(t, "", with("configure", "--server-url", srv.URL, "--gateway-url", srv.URL, "--device-name", "ward tablet")...)
	require.NoError(t, err)
	require.Contains(t, out, "Device name: ward tablet")

	_, err = runCLI(t, "", with("sync")...)
	require.ErrorIs(t, err, errs.ErrNoCredentials)
	require.Equal(t, 2, exitCode(err))

	_, err = runCLI(t, "wrong\n", with("login", "--password-stdin")...)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	out, err = runCLI(t, "s3cret\n", with("login", "--password-stdin")...)
	require.NoError(t, err)
	require.Contains(t, out, "Logged in")

	changes := `[{"entity_type":"patient","entity_id":"p-1","patient_id":"p-1","data_category":"clinical",` +
		`"operation":"update","data":{"firstname":"Anna","age":34,"active":true,"tags":["a","b"]}}]`
	out, err = runCLI(t, changes, with("enqueue", "--file", "-")...)
	require.NoError(t, err)
	require.Contains(t, out, "Queued patient p-1 v1")

	out, err = runCLI(t, "", with("sync")...)
	require.NoError(t, err)
	require.Contains(t, out, "Pushed 1 (accepted 1")
	require.Contains(t, out, "Pulled 1 over 1 pages, cursor 1")

	srv.mu.Lock()
	require.Len(t, srv.pushes, 1)
	pushed := srv.pushes[0].Changes[0]
	srv.mu.Unlock()
	require.Equal(t, "Anna", pushed.Data.String("firstname"))
	require.EqualValues(t, 1, pushed.Version)
	require.NotEmpty(t, srv.pushes[0].DeviceID)

	out, err = runCLI(t, "", with("status")...)
	require.NoError(t, err)
	require.Contains(t, out, "Last pull version: 1")
	require.Contains(t, out, "Pending changes:   0")
	require.Contains(t, out, "Registered:        true")

	inbox, err := os.ReadFile(filepath.Join(dir, "sync", "inbox.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(inbox), `"entity_id":"srv-1"`)

	out, err = runCLI(t, "", with("health")...)
	require.NoError(t, err)
	require.Contains(t, out, "Gateway: ok (guardian)")

	out, err = runCLI(t, "", with("logout", "--all")...)
	require.NoError(t, err)
	require.Contains(t, out, "All credentials cleared")
}

func TestSecondEngineOnSameDirectoryIsRefused(t *testing.T) {
	dir := t.TempDir()
	settings := config.Settings{
		SyncDir:  dir,
		StateDSN: "memory://",
		MediaDir: filepath.Join(dir, "media"),
		LogLevel: "error",
	}
	first, err := openEngine(settings)
	require.NoError(t, err)
	defer first.Close()

	_, err = openEngine(settings)
	require.ErrorIs(t, err, statestore.ErrLocked)
	require.Equal(t, 2, exitCode(err))
}

func TestReadChanges(t *testing.T) {
	one, err := readChanges(strings.NewReader(`{"entity_type":"note","entity_id":"n-1","operation":"create","data":{"v":1.50}}`))
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, "n-1", one[0].EntityID)

	many, err := readChanges(strings.NewReader(` [{"entity_id":"a"},{"entity_id":"b"}] `))
	require.NoError(t, err)
	require.Len(t, many, 2)

	none, err := readChanges(strings.NewReader("  \n"))
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = readChanges(strings.NewReader(`{"entity_id":`))
	require.Error(t, err)
}

func TestApplyDeviceOverridesOnlyFillsGaps(t *testing.T) {
	cfg := applyDeviceOverrides(
		device.Config{ServerURL: "https://stored.example"},
		config.Settings{ServerURL: "https://env.example", GatewayURL: "https://guardian.example", DeviceName: "kiosk"},
	)
	require.Equal(t, "https://stored.example", cfg.ServerURL)
	require.Equal(t, "https://guardian.example", cfg.GatewayURL)
	require.Equal(t, "kiosk", cfg.DeviceName)
}

func TestExitCodes(t *testing.T) {
	require.Equal(t, 2, exitCode(errs.ErrNoServerURL))
	require.Equal(t, 3, exitCode(&errs.NetworkError{Op: "pull", Err: errors.New("dial tcp: refused")}))
	require.Equal(t, 1, exitCode(&errs.ServerError{StatusCode: 500}))
}

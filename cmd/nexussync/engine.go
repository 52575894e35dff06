package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/nexussync/internal/attachments"
	"github.com/agentworkforce/nexussync/internal/auth"
	"github.com/agentworkforce/nexussync/internal/config"
	"github.com/agentworkforce/nexussync/internal/coordinator"
	"github.com/agentworkforce/nexussync/internal/credstore"
	"github.com/agentworkforce/nexussync/internal/device"
	"github.com/agentworkforce/nexussync/internal/guardian"
	"github.com/agentworkforce/nexussync/internal/logging"
	"github.com/agentworkforce/nexussync/internal/nexus"
	"github.com/agentworkforce/nexussync/internal/queue"
	"github.com/agentworkforce/nexussync/internal/statestore"
	"github.com/agentworkforce/nexussync/internal/syncstate"
)

// engine owns every component for one process. Only one engine may hold a
// sync directory at a time.
type engine struct {
	settings config.Settings
	logger   *zap.Logger
	closeLog func() error
	lock     *statestore.DirLock
	backend  statestore.Backend

	devices *device.Store
	device  device.Config

	creds   credstore.Store
	gateway *guardian.Client
	auth    *auth.Manager
	remote  *nexus.Client

	queue    *queue.Queue
	state    *syncstate.Store
	versions *syncstate.Versions

	media   *attachments.MediaStore
	index   *attachments.Index
	watcher *attachments.Watcher
	inbox   *inbox

	coordinator *coordinator.Coordinator
}

func openEngine(settings config.Settings) (*engine, error) {
	logger, closeLog, err := logging.New(logging.Options{
		Level: settings.LogLevel,
		File:  settings.LogFile,
		JSON:  settings.LogJSON,
	})
	if err != nil {
		return nil, err
	}
	for _, warning := range settings.Warnings {
		logger.Warn("configuration value ignored", zap.String("detail", warning))
	}
	e := &engine{settings: settings, logger: logger, closeLog: closeLog}
	if err := e.open(); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *engine) open() error {
	s := e.settings
	lock, err := statestore.LockDir(s.SyncDir)
	if err != nil {
		return err
	}
	e.lock = lock

	e.backend, err = statestore.BuildBackendFromDSN(s.StateDSN)
	if err != nil {
		return fmt.Errorf("state backend: %w", err)
	}
	e.devices = device.NewStore(e.backend)
	cfg, err := e.devices.EnsureDeviceID()
	if err != nil {
		return fmt.Errorf("device config: %w", err)
	}
	e.device = applyDeviceOverrides(cfg, s)

	e.creds, err = credstore.NewFileStore(filepath.Join(s.SyncDir, "credentials"), s.CredentialSecret)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	e.gateway = guardian.NewClient(e.device.GatewayURL, guardian.Options{
		HTTPClient:    &http.Client{},
		AuthTimeout:   s.AuthTimeout,
		HealthTimeout: s.HealthTimeout,
		Logger:        e.logger.Named("guardian"),
	})
	e.auth = auth.NewManager(e.gateway, e.creds, auth.Options{
		DeviceID: e.device.DeviceID,
		Logger:   e.logger.Named("auth"),
	})
	e.remote = nexus.NewClient(e.device.ServerURL, e.device.DeviceID, e.auth, nexus.Options{
		Timeout: s.RequestTimeout,
		Logger:  e.logger.Named("nexus"),
	})

	if e.queue, err = queue.New(e.backend, nil); err != nil {
		return fmt.Errorf("outbound queue: %w", err)
	}
	if e.state, err = syncstate.NewStore(e.backend, nil); err != nil {
		return fmt.Errorf("sync state: %w", err)
	}
	if e.versions, err = syncstate.NewVersions(e.backend); err != nil {
		return fmt.Errorf("entity versions: %w", err)
	}

	e.media = attachments.NewMediaStore(s.MediaDir)
	if e.index, err = attachments.BuildIndex(e.media); err != nil {
		return fmt.Errorf("media index: %w", err)
	}
	e.inbox = &inbox{path: filepath.Join(s.SyncDir, "inbox.jsonl")}

	e.coordinator, err = coordinator.New(coordinator.Deps{
		Client:     e.remote,
		Queue:      e.queue,
		State:      e.state,
		Versions:   e.versions,
		Auth:       e.auth,
		Describer:  e.index,
		Uploader:   attachments.NewUploader(e.remote, e.index, s.TransferConcurrency, e.logger.Named("upload")),
		Downloader: attachments.NewDownloader(e.remote, e.media, e.index, s.TransferConcurrency, e.logger.Named("download")),
		Applier:    e.inbox,
	}, coordinator.Options{
		ServerURL:         e.device.ServerURL,
		Interval:          s.Interval,
		Jitter:            s.IntervalJitter,
		PullPageSize:      s.PullPageSize,
		MaxPullPages:      s.MaxPullPages,
		BackgroundTimeout: s.BackgroundTimeout,
		Logger:            e.logger.Named("coordinator"),
	})
	return err
}

// watchMedia keeps the attachment index current while a long-running command is active.
func (e *engine) watchMedia() error {
	w, err := attachments.NewWatcher(e.media, e.index, e.logger.Named("media"))
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	e.watcher = w
	return nil
}

func (e *engine) requireServer() error {
	_, err := e.device.RequireServer()
	return err
}

func (e *engine) Close() error {
	var errsOut []error
	if e.watcher != nil {
		errsOut = append(errsOut, e.watcher.Stop())
	}
	if e.coordinator != nil {
		e.coordinator.Stop()
	}
	if closer, ok := e.backend.(io.Closer); ok {
		errsOut = append(errsOut, closer.Close())
	}
	if e.lock != nil {
		errsOut = append(errsOut, e.lock.Unlock())
	}
	if e.closeLog != nil {
		errsOut = append(errsOut, e.closeLog())
	}
	return errors.Join(errsOut...)
}

// applyDeviceOverrides lets settings stand in for unset device fields without
// persisting them.
func applyDeviceOverrides(cfg device.Config, s config.Settings) device.Config {
	if cfg.ServerURL == "" {
		cfg.ServerURL = s.ServerURL
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = s.GatewayURL
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = s.DeviceName
	}
	return cfg
}

// inbox hands pulled changes to the domain layer as JSON lines.
type inbox struct {
	path string
	mu   sync.Mutex
}

func (i *inbox) Apply(ctx context.Context, change nexus.PullChange) error {
	line, err := json.Marshal(change)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	f, err := os.OpenFile(i.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func readChanges(r io.Reader) ([]queue.QueuedChange, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var changes []queue.QueuedChange
		if err := json.Unmarshal([]byte(trimmed), &changes); err != nil {
			return nil, fmt.Errorf("decode changes: %w", err)
		}
		return changes, nil
	}
	var one queue.QueuedChange
	if err := json.Unmarshal([]byte(trimmed), &one); err != nil {
		return nil, fmt.Errorf("decode change: %w", err)
	}
	return []queue.QueuedChange{one}, nil
}

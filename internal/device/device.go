// Package device persists the device's identity and endpoint configuration.
package device

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/statestore"
)

type Config struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	ServerURL  string `json:"server_url,omitempty"`
	GatewayURL string `json:"gateway_url,omitempty"`
	Registered bool   `json:"registered"`
}

func (c Config) RequireServer() (string, error) {
	if strings.TrimSpace(c.ServerURL) == "" {
		return "", errs.ErrNoServerURL
	}
	return strings.TrimRight(strings.TrimSpace(c.ServerURL), "/"), nil
}

func (c Config) RequireGateway() (string, error) {
	if strings.TrimSpace(c.GatewayURL) == "" {
		return "", errs.ErrNoGatewayURL
	}
	return strings.TrimRight(strings.TrimSpace(c.GatewayURL), "/"), nil
}

func (c Config) Validate() error {
	for _, raw := range []string{c.ServerURL, c.GatewayURL} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("%w: url %q must be http or https", errs.ErrInvalidInput, raw)
		}
		if parsed.Host == "" {
			return fmt.Errorf("%w: url %q has no host", errs.ErrInvalidInput, raw)
		}
	}
	return nil
}

// Store is the single writer of the device_config document.
type Store struct {
	backend statestore.Backend
	mu      sync.Mutex
}

func NewStore(backend statestore.Backend) *Store {
	return &Store{backend: backend}
}

func (s *Store) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) Save(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return statestore.SaveJSON(s.backend, statestore.DocDeviceConfig, cfg)
}

// Update applies fn to the stored config and persists the result.
func (s *Store) Update(fn func(*Config)) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.loadLocked()
	if err != nil {
		return Config{}, err
	}
	fn(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if err := statestore.SaveJSON(s.backend, statestore.DocDeviceConfig, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnsureDeviceID assigns a random device id the first time it is called.
func (s *Store) EnsureDeviceID() (Config, error) {
	return s.Update(func(c *Config) {
		if c.DeviceID != "" {
			return
		}
		c.DeviceID = uuid.Must(uuid.NewV4()).String()
	})
}

func (s *Store) loadLocked() (Config, error) {
	var cfg Config
	if _, err := statestore.LoadJSON(s.backend, statestore.DocDeviceConfig, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

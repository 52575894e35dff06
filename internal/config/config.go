// Package config resolves process settings from defaults, an optional config
// file, an optional .env file and NEXUSSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "NEXUSSYNC"

const (
	KeySyncDir             = "sync_dir"
	KeyStateDSN            = "state_dsn"
	KeyMediaDir            = "media_dir"
	KeyServerURL           = "server_url"
	KeyGatewayURL          = "gateway_url"
	KeyDeviceName          = "device_name"
	KeyDevicePassword      = "device_password"
	KeyInterval            = "interval"
	KeyIntervalJitter      = "interval_jitter"
	KeyRequestTimeout      = "request_timeout"
	KeyAuthTimeout         = "auth_timeout"
	KeyHealthTimeout       = "health_timeout"
	KeyBackgroundTimeout   = "background_timeout"
	KeyPullPageSize        = "pull_page_size"
	KeyMaxPullPages        = "max_pull_pages"
	KeyTransferConcurrency = "transfer_concurrency"
	KeyCredentialSecret    = "credential_secret"
	KeyLogLevel            = "log_level"
	KeyLogFile             = "log_file"
	KeyLogJSON             = "log_json"
)

type Settings struct {
	SyncDir  string
	StateDSN string
	MediaDir string

	// Optional overrides for the persisted device configuration.
	ServerURL      string
	GatewayURL     string
	DeviceName     string
	DevicePassword string

	Interval            time.Duration
	IntervalJitter      float64
	RequestTimeout      time.Duration
	AuthTimeout         time.Duration
	HealthTimeout       time.Duration
	BackgroundTimeout   time.Duration
	PullPageSize        int
	MaxPullPages        int
	TransferConcurrency int

	CredentialSecret string

	LogLevel string
	LogFile  string
	LogJSON  bool

	// Warnings lists values that were rejected in favour of their defaults.
	Warnings []string
}

type LoadOptions struct {
	ConfigFile string
	EnvFile    string
	Overrides  map[string]any
}

var durationDefaults = map[string]time.Duration{
	KeyInterval:          5 * time.Minute,
	KeyRequestTimeout:    30 * time.Second,
	KeyAuthTimeout:       10 * time.Second,
	KeyHealthTimeout:     5 * time.Second,
	KeyBackgroundTimeout: 25 * time.Second,
}

var intDefaults = map[string]int{
	KeyPullPageSize:        100,
	KeyMaxPullPages:        50,
	KeyTransferConcurrency: 4,
}

const defaultJitter = 0.2

func Load(opts LoadOptions) (Settings, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return Settings{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeySyncDir, defaultSyncDir())
	for key, d := range durationDefaults {
		v.SetDefault(key, d.String())
	}
	for key, n := range intDefaults {
		v.SetDefault(key, n)
	}
	v.SetDefault(KeyIntervalJitter, defaultJitter)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogJSON, false)

	if path := strings.TrimSpace(opts.ConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	s := Settings{
		SyncDir:          strings.TrimSpace(v.GetString(KeySyncDir)),
		StateDSN:         strings.TrimSpace(v.GetString(KeyStateDSN)),
		MediaDir:         strings.TrimSpace(v.GetString(KeyMediaDir)),
		ServerURL:        strings.TrimSpace(v.GetString(KeyServerURL)),
		GatewayURL:       strings.TrimSpace(v.GetString(KeyGatewayURL)),
		DeviceName:       strings.TrimSpace(v.GetString(KeyDeviceName)),
		DevicePassword:   v.GetString(KeyDevicePassword),
		CredentialSecret: v.GetString(KeyCredentialSecret),
		LogLevel:         strings.TrimSpace(v.GetString(KeyLogLevel)),
		LogFile:          strings.TrimSpace(v.GetString(KeyLogFile)),
		LogJSON:          v.GetBool(KeyLogJSON),
	}
	if s.SyncDir == "" {
		s.SyncDir = defaultSyncDir()
	}
	if s.StateDSN == "" {
		s.StateDSN = "file://" + filepath.Join(s.SyncDir, "state")
	}
	if s.MediaDir == "" {
		s.MediaDir = filepath.Join(s.SyncDir, "media")
	}

	s.Interval = s.duration(v, KeyInterval)
	s.RequestTimeout = s.duration(v, KeyRequestTimeout)
	s.AuthTimeout = s.duration(v, KeyAuthTimeout)
	s.HealthTimeout = s.duration(v, KeyHealthTimeout)
	s.BackgroundTimeout = s.duration(v, KeyBackgroundTimeout)
	s.PullPageSize = s.integer(v, KeyPullPageSize)
	s.MaxPullPages = s.integer(v, KeyMaxPullPages)
	s.TransferConcurrency = s.integer(v, KeyTransferConcurrency)
	s.IntervalJitter = s.ratio(v, KeyIntervalJitter)
	return s, nil
}

func (s *Settings) duration(v *viper.Viper, key string) time.Duration {
	fallback := durationDefaults[key]
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		s.warnf("invalid %s=%q, using fallback %s", key, raw, fallback)
		return fallback
	}
	return value
}

func (s *Settings) integer(v *viper.Viper, key string) int {
	fallback := intDefaults[key]
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		s.warnf("invalid %s=%q, using fallback %d", key, raw, fallback)
		return fallback
	}
	return value
}

func (s *Settings) ratio(v *viper.Viper, key string) float64 {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return defaultJitter
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.warnf("invalid %s=%q, using fallback %f", key, raw, defaultJitter)
		return defaultJitter
	}
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func (s *Settings) warnf(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// loadEnvFile applies path, or ./.env when path is empty. Variables already
// set in the environment win. A missing default file is not an error.
func loadEnvFile(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func defaultSyncDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "nexussync")
	}
	return ".nexussync"
}

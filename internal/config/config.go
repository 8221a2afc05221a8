// Package config loads engine settings: defaults, then the TOML config
// file, then SHIFTSYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/opsdeck/shiftsync/internal/backend"
	"github.com/opsdeck/shiftsync/internal/connectivity"
	"github.com/opsdeck/shiftsync/internal/staleness"
)

type Config struct {
	Backend      BackendConfig
	Storage      StorageConfig
	Cache        CacheConfig
	Connectivity ConnectivityConfig
}

type BackendConfig struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	TTL time.Duration
}

type ConnectivityConfig struct {
	Debounce      time.Duration
	ProbeInterval time.Duration
}

const defaultConfigPath = "~/.config/shiftsync/config.toml"

func defaults() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:        "http://127.0.0.1:8470",
			RequestTimeout: backend.DefaultTimeout,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			TTL: staleness.DefaultTTL,
		},
		Connectivity: ConnectivityConfig{
			Debounce:      connectivity.DefaultDebounce,
			ProbeInterval: connectivity.DefaultProbeInterval,
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "shiftsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "shiftsync-data"
	}
	return filepath.Join(home, ".local", "share", "shiftsync")
}

// rawConfig mirrors the TOML file; durations are strings ("48h", "10s").
type rawConfig struct {
	Backend struct {
		BaseURL        string `toml:"base_url"`
		Token          string `toml:"token"`
		RequestTimeout string `toml:"request_timeout"`
	} `toml:"backend"`
	Storage struct {
		DataDir string `toml:"data_dir"`
	} `toml:"storage"`
	Cache struct {
		TTL string `toml:"ttl"`
	} `toml:"cache"`
	Connectivity struct {
		Debounce      string `toml:"debounce"`
		ProbeInterval string `toml:"probe_interval"`
	} `toml:"connectivity"`
}

// Load reads configuration. An empty path means the default location; a
// missing file is not an error; defaults plus env overrides apply.
func Load(path string) (Config, error) {
	cfg := defaults()

	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No config file; defaults stand.
	case err != nil:
		return Config{}, fmt.Errorf("reading config: %w", err)
	default:
		if err := applyFile(&cfg, data); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Backend.BaseURL == "" {
		return Config{}, errors.New("missing required config: backend base URL (set backend.base_url or SHIFTSYNC_BACKEND_URL)")
	}
	cfg.Backend.BaseURL = strings.TrimRight(cfg.Backend.BaseURL, "/")
	return cfg, nil
}

func applyFile(cfg *Config, data []byte) error {
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	if raw.Backend.BaseURL != "" {
		cfg.Backend.BaseURL = raw.Backend.BaseURL
	}
	if raw.Backend.Token != "" {
		cfg.Backend.Token = raw.Backend.Token
	}
	if err := applyDuration(&cfg.Backend.RequestTimeout, raw.Backend.RequestTimeout, "backend.request_timeout"); err != nil {
		return err
	}
	if raw.Storage.DataDir != "" {
		cfg.Storage.DataDir = expandHome(raw.Storage.DataDir)
	}
	if err := applyDuration(&cfg.Cache.TTL, raw.Cache.TTL, "cache.ttl"); err != nil {
		return err
	}
	if err := applyDuration(&cfg.Connectivity.Debounce, raw.Connectivity.Debounce, "connectivity.debounce"); err != nil {
		return err
	}
	return applyDuration(&cfg.Connectivity.ProbeInterval, raw.Connectivity.ProbeInterval, "connectivity.probe_interval")
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SHIFTSYNC_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("SHIFTSYNC_TOKEN"); v != "" {
		cfg.Backend.Token = v
	}
	if v := os.Getenv("SHIFTSYNC_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = expandHome(v)
	}
	if err := applyDuration(&cfg.Cache.TTL, os.Getenv("SHIFTSYNC_TTL"), "SHIFTSYNC_TTL"); err != nil {
		return err
	}
	return applyDuration(&cfg.Backend.RequestTimeout, os.Getenv("SHIFTSYNC_REQUEST_TIMEOUT"), "SHIFTSYNC_REQUEST_TIMEOUT")
}

func applyDuration(dst *time.Duration, value, name string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("parsing %s: must be positive, got %s", name, d)
	}
	*dst = d
	return nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath
	}
	return expandHomeErr(path)
}

func expandHome(path string) string {
	expanded, err := expandHomeErr(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandHomeErr(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

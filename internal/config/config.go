package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Profile is the per-profile config.toml: the account and the tuning of
// every room session the daemon opens.
type Profile struct {
	ServerURL string `toml:"server_url"`
	SocketURL string `toml:"socket_url"`
	UserID    string `toml:"user_id"`
	Token     string `toml:"token"`

	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	ReconnectMin      Duration `toml:"reconnect_min"`
	ReconnectMax      Duration `toml:"reconnect_max"`
	SendTimeout       Duration `toml:"send_timeout"`
	PageSize          int      `toml:"page_size"`
	PullRate          float64  `toml:"pull_rate"`

	MetricsAddr string `toml:"metrics_addr"`

	LogMaxSizeMB  int `toml:"log_max_size_mb"`
	LogMaxBackups int `toml:"log_max_backups"`
	LogMaxAgeDays int `toml:"log_max_age_days"`
}

// Default returns the profile settings used for keys absent from the file.
func Default() *Profile {
	return &Profile{
		HeartbeatInterval: Duration{30 * time.Second},
		ReconnectMin:      Duration{time.Second},
		ReconnectMax:      Duration{30 * time.Second},
		SendTimeout:       Duration{10 * time.Second},
		PageSize:          50,
		PullRate:          10,
		LogMaxSizeMB:      20,
		LogMaxBackups:     5,
		LogMaxAgeDays:     30,
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile reads a profile config over the defaults. A missing file
// yields the defaults.
func LoadProfile(path string) (*Profile, error) {
	p := Default()
	md, err := toml.DecodeFile(path, p)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load profile config %s: unknown key %q", path, undecoded[0].String())
	}
	return p, nil
}

// Validate checks the settings needed to reach the chat service.
func (p *Profile) Validate() error {
	if p.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if _, err := url.ParseRequestURI(p.ServerURL); err != nil {
		return fmt.Errorf("server_url: %w", err)
	}
	if p.SocketURL == "" {
		return errors.New("socket_url is required")
	}
	if _, err := url.ParseRequestURI(p.SocketURL); err != nil {
		return fmt.Errorf("socket_url: %w", err)
	}
	if p.UserID == "" {
		return errors.New("user_id is required")
	}
	if p.ReconnectMin.Duration <= 0 || p.ReconnectMax.Duration < p.ReconnectMin.Duration {
		return fmt.Errorf("reconnect_min %s / reconnect_max %s: need 0 < min <= max", p.ReconnectMin, p.ReconnectMax)
	}
	if p.HeartbeatInterval.Duration <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if p.PageSize <= 0 {
		return errors.New("page_size must be positive")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

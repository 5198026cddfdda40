// Package config loads the goimap YAML configuration file.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"

	"github.com/pepperpark/goimap/internal/imapclient"
)

// PasswordEnv overrides the password from the file when set.
const PasswordEnv = "GOIMAP_PASSWORD"

// OAuth selects XOAUTH2 instead of a password login.
type OAuth struct {
	Provider     string `yaml:"provider"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
}

// Enabled reports whether a provider is configured.
func (o OAuth) Enabled() bool { return o.Provider != "" }

type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Insecure bool   `yaml:"insecure"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	OAuth    OAuth  `yaml:"oauth"`
	// StateFile keeps export progress between runs.
	StateFile string              `yaml:"state_file"`
	Behavior  imapclient.Behavior `yaml:"behavior"`
}

// Default returns a configuration for an implicit-TLS server with the
// client's default behavior.
func Default() *Config {
	return &Config{TLS: true, Behavior: imapclient.DefaultBehavior()}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if pw := os.Getenv(PasswordEnv); pw != "" {
		cfg.Password = pw
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.OAuth.Enabled() && c.OAuth.RefreshToken == "" {
		return fmt.Errorf("config: oauth provider %q needs a refresh_token", c.OAuth.Provider)
	}
	return c.Behavior.Validate()
}

// Watch calls fn with a freshly loaded configuration every time path is
// written or replaced, until ctx is done. Load errors are passed to fn and
// do not stop watching.
func Watch(ctx context.Context, path string, fn func(*Config, error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Editors usually replace the file, so watch its directory.
	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if _, err := os.Stat(target); err != nil {
				continue
			}
			fn(Load(target))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fn(nil, err)
		}
	}
}

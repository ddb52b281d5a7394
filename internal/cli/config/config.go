package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models a kubeconfig-style file with contexts and connection defaults.
type Config struct {
	CurrentContext string              `yaml:"currentContext"`
	Contexts       map[string]*Context `yaml:"contexts"`
}

// Context encodes connection details for one remote development host.
type Context struct {
	SSHHost               string            `yaml:"sshHost"`
	ConnectTimeoutSeconds int               `yaml:"connectTimeoutSeconds"`
	DefaultExtensions     []string          `yaml:"defaultExtensions"`
	DynamicForwarding     bool              `yaml:"dynamicForwarding"`
	AgentForwarding       bool              `yaml:"agentForwarding"`
	ListenOnSocket        bool              `yaml:"listenOnSocket"`
	ServerBinaryName      string            `yaml:"serverBinaryName"`
	RemoteDataFolder      string            `yaml:"remoteDataFolder"`
	DownloadURLTemplate   string            `yaml:"downloadURLTemplate"`
	PlatformOverrides     map[string]string `yaml:"platformOverrides"`
	EnvVariables          []string          `yaml:"envVariables"`
}

// Platforms a host override may name. Anything else is a config error.
var knownPlatforms = map[string]bool{
	"linux":   true,
	"macos":   true,
	"windows": true,
	"alpine":  true,
}

// ErrContextNotFound indicates the requested context is missing.
var ErrContextNotFound = errors.New("context not found")

// DefaultConnectTimeout bounds every connect/bootstrap suspension point.
const DefaultConnectTimeout = 60 * time.Second

// ConnectTimeout returns the configured timeout clamped to at least one second.
func (c *Context) ConnectTimeout() time.Duration {
	if c == nil || c.ConnectTimeoutSeconds <= 0 {
		return DefaultConnectTimeout
	}
	if c.ConnectTimeoutSeconds < 1 {
		return time.Second
	}
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// PlatformFor resolves a host's platform override, if any.
func (c *Context) PlatformFor(host string) string {
	if c == nil {
		return ""
	}
	return c.PlatformOverrides[host]
}

// Validate rejects values the rest of the system would choke on later.
func (c *Context) Validate() error {
	if c == nil {
		return nil
	}
	for host, platform := range c.PlatformOverrides {
		if !knownPlatforms[platform] {
			return fmt.Errorf("platform override for %s: unknown platform %q (expected linux|macos|windows|alpine)", host, platform)
		}
	}
	if c.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("connectTimeoutSeconds must be >= 1 (got %d)", c.ConnectTimeoutSeconds)
	}
	return nil
}

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for name, ctx := range cfg.Contexts {
		if err := ctx.Validate(); err != nil {
			return nil, fmt.Errorf("context %s: %w", name, err)
		}
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return err
	}
	return nil
}

// Resolve picks a context either by explicit name or the currentContext value.
func (c *Config) Resolve(name string) (*Context, string, error) {
	if c == nil {
		return nil, "", nil
	}
	ctxName := strings.TrimSpace(name)
	if ctxName == "" {
		ctxName = c.CurrentContext
	}
	if ctxName == "" {
		return nil, "", nil
	}
	ctx, ok := c.Contexts[ctxName]
	if !ok {
		return nil, ctxName, fmt.Errorf("%w: %s", ErrContextNotFound, ctxName)
	}
	return ctx, ctxName, nil
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}

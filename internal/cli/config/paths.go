package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("DEVLINK_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".devlink")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}

func DefaultLogPath() string {
	return filepath.Join(DefaultConfigDir(), "logs", "devlink.log")
}

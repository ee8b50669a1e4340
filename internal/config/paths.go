package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultHomeDir returns the default state directory (~/.clawless).
func DefaultHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".clawless"), nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ExpandPath expands a ~ prefix to the user home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// applyPathDefaults fills derived paths from the home directory.
func applyPathDefaults(cfg *Config) error {
	var err error
	if cfg.Home == "" {
		cfg.Home, err = DefaultHomeDir()
		if err != nil {
			return err
		}
	} else if cfg.Home, err = ExpandPath(cfg.Home); err != nil {
		return err
	}

	if cfg.Scheduler.Path == "" {
		cfg.Scheduler.Path = filepath.Join(cfg.Home, "schedules.json")
	} else if cfg.Scheduler.Path, err = ExpandPath(cfg.Scheduler.Path); err != nil {
		return err
	}

	if cfg.Memory.NotesPath == "" {
		cfg.Memory.NotesPath = filepath.Join(cfg.Home, "MEMORY.md")
	} else if cfg.Memory.NotesPath, err = ExpandPath(cfg.Memory.NotesPath); err != nil {
		return err
	}

	if cfg.Memory.StorePath == "" {
		cfg.Memory.StorePath = filepath.Join(cfg.Home, "memory.db")
	} else if cfg.Memory.StorePath, err = ExpandPath(cfg.Memory.StorePath); err != nil {
		return err
	}

	if cfg.Runtime.WorkDir == "" {
		wd, wderr := os.Getwd()
		if wderr != nil {
			wd = cfg.Home
		}
		cfg.Runtime.WorkDir = wd
	}
	return nil
}

// BoundChatPath returns the path of the persisted bound-chat record.
func (c *Config) BoundChatPath() string {
	return filepath.Join(c.Home, "callback-chat-state.json")
}

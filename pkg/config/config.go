// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"
)

type Config struct {
	tree *toml.Tree
}

const (
	StorageDirKey          = "storage.path"
	StateFilenameKey       = "storage.state_file"
	DBFilenameKey          = "storage.sqldb_path"
	PollingSecondsKey      = "agent.polling_seconds"
	SpoolDirKey            = "agent.spool_path"
	MaxAttemptsKey         = "agent.max_attempts"
	DownloadTimeoutKey     = "download.timeout_seconds"
	ComponentsInventoryKey = "components.inventory_path"
	ComponentsOnFailureKey = "components.on_failure"
	RegistrationFileKey    = "handlers.registration_file"

	StorageDefaultDir        = "/var/lib/deviceup"
	StateDefaultFilename     = "workflow.json"
	DBDefaultFilename        = "agent.db"
	PollingDefaultSeconds    = 300
	MaxAttemptsDefault       = 3
	DownloadTimeoutDefault   = 3600
	ComponentsAbortPolicy    = "abort"
	ComponentsContinuePolicy = "continue"
)

// New loads the agent TOML config. A missing file yields a config of pure
// defaults, so the agent can run unconfigured in development.
func New(path string) (*Config, error) {
	if path == "" {
		return defaults(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Debug("no config file, using defaults", "path", path)
		return defaults(), nil
	}
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return &Config{tree: tree}, nil
}

func defaults() *Config {
	tree, _ := toml.TreeFromMap(map[string]any{})
	return &Config{tree: tree}
}

func (c *Config) getString(key, def string) string {
	if v, ok := c.tree.Get(key).(string); ok && v != "" {
		return v
	}
	return def
}

func (c *Config) getInt(key string, def int64) int64 {
	v, ok := c.tree.Get(key).(int64)
	if !ok {
		return def
	}
	if v <= 0 {
		slog.Warn("config value out of range, using default", "key", key, "value", v, "default", def)
		return def
	}
	return v
}

func (c *Config) GetStorageDir() string {
	return c.getString(StorageDirKey, StorageDefaultDir)
}

func (c *Config) GetStateFilepath() string {
	return filepath.Join(c.GetStorageDir(), c.getString(StateFilenameKey, StateDefaultFilename))
}

func (c *Config) GetDBPath() string {
	return filepath.Join(c.GetStorageDir(), c.getString(DBFilenameKey, DBDefaultFilename))
}

// GetWorkFolderRoot is the sandbox root; each workflow gets a subfolder
// keyed by its id.
func (c *Config) GetWorkFolderRoot() string {
	return filepath.Join(c.GetStorageDir(), "sandbox")
}

func (c *Config) GetSpoolDir() string {
	return c.getString(SpoolDirKey, filepath.Join(c.GetStorageDir(), "spool"))
}

func (c *Config) GetPollingInterval() time.Duration {
	return time.Duration(c.getInt(PollingSecondsKey, PollingDefaultSeconds)) * time.Second
}

func (c *Config) GetMaxAttempts() int {
	return int(c.getInt(MaxAttemptsKey, MaxAttemptsDefault))
}

func (c *Config) GetDownloadTimeout() time.Duration {
	return time.Duration(c.getInt(DownloadTimeoutKey, DownloadTimeoutDefault)) * time.Second
}

func (c *Config) GetComponentsInventoryPath() string {
	return c.getString(ComponentsInventoryKey, filepath.Join(c.GetStorageDir(), "components-inventory.json"))
}

// ContinueOnComponentFailure reports the components handler failure policy.
// The default is abort-all; "continue" opts into attempting the remaining
// component instances after one fails.
func (c *Config) ContinueOnComponentFailure() bool {
	policy := c.getString(ComponentsOnFailureKey, ComponentsAbortPolicy)
	switch policy {
	case ComponentsAbortPolicy:
		return false
	case ComponentsContinuePolicy:
		return true
	}
	slog.Warn("unknown components failure policy, using abort", "value", policy)
	return false
}

func (c *Config) GetRegistrationFilePath() string {
	return c.getString(RegistrationFileKey, filepath.Join(c.GetStorageDir(), "handlers.ini"))
}

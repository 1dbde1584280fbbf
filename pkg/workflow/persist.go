// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

var ErrNoPersistedWorkflow = errors.New("no persisted workflow state")

// Save writes the workflow tree to path atomically (write-temp-then-rename)
// so a crash between any two phases never leaves a truncated state file.
// The file is readable by the agent's service account only.
func (w *Workflow) Save(path string) error {
	w.mu.Lock()
	data, err := json.MarshalIndent(w, "", "  ")
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".workflow-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set state file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to commit state file: %w", err)
	}
	return nil
}

// Load reads a persisted workflow tree back from path.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoPersistedWorkflow
		}
		return nil, fmt.Errorf("failed to read workflow state: %w", err)
	}
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode workflow state: %w", err)
	}
	if w.ID == "" || w.Root == nil {
		return nil, fmt.Errorf("%w: state file is incomplete", ErrNoPersistedWorkflow)
	}
	return &w, nil
}

// Discard removes the persisted state file. Missing file is not an error:
// the workflow may have concluded before ever being persisted.
func Discard(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove workflow state: %w", err)
	}
	return nil
}

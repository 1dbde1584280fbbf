// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package store keeps the durable installed-criteria ledger. A criteria row
// written after a fully successful Apply is the sole basis for IsInstalled
// short-circuiting across agent restarts.
package store

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	installModePending   = 1
	installModeInstalled = 2
	installModeFailed    = 3

	busyTimeoutMillis = 5000
)

// openDB waits out concurrent writers on the shared agent database (the
// report queue lives in the same file) instead of failing with SQLITE_BUSY.
func openDB(dbFilePath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", dbFilePath, busyTimeoutMillis)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func CreateCriteriaTable(dbFilePath string) error {
	db, err := openDB(dbFilePath)
	if err != nil {
		return err
	}
	defer closeDB(db)

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS installed_updates(
	id INTEGER PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	update_id TEXT NOT NULL,
	installed_criteria TEXT NOT NULL,
	is_current INTEGER NOT NULL CHECK (is_current IN (0,1)) DEFAULT 0,
	is_pending INTEGER NOT NULL CHECK (is_pending IN (0,1)) DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);`)
	if err != nil {
		return fmt.Errorf("failed to create installed_updates table: %w", err)
	}
	return nil
}

// RegisterStarted records that a workflow began installing an update.
func RegisterStarted(dbFilePath, workflowID, updateID, criteria string) error {
	return saveInstalled(dbFilePath, workflowID, updateID, criteria, installModePending)
}

// RegisterSucceeded marks an update as the current installed one. Called
// only after every node in the tree completed Apply.
func RegisterSucceeded(dbFilePath, workflowID, updateID, criteria string) error {
	return saveInstalled(dbFilePath, workflowID, updateID, criteria, installModeInstalled)
}

// RegisterFailed records a failed attempt for the workflow.
func RegisterFailed(dbFilePath, workflowID, updateID, criteria string) error {
	return saveInstalled(dbFilePath, workflowID, updateID, criteria, installModeFailed)
}

// CurrentCriteria returns the installed criteria of the current update, or
// "" when nothing is installed.
func CurrentCriteria(dbFilePath string) (string, error) {
	db, err := openDB(dbFilePath)
	if err != nil {
		return "", err
	}
	defer closeDB(db)

	var criteria string
	err = db.QueryRow("SELECT installed_criteria FROM installed_updates WHERE is_current = 1 ORDER BY id DESC LIMIT 1;").
		Scan(&criteria)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query current criteria: %w", err)
	}
	return criteria, nil
}

// CurrentUpdateID returns the update id of the current installed update,
// or "" when nothing is installed.
func CurrentUpdateID(dbFilePath string) (string, error) {
	db, err := openDB(dbFilePath)
	if err != nil {
		return "", err
	}
	defer closeDB(db)

	var updateID string
	err = db.QueryRow("SELECT update_id FROM installed_updates WHERE is_current = 1 ORDER BY id DESC LIMIT 1;").
		Scan(&updateID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query current update id: %w", err)
	}
	return updateID, nil
}

// IsCriteriaMet reports whether the given installed criteria matches the
// current installed update.
func IsCriteriaMet(dbFilePath, criteria string) (bool, error) {
	if criteria == "" {
		return false, nil
	}
	current, err := CurrentCriteria(dbFilePath)
	if err != nil {
		return false, err
	}
	return current == criteria, nil
}

// FailedAttempts counts recorded failures for a workflow id. The daemon
// stops re-processing a deployment once this reaches the attempts limit.
func FailedAttempts(dbFilePath, workflowID string) (int, error) {
	db, err := openDB(dbFilePath)
	if err != nil {
		return 0, err
	}
	defer closeDB(db)

	var attempts int
	err = db.QueryRow("SELECT attempts FROM installed_updates WHERE workflow_id = ? ORDER BY id DESC LIMIT 1;",
		workflowID).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query attempts: %w", err)
	}
	return attempts, nil
}

func saveInstalled(dbFilePath, workflowID, updateID, criteria string, mode int) error {
	log.Debug().Msgf("Saving installed update: %s, workflow ID: %s, mode: %d", updateID, workflowID, mode)
	db, err := openDB(dbFilePath)
	if err != nil {
		return err
	}
	defer closeDB(db)

	var rowID int64 = -1
	var attempts int
	err = db.QueryRow("SELECT id, attempts FROM installed_updates WHERE workflow_id = ? ORDER BY id DESC LIMIT 1;",
		workflowID).Scan(&rowID, &attempts)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query installed_updates: %w", err)
	}

	switch mode {
	case installModeInstalled:
		// Only one row may be current.
		if _, err = db.Exec("UPDATE installed_updates SET is_current = 0, is_pending = 0;"); err != nil {
			return fmt.Errorf("failed to clear current update: %w", err)
		}
	case installModePending:
		if _, err = db.Exec("UPDATE installed_updates SET is_pending = 0;"); err != nil {
			return fmt.Errorf("failed to clear pending update: %w", err)
		}
	}
	if mode == installModeFailed {
		attempts++
	}

	if rowID >= 0 {
		_, err = db.Exec(
			"UPDATE installed_updates SET update_id = ?, installed_criteria = ?, is_current = ?, is_pending = ?, attempts = ?, updated_at = datetime('now') WHERE id = ?;",
			updateID, criteria, mode == installModeInstalled, mode == installModePending, attempts, rowID)
	} else {
		_, err = db.Exec(
			"INSERT INTO installed_updates (workflow_id, update_id, installed_criteria, is_current, is_pending, attempts) VALUES (?,?,?,?,?,?);",
			workflowID, updateID, criteria, mode == installModeInstalled, mode == installModePending, attempts)
	}
	if err != nil {
		return fmt.Errorf("failed to save installed update: %w", err)
	}
	return nil
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		log.Err(err).Msgf("failed to close database")
	}
}

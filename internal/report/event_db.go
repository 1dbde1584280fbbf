// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package report

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const busyTimeoutMillis = 5000

// queueDSN makes concurrent access to the queue wait out the other writer
// instead of failing with SQLITE_BUSY: the workflow thread saves events
// while the sender goroutine flushes them from the same file.
func queueDSN(dbFilePath string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		dbFilePath, busyTimeoutMillis)
}

// Queue is the durable event queue between the reporter and the sender. It
// holds one database handle for its lifetime.
type Queue struct {
	db *sql.DB
}

func OpenQueue(dbFilePath string) (*Queue, error) {
	db, err := sql.Open("sqlite", queueDSN(dbFilePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS report_events(id INTEGER PRIMARY KEY, json_string TEXT NOT NULL);"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Err(closeErr).Msgf("failed to close database")
		}
		return nil, fmt.Errorf("failed to create report_events table: %w", err)
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// CreateEventsTable ensures the queue table exists without keeping a
// handle open. Used at database initialization.
func CreateEventsTable(dbFilePath string) error {
	q, err := OpenQueue(dbFilePath)
	if err != nil {
		return err
	}
	return q.Close()
}

func (q *Queue) Save(event *UpdateEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}
	if _, err := q.db.Exec("INSERT INTO report_events (json_string) VALUES (?);", string(eventJSON)); err != nil {
		return fmt.Errorf("failed to insert event into report_events: %w", err)
	}
	return nil
}

// Delete prunes delivered events up to and including maxID.
func (q *Queue) Delete(maxID int) error {
	if _, err := q.db.Exec("DELETE FROM report_events WHERE id <= ?;", maxID); err != nil {
		return fmt.Errorf("failed to delete events from report_events: %w", err)
	}
	return nil
}

// Events returns the queued events in insertion order together with the
// highest row id seen, for pruning after a successful delivery.
func (q *Queue) Events() ([]UpdateEvent, int, error) {
	rows, err := q.db.Query("SELECT id, json_string FROM report_events ORDER BY id;")
	if err != nil {
		return nil, -1, fmt.Errorf("failed to select events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Err(closeErr).Msgf("failed to close rows")
		}
	}()

	maxID := -1
	var eventsList []UpdateEvent
	for rows.Next() {
		var eventData string
		var id int
		if err := rows.Scan(&id, &eventData); err != nil {
			return nil, -1, fmt.Errorf("failed to scan event data: %w", err)
		}
		var event UpdateEvent
		if err := json.Unmarshal([]byte(eventData), &event); err != nil {
			return nil, -1, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		if maxID < id {
			maxID = id
		}
		eventsList = append(eventsList, event)
	}
	if err := rows.Err(); err != nil {
		return nil, -1, fmt.Errorf("error iterating over rows: %w", err)
	}
	return eventsList, maxID, nil
}

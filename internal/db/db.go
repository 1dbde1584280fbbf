// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package db

import (
	"fmt"

	"github.com/deviceup/deviceup/internal/report"
	"github.com/deviceup/deviceup/internal/store"
)

func InitializeDatabase(dbFilePath string) error {
	err := store.CreateCriteriaTable(dbFilePath)
	if err != nil {
		return fmt.Errorf("failed to create installed_updates table %w", err)
	}

	err = report.CreateEventsTable(dbFilePath)
	if err != nil {
		return fmt.Errorf("failed to create report_events table %w", err)
	}

	return nil
}

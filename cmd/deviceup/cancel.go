// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deviceup/deviceup/pkg/workflow"
)

func init() {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the update in flight",
		Run: func(cmd *cobra.Command, args []string) {
			doCancel()
		},
		Args: cobra.NoArgs,
	}
	rootCmd.AddCommand(cmd)
}

// doCancel spools a cancel request for the persisted workflow; the daemon
// picks it up like any other deployment document.
func doCancel() {
	wf, err := workflow.Load(config.GetStateFilepath())
	if errors.Is(err, workflow.ErrNoPersistedWorkflow) {
		log.Info().Msgf("No update in flight")
		return
	}
	DieNotNil(err, "Failed to read the persisted workflow")
	if wf.State.Terminal() {
		log.Info().Msgf("No update in flight")
		return
	}

	doc, err := json.Marshal(map[string]any{
		"workflow":       map[string]any{"id": wf.ID, "action": workflow.ActionCancel},
		"updateManifest": wf.Root.Manifest,
	})
	DieNotNil(err, "Failed to build the cancel request")

	DieNotNil(os.MkdirAll(config.GetSpoolDir(), 0o700), "Failed to access the deployment spool")
	path := filepath.Join(config.GetSpoolDir(), fmt.Sprintf("cancel-%s.json", wf.ID))
	DieNotNil(os.WriteFile(path, doc, 0o600), "Failed to spool the cancel request")
	log.Info().Msgf("Cancel requested for workflow %s", wf.ID)
}

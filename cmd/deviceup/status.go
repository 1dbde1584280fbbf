// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deviceup/deviceup/internal/store"
	"github.com/deviceup/deviceup/pkg/state"
	"github.com/deviceup/deviceup/pkg/workflow"
)

func init() {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the installed update and the workflow in flight, if any",
		Run: func(cmd *cobra.Command, args []string) {
			doStatus()
		},
		Args: cobra.NoArgs,
	}
	rootCmd.AddCommand(cmd)
}

func doStatus() {
	st := state.Status{State: workflow.StateIdle}

	installed, err := store.CurrentUpdateID(config.GetDBPath())
	if err == nil {
		st.InstalledUpdateID = installed
	}

	wf, err := workflow.Load(config.GetStateFilepath())
	if err != nil && !errors.Is(err, workflow.ErrNoPersistedWorkflow) {
		DieNotNil(err, "Failed to read the persisted workflow")
	}
	if wf != nil {
		st.WorkflowID = wf.ID
		st.UpdateID = wf.UpdateID().String()
		st.State = wf.State
		st.Result = wf.Root.Result
		st.RebootRequired = wf.RebootRequired
		st.AgentRestart = wf.AgentRestartRequired
	}

	out, err := json.MarshalIndent(st, "", "  ")
	DieNotNil(err, "Failed to render status")
	fmt.Println(string(out))
}

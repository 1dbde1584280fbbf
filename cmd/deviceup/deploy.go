// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deviceup/deviceup/pkg/api"
	"github.com/deviceup/deviceup/pkg/state"
)

type deployOptions struct {
	wait bool
}

func init() {
	opts := deployOptions{
		wait: true,
	}
	cmd := &cobra.Command{
		Use:   "deploy <deployment.json>",
		Short: "Process a deployment document and drive the update to completion",
		Run: func(cmd *cobra.Command, args []string) {
			doDeploy(cmd, &opts, args[0])
		},
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&opts.wait, "wait", true, "Wait for asynchronous update phases to complete")
	rootCmd.AddCommand(cmd)
}

func doDeploy(cmd *cobra.Command, opts *deployOptions, path string) {
	ctx := cmd.Context()
	agent, err := api.New(ctx, config)
	DieNotNil(err, "Failed to initialize the agent")
	defer agent.Close(context.Background())

	err = agent.DeployFile(ctx, path)
	if errors.Is(err, state.ErrSuspended) && opts.wait {
		err = agent.Wait(ctx)
	}
	switch {
	case err == nil:
		log.Info().Msgf("Update complete")
	case errors.Is(err, state.ErrRestartPending):
		log.Warn().Msgf("Update staged, restart required to continue")
	case errors.Is(err, state.ErrSuspended):
		log.Info().Msgf("Update still in progress, resume with the daemon")
	default:
		DieNotNil(err, "Failed to perform the update")
	}
}

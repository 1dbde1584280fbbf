// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deviceup/deviceup/internal/source"
	"github.com/deviceup/deviceup/pkg/api"
	"github.com/deviceup/deviceup/pkg/state"
)

type daemonOptions struct {
	runOnce bool
}

func init() {
	opts := daemonOptions{
		runOnce: false,
	}
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start the update agent daemon",
		Run: func(cmd *cobra.Command, args []string) {
			doDaemon(cmd, &opts)
		},
		Args: cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&opts.runOnce, "run-once", false, "Drain the deployment spool once and exit.")
	_ = cmd.Flags().MarkHidden("run-once")
	rootCmd.AddCommand(cmd)
}

func doDaemon(cmd *cobra.Command, opts *daemonOptions) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := api.New(ctx, config)
	DieNotNil(err, "Failed to initialize the agent")
	defer agent.Close(context.Background())

	handleOutcome(agent, agent.Resume(ctx))

	watcher, err := source.NewSpoolWatcher(config.GetSpoolDir())
	DieNotNil(err, "Failed to watch the deployment spool")
	defer watcher.Close()

	handle := func(doc []byte) error {
		err := agent.Deploy(ctx, doc)
		handleOutcome(agent, err)
		// A deployment that ran is consumed from the spool even when the
		// workflow itself failed; retrying is the sender's decision.
		if errors.Is(err, state.ErrWorkflowFailed) ||
			errors.Is(err, state.ErrSuspended) ||
			errors.Is(err, state.ErrRestartPending) {
			return nil
		}
		return err
	}

	if opts.runOnce {
		watcher.Drain(handle)
		waitForPending(ctx, agent)
		log.Debug().Msgf("Run once mode, exiting")
		return
	}

	go func() {
		if err := watcher.Run(ctx, handle); err != nil && !errors.Is(err, context.Canceled) {
			log.Err(err).Msgf("Deployment spool watcher stopped")
		}
	}()

	interval := config.GetPollingInterval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			handleOutcome(agent, agent.Tick(ctx))
		}
	}
}

// waitForPending drives a suspended workflow to completion in run-once
// mode so the process exits with the final outcome.
func waitForPending(ctx context.Context, agent *api.Agent) {
	if !agent.Runner.Suspended() {
		return
	}
	handleOutcome(agent, agent.Wait(ctx))
}

// handleOutcome folds a run outcome into daemon behavior: failures are
// logged and the daemon keeps serving; restart demands are surfaced by
// exiting so the init system can restart the agent or reboot the device.
func handleOutcome(agent *api.Agent, err error) {
	switch {
	case err == nil:
		checkRestart(agent)
	case errors.Is(err, state.ErrSuspended):
		log.Info().Msgf("Update suspended on an asynchronous operation, will poll for completion")
	case errors.Is(err, state.ErrRestartPending):
		log.Warn().Msgf("Update requires a restart before it can continue, exiting")
		agent.Close(context.Background())
		os.Exit(0)
	case errors.Is(err, state.ErrWorkflowFailed):
		log.Err(err).Msgf("Update ended in failure")
	default:
		log.Err(err).Msgf("Update error")
	}
}

// checkRestart exits once a finished pass still demands a reboot or agent
// restart. Queued reports are flushed first; the restart itself is the
// init system's job.
func checkRestart(agent *api.Agent) {
	reboot, agentRestart := agent.Runner.RestartPending()
	if !reboot && !agentRestart {
		return
	}
	if reboot {
		log.Warn().Msgf("Update requires a device reboot to take effect, exiting")
	} else {
		log.Warn().Msgf("Update requires an agent restart to take effect, exiting")
	}
	agent.Close(context.Background())
	os.Exit(0)
}

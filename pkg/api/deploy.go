// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package api

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/deviceup/deviceup/pkg/state"
)

// Deploy feeds one deployment document to the agent and drives it as far
// as it can go in this call. ErrSuspended means an asynchronous phase is
// still running; keep calling Tick.
func (a *Agent) Deploy(ctx context.Context, doc []byte) error {
	return a.Runner.ProcessDeployment(ctx, doc)
}

// DeployFile reads a deployment document from disk and deploys it.
func (a *Agent) DeployFile(ctx context.Context, path string) error {
	doc, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return a.Deploy(ctx, doc)
}

// Tick polls a suspended workflow. It returns nil once the workflow has
// reached a terminal state, or ErrSuspended while still in flight.
func (a *Agent) Tick(ctx context.Context) error {
	return a.Runner.Tick(ctx)
}

// Wait ticks the suspended workflow until it resolves or the context ends.
func (a *Agent) Wait(ctx context.Context) error {
	for {
		err := a.Tick(ctx)
		if !errors.Is(err, state.ErrSuspended) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

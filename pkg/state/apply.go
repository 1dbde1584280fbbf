// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"

	"github.com/deviceup/deviceup/pkg/handler"
	"github.com/deviceup/deviceup/pkg/result"
	"github.com/deviceup/deviceup/pkg/workflow"
)

// applyState makes the installed content active. Apply success is the last
// step of the pass; the runner then records the installed criteria and
// reports terminal success.
type applyState struct{}

func (applyState) Name() ActionName { return "apply" }

func (applyState) Execute(ctx context.Context, u *UpdateContext) error {
	return u.runPhase(ctx, "apply", handler.PhaseApply,
		workflow.StateApplyStarted, result.ApplyInProgress, "")
}

// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"

	"github.com/deviceup/deviceup/pkg/handler"
	"github.com/deviceup/deviceup/pkg/result"
	"github.com/deviceup/deviceup/pkg/workflow"
)

type installState struct{}

func (installState) Name() ActionName { return "install" }

func (installState) Execute(ctx context.Context, u *UpdateContext) error {
	return u.runPhase(ctx, "install", handler.PhaseInstall,
		workflow.StateInstallStarted, result.InstallInProgress, workflow.StateInstallSucceeded)
}

// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"

	"github.com/deviceup/deviceup/pkg/handler"
	"github.com/deviceup/deviceup/pkg/result"
	"github.com/deviceup/deviceup/pkg/workflow"
)

// downloadState fetches the update payload. Before downloading anything it
// asks the handler whether the installed criteria is already met, in which
// case the whole pass short-circuits to success.
type downloadState struct{}

func (downloadState) Name() ActionName { return "download" }

func (downloadState) Execute(ctx context.Context, u *UpdateContext) error {
	wf := u.Workflow

	h, err := u.resolveRoot()
	if err != nil {
		wf.Root.Result = result.Failf(result.ExtendedHandlerLoadFailure,
			"no handler for update type %q: %v", wf.Root.UpdateType, err)
		return errStepFailed
	}
	out := handler.Invoke(ctx, h, handler.PhaseIsInstalled, u.request())
	if out.Pending == nil && out.Result.Code == result.IsInstalledInstalled {
		wf.Root.Result = result.Ok(result.DownloadSkippedAlreadyInstalled)
		u.persist()
		return errWorkflowComplete
	}

	return u.runPhase(ctx, "download", handler.PhaseDownload,
		workflow.StateDownloadStarted, result.DownloadInProgress, workflow.StateDownloadSucceeded)
}

// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"
	"log/slog"

	"github.com/deviceup/deviceup/internal/store"
	"github.com/deviceup/deviceup/pkg/components"
	"github.com/deviceup/deviceup/pkg/result"
	"github.com/deviceup/deviceup/pkg/workflow"
)

// processDeploymentState accepts the deployment: records the attempt in
// the installed-updates ledger, prepares the root sandbox, and scopes the
// update to matching components when the manifest is compatibility-gated.
type processDeploymentState struct{}

func (processDeploymentState) Name() ActionName { return "processDeployment" }

func (processDeploymentState) Execute(ctx context.Context, u *UpdateContext) error {
	wf := u.Workflow
	wf.SetState(workflow.StateProcessDeploymentStarted)
	u.persist()
	u.reportState(workflow.StateProcessDeploymentStarted, result.Ok(result.DeploymentInProgress), "")

	if _, err := u.resolveRoot(); err != nil {
		wf.Root.Result = result.Failf(result.ExtendedHandlerLoadFailure,
			"no handler for update type %q: %v", wf.Root.UpdateType, err)
		return errStepFailed
	}

	if err := store.RegisterStarted(u.Config.GetDBPath(), wf.ID, u.installedUpdateID(), wf.Root.InstalledCriteria); err != nil {
		slog.Error("failed to record update attempt", "workflow_id", wf.ID, "err", err)
	}

	dir, err := workFolderFor(u.Config, wf.ID, wf.Root)
	if err != nil {
		wf.Root.Result = result.Failf(result.ExtendedUnknownException,
			"failed to create work folder: %v", err)
		return errStepFailed
	}
	wf.Root.WorkFolder = dir

	if len(wf.Root.Manifest.Compatibility) > 0 && u.Enumerator != nil {
		enumerated, err := u.Enumerator.EnumerateComponents()
		if err != nil {
			wf.Root.Result = result.Failf(result.ExtendedManifestValidation,
				"failed to enumerate components: %v", err)
			return errStepFailed
		}
		selected := components.Match(wf.Root.Manifest.Compatibility, enumerated)
		if len(selected.Components) == 0 {
			wf.Root.Result = result.Ok(result.DownloadSkippedNoMatchingComponents)
			u.persist()
			return errWorkflowComplete
		}
		if !wf.Root.SetSelectedComponents(selected.Document()) {
			wf.Root.Result = result.Fail(result.ExtendedManifestValidation,
				"component selection produced a malformed document")
			return errStepFailed
		}
	}

	u.persist()
	return nil
}

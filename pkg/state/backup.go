// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"

	"github.com/deviceup/deviceup/pkg/handler"
	"github.com/deviceup/deviceup/pkg/result"
)

// backupState gives the handler a chance to snapshot device state before
// install so a failed update can be restored. Handlers that do not support
// backup report the unsupported-success variant and the pass proceeds.
// Backup has no root-level workflow state of its own.
type backupState struct{}

func (backupState) Name() ActionName { return "backup" }

func (backupState) Execute(ctx context.Context, u *UpdateContext) error {
	wf := u.Workflow
	h, err := u.resolveRoot()
	if err != nil {
		wf.Root.Result = result.Failf(result.ExtendedHandlerLoadFailure,
			"no handler for update type %q: %v", wf.Root.UpdateType, err)
		return errStepFailed
	}
	out := handler.Invoke(ctx, h, handler.PhaseBackup, u.request())
	if out.Pending != nil {
		u.Pending = out.Pending
		u.PendingStep = "backup"
		wf.Root.Result = out.Result
		u.persist()
		return ErrSuspended
	}
	return u.concludePhase(out.Result, "")
}

// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package state drives an update workflow through its ordered steps:
// process-deployment, download, backup, install, apply. Each step invokes
// one content handler phase on the root node; composite handlers recurse
// into the tree themselves.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/deviceup/deviceup/internal/report"
	"github.com/deviceup/deviceup/pkg/components"
	"github.com/deviceup/deviceup/pkg/config"
	"github.com/deviceup/deviceup/pkg/download"
	"github.com/deviceup/deviceup/pkg/handler"
	"github.com/deviceup/deviceup/pkg/result"
	"github.com/deviceup/deviceup/pkg/workflow"
)

type (
	// ActionName names one workflow step.
	ActionName string

	// ActionState is one step of the workflow pass.
	ActionState interface {
		Name() ActionName
		Execute(ctx context.Context, updateCtx *UpdateContext) error
	}

	// UpdateContext holds everything the steps share for one workflow.
	UpdateContext struct {
		Config     *config.Config
		Workflow   *workflow.Workflow
		Registry   *handler.Registry
		Downloader download.Downloader
		Enumerator components.Enumerator
		Reporter   report.Reporter

		// Pending is set while a step is suspended on an asynchronous
		// handler completion.
		Pending     *handler.Pending
		PendingStep ActionName
	}
)

var (
	// ErrSuspended is returned by a run when a handler reported in-progress;
	// the caller polls Tick until the pending operation resolves.
	ErrSuspended = errors.New("workflow suspended on asynchronous operation")

	// ErrRestartPending is returned when a handler demanded an immediate
	// reboot or agent restart; the workflow resumes after the restart.
	ErrRestartPending = errors.New("restart required before the workflow can continue")

	errStepFailed = errors.New("workflow step failed")

	// errWorkflowComplete short-circuits the remaining steps when the pass
	// legitimately has no more work (already installed, no matching
	// components). The workflow still finishes as a success.
	errWorkflowComplete = errors.New("workflow complete")
)

func (u *UpdateContext) resolveRoot() (handler.ContentHandler, error) {
	return u.Registry.Resolve(u.Workflow.Root.UpdateType)
}

func (u *UpdateContext) request() *handler.PhaseRequest {
	return &handler.PhaseRequest{
		Workflow:                   u.Workflow,
		Node:                       u.Workflow.Root,
		WorkFolder:                 u.Workflow.Root.WorkFolder,
		Downloader:                 u.Downloader,
		DownloadTimeout:            u.Config.GetDownloadTimeout(),
		Enumerator:                 u.Enumerator,
		Registry:                   u.Registry,
		ContinueOnComponentFailure: u.Config.ContinueOnComponentFailure(),
	}
}

// persist writes the workflow tree to disk. Persistence failures are
// logged, not fatal: losing resumability must not fail the update.
func (u *UpdateContext) persist() {
	if err := u.Workflow.Save(u.Config.GetStateFilepath()); err != nil {
		slog.Error("failed to persist workflow", "workflow_id", u.Workflow.ID, "err", err)
	}
}

// reportState hands a transition to the reporting adapter, skipping
// duplicates of the last reported state.
func (u *UpdateContext) reportState(s workflow.State, res result.Result, installedUpdateID string) {
	if u.Workflow.LastReportedState == s {
		return
	}
	if u.Reporter != nil {
		if err := u.Reporter.ReportStateAndResult(s, res, u.Workflow.ID, installedUpdateID); err != nil {
			slog.Error("failed to report state", "state", s, "err", err)
		}
	}
	u.Workflow.SetReported(s)
}

// installedUpdateID is the JSON form of the update id, reported alongside
// terminal success.
func (u *UpdateContext) installedUpdateID() string {
	doc, err := json.Marshal(u.Workflow.UpdateID())
	if err != nil {
		return ""
	}
	return string(doc)
}

// runPhase executes one handler phase against the root node and folds the
// outcome into the workflow: started state before the call, succeeded
// state after, sticky restart flags absorbed, failure propagated as
// errStepFailed.
func (u *UpdateContext) runPhase(ctx context.Context, step ActionName, phase handler.Phase,
	started workflow.State, inProgress result.Code, succeeded workflow.State) error {
	wf := u.Workflow
	if wf.State != started {
		wf.SetState(started)
		u.persist()
		u.reportState(started, result.Ok(inProgress), "")
	}

	h, err := u.resolveRoot()
	if err != nil {
		wf.Root.Result = result.Failf(result.ExtendedHandlerLoadFailure,
			"no handler for update type %q: %v", wf.Root.UpdateType, err)
		return errStepFailed
	}

	out := handler.Invoke(ctx, h, phase, u.request())
	if out.Pending != nil {
		u.Pending = out.Pending
		u.PendingStep = step
		wf.Root.Result = out.Result
		u.persist()
		return ErrSuspended
	}
	return u.concludePhase(out.Result, succeeded)
}

// concludePhase folds a resolved phase result into the workflow.
func (u *UpdateContext) concludePhase(res result.Result, succeeded workflow.State) error {
	wf := u.Workflow
	wf.Root.Result = res
	wf.AbsorbResult(res)
	if res.Failed() {
		return errStepFailed
	}
	if res.Immediate() {
		// The pass stops before the step's succeeded state: after the
		// restart the step re-runs and picks up whatever it left undone.
		u.persist()
		return ErrRestartPending
	}
	if succeeded != "" {
		wf.SetState(succeeded)
	}
	u.persist()
	return nil
}

// workFolderFor derives the sandbox directory for a node and creates it.
func workFolderFor(cfg *config.Config, workflowID string, node *workflow.Node) (string, error) {
	nodePath := strings.ReplaceAll(node.ID, "/", "_")
	dir := filepath.Join(cfg.GetWorkFolderRoot(), workflowID, nodePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// removeWorkFolders deletes the workflow's sandbox tree.
func removeWorkFolders(cfg *config.Config, workflowID string) {
	if workflowID == "" {
		return
	}
	dir := filepath.Join(cfg.GetWorkFolderRoot(), workflowID)
	if err := os.RemoveAll(dir); err != nil {
		slog.Error("failed to remove work folders", "workflow_id", workflowID, "err", err)
	}
}

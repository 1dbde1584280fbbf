// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/deviceup/deviceup/internal/db"
	"github.com/deviceup/deviceup/internal/report"
	"github.com/deviceup/deviceup/internal/store"
	"github.com/deviceup/deviceup/pkg/components"
	"github.com/deviceup/deviceup/pkg/config"
	"github.com/deviceup/deviceup/pkg/download"
	"github.com/deviceup/deviceup/pkg/handler"
	"github.com/deviceup/deviceup/pkg/result"
	"github.com/deviceup/deviceup/pkg/workflow"
)

type (
	// UpdateRunner drives deployments through the workflow steps. It owns
	// at most one workflow at a time; a deployment with a new workflow id
	// supersedes the one in flight.
	UpdateRunner struct {
		mu     sync.Mutex
		ctx    *UpdateContext
		states []ActionState
	}
	UpdateRunnerOpts struct {
		Reporter   report.Reporter
		Downloader download.Downloader
		Enumerator components.Enumerator
		Registry   *handler.Registry
	}
	UpdateRunnerOpt func(*UpdateRunnerOpts)

	// Status is a point-in-time snapshot of the runner's workflow.
	Status struct {
		WorkflowID        string          `json:"workflowId,omitempty"`
		UpdateID          string          `json:"updateId,omitempty"`
		State             workflow.State  `json:"state"`
		Result            result.Result   `json:"result"`
		Suspended         bool            `json:"suspended,omitempty"`
		RebootRequired    bool            `json:"rebootRequired,omitempty"`
		AgentRestart      bool            `json:"agentRestartRequired,omitempty"`
		InstalledUpdateID string          `json:"installedUpdateId,omitempty"`
	}
)

// ErrWorkflowFailed marks a deployment that ran and ended in the Failed
// state. The agent itself is healthy; the failure was already reported.
var ErrWorkflowFailed = errors.New("update workflow failed")

func WithReporter(r report.Reporter) UpdateRunnerOpt {
	return func(o *UpdateRunnerOpts) { o.Reporter = r }
}

func WithDownloader(d download.Downloader) UpdateRunnerOpt {
	return func(o *UpdateRunnerOpts) { o.Downloader = d }
}

func WithEnumerator(e components.Enumerator) UpdateRunnerOpt {
	return func(o *UpdateRunnerOpts) { o.Enumerator = e }
}

func WithRegistry(r *handler.Registry) UpdateRunnerOpt {
	return func(o *UpdateRunnerOpts) { o.Registry = r }
}

// defaultStates is the ordered step table of one workflow pass.
func defaultStates() []ActionState {
	return []ActionState{
		processDeploymentState{},
		downloadState{},
		backupState{},
		installState{},
		applyState{},
	}
}

func NewUpdateRunner(cfg *config.Config, options ...UpdateRunnerOpt) (*UpdateRunner, error) {
	opts := &UpdateRunnerOpts{}
	for _, o := range options {
		o(opts)
	}
	if err := db.InitializeDatabase(cfg.GetDBPath()); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		opts.Registry = handler.NewRegistry()
	}
	if err := opts.Registry.LoadRegistrations(cfg.GetRegistrationFilePath()); err != nil {
		return nil, fmt.Errorf("failed to load handler registrations: %w", err)
	}
	if opts.Downloader == nil {
		opts.Downloader = download.NewHTTPDownloader()
	}
	if opts.Enumerator == nil {
		if path := cfg.GetComponentsInventoryPath(); path != "" {
			opts.Enumerator = &components.FileEnumerator{Path: path}
		}
	}
	return &UpdateRunner{
		ctx: &UpdateContext{
			Config:     cfg,
			Registry:   opts.Registry,
			Downloader: opts.Downloader,
			Enumerator: opts.Enumerator,
			Reporter:   opts.Reporter,
		},
		states: defaultStates(),
	}, nil
}

// ProcessDeployment handles one deployment document: duplicate requests
// are dropped, a new workflow id supersedes the one in flight, and cancel
// actions cancel it.
func (sm *UpdateRunner) ProcessDeployment(ctx context.Context, doc []byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	d, err := workflow.ParseDeployment(doc)
	if err != nil {
		res := result.Failf(result.ExtendedManifestValidation, "rejected deployment: %v", err)
		if sm.ctx.Reporter != nil {
			workflowID := ""
			if d != nil {
				workflowID = d.Workflow.ID
			}
			if repErr := sm.ctx.Reporter.ReportStateAndResult(workflow.StateFailed, res, workflowID, ""); repErr != nil {
				slog.Error("failed to report rejected deployment", "err", repErr)
			}
		}
		return err
	}

	if d.Workflow.Action == workflow.ActionCancel {
		return sm.cancelLocked(ctx, d.Workflow.ID)
	}

	// A re-delivered request never moves a workflow backwards: once the last
	// reported state is at or past the request's entry point the request is
	// a duplicate. A Failed workflow may be retried, subject to the attempts
	// limit below.
	current := sm.ctx.Workflow
	if current != nil && current.ID == d.Workflow.ID && current.State != workflow.StateFailed &&
		current.LastReportedState.AtOrPast(workflow.StateProcessDeploymentStarted) {
		slog.Debug("ignoring duplicate deployment", "workflow_id", d.Workflow.ID, "state", current.State)
		return nil
	}
	if current != nil && current.ID != d.Workflow.ID && !current.State.Terminal() {
		slog.Info("superseding workflow", "old", current.ID, "new", d.Workflow.ID)
		sm.cancelCurrentLocked(ctx, "superseded by a newer deployment")
	}

	attempts, err := store.FailedAttempts(sm.ctx.Config.GetDBPath(), d.Workflow.ID)
	if err != nil {
		slog.Error("failed to read attempt count", "workflow_id", d.Workflow.ID, "err", err)
	}
	if max := sm.ctx.Config.GetMaxAttempts(); attempts >= max {
		res := result.Failf(result.ExtendedUnknownException,
			"deployment failed %d times, attempts limit is %d", attempts, max)
		sm.report(workflow.StateFailed, res, d.Workflow.ID, "")
		return fmt.Errorf("%w: attempts limit reached", ErrWorkflowFailed)
	}

	sm.ctx.Workflow = workflow.New(d)
	sm.ctx.Pending = nil
	sm.ctx.PendingStep = ""
	return sm.runLocked(ctx, 0)
}

// Resume reloads a persisted workflow after an agent restart and continues
// it from the step implied by its state. Without one it reports the idle
// state so the service learns the device is back.
func (sm *UpdateRunner) Resume(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	wf, err := workflow.Load(sm.ctx.Config.GetStateFilepath())
	if errors.Is(err, workflow.ErrNoPersistedWorkflow) {
		sm.reportStartupIdleLocked()
		return nil
	}
	if err != nil {
		return err
	}
	sm.ctx.Workflow = wf
	if wf.State.Terminal() {
		// A Failed workflow is kept for duplicate detection only.
		return nil
	}

	// Children are never partially reused across a restart: a subtree whose
	// persisted shape no longer matches the manifest is rebuilt from scratch.
	wf.Root.Walk(func(n *workflow.Node) bool {
		if expected := n.ExpectedChildCount(); expected > 0 && len(n.Children) != expected {
			n.DropChildren()
		}
		return true
	})

	// Whatever restart the previous pass demanded has happened by now.
	wf.ConsumeRestartFlags()

	slog.Info("resuming workflow", "workflow_id", wf.ID, "state", wf.State)
	from := sm.resumeIndex(wf.State)
	if from == sm.stepIndex("apply") {
		// Never re-apply an update whose installed criteria is already met.
		if h, err := sm.ctx.resolveRoot(); err == nil {
			out := handler.Invoke(ctx, h, handler.PhaseIsInstalled, sm.ctx.request())
			if out.Pending == nil && out.Result.Code == result.IsInstalledInstalled {
				wf.Root.Result = result.Ok(result.DownloadSkippedAlreadyInstalled)
				return sm.finishLocked()
			}
		}
	}
	return sm.runLocked(ctx, from)
}

// Tick polls a suspended workflow's pending operation and, once it has
// resolved, continues the pass.
func (sm *UpdateRunner) Tick(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ctx.Pending == nil {
		return nil
	}
	res, resolved := sm.ctx.Pending.Poll()
	if !resolved {
		if sm.ctx.Workflow.IsCancelRequested() {
			return sm.runLocked(ctx, sm.stepIndex(sm.ctx.PendingStep))
		}
		return ErrSuspended
	}
	step := sm.ctx.PendingStep
	sm.ctx.Pending = nil
	sm.ctx.PendingStep = ""

	if err := sm.ctx.concludePhase(res, sm.successState(step)); err != nil {
		switch {
		case errors.Is(err, errStepFailed):
			return sm.failLocked(ctx)
		case errors.Is(err, ErrRestartPending):
			return ErrRestartPending
		default:
			return err
		}
	}
	return sm.runLocked(ctx, sm.stepIndex(step)+1)
}

// Cancel requests cancellation of the workflow in flight. A suspended
// workflow is cancelled right away through the handler's cancel phase.
func (sm *UpdateRunner) Cancel(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cancelLocked(ctx, "")
}

// Suspended reports whether the runner is waiting on an asynchronous
// handler completion.
func (sm *UpdateRunner) Suspended() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ctx.Pending != nil
}

// RestartPending reports which restart the finished pass still requires.
func (sm *UpdateRunner) RestartPending() (reboot, agentRestart bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if wf := sm.ctx.Workflow; wf != nil {
		return wf.RebootRequired, wf.AgentRestartRequired
	}
	return false, false
}

// GetStatus snapshots the runner state for surfacing to operators.
func (sm *UpdateRunner) GetStatus() Status {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	installed, err := store.CurrentUpdateID(sm.ctx.Config.GetDBPath())
	if err != nil {
		slog.Error("failed to read installed update id", "err", err)
	}
	st := Status{State: workflow.StateIdle, InstalledUpdateID: installed}
	if wf := sm.ctx.Workflow; wf != nil {
		st.WorkflowID = wf.ID
		st.UpdateID = wf.UpdateID().String()
		st.State = wf.State
		st.Result = wf.Root.Result
		st.Suspended = sm.ctx.Pending != nil
		st.RebootRequired = wf.RebootRequired
		st.AgentRestart = wf.AgentRestartRequired
	}
	return st
}

func (sm *UpdateRunner) report(s workflow.State, res result.Result, workflowID, installedUpdateID string) {
	if sm.ctx.Reporter == nil {
		return
	}
	if err := sm.ctx.Reporter.ReportStateAndResult(s, res, workflowID, installedUpdateID); err != nil {
		slog.Error("failed to report state", "state", s, "err", err)
	}
}

func (sm *UpdateRunner) reportStartupIdleLocked() {
	installed, err := store.CurrentUpdateID(sm.ctx.Config.GetDBPath())
	if err != nil {
		slog.Error("failed to read installed update id", "err", err)
	}
	sm.report(workflow.StateIdle, result.Ok(result.Success), "", installed)
}

// stepIndex maps a step name to its position in the step table.
func (sm *UpdateRunner) stepIndex(name ActionName) int {
	for i, s := range sm.states {
		if s.Name() == name {
			return i
		}
	}
	return 0
}

// resumeIndex maps a persisted workflow state to the step to run next.
// Started states re-run their own step; handlers are required to be
// idempotent at the device level.
func (sm *UpdateRunner) resumeIndex(s workflow.State) int {
	switch s {
	case workflow.StateDownloadStarted:
		return sm.stepIndex("download")
	case workflow.StateDownloadSucceeded:
		return sm.stepIndex("backup")
	case workflow.StateInstallStarted:
		return sm.stepIndex("install")
	case workflow.StateInstallSucceeded, workflow.StateApplyStarted:
		return sm.stepIndex("apply")
	default:
		return 0
	}
}

func (sm *UpdateRunner) successState(step ActionName) workflow.State {
	switch step {
	case "download":
		return workflow.StateDownloadSucceeded
	case "install":
		return workflow.StateInstallSucceeded
	default:
		return ""
	}
}

func (sm *UpdateRunner) runLocked(ctx context.Context, from int) error {
	for i := from; i < len(sm.states); i++ {
		s := sm.states[i]
		if sm.ctx.Workflow.IsCancelRequested() {
			return sm.cancelCurrentLocked(ctx, "update cancelled")
		}
		slog.Debug("executing workflow step", "step", s.Name(), "workflow_id", sm.ctx.Workflow.ID)
		err := s.Execute(ctx, sm.ctx)
		switch {
		case err == nil:
		case errors.Is(err, errWorkflowComplete):
			return sm.finishLocked()
		case errors.Is(err, ErrSuspended):
			return ErrSuspended
		case errors.Is(err, ErrRestartPending):
			return ErrRestartPending
		case errors.Is(err, errStepFailed):
			return sm.failLocked(ctx)
		default:
			return fmt.Errorf("failed at step %s: %w", s.Name(), err)
		}
	}
	return sm.finishLocked()
}

// finishLocked ends a successful pass: the installed criteria becomes
// current, terminal success is reported with the installed update id, and
// the persisted workflow and sandbox are cleaned up.
func (sm *UpdateRunner) finishLocked() error {
	u := sm.ctx
	wf := u.Workflow

	res := result.Ok(result.Success)
	if wf.Root.Result.IsSkipped() {
		// Nothing was applied in this pass, so nothing new is installed.
		res = wf.Root.Result
	} else if err := store.RegisterSucceeded(u.Config.GetDBPath(), wf.ID, u.installedUpdateID(), wf.Root.InstalledCriteria); err != nil {
		slog.Error("failed to record installed update", "workflow_id", wf.ID, "err", err)
	}
	wf.SetState(workflow.StateIdle)
	u.reportState(workflow.StateIdle, res, u.installedUpdateID())

	if err := workflow.Discard(u.Config.GetStateFilepath()); err != nil {
		slog.Error("failed to discard persisted workflow", "err", err)
	}
	removeWorkFolders(u.Config, wf.ID)

	if wf.RestartPending() {
		slog.Info("update complete, restart pending",
			"workflow_id", wf.ID, "reboot", wf.RebootRequired, "agent_restart", wf.AgentRestartRequired)
	}
	return nil
}

// failLocked ends a failed pass: restore runs best-effort, the failure is
// recorded and reported, and the workflow stays in Failed for duplicate
// detection.
func (sm *UpdateRunner) failLocked(ctx context.Context) error {
	u := sm.ctx
	wf := u.Workflow
	failure := wf.Root.Result

	// Restore is best-effort and never masks the original failure.
	if h, err := u.resolveRoot(); err == nil {
		out := handler.Invoke(ctx, h, handler.PhaseRestore, u.request())
		if out.Pending != nil {
			if r, waitErr := out.Pending.Wait(ctx); waitErr == nil {
				out.Result = r
			}
		}
		if out.Result.Failed() {
			slog.Error("restore failed", "workflow_id", wf.ID, "result", out.Result.String())
		}
	}
	wf.Root.Result = failure

	if err := store.RegisterFailed(u.Config.GetDBPath(), wf.ID, u.installedUpdateID(), wf.Root.InstalledCriteria); err != nil {
		slog.Error("failed to record update failure", "workflow_id", wf.ID, "err", err)
	}

	wf.SetState(workflow.StateFailed)
	u.persist()
	u.reportState(workflow.StateFailed, failure, "")
	removeWorkFolders(u.Config, wf.ID)
	return fmt.Errorf("%w: %s", ErrWorkflowFailed, failure.String())
}

// cancelLocked handles an external cancel request. workflowID narrows the
// cancel to a specific workflow; empty cancels whatever is in flight.
func (sm *UpdateRunner) cancelLocked(ctx context.Context, workflowID string) error {
	wf := sm.ctx.Workflow
	if wf == nil || wf.State.Terminal() {
		slog.Debug("cancel requested with no update in flight", "workflow_id", workflowID)
		return nil
	}
	if workflowID != "" && wf.ID != workflowID {
		slog.Debug("cancel for unknown workflow ignored", "workflow_id", workflowID)
		return nil
	}
	wf.RequestCancel()
	return sm.cancelCurrentLocked(ctx, "update cancelled")
}

// cancelCurrentLocked tears down the workflow in flight: the handler's
// cancel phase runs best-effort, then the workflow ends in Failed with the
// cancellation extended code.
func (sm *UpdateRunner) cancelCurrentLocked(ctx context.Context, reason string) error {
	u := sm.ctx
	wf := u.Workflow
	wf.RequestCancel()

	if h, err := u.resolveRoot(); err == nil {
		out := handler.Invoke(ctx, h, handler.PhaseCancel, u.request())
		if out.Result.Code == result.CancelUnableToCancel {
			slog.Info("handler could not cancel, letting the operation finish", "workflow_id", wf.ID)
		}
	}
	if u.Pending != nil {
		// The cancel phase is expected to resolve the pending operation;
		// drop the handle either way, the pass is over.
		u.Pending = nil
		u.PendingStep = ""
	}

	wf.Root.Result = result.Fail(result.ExtendedUpdateCancelled, reason)
	if err := store.RegisterFailed(u.Config.GetDBPath(), wf.ID, u.installedUpdateID(), wf.Root.InstalledCriteria); err != nil {
		slog.Error("failed to record cancelled update", "workflow_id", wf.ID, "err", err)
	}
	wf.SetState(workflow.StateFailed)
	u.persist()
	u.reportState(workflow.StateFailed, wf.Root.Result, "")
	removeWorkFolders(u.Config, wf.ID)
	return fmt.Errorf("%w: %s", ErrWorkflowFailed, reason)
}

// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package handler defines the contract every content handler implements and
// the registry that resolves handlers by update type. Handlers are invoked
// through a fault barrier: nothing a handler does, panics included, may
// crash the orchestrator.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deviceup/deviceup/pkg/components"
	"github.com/deviceup/deviceup/pkg/download"
	"github.com/deviceup/deviceup/pkg/result"
	"github.com/deviceup/deviceup/pkg/workflow"
)

type (
	// Phase names one contract method for dispatch and logging.
	Phase string

	// PhaseRequest borrows the workflow state a handler needs for one phase
	// call. Handlers must not retain it, or anything reachable from it,
	// beyond the call: state needed across phases goes through node fields.
	PhaseRequest struct {
		Workflow        *workflow.Workflow
		Node            *workflow.Node
		WorkFolder      string
		Downloader      download.Downloader
		DownloadTimeout time.Duration
		Enumerator      components.Enumerator
		Registry        *Registry

		// ContinueOnComponentFailure selects the components handler's
		// per-component policy: continue to the next component instance
		// after a failed one instead of aborting the whole set.
		ContinueOnComponentFailure bool
	}

	// Outcome is what a phase invocation produces: either a final Result,
	// or an in-progress Result plus the pending handle that will resolve to
	// the final one.
	Outcome struct {
		Result  result.Result
		Pending *Pending
	}

	// ContentHandler is the pluggable implementation of one update type.
	// Each method either completes synchronously or returns an in-progress
	// outcome whose Pending handle resolves later; the orchestrator never
	// assumes synchronous completion. Device-level idempotency is the
	// implementation's responsibility.
	ContentHandler interface {
		Download(ctx context.Context, req *PhaseRequest) Outcome
		Install(ctx context.Context, req *PhaseRequest) Outcome
		Apply(ctx context.Context, req *PhaseRequest) Outcome
		Backup(ctx context.Context, req *PhaseRequest) Outcome
		Restore(ctx context.Context, req *PhaseRequest) Outcome
		Cancel(ctx context.Context, req *PhaseRequest) Outcome
		IsInstalled(ctx context.Context, req *PhaseRequest) Outcome
	}
)

const (
	PhaseDownload    Phase = "download"
	PhaseInstall     Phase = "install"
	PhaseApply       Phase = "apply"
	PhaseBackup      Phase = "backup"
	PhaseRestore     Phase = "restore"
	PhaseCancel      Phase = "cancel"
	PhaseIsInstalled Phase = "isInstalled"
)

// Done wraps a final result.
func Done(r result.Result) Outcome { return Outcome{Result: r} }

// InProgress wraps an in-progress code with its completion handle.
func InProgress(code result.Code, p *Pending) Outcome {
	return Outcome{Result: result.Ok(code), Pending: p}
}

// Base provides the optional-method defaults: Backup and Restore report the
// unsupported-success variants so the workflow proceeds.
type Base struct{}

func (Base) Backup(context.Context, *PhaseRequest) Outcome {
	return Done(result.Ok(result.BackupSuccessUnsupported))
}

func (Base) Restore(context.Context, *PhaseRequest) Outcome {
	return Done(result.Ok(result.RestoreSuccessUnsupported))
}

// Invoke dispatches one phase through the fault barrier. A panic inside the
// handler is converted into a failure result carrying the reserved
// unknown-exception extended code.
func Invoke(ctx context.Context, h ContentHandler, phase Phase, req *PhaseRequest) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("content handler fault", "phase", phase, "node_id", req.Node.ID, "panic", r)
			out = Done(result.Failf(result.ExtendedUnknownException,
				"unhandled exception in %s handler: %v", phase, r))
		}
	}()
	switch phase {
	case PhaseDownload:
		return h.Download(ctx, req)
	case PhaseInstall:
		return h.Install(ctx, req)
	case PhaseApply:
		return h.Apply(ctx, req)
	case PhaseBackup:
		return h.Backup(ctx, req)
	case PhaseRestore:
		return h.Restore(ctx, req)
	case PhaseCancel:
		return h.Cancel(ctx, req)
	case PhaseIsInstalled:
		return h.IsInstalled(ctx, req)
	}
	return Done(result.Failf(result.ExtendedUnknownException, "unknown phase %q", phase))
}

// Pending is the promise handle for an asynchronous phase. The handler (or
// its worker goroutine) resolves it exactly once via Complete; the
// orchestrator polls or waits on Done and treats the resolved result as
// authoritative.
type Pending struct {
	mu       sync.Mutex
	done     chan struct{}
	res      result.Result
	resolved bool
}

func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Complete resolves the handle. Resolving twice is a programming error in
// the handler and is ignored after the first call.
func (p *Pending) Complete(r result.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.res = r
	p.resolved = true
	close(p.done)
}

// Poll returns the resolved result, or false while the operation is still
// in flight.
func (p *Pending) Poll() (result.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res, p.resolved
}

// Done is closed when the handle resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the handle resolves or the context ends.
func (p *Pending) Wait(ctx context.Context) (result.Result, error) {
	select {
	case <-p.done:
		r, _ := p.Poll()
		return r, nil
	case <-ctx.Done():
		return result.Result{}, fmt.Errorf("waiting for async completion: %w", ctx.Err())
	}
}

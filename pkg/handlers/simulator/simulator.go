// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package simulator implements a scripted leaf content handler used for
// integration testing and demos. A spec file in the node's work folder
// dictates the outcome of each phase; without one every phase succeeds.
package simulator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/deviceup/deviceup/pkg/handler"
	"github.com/deviceup/deviceup/pkg/result"
)

const (
	HandlerName = "deviceup/simulator:1"

	// SpecFilename is looked up in the node's work folder.
	SpecFilename = "simulator.json"
)

type (
	// phaseSpec scripts one phase's outcome.
	phaseSpec struct {
		Code         result.Code `json:"code"`
		ExtendedCode uint32      `json:"extendedCode,omitempty"`
		Details      string      `json:"details,omitempty"`
		// AsyncMillis completes the phase through a pending handle after
		// the given delay instead of synchronously.
		AsyncMillis int `json:"asyncMillis,omitempty"`
		// Panic exercises the orchestrator's fault barrier.
		Panic bool `json:"panic,omitempty"`
	}

	spec struct {
		Download    *phaseSpec `json:"download,omitempty"`
		Install     *phaseSpec `json:"install,omitempty"`
		Apply       *phaseSpec `json:"apply,omitempty"`
		Backup      *phaseSpec `json:"backup,omitempty"`
		Restore     *phaseSpec `json:"restore,omitempty"`
		Cancel      *phaseSpec `json:"cancel,omitempty"`
		IsInstalled *phaseSpec `json:"isInstalled,omitempty"`
	}

	Handler struct{}
)

func New() handler.ContentHandler { return &Handler{} }

func (h *Handler) Download(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	return h.scripted(req, func(s *spec) *phaseSpec { return s.Download }, result.DownloadSuccess)
}

func (h *Handler) Install(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	return h.scripted(req, func(s *spec) *phaseSpec { return s.Install }, result.InstallSuccess)
}

func (h *Handler) Apply(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	return h.scripted(req, func(s *spec) *phaseSpec { return s.Apply }, result.ApplySuccess)
}

func (h *Handler) Backup(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	return h.scripted(req, func(s *spec) *phaseSpec { return s.Backup }, result.BackupSuccessUnsupported)
}

func (h *Handler) Restore(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	return h.scripted(req, func(s *spec) *phaseSpec { return s.Restore }, result.RestoreSuccessUnsupported)
}

func (h *Handler) Cancel(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	return h.scripted(req, func(s *spec) *phaseSpec { return s.Cancel }, result.CancelSuccess)
}

func (h *Handler) IsInstalled(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	return h.scripted(req, func(s *spec) *phaseSpec { return s.IsInstalled }, result.IsInstalledNotInstalled)
}

func (h *Handler) scripted(req *handler.PhaseRequest, pick func(*spec) *phaseSpec, fallback result.Code) handler.Outcome {
	s := h.loadSpec(req.WorkFolder)
	var ps *phaseSpec
	if s != nil {
		ps = pick(s)
	}
	if ps == nil {
		return handler.Done(result.Ok(fallback))
	}
	if ps.Panic {
		panic("simulated handler fault")
	}
	res := result.Result{Code: ps.Code, ExtendedCode: ps.ExtendedCode, Details: ps.Details}
	if ps.AsyncMillis > 0 {
		p := handler.NewPending()
		go func(r result.Result, delay time.Duration) {
			time.Sleep(delay)
			p.Complete(r)
		}(res, time.Duration(ps.AsyncMillis)*time.Millisecond)
		inProgress := inProgressCodeFor(fallback)
		return handler.InProgress(inProgress, p)
	}
	return handler.Done(res)
}

func (h *Handler) loadSpec(workFolder string) *spec {
	doc, err := os.ReadFile(filepath.Join(workFolder, SpecFilename))
	if err != nil {
		return nil
	}
	var s spec
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil
	}
	return &s
}

func inProgressCodeFor(success result.Code) result.Code {
	switch success {
	case result.DownloadSuccess:
		return result.DownloadInProgress
	case result.InstallSuccess:
		return result.InstallInProgress
	case result.ApplySuccess:
		return result.ApplyInProgress
	case result.BackupSuccessUnsupported:
		return result.BackupInProgress
	case result.RestoreSuccessUnsupported:
		return result.RestoreInProgress
	}
	return success
}

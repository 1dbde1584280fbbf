// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package component implements the composite content handler that fans an
// update out over the component instances selected for the node. The
// node's payload carries an instruction file naming the inner update type
// and the items to install; the handler runs that inner update once per
// selected component and folds the per-component results back into the
// parent's phase vocabulary.
package component

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deviceup/deviceup/pkg/components"
	"github.com/deviceup/deviceup/pkg/handler"
	"github.com/deviceup/deviceup/pkg/result"
	"github.com/deviceup/deviceup/pkg/workflow"
)

const (
	HandlerName = "deviceup/component:1"

	// InstructionSuffix marks the payload file holding the install
	// instructions for the selected components.
	InstructionSuffix = ".instructions.json"
)

// instructions is the parsed instruction file.
type instructions struct {
	UpdateType   string   `json:"updateType"`
	InstallItems []string `json:"installItems"`
}

type Handler struct {
	handler.Base
}

func New() handler.ContentHandler { return &Handler{} }

func (h *Handler) Download(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	ins, res := h.loadInstructions(ctx, req)
	if res.Failed() {
		return handler.Done(res)
	}
	if res = h.ensureChildren(req, ins); res.Failed() {
		return handler.Done(res)
	}
	return h.forEachComponent(ctx, req, handler.PhaseDownload, result.DownloadSuccess)
}

func (h *Handler) Install(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	return h.forEachComponent(ctx, req, handler.PhaseInstall, result.InstallSuccess)
}

func (h *Handler) Apply(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	return h.forEachComponent(ctx, req, handler.PhaseApply, result.ApplySuccess)
}

func (h *Handler) Cancel(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	for _, child := range req.Node.Children {
		h.runComponentPhase(ctx, req, child, handler.PhaseCancel)
	}
	return handler.Done(result.Ok(result.CancelSuccess))
}

func (h *Handler) IsInstalled(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	if len(req.Node.Children) == 0 {
		return handler.Done(result.Ok(result.IsInstalledNotInstalled))
	}
	for _, child := range req.Node.Children {
		res := h.runComponentPhase(ctx, req, child, handler.PhaseIsInstalled)
		if res.Code != result.IsInstalledInstalled {
			return handler.Done(result.Ok(result.IsInstalledNotInstalled))
		}
	}
	return handler.Done(result.Ok(result.IsInstalledInstalled))
}

// loadInstructions fetches and parses the instruction file from the node's
// payload. The file is mandatory for this handler.
func (h *Handler) loadInstructions(ctx context.Context, req *handler.PhaseRequest) (*instructions, result.Result) {
	var entity *workflow.FileEntity
	for i := range req.Node.Files {
		if strings.HasSuffix(req.Node.Files[i].TargetFilename, InstructionSuffix) {
			entity = &req.Node.Files[i]
			break
		}
	}
	if entity == nil {
		return nil, result.Fail(result.ExtendedInstructionFileMissing,
			"update payload has no instruction file")
	}
	if err := req.Downloader.Download(ctx, entity, req.Workflow.ID, req.WorkFolder, req.DownloadTimeout, nil); err != nil {
		return nil, result.Failf(result.ExtendedDownloadFailure,
			"failed to fetch instruction file: %v", err)
	}
	doc, err := os.ReadFile(filepath.Join(req.WorkFolder, entity.TargetFilename))
	if err != nil {
		return nil, result.Failf(result.ExtendedInstructionFileMissing,
			"failed to read instruction file: %v", err)
	}
	var ins instructions
	if err := json.Unmarshal(doc, &ins); err != nil {
		return nil, result.Failf(result.ExtendedInstructionFileMalformed,
			"malformed instruction file: %v", err)
	}
	if ins.UpdateType == "" {
		return nil, result.Fail(result.ExtendedInstructionFileMalformed,
			"instruction file names no update type")
	}
	return &ins, result.Ok(result.Success)
}

// ensureChildren creates one child node per selected component, each
// carrying the inner update type and a single-component selection.
func (h *Handler) ensureChildren(req *handler.PhaseRequest, ins *instructions) result.Result {
	node := req.Node
	selected, err := components.ParseSelected(node.SelectedComponents)
	if err != nil || len(selected.Components) == 0 {
		return result.Fail(result.ExtendedInstructionFileMalformed,
			"no components selected for a component-scoped update")
	}
	if len(node.Children) == len(selected.Components) {
		return result.Ok(result.Success)
	}
	node.DropChildren()

	manifest := *node.Manifest
	manifest.UpdateType = ins.UpdateType
	var files []workflow.FileEntity
	for _, item := range ins.InstallItems {
		if f := node.File(item); f != nil {
			files = append(files, *f)
		}
	}
	manifest.Files = files

	for i, comp := range selected.Components {
		child := workflow.NewNode(&manifest, node.ID, node.Level+1, i)
		child.WorkFolder = filepath.Join(req.WorkFolder, strconv.Itoa(i))
		if err := os.MkdirAll(child.WorkFolder, 0o700); err != nil {
			return result.Failf(result.ExtendedUnknownException,
				"failed to create component work folder: %v", err)
		}
		one := components.Selected{Components: []components.ComponentInfo{comp}}
		child.SetSelectedComponents(one.Document())
		if !node.InsertChild(i, child) {
			return result.Failf(result.ExtendedChildWorkflowFailure,
				"failed to insert component node %d", i)
		}
	}
	return result.Ok(result.Success)
}

// forEachComponent runs one phase across the per-component children. The
// default policy aborts the whole set on the first failed component; the
// continue policy finishes the traversal and fails at the end if any
// component failed.
func (h *Handler) forEachComponent(ctx context.Context, req *handler.PhaseRequest,
	phase handler.Phase, success result.Code) handler.Outcome {
	var failed []string
	for _, child := range req.Node.Children {
		res := h.runComponentPhase(ctx, req, child, phase)
		child.Result = res
		req.Workflow.AbsorbResult(res)
		if res.Failed() {
			if !req.ContinueOnComponentFailure {
				return handler.Done(res)
			}
			failed = append(failed, child.ID)
			continue
		}
		if res.Immediate() {
			return handler.Done(res)
		}
	}
	if len(failed) > 0 {
		return handler.Done(result.Failf(result.ExtendedChildWorkflowFailure,
			"%s failed for components %s", phase, strings.Join(failed, ", ")))
	}
	return handler.Done(result.Ok(success))
}

// runComponentPhase dispatches one phase on a per-component child through
// the inner handler, translating its outcome into this node's vocabulary.
func (h *Handler) runComponentPhase(ctx context.Context, req *handler.PhaseRequest, child *workflow.Node, phase handler.Phase) result.Result {
	ch, err := req.Registry.Resolve(child.UpdateType)
	if err != nil {
		return result.Failf(result.ExtendedHandlerLoadFailure,
			"no handler for component update type %q: %v", child.UpdateType, err)
	}
	childReq := &handler.PhaseRequest{
		Workflow:                   req.Workflow,
		Node:                       child,
		WorkFolder:                 child.WorkFolder,
		Downloader:                 req.Downloader,
		DownloadTimeout:            req.DownloadTimeout,
		Enumerator:                 req.Enumerator,
		Registry:                   req.Registry,
		ContinueOnComponentFailure: req.ContinueOnComponentFailure,
	}
	out := handler.Invoke(ctx, ch, phase, childReq)
	res := out.Result
	if out.Pending != nil {
		var err error
		if res, err = out.Pending.Wait(ctx); err != nil {
			return result.Failf(result.ExtendedChildWorkflowFailure,
				"component update %s did not complete: %v", child.ID, err)
		}
	}
	return translate(res, phase)
}

// translate maps an inner handler's success code into the equivalent code
// of the phase being driven so the parent's result stays in one band.
// Failures and restart demands pass through verbatim.
func translate(res result.Result, phase handler.Phase) result.Result {
	if res.Failed() || res.RequiresReboot() || res.RequiresAgentRestart() {
		return res
	}
	switch phase {
	case handler.PhaseDownload:
		if res.IsSkipped() {
			return res
		}
		res.Code = result.DownloadSuccess
	case handler.PhaseInstall:
		if res.IsSkipped() {
			return res
		}
		res.Code = result.InstallSuccess
	case handler.PhaseApply:
		res.Code = result.ApplySuccess
	}
	return res
}

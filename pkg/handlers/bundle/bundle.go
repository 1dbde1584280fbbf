// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package bundle implements the composite content handler for multi-part
// updates. Each payload file of a bundle manifest is itself a child update
// manifest; the handler materializes one child node per file and drives the
// child handlers in sibling order, failing fast on the first broken child.
package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/deviceup/deviceup/pkg/components"
	"github.com/deviceup/deviceup/pkg/handler"
	"github.com/deviceup/deviceup/pkg/result"
	"github.com/deviceup/deviceup/pkg/workflow"
)

const HandlerName = "deviceup/bundle:1"

type Handler struct {
	handler.Base
}

func New() handler.ContentHandler { return &Handler{} }

func (h *Handler) Download(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	if err := h.ensureChildren(ctx, req); err != nil {
		return handler.Done(result.Failf(result.ExtendedChildWorkflowFailure,
			"failed to prepare bundled updates: %v", err))
	}
	for _, child := range req.Node.Children {
		if child.Result.SkippedNoMatchingComponents() {
			continue
		}
		res := h.runChildPhase(ctx, req, child, handler.PhaseDownload)
		if res.Failed() {
			// The child's result, details included, becomes the bundle's.
			return handler.Done(res)
		}
		child.Result = res
	}
	return handler.Done(result.Ok(result.DownloadSuccess))
}

// Install installs and applies each child in order. A child demanding an
// immediate restart, or failing, stops the traversal right there.
func (h *Handler) Install(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	if err := h.ensureChildren(ctx, req); err != nil {
		return handler.Done(result.Failf(result.ExtendedChildWorkflowFailure,
			"failed to prepare bundled updates: %v", err))
	}
	for _, child := range req.Node.Children {
		if child.Result.SkippedNoMatchingComponents() {
			continue
		}
		if child.Result.Code == result.ApplySuccess {
			// Already applied in an earlier pass that was cut short by an
			// immediate restart.
			continue
		}
		res := h.runChildPhase(ctx, req, child, handler.PhaseInstall)
		child.Result = res
		req.Workflow.AbsorbResult(res)
		if res.ShortCircuitsTree() {
			return handler.Done(res)
		}
		res = h.runChildPhase(ctx, req, child, handler.PhaseApply)
		child.Result = res
		req.Workflow.AbsorbResult(res)
		if res.ShortCircuitsTree() {
			return handler.Done(res)
		}
	}
	return handler.Done(result.Ok(result.InstallSuccess))
}

// Apply verifies every child ended in success; the children were already
// applied one by one during Install.
func (h *Handler) Apply(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	for _, child := range req.Node.Children {
		if child.Result.SkippedNoMatchingComponents() {
			continue
		}
		if child.Result == (result.Result{}) {
			return handler.Done(result.Failf(result.ExtendedChildWorkflowFailure,
				"bundled update %s was never installed", child.ID))
		}
		if child.Result.Failed() {
			return handler.Done(child.Result)
		}
	}
	return handler.Done(result.Ok(result.ApplySuccess))
}

func (h *Handler) Cancel(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	for _, child := range req.Node.Children {
		h.runChildPhase(ctx, req, child, handler.PhaseCancel)
	}
	return handler.Done(result.Ok(result.CancelSuccess))
}

// IsInstalled reports installed only when every non-skipped child handler
// does. Before the children exist nothing is installed.
func (h *Handler) IsInstalled(ctx context.Context, req *handler.PhaseRequest) handler.Outcome {
	if len(req.Node.Children) == 0 {
		return handler.Done(result.Ok(result.IsInstalledNotInstalled))
	}
	for _, child := range req.Node.Children {
		if child.Result.SkippedNoMatchingComponents() {
			continue
		}
		res := h.runChildPhase(ctx, req, child, handler.PhaseIsInstalled)
		if res.Code != result.IsInstalledInstalled {
			return handler.Done(result.Ok(result.IsInstalledNotInstalled))
		}
	}
	return handler.Done(result.Ok(result.IsInstalledInstalled))
}

// ensureChildren materializes the child nodes from the bundle's payload
// files. A partially persisted child list is never reused: on count
// mismatch all children are dropped and rebuilt.
func (h *Handler) ensureChildren(ctx context.Context, req *handler.PhaseRequest) error {
	node := req.Node
	expected := len(node.Files)
	if len(node.Children) == expected && expected > 0 {
		return nil
	}
	node.DropChildren()

	for i := range node.Files {
		entity := &node.Files[i]
		if err := req.Downloader.Download(ctx, entity, req.Workflow.ID, req.WorkFolder, req.DownloadTimeout, nil); err != nil {
			return fmt.Errorf("failed to fetch child manifest %s: %w", entity.TargetFilename, err)
		}
		doc, err := os.ReadFile(filepath.Join(req.WorkFolder, entity.TargetFilename))
		if err != nil {
			return fmt.Errorf("failed to read child manifest %s: %w", entity.TargetFilename, err)
		}
		m, err := workflow.ParseManifest(doc)
		if err != nil {
			return fmt.Errorf("invalid child manifest %s: %w", entity.TargetFilename, err)
		}
		child := workflow.NewNode(m, node.ID, node.Level+1, i)
		child.WorkFolder = filepath.Join(req.WorkFolder, strconv.Itoa(i))
		if err := os.MkdirAll(child.WorkFolder, 0o700); err != nil {
			return fmt.Errorf("failed to create child work folder: %w", err)
		}
		if len(m.Compatibility) > 0 && req.Enumerator != nil {
			enumerated, err := req.Enumerator.EnumerateComponents()
			if err != nil {
				return fmt.Errorf("failed to enumerate components: %w", err)
			}
			selected := components.Match(m.Compatibility, enumerated)
			if len(selected.Components) == 0 {
				child.Result = result.Ok(result.DownloadSkippedNoMatchingComponents)
			} else {
				child.SetSelectedComponents(selected.Document())
			}
		}
		if !node.InsertChild(i, child) {
			return fmt.Errorf("failed to insert child node %d", i)
		}
	}
	return nil
}

// runChildPhase dispatches one phase on a child node through that child's
// own content handler. Asynchronous children are waited on: the bundle
// presents a synchronous face to its parent.
func (h *Handler) runChildPhase(ctx context.Context, req *handler.PhaseRequest, child *workflow.Node, phase handler.Phase) result.Result {
	ch, err := req.Registry.Resolve(child.UpdateType)
	if err != nil {
		return result.Failf(result.ExtendedHandlerLoadFailure,
			"no handler for bundled update type %q: %v", child.UpdateType, err)
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
	if out.Pending != nil {
		res, err := out.Pending.Wait(ctx)
		if err != nil {
			return result.Failf(result.ExtendedChildWorkflowFailure,
				"bundled update %s did not complete: %v", child.ID, err)
		}
		return res
	}
	return out.Result
}

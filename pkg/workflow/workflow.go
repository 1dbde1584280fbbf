// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package workflow holds the persistable data tree describing one update
// instance: the top-level deployment plus any bundled or component-scoped
// sub-updates. The tree is exclusively owned by the orchestration driver;
// handlers borrow nodes for the duration of a single phase call.
package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/deviceup/deviceup/pkg/result"
)

type (
	// State is the root-level workflow state. Child nodes track progress
	// through their result alone.
	State string

	// Action is the externally requested workflow action.
	Action string

	// Node is one entry in the workflow data tree: the top-level update or
	// a bundled/component sub-update.
	Node struct {
		ID                 string            `json:"id"`
		Level              int               `json:"level"`
		StepIndex          int               `json:"stepIndex"`
		UpdateType         string            `json:"updateType"`
		Manifest           *UpdateManifest   `json:"updateManifest,omitempty"`
		Files              []FileEntity      `json:"files,omitempty"`
		SelectedComponents json.RawMessage   `json:"selectedComponents,omitempty"`
		Children           []*Node           `json:"children,omitempty"`
		Result             result.Result     `json:"result"`
		InstalledCriteria  string            `json:"installedCriteria,omitempty"`
		WorkFolder         string            `json:"workFolder,omitempty"`
	}

	// Workflow is one end-to-end execution of a deployment request, from
	// ProcessDeployment through Idle or Failed.
	Workflow struct {
		ID                    string    `json:"id"`
		Action                Action    `json:"action"`
		State                 State     `json:"state"`
		LastReportedState     State     `json:"lastReportedState"`
		Root                  *Node     `json:"root"`
		RebootRequired        bool      `json:"rebootRequired"`
		RebootImmediate       bool      `json:"rebootImmediate"`
		AgentRestartRequired  bool      `json:"agentRestartRequired"`
		AgentRestartImmediate bool      `json:"agentRestartImmediate"`
		CancelRequested       bool      `json:"cancelRequested"`
		CreatedAt             time.Time `json:"createdAt"`

		mu sync.Mutex
	}
)

const (
	StateIdle                     State = "Idle"
	StateProcessDeploymentStarted State = "ProcessDeploymentStarted"
	StateDownloadStarted          State = "DownloadStarted"
	StateDownloadSucceeded        State = "DownloadSucceeded"
	StateInstallStarted           State = "InstallStarted"
	StateInstallSucceeded         State = "InstallSucceeded"
	StateApplyStarted             State = "ApplyStarted"
	StateFailed                   State = "Failed"
)

const (
	ActionProcessDeployment Action = "processDeployment"
	ActionCancel            Action = "cancel"
)

// stateRank orders the in-flight states for duplicate-request detection.
// Idle and Failed are terminal and rank highest.
var stateRank = map[State]int{
	StateProcessDeploymentStarted: 1,
	StateDownloadStarted:          2,
	StateDownloadSucceeded:        3,
	StateInstallStarted:           4,
	StateInstallSucceeded:         5,
	StateApplyStarted:             6,
	StateIdle:                     7,
	StateFailed:                   7,
}

// AtOrPast reports whether s has already reached other in the lifecycle.
func (s State) AtOrPast(other State) bool {
	return stateRank[s] >= stateRank[other]
}

// Terminal reports whether s ends a workflow pass.
func (s State) Terminal() bool {
	return s == StateIdle || s == StateFailed
}

// New builds a workflow tree for a parsed deployment request.
func New(d *Deployment) *Workflow {
	root := NewNode(d.UpdateManifest, "", 0, 0)
	return &Workflow{
		ID:        d.Workflow.ID,
		Action:    d.Workflow.Action,
		State:     StateIdle,
		Root:      root,
		CreatedAt: time.Now().UTC(),
	}
}

// NewNode builds a node from a manifest. The node id is derived from the
// parent id and sibling index ("root", "root/0", "root/0/1", ...).
func NewNode(m *UpdateManifest, parentID string, level, stepIndex int) *Node {
	id := "root"
	if parentID != "" {
		id = fmt.Sprintf("%s/%d", parentID, stepIndex)
	}
	return &Node{
		ID:                id,
		Level:             level,
		StepIndex:         stepIndex,
		UpdateType:        m.UpdateType,
		Manifest:          m,
		Files:             m.Files,
		InstalledCriteria: m.InstalledCriteria,
	}
}

// InsertChild inserts child at index, taking ownership. It fails if index
// is out of bounds.
func (n *Node) InsertChild(index int, child *Node) bool {
	if index < 0 || index > len(n.Children) {
		return false
	}
	n.Children = append(n.Children, nil)
	copy(n.Children[index+1:], n.Children[index:])
	n.Children[index] = child
	for i := index; i < len(n.Children); i++ {
		n.Children[i].StepIndex = i
	}
	return true
}

// RemoveChild removes and returns the child at index, transferring
// ownership to the caller. Returns nil if index is out of bounds.
func (n *Node) RemoveChild(index int) *Node {
	if index < 0 || index >= len(n.Children) {
		return nil
	}
	child := n.Children[index]
	n.Children = append(n.Children[:index], n.Children[index+1:]...)
	for i := index; i < len(n.Children); i++ {
		n.Children[i].StepIndex = i
	}
	return child
}

// DropChildren discards all children so they can be recreated from the
// manifest. Used on resume when the persisted child count no longer matches
// the manifest-derived expected count: children are never partially reused.
func (n *Node) DropChildren() {
	n.Children = nil
}

// ExpectedChildCount is the manifest-derived number of children for
// composite update types; leaf nodes expect zero.
func (n *Node) ExpectedChildCount() int {
	if n.Manifest == nil {
		return 0
	}
	if _, name, _, err := ParseUpdateType(n.UpdateType); err == nil && name == "bundle" {
		return len(n.Manifest.Files)
	}
	return 0
}

var selectedComponentsSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["components"],
	"properties": {
		"components": { "type": "array" }
	}
}`)

// SetSelectedComponents stores the component match result on the node. It
// fails unless the document is well-formed JSON with a "components" array.
func (n *Node) SetSelectedComponents(doc []byte) bool {
	res, err := gojsonschema.Validate(selectedComponentsSchema, gojsonschema.NewBytesLoader(doc))
	if err != nil || !res.Valid() {
		return false
	}
	n.SelectedComponents = json.RawMessage(doc)
	return true
}

// File returns the file entity with the given target filename, or nil.
func (n *Node) File(targetFilename string) *FileEntity {
	for i := range n.Files {
		if n.Files[i].TargetFilename == targetFilename {
			return &n.Files[i]
		}
	}
	return nil
}

// Walk visits n and its descendants depth-first in sibling order. The visit
// function returns false to stop the walk.
func (n *Node) Walk(visit func(*Node) bool) bool {
	if !visit(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(visit) {
			return false
		}
	}
	return true
}

// UpdateID returns the update id of the workflow's root manifest.
func (w *Workflow) UpdateID() UpdateID {
	if w.Root == nil || w.Root.Manifest == nil {
		return UpdateID{}
	}
	return w.Root.Manifest.UpdateID
}

// SetState transitions the root-level state.
func (w *Workflow) SetState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.State = s
}

// SetReported records the last state handed to the reporting adapter; it is
// the basis for duplicate-request detection.
func (w *Workflow) SetReported(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastReportedState = s
}

// RequestCancel marks the workflow for cancellation. The flag is advisory:
// handlers poll it at the start of each phase invocation.
func (w *Workflow) RequestCancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.CancelRequested = true
}

// IsCancelRequested reports the advisory cancellation flag.
func (w *Workflow) IsCancelRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.CancelRequested
}

// AbsorbResult records the sticky reboot/restart flags implied by a phase
// result. Flags are set-only: once true they stay true until the restart
// happens and the resumed workflow consumes them.
func (w *Workflow) AbsorbResult(r result.Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r.RequiresReboot() {
		w.RebootRequired = true
		if r.Immediate() {
			w.RebootImmediate = true
		}
	}
	if r.RequiresAgentRestart() {
		w.AgentRestartRequired = true
		if r.Immediate() {
			w.AgentRestartImmediate = true
		}
	}
}

// ConsumeRestartFlags clears the sticky reboot/restart flags. Called when
// the agent resumes a workflow after coming back up: whatever restart was
// demanded has already happened.
func (w *Workflow) ConsumeRestartFlags() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.RebootRequired = false
	w.RebootImmediate = false
	w.AgentRestartRequired = false
	w.AgentRestartImmediate = false
}

// RestartPending reports whether any sticky reboot/restart flag is set.
func (w *Workflow) RestartPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.RebootRequired || w.AgentRestartRequired
}

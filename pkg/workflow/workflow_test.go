// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deviceup/deviceup/pkg/result"
)

func leafManifest(name string) *UpdateManifest {
	return &UpdateManifest{
		ManifestVersion:   "5.0",
		UpdateID:          UpdateID{Provider: "Contoso", Name: name, Version: "1.0"},
		UpdateType:        "microsoft/script:1",
		InstalledCriteria: name + "-1.0",
	}
}

func TestNodeIDDerivation(t *testing.T) {
	root := NewNode(leafManifest("Top"), "", 0, 0)
	assert.Equal(t, "root", root.ID)

	child := NewNode(leafManifest("Motor"), root.ID, 1, 0)
	assert.Equal(t, "root/0", child.ID)
	grandchild := NewNode(leafManifest("Coil"), child.ID, 2, 1)
	assert.Equal(t, "root/0/1", grandchild.ID)
}

func TestInsertRemoveChild(t *testing.T) {
	root := NewNode(leafManifest("Top"), "", 0, 0)
	a := NewNode(leafManifest("A"), root.ID, 1, 0)
	b := NewNode(leafManifest("B"), root.ID, 1, 1)

	require.True(t, root.InsertChild(0, a))
	require.True(t, root.InsertChild(1, b))
	assert.False(t, root.InsertChild(5, NewNode(leafManifest("X"), root.ID, 1, 0)))
	assert.False(t, root.InsertChild(-1, NewNode(leafManifest("X"), root.ID, 1, 0)))

	c := NewNode(leafManifest("C"), root.ID, 1, 0)
	require.True(t, root.InsertChild(0, c))
	assert.Equal(t, []int{0, 1, 2}, []int{root.Children[0].StepIndex, root.Children[1].StepIndex, root.Children[2].StepIndex})
	assert.Equal(t, "C", root.Children[0].Manifest.UpdateID.Name)

	removed := root.RemoveChild(1)
	require.NotNil(t, removed)
	assert.Equal(t, "A", removed.Manifest.UpdateID.Name)
	assert.Len(t, root.Children, 2)
	assert.Equal(t, 1, root.Children[1].StepIndex)
	assert.Nil(t, root.RemoveChild(9))
}

func TestSetSelectedComponents(t *testing.T) {
	n := NewNode(leafManifest("A"), "", 0, 0)
	assert.True(t, n.SetSelectedComponents([]byte(`{"components":[{"manufacturer":"contoso","model":"motor"}]}`)))
	assert.NotNil(t, n.SelectedComponents)

	assert.False(t, n.SetSelectedComponents([]byte(`{"components":"nope"}`)))
	assert.False(t, n.SetSelectedComponents([]byte(`{"parts":[]}`)))
	assert.False(t, n.SetSelectedComponents([]byte(`not json`)))
}

func TestStickyFlags(t *testing.T) {
	w := New(&Deployment{UpdateManifest: leafManifest("Top")})
	w.ID = "wf-1"

	w.AbsorbResult(result.Ok(result.InstallRequiredReboot))
	assert.True(t, w.RebootRequired)
	assert.False(t, w.RebootImmediate)

	// Sticky: a later plain success does not clear the flag.
	w.AbsorbResult(result.Ok(result.ApplySuccess))
	assert.True(t, w.RebootRequired)

	w.AbsorbResult(result.Ok(result.ApplyRequiredImmediateAgentRestart))
	assert.True(t, w.AgentRestartRequired)
	assert.True(t, w.AgentRestartImmediate)
	assert.True(t, w.RestartPending())
}

func TestStateOrdering(t *testing.T) {
	assert.True(t, StateDownloadStarted.AtOrPast(StateProcessDeploymentStarted))
	assert.True(t, StateDownloadStarted.AtOrPast(StateDownloadStarted))
	assert.False(t, StateDownloadStarted.AtOrPast(StateInstallStarted))
	assert.True(t, StateIdle.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateApplyStarted.Terminal())
}

func TestWalkOrder(t *testing.T) {
	root := NewNode(leafManifest("Top"), "", 0, 0)
	for i := 0; i < 3; i++ {
		require.True(t, root.InsertChild(i, NewNode(leafManifest("C"), root.ID, 1, i)))
	}
	var visited []string
	root.Walk(func(n *Node) bool {
		visited = append(visited, n.ID)
		return true
	})
	assert.Equal(t, []string{"root", "root/0", "root/1", "root/2"}, visited)

	var stopped []string
	root.Walk(func(n *Node) bool {
		stopped = append(stopped, n.ID)
		return n.ID != "root/1"
	})
	assert.Equal(t, []string{"root", "root/0", "root/1"}, stopped)
}

func TestExpectedChildCount(t *testing.T) {
	bundle := &UpdateManifest{
		ManifestVersion: "5.0",
		UpdateID:        UpdateID{Provider: "Contoso", Name: "Bundle", Version: "1.0"},
		UpdateType:      "microsoft/bundle:1",
		Files: []FileEntity{
			{FileID: "m1", TargetFilename: "child1.json", Hashes: map[string]string{"sha256": "aA=="}},
			{FileID: "m2", TargetFilename: "child2.json", Hashes: map[string]string{"sha256": "aA=="}},
		},
	}
	n := NewNode(bundle, "", 0, 0)
	assert.Equal(t, 2, n.ExpectedChildCount())
	assert.Equal(t, 0, NewNode(leafManifest("A"), "", 0, 0).ExpectedChildCount())
}

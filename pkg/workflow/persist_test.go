// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package workflow

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deviceup/deviceup/pkg/result"
)

func TestRoundTripThreeLevels(t *testing.T) {
	w := New(&Deployment{UpdateManifest: &UpdateManifest{
		ManifestVersion: "5.0",
		UpdateID:        UpdateID{Provider: "Contoso", Name: "Bundle", Version: "2.0"},
		UpdateType:      "microsoft/bundle:1",
		Files: []FileEntity{
			{FileID: "m1", TargetFilename: "child.json", DownloadURI: "http://u/child.json",
				SizeInBytes: 42, Hashes: map[string]string{"sha256": "aGFzaA=="}},
		},
	}})
	w.ID = "wf-roundtrip"
	w.State = StateInstallStarted
	w.LastReportedState = StateDownloadSucceeded
	w.RebootRequired = true

	child := NewNode(leafManifest("Motor"), w.Root.ID, 1, 0)
	child.Result = result.Ok(result.DownloadSuccess)
	require.True(t, child.SetSelectedComponents([]byte(`{"components":[{"model":"motor"}]}`)))
	require.True(t, w.Root.InsertChild(0, child))

	grandchild := NewNode(leafManifest("Coil"), child.ID, 2, 0)
	grandchild.Result = result.Fail(result.ExtendedDownloadFailure, "dns failure")
	require.True(t, child.InsertChild(0, grandchild))

	path := filepath.Join(t.TempDir(), "workflow.json")
	require.NoError(t, w.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, w.ID, loaded.ID)
	assert.Equal(t, StateInstallStarted, loaded.State)
	assert.Equal(t, StateDownloadSucceeded, loaded.LastReportedState)
	assert.True(t, loaded.RebootRequired)

	require.NotNil(t, loaded.Root)
	assert.Equal(t, w.Root.UpdateType, loaded.Root.UpdateType)
	assert.Equal(t, w.Root.Files, loaded.Root.Files)
	require.Len(t, loaded.Root.Children, 1)

	lc := loaded.Root.Children[0]
	assert.Equal(t, child.ID, lc.ID)
	assert.Equal(t, child.Result, lc.Result)
	assert.JSONEq(t, string(child.SelectedComponents), string(lc.SelectedComponents))
	require.Len(t, lc.Children, 1)
	assert.Equal(t, grandchild.ID, lc.Children[0].ID)
	assert.Equal(t, "dns failure", lc.Children[0].Result.Details)
}

func TestSaveIsAtomicOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.json")
	w := New(&Deployment{UpdateManifest: leafManifest("Top")})
	w.ID = "wf-1"
	require.NoError(t, w.Save(path))

	w.SetState(StateApplyStarted)
	require.NoError(t, w.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StateApplyStarted, loaded.State)

	// No leftover temp files from the write-temp-then-rename sequence.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStateFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "workflow.json")
	w := New(&Deployment{UpdateManifest: leafManifest("Top")})
	w.ID = "wf-1"
	require.NoError(t, w.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrNoPersistedWorkflow)
}

func TestDiscard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.json")
	w := New(&Deployment{UpdateManifest: leafManifest("Top")})
	w.ID = "wf-1"
	require.NoError(t, w.Save(path))
	require.NoError(t, Discard(path))
	require.NoError(t, Discard(path)) // idempotent
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrNoPersistedWorkflow)
}

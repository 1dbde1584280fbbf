// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package simulator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deviceup/deviceup/pkg/handler"
	"github.com/deviceup/deviceup/pkg/result"
	"github.com/deviceup/deviceup/pkg/workflow"
)

func simRequest(t *testing.T, specDoc string) *handler.PhaseRequest {
	t.Helper()
	workFolder := t.TempDir()
	if specDoc != "" {
		require.NoError(t, os.WriteFile(filepath.Join(workFolder, SpecFilename), []byte(specDoc), 0o600))
	}
	root := &workflow.Node{ID: "root", UpdateType: "deviceup/simulator:1", WorkFolder: workFolder}
	return &handler.PhaseRequest{
		Workflow:   &workflow.Workflow{ID: "wf-sim", Root: root},
		Node:       root,
		WorkFolder: workFolder,
	}
}

func TestDefaultsSucceedWithoutSpecFile(t *testing.T) {
	req := simRequest(t, "")
	h := New()
	assert.Equal(t, result.DownloadSuccess, h.Download(context.Background(), req).Result.Code)
	assert.Equal(t, result.InstallSuccess, h.Install(context.Background(), req).Result.Code)
	assert.Equal(t, result.ApplySuccess, h.Apply(context.Background(), req).Result.Code)
	assert.Equal(t, result.BackupSuccessUnsupported, h.Backup(context.Background(), req).Result.Code)
	assert.Equal(t, result.IsInstalledNotInstalled, h.IsInstalled(context.Background(), req).Result.Code)
}

func TestScriptedFailure(t *testing.T) {
	req := simRequest(t, `{"install": {"code": 0, "extendedCode": 305419896, "details": "simulated flash error"}}`)
	out := New().Install(context.Background(), req)
	require.True(t, out.Result.Failed())
	assert.Equal(t, uint32(305419896), out.Result.ExtendedCode)
	assert.Equal(t, "simulated flash error", out.Result.Details)
}

func TestScriptedRebootVariant(t *testing.T) {
	req := simRequest(t, `{"apply": {"code": 705}}`)
	out := New().Apply(context.Background(), req)
	assert.Equal(t, result.ApplyRequiredImmediateReboot, out.Result.Code)
}

func TestScriptedAsyncCompletion(t *testing.T) {
	req := simRequest(t, `{"download": {"code": 500, "asyncMillis": 10}}`)
	out := New().Download(context.Background(), req)
	require.NotNil(t, out.Pending)
	assert.Equal(t, result.DownloadInProgress, out.Result.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := out.Pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, result.DownloadSuccess, res.Code)
}

func TestScriptedPanicHitsFaultBarrier(t *testing.T) {
	req := simRequest(t, `{"install": {"panic": true}}`)
	out := handler.Invoke(context.Background(), New(), handler.PhaseInstall, req)
	require.True(t, out.Result.Failed())
	assert.Equal(t, result.ExtendedUnknownException, out.Result.ExtendedCode)
}

// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuccessFailureConvention(t *testing.T) {
	assert.True(t, Ok(Success).Succeeded())
	assert.True(t, Ok(DownloadSkippedFileExists).Succeeded())
	assert.True(t, Result{Code: Failure}.Failed())
	assert.True(t, Result{Code: -12}.Failed())
	assert.False(t, Result{Code: -12}.Succeeded())
}

func TestExtendedCodeFacility(t *testing.T) {
	code := Extended(FacilityDownload, 0x1234)
	assert.Equal(t, FacilityDownload, FacilityOf(code))
	assert.Equal(t, uint32(0x1234), code&0xFFFFFFF)

	assert.Equal(t, FacilityOrchestrator, FacilityOf(ExtendedUnknownException))
	assert.Equal(t, FacilityValidation, FacilityOf(ExtendedManifestValidation))
}

func TestInProgressVariants(t *testing.T) {
	for _, code := range []Code{DownloadInProgress, InstallInProgress, ApplyInProgress, BackupInProgress, RestoreInProgress} {
		assert.True(t, Ok(code).IsInProgress(), "code %d", code)
	}
	assert.False(t, Ok(DownloadSuccess).IsInProgress())
	assert.False(t, Ok(Success).IsInProgress())
}

func TestRebootAndRestartVariants(t *testing.T) {
	cases := []struct {
		code      Code
		reboot    bool
		restart   bool
		immediate bool
	}{
		{InstallRequiredReboot, true, false, false},
		{InstallRequiredImmediateReboot, true, false, true},
		{InstallRequiredAgentRestart, false, true, false},
		{InstallRequiredImmediateAgentRestart, false, true, true},
		{ApplyRequiredReboot, true, false, false},
		{ApplyRequiredImmediateReboot, true, false, true},
		{ApplyRequiredAgentRestart, false, true, false},
		{ApplyRequiredImmediateAgentRestart, false, true, true},
		{InstallSuccess, false, false, false},
	}
	for _, tc := range cases {
		r := Ok(tc.code)
		assert.Equal(t, tc.reboot, r.RequiresReboot(), "code %d", tc.code)
		assert.Equal(t, tc.restart, r.RequiresAgentRestart(), "code %d", tc.code)
		assert.Equal(t, tc.immediate, r.Immediate(), "code %d", tc.code)
	}
}

func TestShortCircuitsTree(t *testing.T) {
	assert.True(t, Fail(ExtendedDownloadFailure, "boom").ShortCircuitsTree())
	assert.True(t, Ok(InstallRequiredImmediateReboot).ShortCircuitsTree())
	assert.False(t, Ok(InstallRequiredReboot).ShortCircuitsTree())
	assert.False(t, Ok(ApplySuccess).ShortCircuitsTree())
}

func TestSkippedVariants(t *testing.T) {
	assert.True(t, Ok(DownloadSkippedNoMatchingComponents).SkippedNoMatchingComponents())
	assert.True(t, Ok(DownloadSkippedAlreadyInstalled).IsSkipped())
	assert.False(t, Ok(DownloadSuccess).IsSkipped())
}

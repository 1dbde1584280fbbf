// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package result defines the tagged result type shared by every workflow
// operation. A Code greater than zero is success or a success variant
// (skipped, in-progress, reboot required); zero and below is failure.
// The ExtendedCode is a namespaced diagnostic surfaced to the cloud and is
// never used for control flow.
package result

import "fmt"

type (
	// Code is the method-specific result code.
	Code int32

	// Result describes the outcome of a single workflow operation.
	Result struct {
		Code         Code   `json:"code"`
		ExtendedCode uint32 `json:"extendedCode,omitempty"`
		Details      string `json:"details,omitempty"`
	}
)

const (
	Failure Code = 0
	Success Code = 1

	// ProcessDeployment
	DeploymentInProgress Code = 400

	// Download
	DownloadSuccess                 Code = 500
	DownloadInProgress              Code = 501
	DownloadSkippedFileExists       Code = 502
	DownloadSkippedAlreadyInstalled Code = 503
	DownloadSkippedNoMatchingComponents Code = 504

	// Install
	InstallSuccess                        Code = 600
	InstallInProgress                     Code = 601
	InstallSkippedAlreadyInstalled        Code = 603
	InstallSkippedNoMatchingComponents    Code = 604
	InstallRequiredImmediateReboot        Code = 605
	InstallRequiredReboot                 Code = 606
	InstallRequiredImmediateAgentRestart  Code = 607
	InstallRequiredAgentRestart           Code = 608

	// Apply
	ApplySuccess                       Code = 700
	ApplyInProgress                    Code = 701
	ApplyRequiredImmediateReboot       Code = 705
	ApplyRequiredReboot                Code = 706
	ApplyRequiredImmediateAgentRestart Code = 707
	ApplyRequiredAgentRestart          Code = 708

	// Cancel
	CancelSuccess        Code = 800
	CancelUnableToCancel Code = 801

	// IsInstalled
	IsInstalledInstalled    Code = 900
	IsInstalledNotInstalled Code = 901

	// Backup
	BackupSuccess            Code = 1000
	BackupSuccessUnsupported Code = 1001
	BackupInProgress         Code = 1002

	// Restore
	RestoreSuccess            Code = 1100
	RestoreSuccessUnsupported Code = 1101
	RestoreInProgress         Code = 1102
)

// Facility identifies the subsystem an extended code originated from.
// It occupies the top nibble of the extended code.
type Facility uint32

const (
	FacilityOrchestrator   Facility = 0x1
	FacilityContentHandler Facility = 0x2
	FacilityDownload       Facility = 0xD
	FacilityValidation     Facility = 0xC
)

// Extended codes reserved by the orchestrator.
var (
	ExtendedUnknownException                = Extended(FacilityOrchestrator, 0xFFF)
	ExtendedManifestValidation              = Extended(FacilityValidation, 0x001)
	ExtendedManifestVersionUnsupported      = Extended(FacilityValidation, 0x002)
	ExtendedMissingFileHash                 = Extended(FacilityValidation, 0x003)
	ExtendedHandlerNotFound                 = Extended(FacilityOrchestrator, 0x010)
	ExtendedHandlerLoadFailure              = Extended(FacilityOrchestrator, 0x011)
	ExtendedHandlerContractVersionMismatch  = Extended(FacilityOrchestrator, 0x012)
	ExtendedDownloadFailure                 = Extended(FacilityDownload, 0x001)
	ExtendedDownloadHashMismatch            = Extended(FacilityDownload, 0x002)
	ExtendedChildWorkflowFailure            = Extended(FacilityOrchestrator, 0x020)
	ExtendedUpdateCancelled                 = Extended(FacilityOrchestrator, 0x030)
	ExtendedInstructionFileMissing          = Extended(FacilityContentHandler, 0x001)
	ExtendedInstructionFileMalformed        = Extended(FacilityContentHandler, 0x002)
)

// Extended builds a namespaced extended result code. The facility occupies
// the top 4 bits, the value the remaining 28.
func Extended(facility Facility, value uint32) uint32 {
	return (uint32(facility)&0xF)<<0x1C | value&0xFFFFFFF
}

// FacilityOf extracts the facility from an extended code.
func FacilityOf(extendedCode uint32) Facility {
	return Facility(extendedCode >> 0x1C)
}

// Ok returns a plain success result.
func Ok(code Code) Result { return Result{Code: code} }

// Fail returns a failure result with the given diagnostic.
func Fail(extendedCode uint32, details string) Result {
	return Result{Code: Failure, ExtendedCode: extendedCode, Details: details}
}

// Failf is Fail with formatting.
func Failf(extendedCode uint32, format string, args ...any) Result {
	return Result{Code: Failure, ExtendedCode: extendedCode, Details: fmt.Sprintf(format, args...)}
}

func (r Result) Succeeded() bool { return r.Code > 0 }
func (r Result) Failed() bool    { return r.Code <= 0 }

// IsInProgress reports whether the result indicates an asynchronous
// operation that completes later through a registered completion handle.
func (r Result) IsInProgress() bool {
	switch r.Code {
	case DownloadInProgress, InstallInProgress, ApplyInProgress, BackupInProgress, RestoreInProgress:
		return true
	}
	return false
}

// IsSkipped reports whether the phase was legitimately skipped.
func (r Result) IsSkipped() bool {
	switch r.Code {
	case DownloadSkippedFileExists, DownloadSkippedAlreadyInstalled, DownloadSkippedNoMatchingComponents,
		InstallSkippedAlreadyInstalled, InstallSkippedNoMatchingComponents:
		return true
	}
	return false
}

// SkippedNoMatchingComponents reports the component-scoped skip variant,
// which excludes the node's whole subtree from the pass.
func (r Result) SkippedNoMatchingComponents() bool {
	return r.Code == DownloadSkippedNoMatchingComponents || r.Code == InstallSkippedNoMatchingComponents
}

func (r Result) RequiresReboot() bool {
	switch r.Code {
	case InstallRequiredReboot, InstallRequiredImmediateReboot,
		ApplyRequiredReboot, ApplyRequiredImmediateReboot:
		return true
	}
	return false
}

func (r Result) RequiresAgentRestart() bool {
	switch r.Code {
	case InstallRequiredAgentRestart, InstallRequiredImmediateAgentRestart,
		ApplyRequiredAgentRestart, ApplyRequiredImmediateAgentRestart:
		return true
	}
	return false
}

// Immediate reports whether a reboot/restart demand aborts the remainder of
// the tree traversal in the current pass.
func (r Result) Immediate() bool {
	switch r.Code {
	case InstallRequiredImmediateReboot, InstallRequiredImmediateAgentRestart,
		ApplyRequiredImmediateReboot, ApplyRequiredImmediateAgentRestart:
		return true
	}
	return false
}

// ShortCircuitsTree reports whether no further nodes may be visited in this
// pass: either the result failed or an immediate reboot/restart is demanded.
func (r Result) ShortCircuitsTree() bool {
	return r.Failed() || r.Immediate()
}

func (r Result) String() string {
	if r.Details == "" {
		return fmt.Sprintf("result(code=%d, extended=0x%08X)", r.Code, r.ExtendedCode)
	}
	return fmt.Sprintf("result(code=%d, extended=0x%08X, details=%q)", r.Code, r.ExtendedCode, r.Details)
}

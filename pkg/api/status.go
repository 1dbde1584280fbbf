// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package api

import "github.com/deviceup/deviceup/pkg/state"

// GetStatus snapshots the agent's workflow state.
func (a *Agent) GetStatus() state.Status {
	return a.Runner.GetStatus()
}

// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package api

import "context"

// Resume continues a workflow persisted by a previous agent process, or
// reports the idle state when there is nothing to resume.
func (a *Agent) Resume(ctx context.Context) error {
	return a.Runner.Resume(ctx)
}

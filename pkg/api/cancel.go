// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package api

import "context"

// Cancel cancels the workflow in flight, if any. Cancelling an idle agent
// is a no-op.
func (a *Agent) Cancel(ctx context.Context) error {
	return a.Runner.Cancel(ctx)
}

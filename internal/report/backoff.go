// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package report

import (
	"errors"
	"math/rand"
	"time"
)

// Classified failure reasons for the delivery retry schedule. Transient
// faults retry quickly, rejections that need operator intervention back
// off for much longer.
type RetryReason int

const (
	ReasonTransient RetryReason = iota
	ReasonBadCredentials
	ReasonNoNetwork
	ReasonDeviceDisabled
)

var (
	ErrBadCredentials = errors.New("service rejected device credentials")
	ErrNoNetwork      = errors.New("no network connectivity")
	ErrDeviceDisabled = errors.New("device is disabled by the service")
)

const (
	maxRetryDelay = 1 * time.Hour
	jitterFactor  = 0.25
)

var retryBaseDelay = map[RetryReason]time.Duration{
	ReasonTransient:      30 * time.Second,
	ReasonBadCredentials: 10 * time.Second,
	ReasonNoNetwork:      60 * time.Second,
	ReasonDeviceDisabled: 15 * time.Minute,
}

// ClassifyError maps a delivery error to a retry reason.
func ClassifyError(err error) RetryReason {
	switch {
	case errors.Is(err, ErrBadCredentials):
		return ReasonBadCredentials
	case errors.Is(err, ErrNoNetwork):
		return ReasonNoNetwork
	case errors.Is(err, ErrDeviceDisabled):
		return ReasonDeviceDisabled
	default:
		return ReasonTransient
	}
}

// RetryDelay computes the wait before retry number `attempt` (0-based):
// base delay for the reason, doubled per attempt, capped, plus up to
// 25% random jitter so a fleet does not retry in lock-step.
func RetryDelay(reason RetryReason, attempt int) time.Duration {
	base, ok := retryBaseDelay[reason]
	if !ok {
		base = retryBaseDelay[ReasonTransient]
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(float64(delay)*jitterFactor) + 1))
	delay += jitter
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

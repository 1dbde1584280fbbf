// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package report

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deviceup/deviceup/pkg/result"
	"github.com/deviceup/deviceup/pkg/workflow"
)

type captureTransport struct {
	mu      sync.Mutex
	batches [][]UpdateEvent
	fail    error
	sent    chan struct{}
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{sent: make(chan struct{}, 16)}
}

func (t *captureTransport) Send(_ context.Context, events []UpdateEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	batch := make([]UpdateEvent, len(events))
	copy(batch, events)
	t.batches = append(t.batches, batch)
	select {
	case t.sent <- struct{}{}:
	default:
	}
	return nil
}

func (t *captureTransport) setFail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = err
}

func (t *captureTransport) all() []UpdateEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var events []UpdateEvent
	for _, b := range t.batches {
		events = append(events, b...)
	}
	return events
}

func testDB(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agent.db")
	require.NoError(t, CreateEventsTable(dbPath))
	return dbPath
}

// queuedCount reports the number of undelivered events, or -1 when the
// queue cannot be read.
func queuedCount(dbPath string) int {
	q, err := OpenQueue(dbPath)
	if err != nil {
		return -1
	}
	defer q.Close()
	events, _, err := q.Events()
	if err != nil {
		return -1
	}
	return len(events)
}

func TestEventQueuePersistsAndPrunes(t *testing.T) {
	dbPath := testDB(t)
	q, err := OpenQueue(dbPath)
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 3; i++ {
		err := q.Save(&UpdateEvent{
			ID:         fmt.Sprintf("evt-%d", i),
			WorkflowID: "wf-1",
			State:      string(workflow.StateDownloadStarted),
			Result:     result.Result{Code: result.DownloadInProgress},
		})
		require.NoError(t, err)
	}

	events, maxID, err := q.Events()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "evt-0", events[0].ID)
	assert.Equal(t, string(workflow.StateDownloadStarted), events[0].State)

	require.NoError(t, q.Delete(maxID))
	events, _, err = q.Events()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSenderDeliversQueuedTransitions(t *testing.T) {
	dbPath := testDB(t)
	transport := newCaptureTransport()
	sender, err := NewSender(dbPath, transport)
	require.NoError(t, err)
	sender.Start(context.Background())
	defer sender.Close()

	res := result.Result{Code: result.Success}
	require.NoError(t, sender.ReportStateAndResult(workflow.StateIdle, res, "wf-1", `{"provider":"contoso","name":"toaster","version":"1.0"}`))

	select {
	case <-transport.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}

	events := transport.all()
	require.Len(t, events, 1)
	assert.Equal(t, string(workflow.StateIdle), events[0].State)
	assert.Equal(t, result.Success, events[0].Result.Code)
	assert.Contains(t, events[0].InstalledUpdateID, "contoso")
	assert.NotEmpty(t, events[0].ID)

	assert.Eventually(t, func() bool {
		return queuedCount(dbPath) == 0
	}, 5*time.Second, 50*time.Millisecond, "delivered events must be pruned from the queue")
}

// Queueing from the workflow thread must not fail while the sender
// goroutine is flushing the same database.
func TestConcurrentReportingDuringFlush(t *testing.T) {
	dbPath := testDB(t)
	transport := newCaptureTransport()
	sender, err := NewSender(dbPath, transport)
	require.NoError(t, err)
	sender.Start(context.Background())
	defer sender.Close()

	const total = 40
	for i := 0; i < total; i++ {
		res := result.Result{Code: result.DownloadInProgress}
		require.NoError(t, sender.ReportStateAndResult(
			workflow.StateDownloadStarted, res, fmt.Sprintf("wf-%d", i), ""))
	}

	assert.Eventually(t, func() bool {
		return len(transport.all()) == total
	}, 10*time.Second, 20*time.Millisecond, "all queued events must be delivered")
	assert.Eventually(t, func() bool {
		return queuedCount(dbPath) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSenderSurvivesTransportOutage(t *testing.T) {
	dbPath := testDB(t)
	transport := newCaptureTransport()
	transport.setFail(ErrNoNetwork)
	sender, err := NewSender(dbPath, transport)
	require.NoError(t, err)
	defer sender.Close()

	res := result.Result{Code: result.InstallSuccess}
	require.NoError(t, sender.ReportStateAndResult(workflow.StateInstallSucceeded, res, "wf-2", ""))

	// The send fails; the event must stay queued.
	require.Error(t, sender.Flush(context.Background()))
	require.Equal(t, 1, queuedCount(dbPath))

	transport.setFail(nil)
	require.NoError(t, sender.Flush(context.Background()))
	assert.Equal(t, 0, queuedCount(dbPath))
	assert.Len(t, transport.all(), 1)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ReasonBadCredentials, ClassifyError(fmt.Errorf("send: %w", ErrBadCredentials)))
	assert.Equal(t, ReasonNoNetwork, ClassifyError(ErrNoNetwork))
	assert.Equal(t, ReasonDeviceDisabled, ClassifyError(ErrDeviceDisabled))
	assert.Equal(t, ReasonTransient, ClassifyError(errors.New("boom")))
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	var prev time.Duration
	for attempt := 0; attempt < 4; attempt++ {
		d := RetryDelay(ReasonNoNetwork, attempt)
		base := 60 * time.Second << uint(attempt)
		assert.GreaterOrEqual(t, d, base, "attempt %d below base", attempt)
		assert.LessOrEqual(t, d, base+base/4, "attempt %d jitter above 25%%", attempt)
		assert.Greater(t, d, prev/2, "delay should roughly double")
		prev = d
	}
	assert.LessOrEqual(t, RetryDelay(ReasonDeviceDisabled, 20), time.Hour)
}

func TestRetryDelayOrdersReasons(t *testing.T) {
	// Rejections needing operator intervention back off far longer than
	// credential refresh retries.
	assert.Greater(t, RetryDelay(ReasonDeviceDisabled, 0), RetryDelay(ReasonBadCredentials, 0))
}

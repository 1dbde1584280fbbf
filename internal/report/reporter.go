// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package report queues update state transitions in a local sqlite
// table and delivers them to the service in the background, so that a
// flaky network never blocks the update workflow itself.
package report

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/deviceup/deviceup/pkg/result"
	"github.com/deviceup/deviceup/pkg/workflow"
)

// UpdateEvent is one reported state transition.
type UpdateEvent struct {
	ID                string        `json:"id"`
	DeviceTime        string        `json:"deviceTime"`
	WorkflowID        string        `json:"workflowId"`
	State             string        `json:"state"`
	Result            result.Result `json:"result"`
	InstalledUpdateID string        `json:"installedUpdateId,omitempty"`
}

// Reporter receives workflow state transitions. The orchestrator calls
// it after every accepted transition; implementations must not block.
type Reporter interface {
	ReportStateAndResult(state workflow.State, res result.Result, workflowID, installedUpdateID string) error
}

// Transport delivers a batch of queued events to the service.
type Transport interface {
	Send(ctx context.Context, events []UpdateEvent) error
}

// LogTransport writes events to the log instead of a service. It is the
// default until a cloud transport is wired in, and keeps the full
// queue/flush path exercised.
type LogTransport struct{}

func (LogTransport) Send(_ context.Context, events []UpdateEvent) error {
	for _, e := range events {
		log.Info().
			Str("event_id", e.ID).
			Str("workflow_id", e.WorkflowID).
			Str("state", e.State).
			Str("result", e.Result.String()).
			Msgf("update state transition")
	}
	return nil
}

// Sender implements Reporter on top of the sqlite event queue and
// flushes it through a Transport with reason-keyed backoff.
type Sender struct {
	queue     *Queue
	transport Transport

	mu      sync.Mutex
	kick    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	entropy *rand.Rand
}

func NewSender(dbFilePath string, transport Transport) (*Sender, error) {
	queue, err := OpenQueue(dbFilePath)
	if err != nil {
		return nil, err
	}
	return &Sender{
		queue:     queue,
		transport: transport,
		kick:      make(chan struct{}, 1),
		entropy:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// ReportStateAndResult queues the transition and nudges the sender
// loop. Queueing is local-only and returns promptly.
func (s *Sender) ReportStateAndResult(state workflow.State, res result.Result, workflowID, installedUpdateID string) error {
	s.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
	s.mu.Unlock()
	event := &UpdateEvent{
		ID:                id,
		DeviceTime:        time.Now().UTC().Format(time.RFC3339),
		WorkflowID:        workflowID,
		State:             string(state),
		Result:            res,
		InstalledUpdateID: installedUpdateID,
	}
	if err := s.queue.Save(event); err != nil {
		return err
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the background delivery loop. Call Stop to shut it
// down; Start must not be called twice without an intervening Stop.
func (s *Sender) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.run(ctx)
}

func (s *Sender) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.stopped
	s.stop = nil
}

// Close stops the delivery loop and releases the queue.
func (s *Sender) Close() error {
	s.Stop()
	return s.queue.Close()
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.stopped)
	attempt := 0
	reason := ReasonTransient
	for {
		var wait <-chan time.Time
		if attempt > 0 {
			delay := RetryDelay(reason, attempt-1)
			log.Debug().Msgf("retrying event delivery in %s", delay)
			timer := time.NewTimer(delay)
			wait = timer.C
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.stop:
				timer.Stop()
				return
			case <-wait:
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-s.kick:
			}
		}

		if err := s.Flush(ctx); err != nil {
			reason = ClassifyError(err)
			attempt++
			log.Err(err).Msgf("failed to deliver queued events")
			continue
		}
		attempt = 0
	}
}

// Flush delivers all queued events in one batch and prunes the queue
// on success.
func (s *Sender) Flush(ctx context.Context) error {
	events, maxID, err := s.queue.Events()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if err := s.transport.Send(ctx, events); err != nil {
		return err
	}
	return s.queue.Delete(maxID)
}

// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package api is the embeddable surface of the update agent: construct an
// Agent, feed it deployment documents, and it drives them through the
// workflow while reporting transitions in the background.
package api

import (
	"context"
	"log/slog"

	"github.com/deviceup/deviceup/internal/report"
	"github.com/deviceup/deviceup/pkg/components"
	"github.com/deviceup/deviceup/pkg/config"
	"github.com/deviceup/deviceup/pkg/download"
	"github.com/deviceup/deviceup/pkg/handler"
	"github.com/deviceup/deviceup/pkg/handlers"
	"github.com/deviceup/deviceup/pkg/state"
)

type (
	Agent struct {
		Runner *state.UpdateRunner

		cfg    *config.Config
		sender *report.Sender
	}

	AgentOpts struct {
		Transport  report.Transport
		Reporter   report.Reporter
		Downloader download.Downloader
		Enumerator components.Enumerator
		Registry   *handler.Registry
	}
	AgentOpt func(*AgentOpts)
)

// WithTransport selects the delivery transport for queued state reports.
func WithTransport(t report.Transport) AgentOpt {
	return func(o *AgentOpts) { o.Transport = t }
}

// WithReporter bypasses the queueing sender entirely.
func WithReporter(r report.Reporter) AgentOpt {
	return func(o *AgentOpts) { o.Reporter = r }
}

func WithDownloader(d download.Downloader) AgentOpt {
	return func(o *AgentOpts) { o.Downloader = d }
}

func WithEnumerator(e components.Enumerator) AgentOpt {
	return func(o *AgentOpts) { o.Enumerator = e }
}

func WithRegistry(r *handler.Registry) AgentOpt {
	return func(o *AgentOpts) { o.Registry = r }
}

// New builds an agent with the built-in content handlers registered and
// the background report sender started.
func New(ctx context.Context, cfg *config.Config, options ...AgentOpt) (*Agent, error) {
	opts := &AgentOpts{}
	for _, o := range options {
		o(opts)
	}
	if opts.Registry == nil {
		opts.Registry = handler.NewRegistry()
	}
	handlers.RegisterBuiltins(opts.Registry)

	a := &Agent{cfg: cfg}
	reporter := opts.Reporter
	if reporter == nil {
		transport := opts.Transport
		if transport == nil {
			transport = report.LogTransport{}
		}
		sender, err := report.NewSender(cfg.GetDBPath(), transport)
		if err != nil {
			return nil, err
		}
		a.sender = sender
		reporter = a.sender
	}

	runnerOpts := []state.UpdateRunnerOpt{
		state.WithReporter(reporter),
		state.WithRegistry(opts.Registry),
	}
	if opts.Downloader != nil {
		runnerOpts = append(runnerOpts, state.WithDownloader(opts.Downloader))
	}
	if opts.Enumerator != nil {
		runnerOpts = append(runnerOpts, state.WithEnumerator(opts.Enumerator))
	}
	runner, err := state.NewUpdateRunner(cfg, runnerOpts...)
	if err != nil {
		return nil, err
	}
	a.Runner = runner
	if a.sender != nil {
		a.sender.Start(ctx)
	}
	return a, nil
}

// Close flushes and stops the background report sender.
func (a *Agent) Close(ctx context.Context) {
	if a.sender != nil {
		_ = a.sender.Flush(ctx)
		if err := a.sender.Close(); err != nil {
			slog.Error("failed to close report sender", "err", err)
		}
		a.sender = nil
	}
}

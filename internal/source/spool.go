// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package source feeds deployment documents into the agent. Deployments
// arrive as JSON files dropped into a spool directory; the watcher
// picks them up as they appear and hands them to the daemon. Senders
// should write the document elsewhere (or under a non-.json name) and
// rename it into place so it appears atomically; files written in place
// are read only after their size stops changing.
package source

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// HandleFunc processes one deployment document. A non-nil error leaves
// the spool file in place under a .failed suffix for inspection.
type HandleFunc func(doc []byte) error

type SpoolWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
}

func NewSpoolWatcher(dir string) (*SpoolWatcher, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &SpoolWatcher{dir: dir, watcher: watcher}, nil
}

func (s *SpoolWatcher) Close() error {
	return s.watcher.Close()
}

// Run drains deployments already in the spool, then blocks delivering
// new ones until the context is cancelled.
func (s *SpoolWatcher) Run(ctx context.Context, handle HandleFunc) error {
	s.drain(handle)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isSpoolFile(event.Name) {
				continue
			}
			s.process(event.Name, handle)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			log.Err(err).Msgf("spool watcher error")
		}
	}
}

// Drain processes whatever is sitting in the spool right now without
// waiting for filesystem events. Used by one-shot invocations.
func (s *SpoolWatcher) Drain(handle HandleFunc) {
	s.drain(handle)
}

func (s *SpoolWatcher) drain(handle HandleFunc) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Err(err).Msgf("failed to scan spool directory %s", s.dir)
		return
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !isSpoolFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	// Oldest first by name; senders use sortable names.
	sort.Strings(names)
	for _, name := range names {
		s.process(filepath.Join(s.dir, name), handle)
	}
}

func (s *SpoolWatcher) process(path string, handle HandleFunc) {
	if !settled(path) {
		return
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Consumed by an earlier event for the same file.
			return
		}
		log.Err(err).Msgf("failed to read spooled deployment %s", path)
		return
	}
	if err := handle(doc); err != nil {
		log.Err(err).Msgf("failed to process spooled deployment %s", path)
		if renameErr := os.Rename(path, path+".failed"); renameErr != nil {
			log.Err(renameErr).Msgf("failed to quarantine %s", path)
		}
		return
	}
	if err := os.Remove(path); err != nil {
		log.Err(err).Msgf("failed to remove processed deployment %s", path)
	}
}

// settled waits until the file size stops changing so a document still
// being written in place is not consumed half-way. Gives up on files that
// keep growing; the next Write event re-delivers them.
func settled(path string) bool {
	last := int64(-1)
	for i := 0; i < 10; i++ {
		fi, err := os.Stat(path)
		if err != nil {
			return false
		}
		if fi.Size() == last {
			return true
		}
		last = fi.Size()
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func isSpoolFile(path string) bool {
	return strings.HasSuffix(path, ".json")
}

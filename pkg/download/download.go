// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package download defines the narrow interface the orchestrator consumes
// to fetch update payloads, plus an HTTP implementation with hash
// validation. Content delivery internals (delivery optimization, proxies)
// live behind the Downloader interface.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/deviceup/deviceup/pkg/workflow"
)

// ProgressState mirrors the download lifecycle reported to progress
// callbacks.
type ProgressState int

const (
	ProgressNotStarted ProgressState = iota
	ProgressInProgress
	ProgressCompleted
	ProgressCancelled
	ProgressError
)

// ProgressFunc receives download progress for one file of one workflow.
type ProgressFunc func(workflowID, fileID string, state ProgressState, bytesTransferred, bytesTotal int64)

// Downloader fetches one file entity into a work folder.
type Downloader interface {
	Download(ctx context.Context, entity *workflow.FileEntity, workflowID, workFolder string,
		timeout time.Duration, progress ProgressFunc) error
}

var (
	ErrHashMismatch = errors.New("downloaded file hash mismatch")
	ErrNoDownloadURI = errors.New("file entity has no download URI")
)

// HTTPDownloader fetches payloads over plain HTTP(S).
type HTTPDownloader struct {
	Client *http.Client
}

func NewHTTPDownloader() *HTTPDownloader {
	return &HTTPDownloader{Client: &http.Client{}}
}

// Download fetches entity into workFolder. If the destination file already
// exists and hash-validates, the fetch is skipped: re-running Download after
// a crash must not re-transfer completed payloads.
func (d *HTTPDownloader) Download(ctx context.Context, entity *workflow.FileEntity, workflowID, workFolder string,
	timeout time.Duration, progress ProgressFunc) error {
	dest := filepath.Join(workFolder, entity.TargetFilename)
	if err := ValidateFileHash(dest, entity.Hashes); err == nil {
		slog.Debug("payload already present and valid, skipping fetch",
			"workflow_id", workflowID, "file_id", entity.FileID)
		reportProgress(progress, workflowID, entity.FileID, ProgressCompleted, entity.SizeInBytes, entity.SizeInBytes)
		return nil
	}
	if entity.DownloadURI == "" {
		return fmt.Errorf("%w: %s", ErrNoDownloadURI, entity.FileID)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reportProgress(progress, workflowID, entity.FileID, ProgressNotStarted, 0, entity.SizeInBytes)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entity.DownloadURI, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		reportProgress(progress, workflowID, entity.FileID, ProgressError, 0, entity.SizeInBytes)
		return fmt.Errorf("failed to fetch %s: %w", entity.FileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		reportProgress(progress, workflowID, entity.FileID, ProgressError, 0, entity.SizeInBytes)
		return fmt.Errorf("failed to fetch %s: HTTP %d", entity.FileID, resp.StatusCode)
	}

	if err := os.MkdirAll(workFolder, 0o700); err != nil {
		return fmt.Errorf("failed to create work folder: %w", err)
	}
	tmp, err := os.CreateTemp(workFolder, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create download temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	reportProgress(progress, workflowID, entity.FileID, ProgressInProgress, 0, entity.SizeInBytes)
	written, err := io.Copy(tmp, io.LimitReader(resp.Body, workflow.MaxFileSizeBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		reportProgress(progress, workflowID, entity.FileID, ProgressError, written, entity.SizeInBytes)
		if ctx.Err() != nil {
			reportProgress(progress, workflowID, entity.FileID, ProgressCancelled, written, entity.SizeInBytes)
		}
		return fmt.Errorf("failed to store %s: %w", entity.FileID, err)
	}
	if written > workflow.MaxFileSizeBytes {
		return fmt.Errorf("payload %s exceeds the %d byte limit", entity.FileID, int64(workflow.MaxFileSizeBytes))
	}
	if err := ValidateFileHash(tmpName, entity.Hashes); err != nil {
		reportProgress(progress, workflowID, entity.FileID, ProgressError, written, entity.SizeInBytes)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("failed to commit %s: %w", entity.FileID, err)
	}
	reportProgress(progress, workflowID, entity.FileID, ProgressCompleted, written, entity.SizeInBytes)
	return nil
}

// ValidateFileHash checks a file on disk against the manifest hashes.
// Hash values are base64-encoded digests, sha256 being the only algorithm
// the agent verifies.
func ValidateFileHash(path string, hashes map[string]string) error {
	expected, ok := hashes["sha256"]
	if !ok {
		return fmt.Errorf("no sha256 hash to validate %s against", filepath.Base(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	actual := base64.StdEncoding.EncodeToString(h.Sum(nil))
	if actual != expected {
		return fmt.Errorf("%w: %s", ErrHashMismatch, filepath.Base(path))
	}
	return nil
}

func reportProgress(progress ProgressFunc, workflowID, fileID string, state ProgressState, transferred, total int64) {
	if progress != nil {
		progress(workflowID, fileID, state, transferred, total)
	}
}

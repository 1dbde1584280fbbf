// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type (
	// UpdateID identifies an update: provider, name, and version.
	UpdateID struct {
		Provider string `json:"provider" validate:"required"`
		Name     string `json:"name" validate:"required"`
		Version  string `json:"version" validate:"required"`
	}

	// FileEntity describes one payload file of an update.
	FileEntity struct {
		FileID         string            `json:"fileId" validate:"required"`
		TargetFilename string            `json:"filename" validate:"required"`
		DownloadURI    string            `json:"downloadUri,omitempty"`
		SizeInBytes    int64             `json:"sizeInBytes" validate:"min=0,max=536870912"`
		Hashes         map[string]string `json:"hashes" validate:"required,min=1"`
	}

	// UpdateManifest is the immutable description of one update. Once
	// loaded into a node it is never mutated.
	UpdateManifest struct {
		ManifestVersion   string              `json:"manifestVersion" validate:"required"`
		UpdateID          UpdateID            `json:"updateId" validate:"required"`
		UpdateType        string              `json:"updateType" validate:"required"`
		InstalledCriteria string              `json:"installedCriteria,omitempty"`
		Compatibility     []map[string]string `json:"compatibility,omitempty" validate:"max=10"`
		Files             []FileEntity        `json:"files,omitempty" validate:"max=5,dive"`
		CreatedDateTime   string              `json:"createdDateTime,omitempty"`
	}

	// Deployment is the request delivered by the cloud channel: a workflow
	// envelope plus an inline update manifest and optional per-file URLs.
	Deployment struct {
		Workflow struct {
			ID     string `json:"id" validate:"required"`
			Action Action `json:"action"`
		} `json:"workflow" validate:"required"`
		UpdateManifest *UpdateManifest   `json:"updateManifest" validate:"required"`
		FileURLs       map[string]string `json:"fileUrls,omitempty"`
	}
)

// Bounds enforced when parsing untrusted manifests.
const (
	MaxCompatibilityEntries = 10
	MaxFilesPerUpdate       = 5
	MaxFileSizeBytes        = 512 * 1024 * 1024
	MaxTotalSizeBytes       = 512 * 1024 * 1024
)

// Manifest versions the agent understands. Anything else is a hard parse
// failure, not a best-effort read.
var supportedManifestVersions = map[string]struct{}{
	"2.0": {},
	"4.0": {},
	"5.0": {},
}

var (
	ErrBadFormat                = errors.New("malformed update manifest")
	ErrSchemaVersionUnsupported = errors.New("unsupported manifest version")
	ErrMissingRequiredField     = errors.New("missing required manifest field")
	ErrManifestLimitExceeded    = errors.New("manifest exceeds resource limits")
)

var manifestValidator = validator.New()

// ParseManifest validates and decodes a single update manifest document.
func ParseManifest(doc []byte) (*UpdateManifest, error) {
	var m UpdateManifest
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadFormat, err.Error())
	}
	if err := validateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseDeployment validates and decodes a deployment request document.
func ParseDeployment(doc []byte) (*Deployment, error) {
	var d Deployment
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadFormat, err.Error())
	}
	if d.Workflow.ID == "" {
		// Service-delivered deployments always carry an id; locally spooled
		// ones may omit it and get one assigned.
		d.Workflow.ID = uuid.NewString()
	}
	if d.Workflow.Action == "" {
		d.Workflow.Action = ActionProcessDeployment
	}
	if d.UpdateManifest == nil {
		return nil, fmt.Errorf("%w: updateManifest", ErrMissingRequiredField)
	}
	if err := validateManifest(d.UpdateManifest); err != nil {
		return nil, err
	}
	// Per-file URLs delivered next to the manifest take precedence over
	// URIs embedded in the file entities.
	for i := range d.UpdateManifest.Files {
		f := &d.UpdateManifest.Files[i]
		if url, ok := d.FileURLs[f.FileID]; ok {
			f.DownloadURI = url
		}
	}
	return &d, nil
}

func validateManifest(m *UpdateManifest) error {
	if m.ManifestVersion == "" {
		return fmt.Errorf("%w: manifestVersion", ErrMissingRequiredField)
	}
	if _, ok := supportedManifestVersions[m.ManifestVersion]; !ok {
		return fmt.Errorf("%w: %q", ErrSchemaVersionUnsupported, m.ManifestVersion)
	}
	if err := manifestValidator.Struct(m); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			for _, fe := range verr {
				if fe.Tag() == "required" {
					return fmt.Errorf("%w: %s", ErrMissingRequiredField, fe.Namespace())
				}
				if fe.Tag() == "max" || fe.Tag() == "min" {
					return fmt.Errorf("%w: %s violates %s=%s", ErrManifestLimitExceeded,
						fe.Namespace(), fe.Tag(), fe.Param())
				}
			}
		}
		return fmt.Errorf("%w: %s", ErrBadFormat, err.Error())
	}
	var total int64
	for _, f := range m.Files {
		if len(f.Hashes) == 0 {
			return fmt.Errorf("%w: file %s has no hash", ErrMissingRequiredField, f.FileID)
		}
		total += f.SizeInBytes
	}
	if total > MaxTotalSizeBytes {
		return fmt.Errorf("%w: total file size %d exceeds %d bytes",
			ErrManifestLimitExceeded, total, int64(MaxTotalSizeBytes))
	}
	return nil
}

// ParseUpdateType splits an update type string of the form
// "{provider}/{name}:{version}".
func ParseUpdateType(updateType string) (provider, name string, version int, err error) {
	slash := strings.IndexByte(updateType, '/')
	colon := strings.LastIndexByte(updateType, ':')
	if slash <= 0 || colon <= slash+1 || colon == len(updateType)-1 {
		return "", "", 0, fmt.Errorf("invalid update type %q", updateType)
	}
	version, err = strconv.Atoi(updateType[colon+1:])
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid update type version in %q: %w", updateType, err)
	}
	return updateType[:slash], updateType[slash+1 : colon], version, nil
}

func (u UpdateID) String() string {
	return fmt.Sprintf("%s/%s:%s", u.Provider, u.Name, u.Version)
}

// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package workflow

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifestDoc() map[string]any {
	return map[string]any{
		"manifestVersion": "5.0",
		"updateId":        map[string]string{"provider": "Contoso", "name": "Toaster", "version": "2.0"},
		"updateType":      "microsoft/script:1",
		"installedCriteria": "toaster-2.0",
		"compatibility":   []map[string]string{{"manufacturer": "contoso", "model": "toaster"}},
		"files": []map[string]any{
			{
				"fileId":      "f1",
				"filename":    "install.sh",
				"sizeInBytes": 1024,
				"hashes":      map[string]string{"sha256": "q1fPNYpFUFLpiWx0NF1+52Nt5EeBYBCuz5rLkidvpZ0="},
			},
		},
		"createdDateTime": "2026-01-15T10:00:00Z",
	}
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest(marshal(t, validManifestDoc()))
	require.NoError(t, err)
	assert.Equal(t, "microsoft/script:1", m.UpdateType)
	assert.Equal(t, "Contoso", m.UpdateID.Provider)
	assert.Len(t, m.Files, 1)
	assert.Equal(t, "toaster-2.0", m.InstalledCriteria)
}

func TestParseManifestBadFormat(t *testing.T) {
	_, err := ParseManifest([]byte("{not json"))
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestParseManifestUnsupportedVersion(t *testing.T) {
	doc := validManifestDoc()
	doc["manifestVersion"] = "9.0"
	_, err := ParseManifest(marshal(t, doc))
	assert.ErrorIs(t, err, ErrSchemaVersionUnsupported)
}

func TestParseManifestMissingFields(t *testing.T) {
	for _, field := range []string{"manifestVersion", "updateId", "updateType"} {
		doc := validManifestDoc()
		delete(doc, field)
		_, err := ParseManifest(marshal(t, doc))
		assert.ErrorIs(t, err, ErrMissingRequiredField, "field %s", field)
	}
}

func TestParseManifestMissingHashIsFailure(t *testing.T) {
	doc := validManifestDoc()
	doc["files"] = []map[string]any{
		{"fileId": "f1", "filename": "a.bin", "sizeInBytes": 10, "hashes": map[string]string{}},
	}
	_, err := ParseManifest(marshal(t, doc))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingRequiredField) || errors.Is(err, ErrManifestLimitExceeded))
}

func TestParseManifestLimits(t *testing.T) {
	t.Run("too many files", func(t *testing.T) {
		doc := validManifestDoc()
		files := make([]map[string]any, 0, MaxFilesPerUpdate+1)
		for i := 0; i <= MaxFilesPerUpdate; i++ {
			files = append(files, map[string]any{
				"fileId":      fmt.Sprintf("f%d", i),
				"filename":    fmt.Sprintf("file%d.bin", i),
				"sizeInBytes": 1,
				"hashes":      map[string]string{"sha256": "aGFzaA=="},
			})
		}
		doc["files"] = files
		_, err := ParseManifest(marshal(t, doc))
		assert.ErrorIs(t, err, ErrManifestLimitExceeded)
	})

	t.Run("too many compatibility entries", func(t *testing.T) {
		doc := validManifestDoc()
		compat := make([]map[string]string, 0, MaxCompatibilityEntries+1)
		for i := 0; i <= MaxCompatibilityEntries; i++ {
			compat = append(compat, map[string]string{"model": fmt.Sprintf("m%d", i)})
		}
		doc["compatibility"] = compat
		_, err := ParseManifest(marshal(t, doc))
		assert.ErrorIs(t, err, ErrManifestLimitExceeded)
	})

	t.Run("file too large", func(t *testing.T) {
		doc := validManifestDoc()
		doc["files"] = []map[string]any{
			{"fileId": "f1", "filename": "a.bin", "sizeInBytes": int64(MaxFileSizeBytes) + 1,
				"hashes": map[string]string{"sha256": "aGFzaA=="}},
		}
		_, err := ParseManifest(marshal(t, doc))
		assert.ErrorIs(t, err, ErrManifestLimitExceeded)
	})
}

func TestParseDeployment(t *testing.T) {
	doc := map[string]any{
		"workflow":       map[string]any{"id": "wf-1", "action": "processDeployment"},
		"updateManifest": validManifestDoc(),
		"fileUrls":       map[string]string{"f1": "http://updates.local/install.sh"},
	}
	d, err := ParseDeployment(marshal(t, doc))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", d.Workflow.ID)
	assert.Equal(t, ActionProcessDeployment, d.Workflow.Action)
	assert.Equal(t, "http://updates.local/install.sh", d.UpdateManifest.Files[0].DownloadURI)
}

func TestParseDeploymentAssignsWorkflowID(t *testing.T) {
	doc := map[string]any{"workflow": map[string]any{}, "updateManifest": validManifestDoc()}
	d, err := ParseDeployment(marshal(t, doc))
	require.NoError(t, err)
	assert.NotEmpty(t, d.Workflow.ID, "locally spooled deployments get an id assigned")
}

func TestParseUpdateType(t *testing.T) {
	provider, name, version, err := ParseUpdateType("microsoft/bundle:1")
	require.NoError(t, err)
	assert.Equal(t, "microsoft", provider)
	assert.Equal(t, "bundle", name)
	assert.Equal(t, 1, version)

	for _, bad := range []string{"", "noslash:1", "a/b", "a/b:", "a/b:x", "/b:1"} {
		_, _, _, err := ParseUpdateType(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

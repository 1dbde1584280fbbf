// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package handler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCachesInstances(t *testing.T) {
	r := NewRegistry()
	built := 0
	r.RegisterFactory("scripted", func() ContentHandler {
		built++
		return &scripted{}
	})
	r.Bind("contoso/script:1", "scripted", "1.0")

	h1, err := r.Resolve("contoso/script:1")
	require.NoError(t, err)
	h2, err := r.Resolve("contoso/script:1")
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, built)
}

func TestResolveNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("nobody/nothing:9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveMissingFactoryIsLoadFailure(t *testing.T) {
	r := NewRegistry()
	r.Bind("contoso/script:1", "ghost", "1.0")
	_, err := r.Resolve("contoso/script:1")
	assert.ErrorIs(t, err, ErrLoadFailure)
}

func TestResolveContractVersionMismatch(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("scripted", func() ContentHandler { return &scripted{} })

	r.Bind("contoso/script:1", "scripted", "2.0")
	_, err := r.Resolve("contoso/script:1")
	assert.ErrorIs(t, err, ErrLoadFailure)

	r.Bind("contoso/script:2", "scripted", "junk")
	_, err = r.Resolve("contoso/script:2")
	assert.ErrorIs(t, err, ErrLoadFailure)

	// Minor version differences are compatible.
	r.Bind("contoso/script:3", "scripted", "1.7")
	_, err = r.Resolve("contoso/script:3")
	assert.NoError(t, err)
}

func TestLoadRegistrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handlers.ini")
	require.NoError(t, os.WriteFile(path, []byte(
		"[contoso/custom:1]\nhandler = scripted\ncontract = 1.0\n\n"+
			"[contoso/other:2]\nhandler = scripted\n"), 0o600))

	r := NewRegistry()
	r.RegisterFactory("scripted", func() ContentHandler { return &scripted{} })
	require.NoError(t, r.LoadRegistrations(path))

	_, err := r.Resolve("contoso/custom:1")
	assert.NoError(t, err)
	_, err = r.Resolve("contoso/other:2")
	assert.NoError(t, err)
}

func TestLoadRegistrationsMissingFileOK(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.LoadRegistrations(filepath.Join(t.TempDir(), "none.ini")))
}

func TestLoadRegistrationsNoHandlerName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handlers.ini")
	require.NoError(t, os.WriteFile(path, []byte("[contoso/custom:1]\ncontract = 1.0\n"), 0o600))
	r := NewRegistry()
	assert.ErrorIs(t, r.LoadRegistrations(path), ErrLoadFailure)
}

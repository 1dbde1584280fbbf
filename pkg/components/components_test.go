// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package components

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var inventory = []ComponentInfo{
	{Manufacturer: "contoso", Model: "virtual-motor", Name: "motor-0", Group: "motors"},
	{Manufacturer: "contoso", Model: "virtual-motor", Name: "motor-1", Group: "motors"},
	{Manufacturer: "fabrikam", Model: "virtual-camera", Name: "cam-0", Group: "cameras",
		Properties: map[string]string{"firmwareGeneration": "2"}},
}

func TestMatchExactKeyValue(t *testing.T) {
	sel := Match([]map[string]string{{"manufacturer": "contoso", "model": "virtual-motor"}}, inventory)
	require.Len(t, sel.Components, 2)
	assert.Equal(t, "motor-0", sel.Components[0].Name)
	assert.Equal(t, "motor-1", sel.Components[1].Name)
}

func TestMatchCustomProperty(t *testing.T) {
	sel := Match([]map[string]string{{"firmwareGeneration": "2"}}, inventory)
	require.Len(t, sel.Components, 1)
	assert.Equal(t, "cam-0", sel.Components[0].Name)
}

func TestMatchNoComponents(t *testing.T) {
	sel := Match([]map[string]string{{"manufacturer": "unknown"}}, inventory)
	assert.Empty(t, sel.Components)

	// An empty requirement set matches nothing rather than everything.
	sel = Match([]map[string]string{{}}, inventory)
	assert.Empty(t, sel.Components)

	sel = Match(nil, inventory)
	assert.Empty(t, sel.Components)
}

func TestMatchEachComponentOnce(t *testing.T) {
	sel := Match([]map[string]string{
		{"manufacturer": "contoso"},
		{"model": "virtual-motor"},
	}, inventory)
	// motor-0 and motor-1 match both entries but are selected once each.
	assert.Len(t, sel.Components, 2)
}

func TestFileEnumerator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "components-inventory.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"components":[{"manufacturer":"contoso","model":"virtual-motor","name":"motor-0"}]}`), 0o600))

	comps, err := (&FileEnumerator{Path: path}).EnumerateComponents()
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "motor-0", comps[0].Name)
}

func TestFileEnumeratorMissing(t *testing.T) {
	_, err := (&FileEnumerator{Path: filepath.Join(t.TempDir(), "none.json")}).EnumerateComponents()
	assert.ErrorIs(t, err, ErrNoInventory)
}

func TestSelectedDocumentRoundTrip(t *testing.T) {
	sel := Match([]map[string]string{{"manufacturer": "contoso"}}, inventory)
	parsed, err := ParseSelected(sel.Document())
	require.NoError(t, err)
	assert.Equal(t, sel, parsed)
}

// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package components defines the component enumerator interface the
// orchestrator consumes and the compatibility matching that selects which
// enumerated device components an update applies to.
package components

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

type (
	// ComponentInfo describes one enumerated hardware component. Properties
	// carries enumerator-specific fields beyond the well-known pair.
	ComponentInfo struct {
		Manufacturer string            `json:"manufacturer"`
		Model        string            `json:"model"`
		Name         string            `json:"name,omitempty"`
		Group        string            `json:"group,omitempty"`
		Properties   map[string]string `json:"properties,omitempty"`
	}

	// Enumerator lists the device components updates can target.
	Enumerator interface {
		EnumerateComponents() ([]ComponentInfo, error)
	}

	// Selected is the document stored on a workflow node after matching.
	Selected struct {
		Components []ComponentInfo `json:"components"`
	}
)

var ErrNoInventory = errors.New("components inventory not found")

// FileEnumerator reads a components inventory JSON file maintained on the
// device (one object per component).
type FileEnumerator struct {
	Path string
}

func (e *FileEnumerator) EnumerateComponents() ([]ComponentInfo, error) {
	data, err := os.ReadFile(e.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoInventory, e.Path)
		}
		return nil, fmt.Errorf("failed to read components inventory: %w", err)
	}
	var doc Selected
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode components inventory: %w", err)
	}
	return doc.Components, nil
}

// Static is an in-memory enumerator.
type Static []ComponentInfo

func (s Static) EnumerateComponents() ([]ComponentInfo, error) {
	return []ComponentInfo(s), nil
}

// Match selects the enumerated components compatible with an update. Each
// compatibility entry is a set of property requirements; a component matches
// an entry when every required key-value pair matches exactly.
func Match(compatibility []map[string]string, enumerated []ComponentInfo) Selected {
	selected := Selected{Components: []ComponentInfo{}}
	for _, comp := range enumerated {
		for _, required := range compatibility {
			if matches(required, comp) {
				selected.Components = append(selected.Components, comp)
				break
			}
		}
	}
	return selected
}

func matches(required map[string]string, comp ComponentInfo) bool {
	for key, want := range required {
		if comp.property(key) != want {
			return false
		}
	}
	return len(required) > 0
}

func (c ComponentInfo) property(key string) string {
	switch key {
	case "manufacturer":
		return c.Manufacturer
	case "model":
		return c.Model
	case "name":
		return c.Name
	case "group":
		return c.Group
	}
	return c.Properties[key]
}

// Document serializes the selection for storage on a workflow node.
func (s Selected) Document() []byte {
	data, _ := json.Marshal(s)
	return data
}

// ParseSelected decodes a stored selected-components document.
func ParseSelected(doc []byte) (Selected, error) {
	var s Selected
	if err := json.Unmarshal(doc, &s); err != nil {
		return Selected{}, fmt.Errorf("failed to decode selected components: %w", err)
	}
	return s, nil
}

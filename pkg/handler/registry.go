// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package handler

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// ContractVersionMajor is the handler contract this agent speaks. A handler
// registered with a different major version is never partially used.
const ContractVersionMajor = 1

var (
	ErrNotFound                = errors.New("no handler registered for update type")
	ErrLoadFailure             = errors.New("failed to load handler")
	ErrContractVersionMismatch = errors.New("handler contract version mismatch")
)

type (
	// Factory builds one handler instance.
	Factory func() ContentHandler

	binding struct {
		handlerName     string
		contractVersion string
	}

	// Registry resolves update type strings ("{provider}/{name}:{version}")
	// to content handlers. Resolved handlers are cached for the process
	// lifetime, so resolution is O(1) after first load.
	Registry struct {
		mu        sync.Mutex
		factories map[string]Factory
		bindings  map[string]binding
		cache     map[string]ContentHandler
	}
)

func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		bindings:  map[string]binding{},
		cache:     map[string]ContentHandler{},
	}
}

// RegisterFactory makes a handler implementation available under a name.
// Built-in handlers register here at startup; extensions are bound to a
// name through the registration file.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Bind maps an update type to a registered handler name.
func (r *Registry) Bind(updateType, handlerName, contractVersion string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[updateType] = binding{handlerName: handlerName, contractVersion: contractVersion}
}

// LoadRegistrations reads handler bindings from an INI registration file:
//
//	[microsoft/swupdate:2]
//	handler  = swupdate
//	contract = 1.0
//
// Missing file is not an error; built-in bindings still apply.
func (r *Registry) LoadRegistrations(path string) error {
	cfg, err := ini.LooseLoad(path)
	if err != nil {
		return fmt.Errorf("failed to read handler registrations from %s: %w", path, err)
	}
	for _, section := range cfg.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			continue
		}
		handlerName := section.Key("handler").String()
		if handlerName == "" {
			return fmt.Errorf("%w: registration %q names no handler", ErrLoadFailure, name)
		}
		r.Bind(name, handlerName, section.Key("contract").MustString("1.0"))
	}
	return nil
}

// Resolve looks up the handler for an update type, loading and caching it
// on first use.
func (r *Registry) Resolve(updateType string) (ContentHandler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.cache[updateType]; ok {
		return h, nil
	}
	b, ok := r.bindings[updateType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, updateType)
	}
	if err := checkContractVersion(b.contractVersion); err != nil {
		return nil, fmt.Errorf("%w: handler %q for %q: %s", ErrLoadFailure, b.handlerName, updateType, err.Error())
	}
	factory, ok := r.factories[b.handlerName]
	if !ok {
		return nil, fmt.Errorf("%w: handler %q for %q is not available", ErrLoadFailure, b.handlerName, updateType)
	}
	h := factory()
	if h == nil {
		return nil, fmt.Errorf("%w: factory for %q produced no handler", ErrLoadFailure, b.handlerName)
	}
	r.cache[updateType] = h
	return h, nil
}

func checkContractVersion(version string) error {
	majorStr, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return fmt.Errorf("%w: invalid contract version %q", ErrContractVersionMismatch, version)
	}
	if major != ContractVersionMajor {
		return fmt.Errorf("%w: handler speaks %s, agent requires %d.x",
			ErrContractVersionMismatch, version, ContractVersionMajor)
	}
	return nil
}

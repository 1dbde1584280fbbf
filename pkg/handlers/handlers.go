// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package handlers wires the built-in content handlers into a registry.
package handlers

import (
	"github.com/deviceup/deviceup/pkg/handler"
	"github.com/deviceup/deviceup/pkg/handlers/bundle"
	"github.com/deviceup/deviceup/pkg/handlers/component"
	"github.com/deviceup/deviceup/pkg/handlers/simulator"
)

// RegisterBuiltins registers the built-in handler factories and binds the
// update types they serve out of the box. Registration-file bindings can
// rebind these update types or bind new ones to the same factories.
func RegisterBuiltins(r *handler.Registry) {
	r.RegisterFactory(bundle.HandlerName, bundle.New)
	r.RegisterFactory(component.HandlerName, component.New)
	r.RegisterFactory(simulator.HandlerName, simulator.New)

	r.Bind("deviceup/bundle:1", bundle.HandlerName, "1.0")
	r.Bind("deviceup/component:1", component.HandlerName, "1.0")
	r.Bind("deviceup/simulator:1", simulator.HandlerName, "1.0")
}

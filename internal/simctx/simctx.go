// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

// Package simctx holds the SimulationContext that replaces the source's
// process-wide CXLController singleton and global emul_nvm_lats[] array
// : every collaborator the Epoch Loop needs is threaded
// through explicitly, by reference, instead of reached for globally.
package simctx

import (
	"log/slog"

	"github.com/cxlmemsim/cxlmemsim/internal/config"
	"github.com/cxlmemsim/cxlmemsim/internal/monitor"
	"github.com/cxlmemsim/cxlmemsim/internal/policy"
	"github.com/cxlmemsim/cxlmemsim/internal/topology"
)

// Context bundles everything one epoch loop run needs: the parsed
// topology, the attribution policy, the tunables from config, and the
// monitor set being driven.
type Context struct {
	Logger  *slog.Logger
	Config  *config.Config
	Topology *topology.Topology
	Policy  policy.Policy
	Monitors *monitor.Set
}

// New builds a Context from the pieces assembled at startup.
func New(logger *slog.Logger, cfg *config.Config, topo *topology.Topology, pol policy.Policy, monitors *monitor.Set) *Context {
	return &Context{
		Logger:  logger,
		Config:  cfg,
		Topology: topo,
		Policy:  pol,
		Monitors: monitors,
	}
}

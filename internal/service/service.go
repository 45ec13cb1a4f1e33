// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

// Package service defines the small set of interfaces that every long-lived
// component of cxlmemsim (the epoch loop, which also drains the control
// socket, the Prometheus exporter, the signal handler, the HTTP API server)
// implements,
// and the driver functions, Init and Run, that wire a slice of them together.
package service

import "context"

// Service is the minimal interface every component implements.
type Service interface {
	Name() string
}

// Initializer is implemented by services that need one-time setup before
// Run is called. Init is not required to be thread safe.
type Initializer interface {
	Init() error
}

// Runner is implemented by services that block until ctx is done (or they
// fail). Run must be safe to call concurrently with other services' Run.
type Runner interface {
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services that hold resources (sockets, perf
// file descriptors, HTTP listeners) that must be released on shutdown.
type Shutdowner interface {
	Shutdown() error
}

// LiveChecker reports whether a service is still making forward progress.
type LiveChecker interface {
	IsLive(ctx context.Context) (bool, error)
}

// ReadyChecker reports whether a service is ready to serve traffic.
type ReadyChecker interface {
	IsReady(ctx context.Context) (bool, error)
}

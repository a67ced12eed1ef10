// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope

// Package profiling optionally pushes continuous profiles to Pyroscope.
// Build with the pyroscope tag to enable it.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing, profiling support was not compiled in.
func Start(_ string, log *logging.Logger) (func(), error) {
	log.Debug("Pyroscope profiling is not compiled in.")
	return func() {}, nil
}

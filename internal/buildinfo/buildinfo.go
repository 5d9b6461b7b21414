// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package buildinfo exposes compile-time metadata of the fallbackd binary.
package buildinfo

import "fmt"

// The following variables are overridden via ldflags during release builds.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// String formats the build metadata for logs and -version output.
func String() string {
	return fmt.Sprintf("fallbackd %s (commit %s, built %s)", Version, Commit, BuildDate)
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries the build identity stamped into output files.
package version

import "fmt"

// Version is the release version. Set at build time via ldflags:
//
//	-X github.com/friendsincode/fxcorr/internal/version.Version=X.Y.Z
var Version = "0.9.0"

// Commit is the source revision, set via ldflags alongside Version.
var Commit = "unknown"

// BuildID is the correlator identification written into every output
// global header.
func BuildID() string {
	return fmt.Sprintf("fxcorr %s (%s)", Version, Commit)
}

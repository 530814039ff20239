// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package utils

import "fmt"

// Populated at build time with -ldflags "-X github.com/voxgateai/pkg/utils.Version=...".
var (
	Version = "dev"
	Commit  = ""
)

// VersionString renders the human-readable engine version.
func VersionString() string {
	if Commit == "" {
		return fmt.Sprintf("voxgate %s", Version)
	}
	return fmt.Sprintf("voxgate %s (%s)", Version, Commit)
}

// Package buildinfo provides build-time information (version, commit, build time).
// These variables are injected at build time via -ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
)

// ServiceName identifies the binary in logs, telemetry and health output.
const ServiceName = "ghrunners"

var (
	// Version is the application version (e.g. "v0.1.0" or "dev").
	// Set via: -ldflags "-X github.com/vdiazroa/auto-scaling-gh-runners/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash (e.g. "abc1234def5678").
	// Set via: -ldflags "-X github.com/vdiazroa/auto-scaling-gh-runners/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the build timestamp (e.g. "2026-02-19T12:34:56Z").
	// Set via: -ldflags "-X github.com/vdiazroa/auto-scaling-gh-runners/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// String formats the build info on one line.
func String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s %s/%s)",
		ServiceName, Version, Commit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

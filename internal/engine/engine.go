// Package engine defines the abstraction for compute backends that run
// ephemeral GitHub Actions runners.  Each backend (Docker, GCP, etc.)
// implements the Engine interface so the fleet registry remains
// compute-agnostic.
package engine

import (
	"context"
	"time"
)

// RunnerSpec describes one runner to spawn.
type RunnerSpec struct {
	// Prefix is the scope's runner-name prefix.  The engine appends a
	// 12 hex character suffix derived from the instance so the final
	// name is "<Prefix>-<suffix>".
	Prefix string

	// Env is passed to the runner process (container env, VM metadata).
	Env map[string]string

	// Labels are attached to the instance for operators.
	Labels map[string]string
}

// Runner is one instance as reported by the backend.
type Runner struct {
	Name    string
	ID      string
	Running bool
	Created time.Time
}

// Engine is the contract every compute backend must satisfy.
//
// All runners are strictly ephemeral: each runner executes exactly one
// job and then exits.  The lifecycle seen by the engine is:
//
//	StartRunner → (job) → StopRunner → DeleteRunner
//
// The engine holds no authoritative state: ListRunners always asks the
// backend, so membership survives process restarts.
type Engine interface {
	// StartRunner spawns an instance and gives it the deterministic
	// name "<spec.Prefix>-<suffix>", which it returns.  A partially
	// created instance is cleaned up before an error is returned.
	StartRunner(ctx context.Context, spec RunnerSpec) (name string, err error)

	// StopRunner stops the named instance.  Stopping an instance that
	// does not exist is not an error.
	StopRunner(ctx context.Context, name string) error

	// DeleteRunner permanently removes the named instance.  It must be
	// idempotent.
	DeleteRunner(ctx context.Context, name string) error

	// ListRunners returns every instance, running or not, whose name
	// starts with prefix.
	ListRunners(ctx context.Context, prefix string) ([]Runner, error)

	// ImageAvailable reports whether the runner image can be used
	// without building or pulling it first.
	ImageAvailable(ctx context.Context) (bool, error)

	// Close releases backend clients.  Runners are left running.
	Close() error
}

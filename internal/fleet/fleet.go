// Package fleet is the per-scope runner registry.  It bridges job
// lifecycle events to any compute backend via the engine.Engine
// interface while holding each scope to its capacity bound.
//
// The engine is the single source of truth for membership: every Count
// asks the backend, so nothing is lost across restarts.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/engine"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/githubapi"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/scope"
)

// ScopeLabel is the instance label that records a runner's scope key.
const ScopeLabel = "ghrunners.scope"

// DefaultCallTimeout bounds each engine call.
const DefaultCallTimeout = 30 * time.Second

// ErrUnmanagedScope is returned for a scope that was not configured.
var ErrUnmanagedScope = errors.New("scope is not managed")

// unmanagedScope labels removals of names outside every configured scope.
const unmanagedScope = "unmanaged"

// Outcome is the result of a Create call that did not fail.
type Outcome int

const (
	// OutcomeCreated means one runner was spawned.
	OutcomeCreated Outcome = iota + 1
	// OutcomeCapacityExceeded means the scope was at its maximum and
	// nothing was spawned.
	OutcomeCapacityExceeded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeCapacityExceeded:
		return "capacity_exceeded"
	default:
		return "unknown"
	}
}

// CreateResult describes a Create call.
type CreateResult struct {
	Outcome Outcome
	// Name is the new runner's name when Outcome is OutcomeCreated.
	Name string
	// Count is the live count observed before the decision.
	Count int
}

// Limits is a scope's capacity bound.
type Limits struct {
	Min int
	Max int
}

// Config holds the parameters the Registry needs.
type Config struct {
	Engine      engine.Engine
	Credentials githubapi.Credentials
	Scopes      []scope.Scope

	// Limits applies to every scope without an entry in Overrides.
	Limits Limits
	// Overrides is keyed by scope.Key().
	Overrides map[string]Limits

	// CallTimeout bounds each engine call.  Default: 30s.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

type slot struct {
	scope  scope.Scope
	limits Limits
	// mu serializes count-then-create and remove for this scope.
	mu sync.Mutex
}

// Registry creates, counts and removes runners per scope.
type Registry struct {
	engine      engine.Engine
	creds       githubapi.Credentials
	callTimeout time.Duration
	logger      *slog.Logger

	scopes []scope.Scope
	slots  map[string]*slot // scope key -> slot

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runnersCreated        metric.Int64Counter
	runnersRemoved        metric.Int64Counter
	capacityRefused       metric.Int64Counter
	runnerStartupDuration metric.Float64Histogram
}

// New creates a Registry.  The scope set is fixed for its lifetime.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	r := &Registry{
		engine:      cfg.Engine,
		creds:       cfg.Credentials,
		callTimeout: cfg.CallTimeout,
		logger:      cfg.Logger,
		slots:       make(map[string]*slot, len(cfg.Scopes)),
		tracer:      otel.Tracer("ghrunners/fleet"),
		meter:       otel.Meter("ghrunners/fleet"),
	}

	for _, s := range cfg.Scopes {
		if _, dup := r.slots[s.Key()]; dup {
			continue
		}
		limits := cfg.Limits
		if o, ok := cfg.Overrides[s.Key()]; ok {
			limits = o
		}
		r.scopes = append(r.scopes, s)
		r.slots[s.Key()] = &slot{scope: s, limits: limits}
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	r.runnersCreated, err = r.meter.Int64Counter(
		"ghrunners.runners.created",
		metric.WithDescription("Total number of runners created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersCreated counter", slog.String("error", err.Error()))
	}

	r.runnersRemoved, err = r.meter.Int64Counter(
		"ghrunners.runners.removed",
		metric.WithDescription("Total number of runners removed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersRemoved counter", slog.String("error", err.Error()))
	}

	r.capacityRefused, err = r.meter.Int64Counter(
		"ghrunners.capacity.refused",
		metric.WithDescription("Create requests refused because the scope was at capacity"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create capacityRefused counter", slog.String("error", err.Error()))
	}

	r.runnerStartupDuration, err = r.meter.Float64Histogram(
		"ghrunners.runner.startup.duration",
		metric.WithDescription("Time to start a runner (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnerStartupDuration histogram", slog.String("error", err.Error()))
	}

	return r
}

// Scopes returns the configured scopes in configuration order.
func (r *Registry) Scopes() []scope.Scope {
	out := make([]scope.Scope, len(r.scopes))
	copy(out, r.scopes)
	return out
}

// Limits returns the capacity bound of a configured scope.
func (r *Registry) Limits(s scope.Scope) (Limits, error) {
	sl, err := r.slot(s)
	if err != nil {
		return Limits{}, err
	}
	return sl.limits, nil
}

// Managed reports whether s is a configured scope.
func (r *Registry) Managed(s scope.Scope) bool {
	_, ok := r.slots[s.Key()]
	return ok
}

// ScopeOf returns the configured scope that owns a runner name.  When
// several prefixes match ("acme-app" and "acme-app-two") the longest wins.
func (r *Registry) ScopeOf(name string) (scope.Scope, bool) {
	var (
		owner scope.Scope
		found bool
	)
	for _, s := range r.scopes {
		if s.Owns(name) && (!found || len(s.Prefix()) > len(owner.Prefix())) {
			owner, found = s, true
		}
	}
	return owner, found
}

// ---------------------------------------------------------------------------
// Count / Create / Remove
// ---------------------------------------------------------------------------

// Count returns the number of live runners for s, as reported by the
// engine.
func (r *Registry) Count(ctx context.Context, s scope.Scope) (int, error) {
	ctx, span := r.tracer.Start(ctx, "fleet.Count")
	defer span.End()
	span.SetAttributes(attribute.String("scope", s.Key()))

	if _, err := r.slot(s); err != nil {
		return 0, err
	}
	n, err := r.count(ctx, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int("fleet.count", n))
	return n, nil
}

// Create spawns one runner for s unless the scope is at capacity.
// Refusal is reported as OutcomeCapacityExceeded with a nil error.
func (r *Registry) Create(ctx context.Context, s scope.Scope) (CreateResult, error) {
	ctx, span := r.tracer.Start(ctx, "fleet.Create")
	defer span.End()
	span.SetAttributes(attribute.String("scope", s.Key()))

	sl, err := r.slot(s)
	if err != nil {
		return CreateResult{}, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	res, err := r.createLocked(ctx, sl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.String("fleet.outcome", res.Outcome.String()),
		attribute.Int("fleet.count", res.Count),
	)
	return res, nil
}

// Remove stops and then deletes the named runner.  Both steps are
// attempted; an error is returned only if the runner still exists
// afterwards.  Removing an absent runner succeeds.  Names outside every
// configured scope are removed too, without taking a scope lock.
func (r *Registry) Remove(ctx context.Context, name string) error {
	ctx, span := r.tracer.Start(ctx, "fleet.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("runner.name", name))

	scopeKey := unmanagedScope
	if s, ok := r.ScopeOf(name); ok {
		scopeKey = s.Key()
		sl := r.slots[scopeKey]
		sl.mu.Lock()
		defer sl.mu.Unlock()
	} else {
		r.logger.Info("removing runner outside the configured scopes", slog.String("runner", name))
	}
	span.SetAttributes(attribute.String("scope", scopeKey))

	stopErr := r.withTimeout(ctx, func(ctx context.Context) error {
		return r.engine.StopRunner(ctx, name)
	})
	if stopErr != nil {
		r.logger.Warn("stop runner failed, deleting anyway",
			slog.String("runner", name),
			slog.String("error", stopErr.Error()),
		)
	}

	deleteErr := r.withTimeout(ctx, func(ctx context.Context) error {
		return r.engine.DeleteRunner(ctx, name)
	})
	if deleteErr != nil {
		r.logger.Warn("delete runner failed",
			slog.String("runner", name),
			slog.String("error", deleteErr.Error()),
		)
	}

	if stopErr != nil || deleteErr != nil {
		exists, err := r.exists(ctx, name)
		if err != nil || exists {
			err = errors.Join(stopErr, deleteErr, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("remove runner %s: %w", name, err)
		}
	}

	if r.runnersRemoved != nil {
		r.runnersRemoved.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scopeKey)))
	}
	r.logger.Info("runner removed",
		slog.String("scope", scopeKey),
		slog.String("runner", name),
	)
	return nil
}

// EnsureMinimum creates runners until s reaches its configured minimum
// or its maximum, whichever is lower.  It returns the number created.
func (r *Registry) EnsureMinimum(ctx context.Context, s scope.Scope) (int, error) {
	ctx, span := r.tracer.Start(ctx, "fleet.EnsureMinimum")
	defer span.End()
	span.SetAttributes(attribute.String("scope", s.Key()))

	sl, err := r.slot(s)
	if err != nil {
		return 0, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	created := 0
	for {
		n, err := r.count(ctx, s)
		if err != nil {
			return created, err
		}
		if n >= sl.limits.Min {
			break
		}
		res, err := r.createLocked(ctx, sl)
		if err != nil {
			return created, err
		}
		if res.Outcome != OutcomeCreated {
			break
		}
		created++
	}

	span.SetAttributes(attribute.Int("fleet.created", created))
	if created > 0 {
		r.logger.Info("warm pool filled",
			slog.String("scope", s.Key()),
			slog.Int("created", created),
			slog.Int("min", sl.limits.Min),
		)
	}
	return created, nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (r *Registry) slot(s scope.Scope) (*slot, error) {
	sl, ok := r.slots[s.Key()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", s, ErrUnmanagedScope)
	}
	return sl, nil
}

// createLocked must be called with sl.mu held.
func (r *Registry) createLocked(ctx context.Context, sl *slot) (CreateResult, error) {
	s := sl.scope

	n, err := r.count(ctx, s)
	if err != nil {
		return CreateResult{}, err
	}

	if n >= sl.limits.Max {
		if r.capacityRefused != nil {
			r.capacityRefused.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", s.Key())))
		}
		r.logger.Info("at capacity, not creating runner",
			slog.String("scope", s.Key()),
			slog.Int("count", n),
			slog.Int("max", sl.limits.Max),
		)
		return CreateResult{Outcome: OutcomeCapacityExceeded, Count: n}, nil
	}

	startTime := time.Now()

	env, err := r.creds.RunnerEnv(ctx, s)
	if err != nil {
		return CreateResult{Count: n}, fmt.Errorf("runner credentials for %s: %w", s, err)
	}

	var name string
	err = r.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		name, err = r.engine.StartRunner(ctx, engine.RunnerSpec{
			Prefix: s.Prefix(),
			Env:    env,
			Labels: map[string]string{ScopeLabel: s.Key()},
		})
		return err
	})
	if err != nil {
		return CreateResult{Count: n}, fmt.Errorf("engine start for %s: %w", s, err)
	}

	// Record startup duration
	if r.runnerStartupDuration != nil {
		r.runnerStartupDuration.Record(ctx, time.Since(startTime).Seconds())
	}
	if r.runnersCreated != nil {
		r.runnersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", s.Key())))
	}

	r.logger.Info("runner created",
		slog.String("scope", s.Key()),
		slog.String("runner", name),
		slog.Int("count", n+1),
		slog.Int("max", sl.limits.Max),
	)

	return CreateResult{Outcome: OutcomeCreated, Name: name, Count: n}, nil
}

func (r *Registry) count(ctx context.Context, s scope.Scope) (int, error) {
	runners, err := r.list(ctx, s)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rn := range runners {
		if rn.Running {
			n++
		}
	}
	return n, nil
}

// exists looks the name up directly so it works for any scope.
func (r *Registry) exists(ctx context.Context, name string) (bool, error) {
	var runners []engine.Runner
	err := r.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		runners, err = r.engine.ListRunners(ctx, name)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("list runners named %s: %w", name, err)
	}
	for _, rn := range runners {
		if rn.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// list returns the runners the engine reports for s, dropping names a
// configured scope with a longer prefix owns.
func (r *Registry) list(ctx context.Context, s scope.Scope) ([]engine.Runner, error) {
	var runners []engine.Runner
	err := r.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		runners, err = r.engine.ListRunners(ctx, s.Prefix()+"-")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list runners for %s: %w", s, err)
	}

	owned := make([]engine.Runner, 0, len(runners))
	for _, rn := range runners {
		if owner, ok := r.ScopeOf(rn.Name); ok && owner.Key() == s.Key() {
			owned = append(owned, rn)
		}
	}
	return owned, nil
}

func (r *Registry) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return fn(ctx)
}

// Package router turns inbound webhook events into fleet actions.
//
// Every outcome, including refused capacity and internal failures, is
// acknowledged to the caller.  Failures are logged and alerted.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/fleet"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/notify"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/scope"
)

// Event types and actions the router understands.
const (
	EventWorkflowJob = "workflow_job"
	EventPing        = "ping"

	ActionQueued    = "queued"
	ActionCompleted = "completed"
)

// Response messages.
const (
	MsgIgnored          = "event ignored"
	MsgPing             = "ping received"
	MsgCreated          = "runner created"
	MsgCapacityExceeded = "capacity exceeded"
	MsgCreateFailed     = "runner creation failed"
	MsgRemoved          = "runner removed"
	MsgRemoveFailed     = "runner removal failed"
	MsgNoScope          = "no scope in payload"
	MsgUnmanagedScope   = "scope not managed"
	MsgNoRunner         = "no runner assigned"
)

// Event is the part of a delivery the router acts on.
type Event struct {
	Type               string
	Action             string
	RepositoryFullName string
	OrganizationLogin  string
	RunnerName         string
	DeliveryID         string
}

// Response is returned for every event.
type Response struct {
	Message string `json:"message"`
}

// Fleet is the subset of *fleet.Registry the router drives.
type Fleet interface {
	Create(ctx context.Context, s scope.Scope) (fleet.CreateResult, error)
	Remove(ctx context.Context, name string) error
	Managed(s scope.Scope) bool
}

// Config holds the router's collaborators.
type Config struct {
	Fleet    Fleet
	Notifier notify.Notifier
	// DefaultScope receives a runner on ping deliveries.  Zero disables
	// the ping affordance.
	DefaultScope scope.Scope
	Logger       *slog.Logger
}

// Router dispatches events.
type Router struct {
	fleet        Fleet
	notifier     notify.Notifier
	defaultScope scope.Scope
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New creates a Router.
func New(cfg Config) *Router {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		fleet:        cfg.Fleet,
		notifier:     cfg.Notifier,
		defaultScope: cfg.DefaultScope,
		logger:       cfg.Logger,
		tracer:       otel.Tracer("ghrunners/router"),
	}
}

// Handle acts on one event.
func (r *Router) Handle(ctx context.Context, ev Event) Response {
	ctx, span := r.tracer.Start(ctx, "router.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("github.event", ev.Type),
		attribute.String("github.action", ev.Action),
		attribute.String("github.delivery", ev.DeliveryID),
	)

	logger := r.logger.With(
		slog.String("event", ev.Type),
		slog.String("action", ev.Action),
		slog.String("delivery", ev.DeliveryID),
	)
	logger.Info("webhook received")

	var resp Response
	switch {
	case ev.Type == EventPing:
		resp = r.ping(ctx, logger)
	case ev.Type != EventWorkflowJob:
		resp = Response{Message: MsgIgnored}
	case ev.Action == ActionQueued:
		resp = r.queued(ctx, logger, ev)
	case ev.Action == ActionCompleted:
		resp = r.completed(ctx, logger, ev)
	default:
		resp = Response{Message: MsgIgnored}
	}

	span.SetAttributes(attribute.String("router.result", resp.Message))
	return resp
}

// ping creates one runner on the default scope so operators can check
// the deployment end to end.
func (r *Router) ping(ctx context.Context, logger *slog.Logger) Response {
	if r.defaultScope.IsZero() {
		return Response{Message: MsgPing}
	}
	logger.Info("ping: creating runner on default scope", slog.String("scope", r.defaultScope.Key()))
	if resp := r.create(ctx, logger, r.defaultScope); resp.Message == MsgCreateFailed {
		return resp
	}
	return Response{Message: MsgPing}
}

func (r *Router) queued(ctx context.Context, logger *slog.Logger, ev Event) Response {
	s, err := r.resolve(ev)
	switch {
	case errors.Is(err, scope.ErrAmbiguousScope):
		logger.Warn("queued job without repository or organization, ignoring")
		return Response{Message: MsgNoScope}
	case errors.Is(err, fleet.ErrUnmanagedScope):
		logger.Warn("queued job for unmanaged scope, ignoring",
			slog.String("repository", ev.RepositoryFullName),
			slog.String("organization", ev.OrganizationLogin),
		)
		return Response{Message: MsgUnmanagedScope}
	case err != nil:
		logger.Warn("queued job with invalid scope, ignoring", slog.String("error", err.Error()))
		return Response{Message: MsgNoScope}
	}

	logger.Info("new job queued, checking capacity", slog.String("scope", s.Key()))
	return r.create(ctx, logger, s)
}

// resolve picks the managed scope for a queued job: the payload's own
// scope first, then its organization when only that is managed.
func (r *Router) resolve(ev Event) (scope.Scope, error) {
	s, err := scope.FromEvent(ev.RepositoryFullName, ev.OrganizationLogin)
	if err != nil {
		return scope.Scope{}, err
	}
	if r.fleet.Managed(s) {
		return s, nil
	}
	if ev.OrganizationLogin != "" && s.Kind() == scope.KindRepository {
		if org, err := scope.Organization(ev.OrganizationLogin); err == nil && r.fleet.Managed(org) {
			return org, nil
		}
	}
	return scope.Scope{}, fmt.Errorf("%s: %w", s, fleet.ErrUnmanagedScope)
}

func (r *Router) create(ctx context.Context, logger *slog.Logger, s scope.Scope) Response {
	res, err := r.fleet.Create(ctx, s)
	if err != nil {
		logger.Error("runner creation failed",
			slog.String("scope", s.Key()),
			slog.String("error", err.Error()),
		)
		r.alert(ctx, fmt.Sprintf("Failed to create a runner for %s: %v", s, err))
		return Response{Message: MsgCreateFailed}
	}
	if res.Outcome == fleet.OutcomeCapacityExceeded {
		return Response{Message: MsgCapacityExceeded}
	}
	return Response{Message: MsgCreated}
}

func (r *Router) completed(ctx context.Context, logger *slog.Logger, ev Event) Response {
	if ev.RunnerName == "" {
		logger.Info("completed job had no runner assigned")
		return Response{Message: MsgNoRunner}
	}

	logger.Info("job completed, removing runner", slog.String("runner", ev.RunnerName))
	err := r.fleet.Remove(ctx, ev.RunnerName)
	if err != nil {
		logger.Error("runner removal failed",
			slog.String("runner", ev.RunnerName),
			slog.String("error", err.Error()),
		)
		r.alert(ctx, fmt.Sprintf("Failed to remove runner %s: %v", ev.RunnerName, err))
		return Response{Message: MsgRemoveFailed}
	}
	return Response{Message: MsgRemoved}
}

func (r *Router) alert(ctx context.Context, body string) {
	if err := r.notifier.Notify(ctx, notify.DefaultSubject, body); err != nil {
		r.logger.Warn("alert failed", slog.String("error", err.Error()))
	}
}

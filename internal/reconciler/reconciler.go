// Package reconciler keeps every scope's webhook pointed at the tunnel's
// current public URL.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/notify"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/registration"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/scope"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/tunnel"
)

// Defaults for the loop timing.
const (
	DefaultStartupDelay = 10 * time.Second
	DefaultInterval     = 30 * time.Second
)

// Syncer is the subset of *registration.Client the reconciler drives.
type Syncer interface {
	Sync(ctx context.Context, s scope.Scope, publicURL string) (registration.Result, error)
}

// Config holds the reconciler's collaborators and timing.
type Config struct {
	Discoverer   tunnel.Discoverer
	Registration Syncer
	Scopes       []scope.Scope
	Notifier     notify.Notifier

	// StartupDelay gives the tunnel time to come up.  Default: 10s.
	StartupDelay time.Duration
	// Interval between ticks.  Default: 30s.
	Interval time.Duration

	Logger *slog.Logger
}

// Reconciler runs the endpoint loop.  Only the loop writes its state;
// Endpoint and CurrentURL are safe to call from any goroutine.
type Reconciler struct {
	discoverer   tunnel.Discoverer
	registration Syncer
	scopes       []scope.Scope
	notifier     notify.Notifier
	startupDelay time.Duration
	interval     time.Duration
	logger       *slog.Logger

	mu        sync.RWMutex
	current   string
	endpoints map[string]string // scope key -> last synced URL

	// alerted is the URL a failure was last alerted for, per scope key.
	// Loop-owned.
	alerted map[string]string

	syncs metric.Int64Counter
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = 0
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	r := &Reconciler{
		discoverer:   cfg.Discoverer,
		registration: cfg.Registration,
		scopes:       cfg.Scopes,
		notifier:     cfg.Notifier,
		startupDelay: cfg.StartupDelay,
		interval:     cfg.Interval,
		logger:       cfg.Logger,
		endpoints:    make(map[string]string, len(cfg.Scopes)),
		alerted:      make(map[string]string),
	}

	var err error
	r.syncs, err = otel.Meter("ghrunners/reconciler").Int64Counter(
		"ghrunners.registration.syncs",
		metric.WithDescription("Webhook registration sync attempts by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create registration syncs counter", slog.String("error", err.Error()))
	}

	return r
}

// Run waits out the startup delay and then ticks every interval until
// ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("endpoint reconciler started",
		slog.Duration("startup_delay", r.startupDelay),
		slog.Duration("interval", r.interval),
		slog.Int("scopes", len(r.scopes)),
	)
	defer r.logger.Info("endpoint reconciler stopped")

	delay := time.NewTimer(r.startupDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick reads the public URL once and syncs every scope whose last
// synced URL differs.  A failing scope keeps its old value and is
// retried on the next tick; the other scopes are unaffected.
func (r *Reconciler) Tick(ctx context.Context) {
	url, err := r.discoverer.PublicURL(ctx)
	if err != nil {
		r.logger.Warn("tunnel discovery failed", slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	changed := url != r.current
	r.current = url
	r.mu.Unlock()

	if url == "" {
		r.logger.Debug("tunnel not up yet")
		return
	}
	if changed {
		r.logger.Info("tunnel URL changed", slog.String("url", url))
	}

	for _, s := range r.scopes {
		if ctx.Err() != nil {
			return
		}
		if last, _ := r.Endpoint(s); last == url {
			continue
		}
		r.sync(ctx, s, url)
	}
}

func (r *Reconciler) sync(ctx context.Context, s scope.Scope, url string) {
	res, err := r.registration.Sync(ctx, s, url)
	if err != nil {
		r.record(ctx, "error")
		r.logger.Error("webhook sync failed",
			slog.String("scope", s.Key()),
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		if r.alerted[s.Key()] != url {
			r.alerted[s.Key()] = url
			if nerr := r.notifier.Notify(ctx, notify.DefaultSubject,
				fmt.Sprintf("Failed to point the %s webhook at %s: %v", s, url, err)); nerr != nil {
				r.logger.Warn("alert failed", slog.String("error", nerr.Error()))
			}
		}
		return
	}

	r.record(ctx, res.String())
	delete(r.alerted, s.Key())

	r.mu.Lock()
	r.endpoints[s.Key()] = url
	r.mu.Unlock()
}

func (r *Reconciler) record(ctx context.Context, result string) {
	if r.syncs != nil {
		r.syncs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// Endpoint returns the URL last synced for s.
func (r *Reconciler) Endpoint(s scope.Scope) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	url, ok := r.endpoints[s.Key()]
	return url, ok
}

// CurrentURL returns the URL the tunnel reported on the last tick.
func (r *Reconciler) CurrentURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

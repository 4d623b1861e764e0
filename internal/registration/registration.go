// Package registration keeps each scope's GitHub webhook pointed at the
// service's current public URL.
//
// A scope's webhook is identified by a URL substring (the tunnel
// domain) rather than a stored id, so hooks created by earlier runs are
// found again after a restart.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/scope"
)

// WebhookPath is appended to the public URL to form the delivery URL.
const WebhookPath = "/webhook"

// DefaultFragment matches URLs handed out by ngrok's free tier.
const DefaultFragment = ".ngrok-free.app"

// DefaultTimeout bounds each API call.
const DefaultTimeout = 10 * time.Second

// ErrAmbiguousRegistration is returned when more than one webhook
// matches the fragment.  No webhook is modified.
var ErrAmbiguousRegistration = errors.New("more than one webhook matches")

// Result is what Sync did.
type Result int

const (
	// ResultPatched means an existing webhook was repointed.
	ResultPatched Result = iota + 1
	// ResultCreated means a new webhook was created.
	ResultCreated
	// ResultSkipped means no webhook exists and creation is disabled.
	ResultSkipped
)

func (r Result) String() string {
	switch r {
	case ResultPatched:
		return "patched"
	case ResultCreated:
		return "created"
	case ResultSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Config holds the client's settings.
type Config struct {
	Client *github.Client

	// Fragment identifies this service's webhooks by URL substring.
	// Default: ".ngrok-free.app"
	Fragment string

	// Events are subscribed when a webhook is created.
	// Default: ["workflow_job"]
	Events []string

	// Secret is set on created and patched webhooks when non-empty.
	Secret string

	// CreateIfMissing allows Sync to create a webhook.
	CreateIfMissing bool

	// Timeout bounds each API call.  Default: 10s.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client looks up, creates and patches scope webhooks.
type Client struct {
	gh              *github.Client
	fragment        string
	events          []string
	secret          string
	createIfMissing bool
	timeout         time.Duration
	logger          *slog.Logger
	tracer          trace.Tracer
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Fragment == "" {
		cfg.Fragment = DefaultFragment
	}
	if len(cfg.Events) == 0 {
		cfg.Events = []string{"workflow_job"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		gh:              cfg.Client,
		fragment:        cfg.Fragment,
		events:          cfg.Events,
		secret:          cfg.Secret,
		createIfMissing: cfg.CreateIfMissing,
		timeout:         cfg.Timeout,
		logger:          cfg.Logger,
		tracer:          otel.Tracer("ghrunners/registration"),
	}
}

// Lookup returns the id of the scope's webhook whose URL contains the
// fragment.  No hooks and no match both report found=false.
func (c *Client) Lookup(ctx context.Context, s scope.Scope) (id int64, found bool, err error) {
	ctx, span := c.tracer.Start(ctx, "registration.Lookup")
	defer span.End()
	span.SetAttributes(attribute.String("scope", s.Key()))

	hooks, err := c.listHooks(ctx, s)
	if err != nil {
		return 0, false, err
	}

	var matches []int64
	for _, h := range hooks {
		if strings.Contains(h.GetConfig().GetURL(), c.fragment) {
			matches = append(matches, h.GetID())
		}
	}

	switch len(matches) {
	case 0:
		return 0, false, nil
	case 1:
		return matches[0], true, nil
	default:
		return 0, false, fmt.Errorf("%s: %d webhooks contain %q: %w", s, len(matches), c.fragment, ErrAmbiguousRegistration)
	}
}

// Sync points the scope's webhook at publicURL, creating it when absent
// and allowed.
func (c *Client) Sync(ctx context.Context, s scope.Scope, publicURL string) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "registration.Sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("scope", s.Key()),
		attribute.String("url", publicURL),
	)

	res, err := c.sync(ctx, s, publicURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.String("registration.result", res.String()))
	return res, nil
}

func (c *Client) sync(ctx context.Context, s scope.Scope, publicURL string) (Result, error) {
	id, found, err := c.Lookup(ctx, s)
	if err != nil {
		return 0, err
	}

	cfg := c.hookConfig(publicURL)

	if found {
		if err := c.editHook(ctx, s, id, &github.Hook{Config: cfg}); err != nil {
			return 0, err
		}
		c.logger.Info("webhook updated",
			slog.String("scope", s.Key()),
			slog.Int64("hook_id", id),
			slog.String("url", cfg.GetURL()),
		)
		return ResultPatched, nil
	}

	if !c.createIfMissing {
		c.logger.Info("no webhook found and auto-create is disabled",
			slog.String("scope", s.Key()),
			slog.String("fragment", c.fragment),
		)
		return ResultSkipped, nil
	}

	created, err := c.createHook(ctx, s, &github.Hook{
		Name:   github.Ptr("web"),
		Active: github.Ptr(true),
		Events: c.events,
		Config: cfg,
	})
	if err != nil {
		return 0, err
	}
	c.logger.Info("webhook created",
		slog.String("scope", s.Key()),
		slog.Int64("hook_id", created.GetID()),
		slog.String("url", cfg.GetURL()),
	)
	return ResultCreated, nil
}

func (c *Client) hookConfig(publicURL string) *github.HookConfig {
	cfg := &github.HookConfig{
		URL:         github.Ptr(strings.TrimSuffix(publicURL, "/") + WebhookPath),
		ContentType: github.Ptr("json"),
	}
	if c.secret != "" {
		cfg.Secret = github.Ptr(c.secret)
	}
	return cfg
}

// ---------------------------------------------------------------------------
// Scope-kind dispatch
// ---------------------------------------------------------------------------

func (c *Client) listHooks(ctx context.Context, s scope.Scope) ([]*github.Hook, error) {
	var (
		all  []*github.Hook
		opts = &github.ListOptions{PerPage: 100}
	)
	for {
		hooks, resp, err := c.listPage(ctx, s, opts)
		if err != nil {
			return nil, fmt.Errorf("list webhooks for %s: %w", s, err)
		}
		all = append(all, hooks...)
		if resp == nil || resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) listPage(ctx context.Context, s scope.Scope, opts *github.ListOptions) ([]*github.Hook, *github.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch s.Kind() {
	case scope.KindRepository:
		return c.gh.Repositories.ListHooks(ctx, s.Owner(), s.Repo(), opts)
	case scope.KindOrganization:
		return c.gh.Organizations.ListHooks(ctx, s.Owner(), opts)
	default:
		return nil, nil, scope.ErrInvalidScope
	}
}

func (c *Client) editHook(ctx context.Context, s scope.Scope, id int64, hook *github.Hook) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var err error
	switch s.Kind() {
	case scope.KindRepository:
		_, _, err = c.gh.Repositories.EditHook(ctx, s.Owner(), s.Repo(), id, hook)
	case scope.KindOrganization:
		_, _, err = c.gh.Organizations.EditHook(ctx, s.Owner(), id, hook)
	default:
		err = scope.ErrInvalidScope
	}
	if err != nil {
		return fmt.Errorf("update webhook %d for %s: %w", id, s, err)
	}
	return nil
}

func (c *Client) createHook(ctx context.Context, s scope.Scope, hook *github.Hook) (*github.Hook, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		created *github.Hook
		err     error
	)
	switch s.Kind() {
	case scope.KindRepository:
		created, _, err = c.gh.Repositories.CreateHook(ctx, s.Owner(), s.Repo(), hook)
	case scope.KindOrganization:
		created, _, err = c.gh.Organizations.CreateHook(ctx, s.Owner(), hook)
	default:
		err = scope.ErrInvalidScope
	}
	if err != nil {
		return nil, fmt.Errorf("create webhook for %s: %w", s, err)
	}
	return created, nil
}

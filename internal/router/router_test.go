package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/engine"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/fleet"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/githubapi"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/scope"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockFleet struct {
	managed map[string]bool

	created []scope.Scope
	removed []string

	createResult fleet.CreateResult
	createErr    error
	removeErr    error
}

func (m *mockFleet) Create(_ context.Context, s scope.Scope) (fleet.CreateResult, error) {
	m.created = append(m.created, s)
	return m.createResult, m.createErr
}

func (m *mockFleet) Remove(_ context.Context, name string) error {
	m.removed = append(m.removed, name)
	return m.removeErr
}

func (m *mockFleet) Managed(s scope.Scope) bool {
	return m.managed[s.Key()]
}

type mockNotifier struct {
	mu     sync.Mutex
	bodies []string
}

func (m *mockNotifier) Notify(_ context.Context, _, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies = append(m.bodies, body)
	return nil
}

// memEngine is a minimal in-memory engine for end-to-end scenarios.
type memEngine struct {
	runners map[string]bool
	next    int
	removed []string
}

func (m *memEngine) StartRunner(_ context.Context, spec engine.RunnerSpec) (string, error) {
	m.next++
	name := fmt.Sprintf("%s-%012x", spec.Prefix, m.next)
	m.runners[name] = true
	return name, nil
}

func (m *memEngine) StopRunner(context.Context, string) error { return nil }

func (m *memEngine) DeleteRunner(_ context.Context, name string) error {
	m.removed = append(m.removed, name)
	delete(m.runners, name)
	return nil
}

func (m *memEngine) ListRunners(_ context.Context, prefix string) ([]engine.Runner, error) {
	var out []engine.Runner
	for name := range m.runners {
		if strings.HasPrefix(name, prefix) {
			out = append(out, engine.Runner{Name: name, Running: true})
		}
	}
	return out, nil
}

func (m *memEngine) ImageAvailable(context.Context) (bool, error) { return true, nil }

func (m *memEngine) Close() error { return nil }

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type RouterSuite struct {
	suite.Suite
	ctx      context.Context
	fleet    *mockFleet
	notifier *mockNotifier
	logger   *slog.Logger
	app      scope.Scope
	acme     scope.Scope
}

func (s *RouterSuite) SetupTest() {
	s.ctx = context.Background()
	s.notifier = &mockNotifier{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	var err error
	s.app, err = scope.Parse("acme/app")
	require.NoError(s.T(), err)
	s.acme, err = scope.Parse("acme")
	require.NoError(s.T(), err)

	s.fleet = &mockFleet{
		managed:      map[string]bool{s.app.Key(): true},
		createResult: fleet.CreateResult{Outcome: fleet.OutcomeCreated, Name: "acme-app-0123456789ab"},
	}
}

func (s *RouterSuite) newRouter() *Router {
	return New(Config{
		Fleet:        s.fleet,
		Notifier:     s.notifier,
		DefaultScope: s.app,
		Logger:       s.logger,
	})
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) TestIgnoredEventType() {
	resp := s.newRouter().Handle(s.ctx, Event{Type: "push"})
	assert.Equal(s.T(), MsgIgnored, resp.Message)
	assert.Empty(s.T(), s.fleet.created)
	assert.Empty(s.T(), s.fleet.removed)
}

func (s *RouterSuite) TestIgnoredAction() {
	resp := s.newRouter().Handle(s.ctx, Event{Type: EventWorkflowJob, Action: "in_progress", RepositoryFullName: "acme/app"})
	assert.Equal(s.T(), MsgIgnored, resp.Message)
	assert.Empty(s.T(), s.fleet.created)
}

func (s *RouterSuite) TestPing_CreatesOnDefaultScope() {
	resp := s.newRouter().Handle(s.ctx, Event{Type: EventPing})
	assert.Equal(s.T(), MsgPing, resp.Message)
	assert.Equal(s.T(), []scope.Scope{s.app}, s.fleet.created)
}

func (s *RouterSuite) TestPing_NoDefaultScope() {
	r := New(Config{Fleet: s.fleet, Logger: s.logger})
	resp := r.Handle(s.ctx, Event{Type: EventPing})
	assert.Equal(s.T(), MsgPing, resp.Message)
	assert.Empty(s.T(), s.fleet.created)
}

func (s *RouterSuite) TestQueued_Created() {
	resp := s.newRouter().Handle(s.ctx, Event{Type: EventWorkflowJob, Action: ActionQueued, RepositoryFullName: "Acme/App", OrganizationLogin: "acme"})
	assert.Equal(s.T(), MsgCreated, resp.Message)
	assert.Equal(s.T(), []scope.Scope{s.app}, s.fleet.created)
}

func (s *RouterSuite) TestQueued_CapacityExceededIsAcknowledged() {
	s.fleet.createResult = fleet.CreateResult{Outcome: fleet.OutcomeCapacityExceeded, Count: 1}

	resp := s.newRouter().Handle(s.ctx, Event{Type: EventWorkflowJob, Action: ActionQueued, RepositoryFullName: "acme/app"})
	assert.Equal(s.T(), MsgCapacityExceeded, resp.Message)
	assert.Empty(s.T(), s.notifier.bodies)
}

func (s *RouterSuite) TestQueued_CreateErrorAlerts() {
	s.fleet.createErr = errors.New("daemon unavailable")

	resp := s.newRouter().Handle(s.ctx, Event{Type: EventWorkflowJob, Action: ActionQueued, RepositoryFullName: "acme/app"})
	assert.Equal(s.T(), MsgCreateFailed, resp.Message)
	require.Len(s.T(), s.notifier.bodies, 1)
	assert.Contains(s.T(), s.notifier.bodies[0], "daemon unavailable")
}

func (s *RouterSuite) TestQueued_NoScope() {
	resp := s.newRouter().Handle(s.ctx, Event{Type: EventWorkflowJob, Action: ActionQueued})
	assert.Equal(s.T(), MsgNoScope, resp.Message)
	assert.Empty(s.T(), s.fleet.created)
}

func (s *RouterSuite) TestQueued_UnmanagedScope() {
	resp := s.newRouter().Handle(s.ctx, Event{Type: EventWorkflowJob, Action: ActionQueued, RepositoryFullName: "other/repo", OrganizationLogin: "other"})
	assert.Equal(s.T(), MsgUnmanagedScope, resp.Message)
	assert.Empty(s.T(), s.fleet.created)
}

func (s *RouterSuite) TestQueued_FallsBackToManagedOrganization() {
	s.fleet.managed = map[string]bool{s.acme.Key(): true}

	resp := s.newRouter().Handle(s.ctx, Event{Type: EventWorkflowJob, Action: ActionQueued, RepositoryFullName: "acme/app", OrganizationLogin: "acme"})
	assert.Equal(s.T(), MsgCreated, resp.Message)
	assert.Equal(s.T(), []scope.Scope{s.acme}, s.fleet.created)
}

func (s *RouterSuite) TestQueued_OrganizationOnlyPayload() {
	s.fleet.managed = map[string]bool{s.acme.Key(): true}

	resp := s.newRouter().Handle(s.ctx, Event{Type: EventWorkflowJob, Action: ActionQueued, OrganizationLogin: "acme"})
	assert.Equal(s.T(), MsgCreated, resp.Message)
	assert.Equal(s.T(), []scope.Scope{s.acme}, s.fleet.created)
}

func (s *RouterSuite) TestCompleted_RemovesExactName() {
	resp := s.newRouter().Handle(s.ctx, Event{Type: EventWorkflowJob, Action: ActionCompleted, RepositoryFullName: "other/repo", RunnerName: "acme-app-abc123"})
	assert.Equal(s.T(), MsgRemoved, resp.Message)
	assert.Equal(s.T(), []string{"acme-app-abc123"}, s.fleet.removed)
}

func (s *RouterSuite) TestCompleted_NoRunnerName() {
	resp := s.newRouter().Handle(s.ctx, Event{Type: EventWorkflowJob, Action: ActionCompleted, RepositoryFullName: "acme/app"})
	assert.Equal(s.T(), MsgNoRunner, resp.Message)
	assert.Empty(s.T(), s.fleet.removed)
}

func (s *RouterSuite) TestCompleted_RemoveErrorAlerts() {
	s.fleet.removeErr = errors.New("device busy")

	resp := s.newRouter().Handle(s.ctx, Event{Type: EventWorkflowJob, Action: ActionCompleted, RunnerName: "acme-app-abc123"})
	assert.Equal(s.T(), MsgRemoveFailed, resp.Message)
	require.Len(s.T(), s.notifier.bodies, 1)
	assert.Contains(s.T(), s.notifier.bodies[0], "acme-app-abc123")
}

// ---------------------------------------------------------------------------
// End-to-end through a real registry
// ---------------------------------------------------------------------------

func (s *RouterSuite) TestScenarios_EndToEnd() {
	eng := &memEngine{runners: map[string]bool{}}
	reg := fleet.New(fleet.Config{
		Engine:      eng,
		Credentials: githubapi.TokenCredentials{Token: "ghp_x"},
		Scopes:      []scope.Scope{s.app},
		Limits:      fleet.Limits{Max: 1},
		Logger:      s.logger,
	})
	r := New(Config{Fleet: reg, Notifier: s.notifier, Logger: s.logger})

	queued := Event{Type: EventWorkflowJob, Action: ActionQueued, RepositoryFullName: "acme/app"}

	// A: one instance with prefix acme-app.
	assert.Equal(s.T(), MsgCreated, r.Handle(s.ctx, queued).Message)
	require.Len(s.T(), eng.runners, 1)
	var name string
	for n := range eng.runners {
		name = n
	}
	assert.True(s.T(), strings.HasPrefix(name, "acme-app-"))

	// B: at capacity, acknowledged, count stays 1.
	assert.Equal(s.T(), MsgCapacityExceeded, r.Handle(s.ctx, queued).Message)
	assert.Len(s.T(), eng.runners, 1)

	// C: completed removes the exact name regardless of count.
	eng.runners["acme-app-abc123"] = true
	resp := r.Handle(s.ctx, Event{Type: EventWorkflowJob, Action: ActionCompleted, RunnerName: "acme-app-abc123"})
	assert.Equal(s.T(), MsgRemoved, resp.Message)
	assert.Equal(s.T(), []string{"acme-app-abc123"}, eng.removed)
	assert.Empty(s.T(), s.notifier.bodies)
}

func (s *RouterSuite) TestCompleted_NameOutsideScopesStillRemoved() {
	eng := &memEngine{runners: map[string]bool{}}
	reg := fleet.New(fleet.Config{
		Engine:      eng,
		Credentials: githubapi.TokenCredentials{Token: "ghp_x"},
		Scopes:      []scope.Scope{s.app},
		Limits:      fleet.Limits{Max: 1},
		Logger:      s.logger,
	})
	r := New(Config{Fleet: reg, Notifier: s.notifier, Logger: s.logger})

	resp := r.Handle(s.ctx, Event{Type: EventWorkflowJob, Action: ActionCompleted, RunnerName: "some-runner"})
	assert.Equal(s.T(), MsgRemoved, resp.Message)
	assert.Equal(s.T(), []string{"some-runner"}, eng.removed)
	assert.Empty(s.T(), s.notifier.bodies)
}

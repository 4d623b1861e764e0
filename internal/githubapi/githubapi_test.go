package githubapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/scope"
)

type GitHubAPISuite struct {
	suite.Suite
	ctx    context.Context
	mux    *http.ServeMux
	server *httptest.Server
	auth   []string
}

func (s *GitHubAPISuite) SetupTest() {
	s.ctx = context.Background()
	s.auth = nil
	s.mux = http.NewServeMux()
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mux.ServeHTTP(w, r)
	}))
}

func (s *GitHubAPISuite) TearDownTest() {
	s.server.Close()
}

func TestGitHubAPISuite(t *testing.T) {
	suite.Run(t, new(GitHubAPISuite))
}

func (s *GitHubAPISuite) registrationToken(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      "AABBCC",
		"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
}

func (s *GitHubAPISuite) TestNewClient_BaseURLAndBearer() {
	s.mux.HandleFunc("POST /repos/acme/app/actions/runners/registration-token", s.registrationToken)

	client, err := NewClient("ghp_secret", s.server.URL, time.Second)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), s.server.URL+"/", client.BaseURL.String())

	tok, _, err := client.Actions.CreateRegistrationToken(s.ctx, "acme", "app")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "AABBCC", tok.GetToken())
	assert.Equal(s.T(), []string{"Bearer ghp_secret"}, s.auth)
}

func (s *GitHubAPISuite) TestNewClient_DefaultBaseURL() {
	client, err := NewClient("t", "", 0)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "https://api.github.com/", client.BaseURL.String())
}

func (s *GitHubAPISuite) TestTokenCredentials() {
	sc, err := scope.Parse("Acme/App")
	require.NoError(s.T(), err)

	env, err := TokenCredentials{Token: "ghp_x"}.RunnerEnv(s.ctx, sc)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), map[string]string{
		"GITHUB_TOKEN": "ghp_x",
		"GITHUB_REPO":  "repos/acme/app",
	}, env)
}

func (s *GitHubAPISuite) TestRegistrationCredentials_Repository() {
	s.mux.HandleFunc("POST /repos/acme/app/actions/runners/registration-token", s.registrationToken)
	client, err := NewClient("ghp_x", s.server.URL, time.Second)
	require.NoError(s.T(), err)

	sc, err := scope.Parse("acme/app")
	require.NoError(s.T(), err)

	env, err := NewRegistrationCredentials(client, "", time.Second).RunnerEnv(s.ctx, sc)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), map[string]string{
		"RUNNER_TOKEN": "AABBCC",
		"RUNNER_URL":   "https://github.com/acme/app",
		"GITHUB_REPO":  "repos/acme/app",
	}, env)
	assert.NotContains(s.T(), env, "GITHUB_TOKEN")
}

func (s *GitHubAPISuite) TestRegistrationCredentials_Organization() {
	s.mux.HandleFunc("POST /orgs/acme/actions/runners/registration-token", s.registrationToken)
	client, err := NewClient("ghp_x", s.server.URL, time.Second)
	require.NoError(s.T(), err)

	sc, err := scope.Parse("acme")
	require.NoError(s.T(), err)

	env, err := NewRegistrationCredentials(client, "https://ghe.example.com", time.Second).RunnerEnv(s.ctx, sc)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "https://ghe.example.com/acme", env["RUNNER_URL"])
	assert.Equal(s.T(), "orgs/acme", env["GITHUB_REPO"])
}

func (s *GitHubAPISuite) TestRegistrationCredentials_APIError() {
	s.mux.HandleFunc("POST /repos/acme/app/actions/runners/registration-token", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"Resource not accessible by integration"}`, http.StatusForbidden)
	})
	client, err := NewClient("ghp_x", s.server.URL, time.Second)
	require.NoError(s.T(), err)

	sc, err := scope.Parse("acme/app")
	require.NoError(s.T(), err)

	_, err = NewRegistrationCredentials(client, "", time.Second).RunnerEnv(s.ctx, sc)
	assert.Error(s.T(), err)
}

func (s *GitHubAPISuite) TestRegistrationCredentials_ZeroScope() {
	c := newRegistrationCredentials(nil, "", 0)
	_, err := c.RunnerEnv(s.ctx, scope.Scope{})
	assert.ErrorIs(s.T(), err, scope.ErrInvalidScope)
}

// Package githubapi builds the authenticated GitHub REST client and the
// credential sources that feed runner environments.
package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/scope"
)

// DefaultTimeout bounds every GitHub API request.
const DefaultTimeout = 10 * time.Second

// NewClient returns a go-github client that authenticates with token.
// baseURL overrides the API root (GitHub Enterprise or tests); empty
// keeps api.github.com.
func NewClient(token, baseURL string, timeout time.Duration) (*github.Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	base := cleanhttp.DefaultPooledClient()
	base.Timeout = timeout

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	tc.Timeout = timeout

	client := github.NewClient(tc)
	if baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github api url %q: %w", baseURL, err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// Credentials produces the environment a runner needs to register
// itself against a scope.
type Credentials interface {
	RunnerEnv(ctx context.Context, s scope.Scope) (map[string]string, error)
}

// TokenCredentials hands the service's own token to the runner, which
// registers itself using the GitHub API.
type TokenCredentials struct {
	Token string
}

// RunnerEnv returns GITHUB_TOKEN and GITHUB_REPO.
func (c TokenCredentials) RunnerEnv(_ context.Context, s scope.Scope) (map[string]string, error) {
	return map[string]string{
		"GITHUB_TOKEN": c.Token,
		"GITHUB_REPO":  s.Key(),
	}, nil
}

// registrationAPI is the subset of the Actions service used to mint
// registration tokens.
type registrationAPI interface {
	CreateRegistrationToken(ctx context.Context, owner, repo string) (*github.RegistrationToken, *github.Response, error)
	CreateOrganizationRegistrationToken(ctx context.Context, org string) (*github.RegistrationToken, *github.Response, error)
}

// RegistrationCredentials mints a short-lived runner registration token
// per runner so the service token never leaves the process.
type RegistrationCredentials struct {
	actions registrationAPI
	htmlURL string
	timeout time.Duration
}

// NewRegistrationCredentials returns registration-token credentials.
// htmlURL is the web root runners register against (empty for
// https://github.com).
func NewRegistrationCredentials(client *github.Client, htmlURL string, timeout time.Duration) *RegistrationCredentials {
	return newRegistrationCredentials(client.Actions, htmlURL, timeout)
}

func newRegistrationCredentials(actions registrationAPI, htmlURL string, timeout time.Duration) *RegistrationCredentials {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RegistrationCredentials{actions: actions, htmlURL: htmlURL, timeout: timeout}
}

// RunnerEnv returns RUNNER_TOKEN, RUNNER_URL and GITHUB_REPO.
func (c *RegistrationCredentials) RunnerEnv(ctx context.Context, s scope.Scope) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		tok  *github.RegistrationToken
		resp *github.Response
		err  error
	)
	switch s.Kind() {
	case scope.KindRepository:
		tok, resp, err = c.actions.CreateRegistrationToken(ctx, s.Owner(), s.Repo())
	case scope.KindOrganization:
		tok, resp, err = c.actions.CreateOrganizationRegistrationToken(ctx, s.Owner())
	default:
		return nil, fmt.Errorf("registration token: %w", scope.ErrInvalidScope)
	}
	if err != nil {
		return nil, fmt.Errorf("registration token for %s: %w", s, err)
	}
	if resp != nil && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registration token for %s: unexpected status %d", s, resp.StatusCode)
	}

	return map[string]string{
		"RUNNER_TOKEN": tok.GetToken(),
		"RUNNER_URL":   s.HTMLURL(c.htmlURL),
		"GITHUB_REPO":  s.Key(),
	}, nil
}

var (
	_ Credentials = TokenCredentials{}
	_ Credentials = (*RegistrationCredentials)(nil)
)

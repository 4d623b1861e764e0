// Package scope normalizes GitHub repository and organization identifiers
// into the canonical keys used to partition the runner fleet.
//
// A Scope is either repository-scoped ("owner/repo") or
// organization-scoped ("org").  The same value yields both the REST API
// path segment (Key) and the runner-name prefix (Prefix).
package scope

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidScope is returned when a value cannot be parsed as a
	// repository or organization identifier.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrAmbiguousScope is returned when an event names neither a
	// repository nor an organization.
	ErrAmbiguousScope = errors.New("event carries neither repository nor organization")
)

// Kind distinguishes repository-scoped from organization-scoped fleets.
type Kind int

const (
	KindRepository Kind = iota + 1
	KindOrganization
)

func (k Kind) String() string {
	switch k {
	case KindRepository:
		return "repository"
	case KindOrganization:
		return "organization"
	default:
		return "unknown"
	}
}

// SuffixLen is the length of the instance suffix the engines generate.
const SuffixLen = 12

// Scope identifies one repository or organization.  The zero value is not
// a valid scope.
type Scope struct {
	kind  Kind
	owner string
	repo  string
}

// Repository returns a repository scope from an "owner/repo" full name.
func Repository(fullName string) (Scope, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return Scope{}, fmt.Errorf("%w: repository %q must be owner/repo", ErrInvalidScope, fullName)
	}
	return Scope{
		kind:  KindRepository,
		owner: strings.ToLower(owner),
		repo:  strings.ToLower(repo),
	}, nil
}

// Organization returns an organization scope from an organization login.
func Organization(login string) (Scope, error) {
	login = strings.TrimSpace(login)
	if login == "" || strings.Contains(login, "/") {
		return Scope{}, fmt.Errorf("%w: organization %q", ErrInvalidScope, login)
	}
	return Scope{kind: KindOrganization, owner: strings.ToLower(login)}, nil
}

// Parse accepts either "owner/repo" or "org".  API keys ("repos/owner/repo",
// "orgs/org") are accepted as well so values round-trip through Key.
// Empty segments are rejected.
func Parse(value string) (Scope, error) {
	value = strings.TrimSpace(value)
	switch {
	case strings.HasPrefix(value, "repos/") && strings.Count(value, "/") == 2:
		return Repository(strings.TrimPrefix(value, "repos/"))
	case strings.HasPrefix(value, "orgs/"):
		return Organization(strings.TrimPrefix(value, "orgs/"))
	case strings.Contains(value, "/"):
		return Repository(value)
	default:
		return Organization(value)
	}
}

// FromEvent derives the scope of a webhook delivery.  The repository wins
// when both identifiers are present.
func FromEvent(repoFullName, orgLogin string) (Scope, error) {
	if repoFullName != "" {
		return Repository(repoFullName)
	}
	if orgLogin != "" {
		return Organization(orgLogin)
	}
	return Scope{}, ErrAmbiguousScope
}

// Kind reports whether the scope is a repository or an organization.
func (s Scope) Kind() Kind { return s.kind }

// IsZero reports whether s is the zero Scope.
func (s Scope) IsZero() bool { return s.kind == 0 }

// Owner is the repository owner or the organization login.
func (s Scope) Owner() string { return s.owner }

// Repo is the repository name, empty for organization scopes.
func (s Scope) Repo() string { return s.repo }

// String returns the human form: "owner/repo" or "org".
func (s Scope) String() string {
	if s.kind == KindRepository {
		return s.owner + "/" + s.repo
	}
	return s.owner
}

// Key returns the REST API collection segment, e.g. "repos/acme/app".
func (s Scope) Key() string {
	switch s.kind {
	case KindRepository:
		return "repos/" + s.owner + "/" + s.repo
	case KindOrganization:
		return "orgs/" + s.owner
	default:
		return ""
	}
}

// Prefix returns the runner-name prefix, e.g. "acme-app".  Characters
// that are not valid in container or VM names are folded to '-'.
func (s Scope) Prefix() string {
	return sanitize(strings.ReplaceAll(s.String(), "/", "-"))
}

// RunnerName joins the prefix and an instance suffix.
func (s Scope) RunnerName(suffix string) string {
	return s.Prefix() + "-" + suffix
}

// Owns reports whether name carries this scope's prefix followed by a
// non-empty suffix.  Prefixes that share a stem ("acme-app" and
// "acme-app-two") both match; callers holding several scopes pick the
// longest prefix.
func (s Scope) Owns(name string) bool {
	rest, ok := strings.CutPrefix(name, s.Prefix()+"-")
	return ok && rest != ""
}

// HTMLURL returns the web URL runners register against, e.g.
// "https://github.com/acme/app".  base defaults to https://github.com.
func (s Scope) HTMLURL(base string) string {
	if base == "" {
		base = "https://github.com"
	}
	return strings.TrimSuffix(base, "/") + "/" + s.String()
}

func sanitize(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

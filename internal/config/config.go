// Package config handles loading, validating, and applying
// configuration for the runner autoscaler.  Configuration is read from
// a YAML file, overlaid with environment variables, and finally
// overridden by CLI flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/engine"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/engine/docker"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/engine/gcp"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/fleet"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/githubapi"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/notify"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/otel"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/reconciler"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/registration"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/scope"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/server"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/tunnel"
)

// Engine, tunnel and credential selectors.
const (
	EngineDocker = "docker"
	EngineGCP    = "gcp"

	TunnelNgrok  = "ngrok"
	TunnelStatic = "static"
	TunnelNone   = "none"

	CredentialsToken        = "token"
	CredentialsRegistration = "registration"
)

// ErrConfiguration wraps every validation failure.
var ErrConfiguration = errors.New("configuration error")

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub  GitHubConfig  `yaml:"github"`
	Runners RunnersConfig `yaml:"runners"`
	Engine  EngineConfig  `yaml:"engine"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Webhook WebhookConfig `yaml:"webhook"`
	Server  ServerConfig  `yaml:"server"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig holds credentials and the managed scopes.  Repositories
// and Organizations are mutually exclusive.
type GitHubConfig struct {
	Token string `yaml:"token"`

	// APIURL overrides the REST root for GitHub Enterprise.
	APIURL string `yaml:"api_url"`

	// URL is the web root runners register against.
	// Default: "https://github.com"
	URL string `yaml:"url"`

	// Repositories are "owner/repo" values.
	Repositories []string `yaml:"repositories"`

	// Organizations are org logins.
	Organizations []string `yaml:"organizations"`

	// DefaultScope receives a runner on ping deliveries.  Defaults to
	// the first configured scope.
	DefaultScope string `yaml:"default_scope"`

	// Timeout bounds each API request.  Default: 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// ---------------------------------------------------------------------------
// Runners
// ---------------------------------------------------------------------------

// LimitsConfig is a capacity bound.
type LimitsConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// RunnersConfig bounds the fleet.
type RunnersConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`

	// Overrides is keyed by scope ("owner/repo" or "org").  A zero Max
	// inherits the global Max.
	Overrides map[string]LimitsConfig `yaml:"overrides"`

	// Credentials selects what runners receive: "token" passes the
	// service token, "registration" mints a registration token per runner.
	// Default: "token"
	Credentials string `yaml:"credentials"`

	// CallTimeout bounds each engine call.  Default: 30s.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "docker" or "gcp".
	Type string `yaml:"type"`
	// Image, when set, replaces the image of whichever backend Type
	// selects.  RUNNER_IMAGE lands here.
	Image string `yaml:"image"`

	Docker DockerEngineConfig `yaml:"docker"`
	GCP    GCPEngineConfig    `yaml:"gcp"`
}

// DockerEngineConfig holds Docker-specific engine settings.
type DockerEngineConfig struct {
	// Image is the runner image.  Default: "gh-runner:latest"
	Image   string   `yaml:"image"`
	Command []string `yaml:"command"`
	// Pull pulls the image at startup.
	Pull bool `yaml:"pull"`
	// Dind bind-mounts the host's Docker socket into each runner.
	Dind   bool   `yaml:"dind"`
	Socket string `yaml:"socket"`
}

// GCPEngineConfig holds GCP Compute Engine settings.  Authentication
// uses Application Default Credentials.
type GCPEngineConfig struct {
	Project     string `yaml:"project"`
	Zone        string `yaml:"zone"`
	MachineType string `yaml:"machine_type"`

	// Image is a self-link or family URL, e.g.
	// "projects/my-project/global/images/family/gh-runner".
	Image      string `yaml:"image"`
	DiskSizeGB int64  `yaml:"disk_size_gb"`
	Network    string `yaml:"network"`
	Subnet     string `yaml:"subnet"`

	// PublicIP defaults to true.  A *bool distinguishes unset from false.
	PublicIP       *bool  `yaml:"public_ip"`
	ServiceAccount string `yaml:"service_account"`
}

// ---------------------------------------------------------------------------
// Tunnel & webhook registration
// ---------------------------------------------------------------------------

// TunnelConfig describes how the public URL is discovered.
type TunnelConfig struct {
	// Provider: "ngrok", "static" or "none".  Default: "ngrok".
	Provider string `yaml:"provider"`

	// APIURL is the ngrok agent API.
	APIURL string `yaml:"api_url"`

	// StaticURL is the fixed public URL for the static provider.
	StaticURL string `yaml:"static_url"`

	StartupDelay time.Duration `yaml:"startup_delay"`
	Interval     time.Duration `yaml:"interval"`
}

// WebhookConfig controls inbound validation and webhook registration.
type WebhookConfig struct {
	Secret string `yaml:"secret"`

	// Fragment identifies this service's webhooks by URL substring.
	// Default: ".ngrok-free.app", or the static URL's host.
	Fragment string `yaml:"fragment"`

	CreateIfMissing bool     `yaml:"create_if_missing"`
	Events          []string `yaml:"events"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port"`
	// HandleTimeout bounds the work done for one delivery.
	HandleTimeout time.Duration `yaml:"handle_timeout"`
}

// NotifyConfig controls alert e-mails.
type NotifyConfig struct {
	SMTP   SMTPConfig `yaml:"smtp"`
	Emails []string   `yaml:"emails"`
}

// SMTPConfig holds relay settings.
type SMTPConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// ---------------------------------------------------------------------------
// Logging & OpenTelemetry
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json, pretty.  Default: text.
	Format string `yaml:"format"`
}

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	StdOut   bool   `yaml:"stdout"`

	// Prometheus serves /metrics on the main listener.
	Prometheus bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path.  A missing file yields a zero
// Config; the environment and flags can supply everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.URL == "" {
		c.GitHub.URL = "https://github.com"
	}
	if c.GitHub.Timeout <= 0 {
		c.GitHub.Timeout = githubapi.DefaultTimeout
	}
	if c.Runners.Max == 0 {
		c.Runners.Max = 10
	}
	if c.Runners.Credentials == "" {
		c.Runners.Credentials = CredentialsToken
	}
	if c.Runners.CallTimeout <= 0 {
		c.Runners.CallTimeout = fleet.DefaultCallTimeout
	}
	if c.Engine.Type == "" {
		c.Engine.Type = EngineDocker
	}
	if c.Engine.Image != "" {
		switch c.Engine.Type {
		case EngineGCP:
			c.Engine.GCP.Image = c.Engine.Image
		default:
			c.Engine.Docker.Image = c.Engine.Image
		}
	}
	if c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = docker.DefaultImage
	}
	if c.Engine.GCP.MachineType == "" {
		c.Engine.GCP.MachineType = "e2-medium"
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Tunnel.Provider == "" {
		c.Tunnel.Provider = TunnelNgrok
	}
	if c.Tunnel.StaticURL != "" && !strings.Contains(c.Tunnel.StaticURL, "://") {
		// A bare hostname, as ngrok's --hostname takes it.
		c.Tunnel.StaticURL = "https://" + c.Tunnel.StaticURL
	}
	if c.Tunnel.APIURL == "" {
		c.Tunnel.APIURL = tunnel.DefaultAgentURL
	}
	if c.Tunnel.StartupDelay == 0 {
		c.Tunnel.StartupDelay = reconciler.DefaultStartupDelay
	}
	if c.Tunnel.Interval <= 0 {
		c.Tunnel.Interval = reconciler.DefaultInterval
	}
	if c.Webhook.Fragment == "" {
		c.Webhook.Fragment = registration.DefaultFragment
		if c.Tunnel.Provider == TunnelStatic {
			if u, err := url.Parse(c.Tunnel.StaticURL); err == nil && u.Host != "" {
				c.Webhook.Fragment = u.Host
			}
		}
	}
	if len(c.Webhook.Events) == 0 {
		c.Webhook.Events = []string{"workflow_job"}
	}
	if c.Server.Port == 0 {
		c.Server.Port = server.DefaultPort
	}
	if c.Server.HandleTimeout <= 0 {
		c.Server.HandleTimeout = server.DefaultHandleTimeout
	}
	if c.Notify.SMTP.Port == 0 {
		c.Notify.SMTP.Port = 587
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate applies defaults and checks that the configuration is
// complete and consistent.  Every error wraps ErrConfiguration.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.GitHub.Token == "" {
		return errors.New("github.token is required")
	}
	if c.GitHub.APIURL != "" {
		if _, err := url.ParseRequestURI(c.GitHub.APIURL); err != nil {
			return fmt.Errorf("github.api_url: invalid URL %q: %w", c.GitHub.APIURL, err)
		}
	}
	if _, err := url.ParseRequestURI(c.GitHub.URL); err != nil {
		return fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
	}

	if len(c.GitHub.Repositories) > 0 && len(c.GitHub.Organizations) > 0 {
		return errors.New("github.repositories and github.organizations are mutually exclusive")
	}
	scopes, err := c.Scopes()
	if err != nil {
		return err
	}
	if len(scopes) == 0 {
		return errors.New("at least one of github.repositories or github.organizations is required")
	}
	if c.GitHub.DefaultScope != "" {
		if _, err := c.DefaultScope(); err != nil {
			return err
		}
	}

	if err := checkLimits("runners", c.Runners.Min, c.Runners.Max); err != nil {
		return err
	}
	if _, _, err := c.Limits(); err != nil {
		return err
	}
	switch c.Runners.Credentials {
	case CredentialsToken, CredentialsRegistration:
	default:
		return fmt.Errorf("runners.credentials %q is not supported (supported: token, registration)", c.Runners.Credentials)
	}

	switch c.Engine.Type {
	case EngineDocker:
	case EngineGCP:
		if c.Engine.GCP.Project == "" {
			return errors.New("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Zone == "" {
			return errors.New("engine.gcp.zone is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Image == "" {
			return errors.New("engine.gcp.image is required when engine.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: docker, gcp)", c.Engine.Type)
	}

	switch c.Tunnel.Provider {
	case TunnelNgrok, TunnelNone:
	case TunnelStatic:
		u, err := url.ParseRequestURI(c.Tunnel.StaticURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("tunnel.static_url: invalid URL %q", c.Tunnel.StaticURL)
		}
	default:
		return fmt.Errorf("tunnel.provider %q is not supported (supported: ngrok, static, none)", c.Tunnel.Provider)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	if len(c.Notify.Emails) > 0 && c.Notify.SMTP.Server == "" {
		return errors.New("notify.smtp.server is required when notify.emails is set")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "pretty":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json, pretty)", c.Logging.Format)
	}

	return nil
}

func checkLimits(field string, minimum, maximum int) error {
	if minimum < 0 {
		return fmt.Errorf("%s.min (%d) must not be negative", field, minimum)
	}
	if maximum < 1 {
		return fmt.Errorf("%s.max (%d) must be at least 1", field, maximum)
	}
	if maximum < minimum {
		return fmt.Errorf("%s.max (%d) < %s.min (%d)", field, maximum, field, minimum)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Derived values
// ---------------------------------------------------------------------------

// Scopes parses the configured repositories or organizations.
func (c *Config) Scopes() ([]scope.Scope, error) {
	var scopes []scope.Scope
	seen := make(map[string]bool)

	for _, v := range c.GitHub.Repositories {
		s, err := scope.Repository(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("github.repositories: %w", err)
		}
		if !seen[s.Key()] {
			seen[s.Key()] = true
			scopes = append(scopes, s)
		}
	}
	for _, v := range c.GitHub.Organizations {
		s, err := scope.Organization(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("github.organizations: %w", err)
		}
		if !seen[s.Key()] {
			seen[s.Key()] = true
			scopes = append(scopes, s)
		}
	}
	return scopes, nil
}

// DefaultScope resolves github.default_scope, or the first configured
// scope when unset.
func (c *Config) DefaultScope() (scope.Scope, error) {
	scopes, err := c.Scopes()
	if err != nil {
		return scope.Scope{}, err
	}
	if c.GitHub.DefaultScope == "" {
		if len(scopes) == 0 {
			return scope.Scope{}, nil
		}
		return scopes[0], nil
	}

	s, err := scope.Parse(c.GitHub.DefaultScope)
	if err != nil {
		return scope.Scope{}, fmt.Errorf("github.default_scope: %w", err)
	}
	for _, m := range scopes {
		if m.Key() == s.Key() {
			return s, nil
		}
	}
	return scope.Scope{}, fmt.Errorf("github.default_scope %q is not a configured scope", c.GitHub.DefaultScope)
}

// Limits returns the global bound and the per-scope overrides keyed by
// scope.Key().
func (c *Config) Limits() (fleet.Limits, map[string]fleet.Limits, error) {
	global := fleet.Limits{Min: c.Runners.Min, Max: c.Runners.Max}
	if len(c.Runners.Overrides) == 0 {
		return global, nil, nil
	}

	scopes, err := c.Scopes()
	if err != nil {
		return global, nil, err
	}
	managed := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		managed[s.Key()] = true
	}

	overrides := make(map[string]fleet.Limits, len(c.Runners.Overrides))
	for name, l := range c.Runners.Overrides {
		s, err := scope.Parse(name)
		if err != nil {
			return global, nil, fmt.Errorf("runners.overrides[%q]: %w", name, err)
		}
		if !managed[s.Key()] {
			return global, nil, fmt.Errorf("runners.overrides[%q] is not a configured scope", name)
		}
		if l.Max == 0 {
			l.Max = global.Max
		}
		if err := checkLimits(fmt.Sprintf("runners.overrides[%q]", name), l.Min, l.Max); err != nil {
			return global, nil, err
		}
		overrides[s.Key()] = fleet.Limits{Min: l.Min, Max: l.Max}
	}
	return global, overrides, nil
}

// Fragment is the webhook URL substring this deployment owns.
func (c *Config) Fragment() string { return c.Webhook.Fragment }

// OTelSettings maps the otel section onto the SDK setup.
func (c *Config) OTelSettings() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.OTel.Prometheus,
	}
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger writing to stdout.
func (c *Config) NewLogger() *slog.Logger {
	return c.newLogger(os.Stdout)
}

func (c *Config) newLogger(w io.Writer) *slog.Logger {
	level := c.slogLevel()

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}))
	case "pretty":
		return slog.New(tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case EngineDocker:
		return docker.New(ctx, docker.Config{
			Image:   c.Engine.Docker.Image,
			Command: c.Engine.Docker.Command,
			Pull:    c.Engine.Docker.Pull,
			Dind:    c.Engine.Docker.Dind,
			Socket:  c.Engine.Docker.Socket,
		}, logger.WithGroup("engine.docker"))
	case EngineGCP:
		return gcp.New(ctx, gcp.Config{
			Project:        c.Engine.GCP.Project,
			Zone:           c.Engine.GCP.Zone,
			MachineType:    c.Engine.GCP.MachineType,
			Image:          c.Engine.GCP.Image,
			DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
			Network:        c.Engine.GCP.Network,
			Subnet:         c.Engine.GCP.Subnet,
			PublicIP:       *c.Engine.GCP.PublicIP,
			ServiceAccount: c.Engine.GCP.ServiceAccount,
		}, logger.WithGroup("engine.gcp"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// NewGitHubClient creates the authenticated REST client.
func (c *Config) NewGitHubClient() (*github.Client, error) {
	return githubapi.NewClient(c.GitHub.Token, c.GitHub.APIURL, c.GitHub.Timeout)
}

// NewCredentials returns the runner credential source for
// runners.credentials.
func (c *Config) NewCredentials(client *github.Client) githubapi.Credentials {
	if c.Runners.Credentials == CredentialsRegistration {
		return githubapi.NewRegistrationCredentials(client, c.GitHub.URL, c.GitHub.Timeout)
	}
	return githubapi.TokenCredentials{Token: c.GitHub.Token}
}

// NewNotifier returns an asynchronous SMTP notifier, or notify.Nop when
// no recipients are configured.
func (c *Config) NewNotifier(logger *slog.Logger) (notify.Notifier, error) {
	if len(c.Notify.Emails) == 0 {
		return notify.Nop{}, nil
	}
	smtp, err := notify.NewSMTP(notify.SMTPConfig{
		Server:   c.Notify.SMTP.Server,
		Port:     c.Notify.SMTP.Port,
		Username: c.Notify.SMTP.Username,
		Password: c.Notify.SMTP.Password,
		From:     c.Notify.SMTP.From,
		To:       c.Notify.Emails,
	})
	if err != nil {
		return nil, fmt.Errorf("creating smtp notifier: %w", err)
	}
	return notify.NewAsync(smtp, 0, logger), nil
}

// NewDiscoverer returns the public URL source for tunnel.provider, or
// nil for "none".
func (c *Config) NewDiscoverer() tunnel.Discoverer {
	switch c.Tunnel.Provider {
	case TunnelNgrok:
		return tunnel.NewNgrokAgent(c.Tunnel.APIURL, 0)
	case TunnelStatic:
		return tunnel.Static{URL: c.Tunnel.StaticURL}
	default:
		return nil
	}
}

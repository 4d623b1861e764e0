package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays the process environment onto c.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

// applyEnv overlays every variable lookup reports as set.  Empty values
// are ignored.
func (c *Config) applyEnv(lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := get(key); ok {
			*dst = splitList(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := get(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, v)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := get(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", key, v)
		}
		*dst = b
		return nil
	}

	str("GITHUB_TOKEN", &c.GitHub.Token)
	str("GITHUB_API_URL", &c.GitHub.APIURL)
	list("GITHUB_REPO", &c.GitHub.Repositories)
	list("GITHUB_ORG", &c.GitHub.Organizations)
	str("GITHUB_WEBHOOK_SECRET", &c.Webhook.Secret)

	str("ENGINE", &c.Engine.Type)
	str("RUNNER_IMAGE", &c.Engine.Image)

	if v, ok := get("NGROK_URL"); ok {
		c.Tunnel.StaticURL = v
		if c.Tunnel.Provider == "" {
			c.Tunnel.Provider = TunnelStatic
		}
	}
	str("NGROK_API_URL", &c.Tunnel.APIURL)
	str("WEBHOOK_URL_FRAGMENT", &c.Webhook.Fragment)
	list("WORKFLOW_EVENTS_NEW_WEBHOOK", &c.Webhook.Events)

	str("SMTP_SERVER", &c.Notify.SMTP.Server)
	str("SMTP_USERNAME", &c.Notify.SMTP.Username)
	str("SMTP_PASSWORD", &c.Notify.SMTP.Password)
	list("ALERT_EMAILS", &c.Notify.Emails)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	for _, n := range []struct {
		key string
		dst *int
	}{
		{"SERVER_PORT", &c.Server.Port},
		{"MIN_RUNNERS", &c.Runners.Min},
		{"MAX_RUNNERS", &c.Runners.Max},
		{"SMTP_PORT", &c.Notify.SMTP.Port},
	} {
		if err := num(n.key, n.dst); err != nil {
			return err
		}
	}

	return flag("CREATE_WEBHOOK_IF_NOT_EXIST", &c.Webhook.CreateIfMissing)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

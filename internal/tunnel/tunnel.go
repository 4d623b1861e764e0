// Package tunnel discovers the service's current public base URL.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// DefaultAgentURL is the ngrok agent's local API.
const DefaultAgentURL = "http://localhost:4040/api/tunnels"

// Discoverer reports the current public URL.  An empty string with a
// nil error means the tunnel is not up yet.
type Discoverer interface {
	PublicURL(ctx context.Context) (string, error)
}

// NgrokAgent reads the public URL from a local ngrok agent.
type NgrokAgent struct {
	apiURL string
	client *http.Client
}

// NewNgrokAgent returns a discoverer for the agent API at apiURL.
func NewNgrokAgent(apiURL string, timeout time.Duration) *NgrokAgent {
	if apiURL == "" {
		apiURL = DefaultAgentURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := cleanhttp.DefaultClient()
	client.Timeout = timeout
	return &NgrokAgent{apiURL: apiURL, client: client}
}

type agentTunnel struct {
	Name      string `json:"name"`
	PublicURL string `json:"public_url"`
	Proto     string `json:"proto"`
}

type agentTunnels struct {
	Tunnels []agentTunnel `json:"tunnels"`
}

// PublicURL returns the first https tunnel's URL, else the first
// tunnel's, else "".
func (a *NgrokAgent) PublicURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiURL, nil)
	if err != nil {
		return "", fmt.Errorf("ngrok agent request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ngrok agent %s: %w", a.apiURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ngrok agent %s: status %d: %s", a.apiURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload agentTunnels
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding ngrok agent response: %w", err)
	}
	if len(payload.Tunnels) == 0 {
		return "", nil
	}

	chosen := payload.Tunnels[0].PublicURL
	for _, t := range payload.Tunnels {
		if t.Proto == "https" || strings.HasPrefix(t.PublicURL, "https://") {
			chosen = t.PublicURL
			break
		}
	}
	return strings.TrimSuffix(chosen, "/"), nil
}

// Static always reports a fixed domain, for reserved tunnel domains and
// deployments behind a regular ingress.
type Static struct {
	URL string
}

// PublicURL returns the configured URL.
func (s Static) PublicURL(context.Context) (string, error) {
	return strings.TrimSuffix(s.URL, "/"), nil
}

var (
	_ Discoverer = (*NgrokAgent)(nil)
	_ Discoverer = Static{}
)

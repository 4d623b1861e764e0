// Package health provides HTTP handlers for health checks.
//
// /healthz is a liveness probe that never touches a dependency.
// /healthcheck reports live fleet state and is computed on every call.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/buildinfo"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/fleet"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/scope"
)

// Response represents the liveness response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Engine       string    `json:"engine"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to liveness requests. It reports build info and the
// configured compute engine. The status is always "healthy" (200 OK).
func Handler(engine string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, Response{
			Status:       "healthy",
			ServiceName:  buildinfo.ServiceName,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       engine,
			Timestamp:    time.Now().UTC(),
		})
	}
}

// ---------------------------------------------------------------------------
// Fleet snapshot
// ---------------------------------------------------------------------------

// Fleet is the read side of *fleet.Registry.
type Fleet interface {
	Scopes() []scope.Scope
	Count(ctx context.Context, s scope.Scope) (int, error)
	Limits(s scope.Scope) (fleet.Limits, error)
}

// ImageChecker is satisfied by every engine.Engine.
type ImageChecker interface {
	ImageAvailable(ctx context.Context) (bool, error)
}

// Endpoints is the read side of *reconciler.Reconciler.
type Endpoints interface {
	Endpoint(s scope.Scope) (string, bool)
	CurrentURL() string
}

// ScopeStatus is one scope's live state.
type ScopeStatus struct {
	Scope          string  `json:"scope"`
	Runners        int     `json:"runners"`
	Min            int     `json:"min"`
	Max            int     `json:"max"`
	ImageAvailable bool    `json:"image_available"`
	Endpoint       *string `json:"endpoint"`
	Error          string  `json:"error,omitempty"`
}

// Snapshot is the /healthcheck body.
type Snapshot struct {
	Status            string        `json:"status"`
	TunnelURL         *string       `json:"tunnel_url"`
	RunnerImageExists bool          `json:"runner_image_exists"`
	Scopes            []ScopeStatus `json:"scopes"`
	Timestamp         time.Time     `json:"timestamp"`
}

// Reporter aggregates live state.  Nothing is cached.
type Reporter struct {
	fleet     Fleet
	images    ImageChecker
	endpoints Endpoints
	timeout   time.Duration
	logger    *slog.Logger
}

// NewReporter creates a Reporter.  endpoints may be nil when no tunnel
// is configured.
func NewReporter(f Fleet, images ImageChecker, endpoints Endpoints, timeout time.Duration, logger *slog.Logger) *Reporter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reporter{fleet: f, images: images, endpoints: endpoints, timeout: timeout, logger: logger}
}

// Snapshot queries the engine for every scope.  Per-scope failures are
// reported in the snapshot rather than failing it.
func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snap := Snapshot{Status: "ok", Timestamp: time.Now().UTC()}

	imageErr := ""
	ok, err := r.images.ImageAvailable(ctx)
	if err != nil {
		imageErr = err.Error()
		snap.Status = "degraded"
		r.logger.Warn("image check failed", slog.String("error", imageErr))
	}
	snap.RunnerImageExists = ok

	if r.endpoints != nil {
		if url := r.endpoints.CurrentURL(); url != "" {
			snap.TunnelURL = &url
		}
	}

	for _, s := range r.fleet.Scopes() {
		st := ScopeStatus{Scope: s.String(), ImageAvailable: ok, Error: imageErr}
		if l, err := r.fleet.Limits(s); err == nil {
			st.Min, st.Max = l.Min, l.Max
		}
		if r.endpoints != nil {
			if url, found := r.endpoints.Endpoint(s); found {
				st.Endpoint = &url
			}
		}
		n, err := r.fleet.Count(ctx, s)
		if err != nil {
			st.Error = err.Error()
			snap.Status = "degraded"
		}
		st.Runners = n
		snap.Scopes = append(snap.Scopes, st)
	}

	return snap
}

// SnapshotHandler serves Snapshot as JSON.  It always answers 200; the
// status field carries degradation.
func (r *Reporter) SnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, r.Snapshot(req.Context()))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// Package server exposes the inbound HTTP surface: the webhook receiver,
// health endpoints and, optionally, Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/router"
)

const (
	// DefaultPort is the listen port when none is configured.
	DefaultPort = 5001
	// DefaultHandleTimeout bounds the work done for one delivery.
	DefaultHandleTimeout = 2 * time.Minute

	maxPayloadBytes = 25 << 20
	shutdownTimeout = 10 * time.Second
)

// Handler handles a decoded webhook event.
type Handler interface {
	Handle(ctx context.Context, ev router.Event) router.Response
}

// Config holds the server's collaborators.
type Config struct {
	Port    int
	Handler Handler

	// Secret validates X-Hub-Signature-256 when non-empty.
	Secret string

	// HandleTimeout bounds the router call.  The call is detached from
	// the request so a client disconnect never aborts a create.
	HandleTimeout time.Duration

	Healthz     http.Handler
	Healthcheck http.Handler

	// Metrics mounts promhttp on /metrics.
	Metrics bool

	Logger *slog.Logger
}

// Server is the HTTP listener.
type Server struct {
	srv           *http.Server
	handler       Handler
	secret        []byte
	handleTimeout time.Duration
	logger        *slog.Logger
}

// New creates a Server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = DefaultHandleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		handler:       cfg.Handler,
		handleTimeout: cfg.HandleTimeout,
		logger:        cfg.Logger,
	}
	if cfg.Secret != "" {
		s.secret = []byte(cfg.Secret)
	}

	r := mux.NewRouter()
	r.HandleFunc("/webhook", s.webhook).Methods(http.MethodPost)
	if cfg.Healthz != nil {
		r.Handle("/healthz", cfg.Healthz).Methods(http.MethodGet)
	}
	if cfg.Healthcheck != nil {
		r.Handle("/healthcheck", cfg.Healthcheck).Methods(http.MethodGet)
	}
	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// ---------------------------------------------------------------------------
// Webhook
// ---------------------------------------------------------------------------

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)

	delivery := github.DeliveryID(r)
	if delivery == "" {
		delivery = "local-" + uuid.NewString()
	}

	var (
		payload []byte
		err     error
	)
	if s.secret != nil {
		payload, err = github.ValidatePayload(r, s.secret)
		if err != nil {
			s.logger.Warn("webhook signature rejected",
				slog.String("delivery", delivery),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusUnauthorized, router.Response{Message: "invalid signature"})
			return
		}
	} else {
		payload, err = io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, router.Response{Message: "unreadable body"})
			return
		}
	}

	ev, err := decode(github.WebHookType(r), delivery, payload)
	if err != nil {
		s.logger.Warn("malformed webhook payload",
			slog.String("delivery", delivery),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, router.Response{Message: "malformed payload"})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.handleTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, s.handler.Handle(ctx, ev))
}

// decode extracts the fields the router acts on.  Only workflow_job
// bodies are parsed; other event types pass through by name.
func decode(eventType, delivery string, payload []byte) (router.Event, error) {
	ev := router.Event{Type: eventType, DeliveryID: delivery}
	if eventType != router.EventWorkflowJob {
		return ev, nil
	}

	var job github.WorkflowJobEvent
	if err := json.Unmarshal(payload, &job); err != nil {
		return ev, fmt.Errorf("decoding workflow_job: %w", err)
	}
	ev.Action = job.GetAction()
	ev.RepositoryFullName = job.GetRepo().GetFullName()
	ev.OrganizationLogin = job.GetOrg().GetLogin()
	ev.RunnerName = job.GetWorkflowJob().GetRunnerName()
	return ev, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

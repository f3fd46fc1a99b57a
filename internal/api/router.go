package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/authjwt"
	"github.com/orbitmesh/orbitmesh/internal/authoidc"
	"github.com/orbitmesh/orbitmesh/internal/dispatcher"
	"github.com/orbitmesh/orbitmesh/internal/eventbus"
	"github.com/orbitmesh/orbitmesh/internal/obsmetrics"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// RouterConfig holds every dependency the administrative API's handlers
// need, passed as one struct to NewRouter so the constructor signature
// stays manageable as the dependency count grows.
type RouterConfig struct {
	Store      store.Store
	Registry   *registry.Manager
	Dispatcher *dispatcher.Dispatcher
	Engine     *workflow.Engine
	Bus        *eventbus.Bus
	JWTMgr     *authjwt.Manager
	OIDC       *authoidc.Verifier // optional second authenticator backend; nil disables it
	Metrics    *obsmetrics.Collector
	Logger     *zap.Logger
}

// oidcVerifierOrNil avoids the typed-nil-interface footgun: a nil
// *authoidc.Verifier boxed directly into the oidcVerifier interface would
// compare non-nil, defeating Authenticate's "oidc == nil" fallback check.
func oidcVerifierOrNil(v *authoidc.Verifier) oidcVerifier {
	if v == nil {
		return nil
	}
	return v
}

// NewRouter builds the fully configured Chi router serving /api/v1 plus
// /metrics and /healthz.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	agentHandler := NewAgentHandler(cfg.Store, cfg.Registry, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Store, cfg.Dispatcher, cfg.Logger)
	workflowHandler := NewWorkflowHandler(cfg.Store, cfg.Engine, cfg.Logger)
	eventHandler := NewEventHandler(cfg.Bus, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.JWTMgr, oidcVerifierOrNil(cfg.OIDC)))

		r.Get("/agents", agentHandler.List)
		r.Get("/agents/{id}", agentHandler.GetByID)
		r.Post("/agents/{id}/pause", agentHandler.Pause)
		r.Post("/agents/{id}/resume", agentHandler.Resume)
		r.Post("/agents/{id}/stop", agentHandler.Stop)

		r.Post("/jobs", jobHandler.Submit)
		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{id}", jobHandler.GetByID)
		r.Post("/jobs/{id}/cancel", jobHandler.Cancel)
		r.Post("/jobs/{id}/retry", jobHandler.Retry)

		r.Post("/workflows", workflowHandler.Define)
		r.Get("/workflows", workflowHandler.List)
		r.Get("/workflows/{id}", workflowHandler.GetByID)
		r.Post("/workflows/{id}/start", workflowHandler.Start)

		r.Get("/workflow-instances", workflowHandler.ListInstances)
		r.Get("/workflow-instances/{id}", workflowHandler.GetInstance)
		r.Post("/workflow-instances/{id}/cancel", workflowHandler.CancelInstance)
		r.Post("/workflow-instances/{id}/signal", workflowHandler.SignalInstance)

		r.Get("/events", eventHandler.Subscribe)

		// --- Admin-only routes ---
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(authjwt.RoleAdmin))
			r.Delete("/agents/{id}", agentHandler.Remove)
			r.Delete("/workflows/{id}", workflowHandler.Delete)
		})
	})

	return r
}

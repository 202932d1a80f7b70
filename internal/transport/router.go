package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/internal/definition"
	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/internal/scheduler"
	"github.com/pitabwire/admissions/internal/workflow"
	"github.com/pitabwire/admissions/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks

	Engine      *workflow.Engine
	Definitions *definition.Registry
	Scheduler   *scheduler.Scheduler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(RequestID)
	r.Use(Recovery(logger))
	r.Use(SecurityHeaders)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, model.NewNotFoundError("no route for "+r.Method+" "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		env := model.NewBadRequestError(r.Method + " is not supported on " + r.URL.Path)
		WriteJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: env})
	})

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = HeaderAuthenticator
	}

	r.Group(func(r chi.Router) {
		if deps.Config.Observability.Tracing.Enabled {
			r.Use(observability.TracingMiddleware)
		}
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/v1/applications", func(r chi.Router) {
			r.Post("/", handleSubmitApplication(deps.Engine))
			r.Route("/{applicationId}", func(r chi.Router) {
				r.Get("/", handleGetApplication(deps.Engine))
				r.Get("/transitions", handleLegalTransitions(deps.Engine))
				r.Post("/transitions/{transitionId}", handleApplyTransition(deps.Engine))
				r.Get("/timeline", handleTimeline(deps.Engine))
				r.Post("/events", handleApplicationEvent(deps.Scheduler))
			})
		})

		r.Route("/v1/definitions", func(r chi.Router) {
			r.Get("/", handleListDefinitions(deps.Definitions))
			r.Post("/", handleCreateDefinition(deps.Definitions))
			r.Route("/{definitionId}", func(r chi.Router) {
				r.Get("/", handleGetDefinition(deps.Definitions))
				r.Delete("/", handleDeleteDefinition(deps.Definitions))
				r.Post("/validate", handleValidateDefinition(deps.Definitions))
				r.Post("/activate", handleActivateDefinition(deps.Definitions))
			})
		})

		r.Get("/v1/application-types/{applicationType}/active-definition", handleActiveDefinition(deps.Definitions))
	})

	return r
}

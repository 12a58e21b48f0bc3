package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/openapi"
	"github.com/pitabwire/stepflow/internal/orchestrator"
	"github.com/pitabwire/stepflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Facade       *orchestrator.Facade
	Authenticate func(http.Handler) http.Handler
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
	APIDocument  *openapi.Document
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the API document
// bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}
	if deps.APIDocument != nil {
		r.Method(http.MethodGet, "/openapi.json", deps.APIDocument.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	body := func(operationID string) func(http.Handler) http.Handler {
		return validateBody(deps.APIDocument, operationID)
	}
	f := deps.Facade

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/definitions", handleListDefinitions(f))
			r.With(body("publishDefinition")).Post("/definitions", handlePublishDefinition(f))
			r.Get("/definitions/{name}", handleGetDefinition(f))

			r.Get("/instances", handleListInstances(f))
			r.With(body("startWorkflow")).Post("/instances", handleStartWorkflow(f))
			r.Post("/instances/reconcile", handleReconcile(f))
			r.Get("/instances/{instanceId}", handleGetInstance(f))
			r.Get("/instances/{instanceId}/history", handleInstanceHistory(f))
			r.With(body("resolveInstance")).Post("/instances/{instanceId}/resolve", handleResolveInstance(f))
			r.Post("/instances/{instanceId}/cancel", handleCancelInstance(f))

			r.Get("/tasks", handleListTasks(f))
			r.Get("/tasks/{taskId}", handleGetTask(f))
			r.With(body("transitionTask")).Post("/tasks/{taskId}/transition", handleTransitionTask(f))

			r.Get("/dashboard", handleDashboard(f))
		})
	})

	return r
}

// validateBody rejects requests whose JSON body lacks a property the API
// document marks as required. The body is restored for the handler.
func validateBody(doc *openapi.Document, operationID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if doc == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
			if err != nil {
				WriteError(w, model.NewBadRequestError("reading request body: "+err.Error()))
				return
			}
			if len(bytes.TrimSpace(raw)) == 0 {
				if doc.BodyRequired(operationID) {
					WriteError(w, model.NewBadRequestError("request body is required"))
					return
				}
			} else {
				var fields map[string]any
				if err := json.Unmarshal(raw, &fields); err != nil {
					WriteError(w, model.NewBadRequestError("invalid JSON body: "+err.Error()))
					return
				}
				if verrs := doc.ValidateRequest(operationID, fields); len(verrs) > 0 {
					details := make([]model.FieldError, 0, len(verrs))
					for _, v := range verrs {
						details = append(details, model.FieldError{Field: v.Field, Code: "REQUIRED", Message: v.Message})
					}
					WriteError(w, model.NewValidationError(details))
					return
				}
			}
			r.Body = io.NopCloser(bytes.NewReader(raw))
			r.ContentLength = int64(len(raw))
			next.ServeHTTP(w, r)
		})
	}
}

package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"llm_flow/internal/auth"
	"llm_flow/internal/billing"
	"llm_flow/internal/logging"
	"llm_flow/internal/metrics"
	"llm_flow/internal/middleware"
	"llm_flow/internal/models"
	"llm_flow/internal/storage"
	"llm_flow/internal/utils"
)

// EntryStore reads persisted log entries
type EntryStore interface {
	GetByRequestID(ctx context.Context, requestID string) (*models.LogEntry, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.LogEntry, error)
	SummarizeSession(ctx context.Context, sessionID string) (*storage.SessionSummary, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Entries   EntryStore
	Health    HealthChecker
	Spend     billing.SpendRecorder
	Transport logging.Transport
	Logger    *utils.Logger
	// Keys protects /v1 when set
	Keys auth.KeyStore
}

// NewRouter creates the collector and query API
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Spend == nil {
		deps.Spend = billing.NewNoopSpend()
	}
	if deps.Transport == nil {
		deps.Transport = logging.NewNoop()
	}
	if deps.Logger == nil {
		deps.Logger = utils.NewLogger("httpapi")
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", deps.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.Keys != nil {
			r.Use(middleware.APIKeyMiddleware(deps.Keys))
		}

		r.Post("/entries", deps.handleIngest)
		r.Get("/entries/{requestID}", deps.handleGetEntry)

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/entries", deps.handleListSession)
			r.Get("/summary", deps.handleSessionSummary)
			r.Get("/spend", deps.handleSessionSpend)
		})
	})

	return r
}

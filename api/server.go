/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. requestLog: Structured request logging via zap
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/leave             Leave submission
  /api/overtime          Overtime submission
  /api/requests/*        Workflow operations on any request kind
  /api/approvers/*       Approver inboxes
  /api/employees/*       Balance and history reads
  /api/admin/*           Adjustments, accrual, rebuild, integrity, blackouts

SECURITY NOTE:
  No authentication middleware. Caller identity comes from the X-Caller
  header and is trusted; front this service with an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, log *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Caller"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Submission routes
		r.Post("/leave", h.SubmitLeave)
		r.Post("/overtime", h.SubmitOvertime)

		// Workflow routes, kind-agnostic
		r.Route("/requests", func(r chi.Router) {
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/decisions", h.Decide)
			r.Post("/{id}/skip", h.Skip)
			r.Post("/{id}/cancel", h.Cancel)
		})

		r.Get("/approvers/{approver}/inbox", h.Inbox)

		// Balance routes
		r.Route("/employees", func(r chi.Router) {
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/events", h.GetEvents)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/accrual/run", h.RunAccrual)
			r.Post("/rebuild", h.Rebuild)
			r.Get("/integrity", h.VerifyIntegrity)
			r.Post("/blackouts", h.CreateBlackout)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// requestLog emits one structured line per request.
func requestLog(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

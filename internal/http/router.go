package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"notevault/internal/contextutil"
	"notevault/internal/handlers"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	Invoker  handlers.Invoker
	Commands func() []string
	Health   http.Handler
}

// NewRouter creates a new HTTP router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	invokeHandler := handlers.NewInvokeHandler(deps.Invoker)

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodPost, "/invoke", invokeHandler)
		if deps.Health != nil {
			r.Method(http.MethodGet, "/health", deps.Health)
		}
		r.Get("/commands", func(w http.ResponseWriter, r *http.Request) {
			var names []string
			if deps.Commands != nil {
				names = deps.Commands()
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(map[string][]string{"commands": names}); err != nil {
				ctx := r.Context()
				contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode command list", "error", err)
			}
		})
	})

	return r
}

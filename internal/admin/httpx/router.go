package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jcmexdev/message-sagas/internal/admin/httpx/middlewares"
)

// NewRouter mounts the saga routes, /healthz and, when gatherer is set,
// /metrics.
func NewRouter(handler *Handler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachRequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Get("/sagas/{correlationId}", handler.GetSaga)
		r.Get("/sagas/by-business-id/{businessId}", handler.GetSagaByBusinessID)
	})
	return r
}

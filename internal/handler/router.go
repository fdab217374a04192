package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"secure-qr-service/internal/middleware"
)

// NewRouter はルーターを生成する。gathererがnilの場合は/metricsを公開しない。
func NewRouter(h *QRHandler, gatherer prometheus.Gatherer, otelEnabled bool) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// ルート定義
	r.Route("/v1/qrcodes", func(r chi.Router) {
		r.Post("/", h.Issue)
		r.Post("/verify", h.Verify)
		r.Post("/expire", h.MarkExpired)
		r.Get("/expiring", h.ListExpiring)
		r.Get("/statistics", h.Statistics)
		r.Route("/{code}", func(r chi.Router) {
			r.Get("/", h.GetRecord)
			r.Get("/image", h.GetImage)
			r.Get("/verifications", h.ListVerifications)
			r.Get("/compromise", h.Compromise)
			r.Post("/revoke", h.Revoke)
			r.Post("/suspend", h.Suspend)
			r.Post("/reactivate", h.Reactivate)
		})
	})

	if !otelEnabled {
		return r
	}
	return otelhttp.NewHandler(r, "secure-qr-service")
}

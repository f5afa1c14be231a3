package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the HTTP pipeline. Stage order matters: the callback
// interceptor runs first (it must see the IDP redirect before location
// dispatch), then the logout stage, then the authentication gate in front
// of the reverse proxy.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(31536000))
	}
	r.Use(a.callbackStage)
	r.Use(a.logoutStage)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Handle("/*", a.gate())

	return r
}

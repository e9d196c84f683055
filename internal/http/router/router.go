// Package router arma el router HTTP del servicio de tokens.
package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ctrl "github.com/dropDatabas3/tokend/internal/http/controllers/oauth"
	mw "github.com/dropDatabas3/tokend/internal/http/middlewares"
)

// Deps contiene las dependencias del router.
type Deps struct {
	Token *ctrl.TokenController

	// Metrics expone /metrics cuando está activo.
	Metrics http.Handler
}

// New construye el router chi con la cadena de middlewares estándar.
func New(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(mw.WithRecover())
	r.Use(mw.WithRequestID())
	r.Use(mw.WithLogging())

	// POST /token - Token endpoint (RFC 6749 / 8628 / CIBA)
	r.Post("/token", d.Token.Token)

	r.Get("/healthz", healthz)

	metrics := d.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

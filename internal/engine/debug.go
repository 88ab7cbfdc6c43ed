package engine

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// introspection is the payload of the debug endpoints
type introspection struct {
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data"`
}

// routes serves metrics and read-only views of the data source's state
func (e *Engine) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle(e.config.Metrics.Path, promhttp.Handler())
	r.Route("/debug", func(r chi.Router) {
		r.Get("/searches", func(w http.ResponseWriter, r *http.Request) {
			e.sendJSON(w, r, e.source.RecentSearches())
		})
		r.Get("/operations", func(w http.ResponseWriter, r *http.Request) {
			e.sendJSON(w, r, e.source.RecentOperations())
		})
		r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
			e.sendJSON(w, r, e.source.Sessions().Sessions())
		})
	})
	return r
}

func (e *Engine) sendJSON(w http.ResponseWriter, r *http.Request, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(introspection{
		RequestID: middleware.GetReqID(r.Context()),
		Data:      data,
	})
	if err != nil {
		e.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Failed to write debug response")
	}
}

package blockd

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/dnpguard/bus"
)

// NewHTTPHandler builds the collaborator's HTTP surface: the bus endpoint
// remote engines post to, plus read-only inspection endpoints.
func NewHTTPHandler(store *Store, router *bus.Router) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	busHandler := bus.NewHTTPHandler(router)
	r.Post("/bus/{service}", busHandler.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/artists", func(w http.ResponseWriter, req *http.Request) {
			platform := req.URL.Query().Get("platform")
			if platform == "" {
				http.Error(w, "missing platform", http.StatusBadRequest)
				return
			}
			artists, err := store.List(req.Context(), platform)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, artists)
		})
		r.Get("/actions", func(w http.ResponseWriter, req *http.Request) {
			limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
			actions, err := store.Actions(req.Context(), limit)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, actions)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

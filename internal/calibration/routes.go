package calibration

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the calibration endpoints on the router.
func RegisterRoutes(r chi.Router, store *Store) {
	r.Route("/api/calibration", func(r chi.Router) {
		r.Get("/weights", handleGetWeights(store))
		r.Get("/samples", handleListSamples(store))
		r.Get("/stats", handleStats(store))
		r.Post("/recalibrate", handleRecalibrate(store))
	})
}

func handleGetWeights(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, store.CurrentWeights())
	}
}

func handleListSamples(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		samples, err := store.Samples(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if samples == nil {
			samples = []Sample{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"samples": samples,
			"count":   len(samples),
		})
	}
}

func handleStats(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleRecalibrate(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := store.Recalibrate(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ws)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

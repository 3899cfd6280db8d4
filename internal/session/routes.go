package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/clarify/internal/ambiguity"
	"github.com/ziadkadry99/clarify/internal/calibration"
)

// RegisterRoutes mounts the session endpoints on the router.
func RegisterRoutes(r chi.Router, engine *Engine, hub *Hub) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", handleStart(engine))
		r.Get("/", handleList(engine))
		r.Get("/stats", handleStats(engine))
		r.Get("/{id}", handleGet(engine))
		r.Post("/{id}/answers", handleAnswers(engine))
		r.Post("/{id}/cancel", handleCancel(engine))
		r.Get("/{id}/context", handleContext(engine))
		r.Post("/{id}/outcome", handleOutcome(engine))
		if hub != nil {
			r.Get("/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
				hub.ServeWS(w, r, chi.URLParam(r, "id"))
			})
		}
	})
}

func handleStart(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		sess, err := engine.Start(r.Context(), req)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func handleList(engine *Engine) http.HandlerFunc {
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

		sessions, err := engine.List(r.Context(),
			State(r.URL.Query().Get("state")),
			r.URL.Query().Get("scope"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if sessions == nil {
			sessions = []*Session{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sessions": sessions,
			"count":    len(sessions),
		})
	}
}

func handleStats(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := engine.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleGet(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := engine.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func handleAnswers(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Answers []AnswerInput `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Answers) == 0 {
			writeError(w, http.StatusBadRequest, "at least one answer is required")
			return
		}

		sess, err := engine.Apply(r.Context(), chi.URLParam(r, "id"), req.Answers)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func handleCancel(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := engine.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func handleContext(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, err := engine.ResolvedContext(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rc)
	}
}

func handleOutcome(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Outcome  string            `json:"outcome"`
			Features map[string]string `json:"features,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		outcome := calibration.Outcome(req.Outcome)
		if !outcome.Valid() {
			writeError(w, http.StatusBadRequest, "outcome must be approved, rejected or modified")
			return
		}

		err := engine.ReportOutcome(r.Context(), chi.URLParam(r, "id"), outcome, req.Features)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
}

// writeEngineError maps engine errors onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnknownQuestion):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ambiguity.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
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

// Package api exposes the pipeline session contract over HTTP and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pipewatch/pipewatch/internal/session"
	"github.com/pipewatch/pipewatch/internal/storage"
)

const maxParamsBodySize = 1 << 20 // 1MB

// AppDeps holds dependencies for the HTTP handler.
type AppDeps struct {
	Store *storage.Store
	Token string
}

// NewAppHandler builds the session API router. All /api routes require
// the bearer token; /health does not.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Route("/api/{feature}/sessions", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(requireFeature)

		r.Post("/", handleCreateSession(deps))
		r.Get("/", handleListSessions(deps))
		r.Get("/{id}", handleGetSession(deps))
		r.Get("/{id}/status", handleGetStatus(deps))
		r.Delete("/{id}", handleDeleteSession(deps))
		r.Post("/{id}/retry", handleRetrySession(deps))
	})

	return r
}

// requireFeature rejects requests for pipelines that don't exist before
// any handler runs.
func requireFeature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if feature := chi.URLParam(r, "feature"); !session.Known(feature) {
			httpError(w, http.StatusNotFound, "not_found", "unknown feature %q", feature)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handleCreateSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feature := chi.URLParam(r, "feature")

		r.Body = http.MaxBytesReader(w, r.Body, maxParamsBodySize)
		defer r.Body.Close()

		params, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
			return
		}
		if len(params) > 0 && !json.Valid(params) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
			return
		}

		rec, err := deps.Store.CreateSession(feature, params)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating session: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, rec.Session)
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Store.ListSessions(chi.URLParam(r, "feature"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing sessions: %v", err)
			return
		}

		sessions := make([]session.Session, len(recs))
		for i, rec := range recs {
			sessions[i] = rec.Session
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.GetSession(chi.URLParam(r, "feature"), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no such session")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "fetching session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec.Session)
	}
}

func handleGetStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.GetSession(chi.URLParam(r, "feature"), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no such session")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "fetching session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec.Snapshot())
	}
}

func handleDeleteSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Absent records delete successfully; the operation is
		// idempotent by contract.
		if err := deps.Store.DeleteSession(chi.URLParam(r, "feature"), chi.URLParam(r, "id")); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting session: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRetrySession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.ResetForRetry(chi.URLParam(r, "feature"), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no such session")
			return
		}
		if errors.Is(err, storage.ErrConflict) {
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "retrying session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec.Session)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

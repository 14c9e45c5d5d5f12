// Package api implements the ingress provisioning HTTP contract: WHIP
// stream control, channel sessions, parent playback, and VOD listings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"kidstream/internal/auth"
	"kidstream/internal/session"
	"kidstream/internal/stagepool"
	"kidstream/internal/storage"
)

// Handler carries the collaborators the HTTP surface dispatches into.
type Handler struct {
	Manager *session.Manager
	Pool    *stagepool.Pool
	Store   storage.Repository
	Auth    auth.Authenticator
	Logger  *slog.Logger
	Region  string
}

func NewHandler(manager *session.Manager, pool *stagepool.Pool, store storage.Repository, authenticator auth.Authenticator, logger *slog.Logger, region string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Manager: manager,
		Pool:    pool,
		Store:   store,
		Auth:    authenticator,
		Logger:  logger,
		Region:  region,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody is the wire error envelope.
type errorBody struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// writeError maps core error kinds to their status codes and the
// {error, code, details?} envelope.
func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

// WriteError is the exported variant used by server middleware.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeErrorCode(w, status, code, message)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, session.ErrInvalidParams):
		return http.StatusBadRequest, "INVALID_PARAMS"
	case errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, storage.ErrChildNotFound),
		errors.Is(err, storage.ErrChannelNotFound),
		errors.Is(err, storage.ErrSessionNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, session.ErrSessionAlreadyActive):
		return http.StatusConflict, "SESSION_ALREADY_ACTIVE"
	case errors.Is(err, stagepool.ErrExhausted):
		return http.StatusServiceUnavailable, "RESOURCE_EXHAUSTED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

package api

import (
	"context"
	"net/http"
	"strings"

	"kidstream/internal/auth"
)

type contextKey string

const callerContextKey contextKey = "authenticatedCaller"

// ContextWithCaller stores the authenticated caller on the context.
func ContextWithCaller(ctx context.Context, caller auth.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

// CallerFromContext retrieves the authenticated caller, if present.
func CallerFromContext(ctx context.Context) (auth.Caller, bool) {
	caller, ok := ctx.Value(callerContextKey).(auth.Caller)
	return caller, ok
}

// ExtractBearer returns the bearer token from the Authorization header,
// or "" when absent.
func ExtractBearer(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthenticateRequest resolves the bearer token on the request.
func (h *Handler) AuthenticateRequest(r *http.Request) (auth.Caller, error) {
	return h.Auth.Authenticate(r.Context(), ExtractBearer(r))
}

func (h *Handler) requireCaller(w http.ResponseWriter, r *http.Request) (auth.Caller, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return auth.Caller{}, false
	}
	return caller, true
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (auth.Caller, bool) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return auth.Caller{}, false
	}
	if !caller.Admin {
		writeErrorCode(w, http.StatusForbidden, "FORBIDDEN", "administrator access required")
		return auth.Caller{}, false
	}
	return caller, true
}

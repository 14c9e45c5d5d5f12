package api

import (
	"net/http"
	"strconv"
	"strings"

	"kidstream/internal/models"
	"kidstream/internal/session"
)

// Whip dispatches the /streams/whip endpoint: POST starts a stream,
// DELETE stops one, GET reports pool status and is unauthenticated.
func (h *Handler) Whip(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.startWhip(w, r)
	case http.MethodDelete:
		h.stopWhip(w, r)
	case http.MethodGet:
		h.whipStatus(w, r)
	default:
		writeErrorCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (h *Handler) startWhip(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		ChildID string `json:"childId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_PARAMS", "invalid request body")
		return
	}
	if strings.TrimSpace(body.ChildID) == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_PARAMS", "childId is required")
		return
	}
	start, err := h.Manager.StartStream(r.Context(), body.ChildID, caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, start)
}

func (h *Handler) stopWhip(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		StreamID string `json:"streamId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_PARAMS", "invalid request body")
		return
	}
	if strings.TrimSpace(body.StreamID) == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_PARAMS", "streamId is required")
		return
	}
	if err := h.Manager.StopStream(r.Context(), body.StreamID, caller.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"streamId": body.StreamID,
	})
}

func (h *Handler) whipStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":          true,
		"poolStatus":       h.Pool.Status(),
		"whipEndpoint":     h.Pool.WhipEndpoint(),
		"region":           h.Pool.Region(),
		"mediaConstraints": models.DefaultMediaConstraints(),
	})
}

// Children dispatches /streams/children/{childId}/{action} routes.
func (h *Handler) Children(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/streams/children/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", "unknown route")
		return
	}
	childID, action := parts[0], parts[1]

	switch {
	case action == "sessions" && r.Method == http.MethodPost:
		h.createSession(w, r, childID)
	case action == "ingest" && r.Method == http.MethodPost:
		h.provisionIngest(w, r, childID)
	case action == "playback" && r.Method == http.MethodGet:
		h.getPlayback(w, r, childID)
	case action == "vods" && r.Method == http.MethodGet:
		h.getVods(w, r, childID)
	case action == "stream-key" && r.Method == http.MethodPost:
		h.resetStreamKey(w, r, childID)
	default:
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", "unknown route")
	}
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, childID string) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = session.ModeWebrtc
	}
	start, err := h.Manager.CreateSession(r.Context(), childID, caller.UserID, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, start)
}

func (h *Handler) provisionIngest(w http.ResponseWriter, r *http.Request, childID string) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = session.ModeWebrtc
	}
	details, err := h.Manager.ProvisionIngest(r.Context(), childID, caller.UserID, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *Handler) getPlayback(w http.ResponseWriter, r *http.Request, childID string) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	info, err := h.Manager.GetPlayback(r.Context(), caller.UserID, childID, r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) getVods(w http.ResponseWriter, r *http.Request, childID string) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_PARAMS", "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}
	list, err := h.Manager.ListVods(r.Context(), caller.UserID, childID, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": list.Sessions,
		"pagination": map[string]interface{}{
			"nextCursor": list.NextCursor,
			"hasMore":    list.HasMore,
		},
	})
}

func (h *Handler) resetStreamKey(w http.ResponseWriter, r *http.Request, childID string) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	key, err := h.Manager.ResetStreamKey(r.Context(), childID, caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"streamKey": key})
}

// AdminSessions dispatches /admin/sessions/{sessionId}/force-stop.
func (h *Handler) AdminSessions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/sessions/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "force-stop" || r.Method != http.MethodPost {
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", "unknown route")
		return
	}
	caller, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional for force-stop.
	_ = decodeJSON(r, &body)
	if err := h.Manager.ForceStopSession(r.Context(), parts[0], caller.UserID, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": parts[0],
	})
}

// Health reports store reachability and pool occupancy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		h.Logger.Warn("store ping failed", "error", err)
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"pool":   h.Pool.Status(),
	})
}

package relay

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// AdminHandler exposes the moderation surface over plain HTTP. It is mounted
// on the same server as /ws and /metrics and guarded by a static bearer
// token; when no token is configured the surface is disabled entirely.
type AdminHandler struct {
	relay *Handler
	token string
}

// NewAdminHandler wraps a relay Handler with the moderation HTTP surface.
func NewAdminHandler(relay *Handler, token string) *AdminHandler {
	return &AdminHandler{relay: relay, token: token}
}

// Mount registers the admin routes on the given registrar (typically the
// ws.Server's Handle method). A missing token disables the surface rather
// than leaving it open.
func (a *AdminHandler) Mount(handle func(pattern string, handler http.Handler)) {
	if a.token == "" {
		log.Printf("admin: no token configured, moderation endpoints disabled")
		return
	}
	handle("DELETE /admin/messages/{id}", a.authorized(a.deleteMessage))
	handle("GET /admin/messages", a.authorized(a.listMessages))
	handle("POST /admin/mutes/{sessionId}", a.authorized(a.muteSession))
	handle("DELETE /admin/mutes/{sessionId}", a.authorized(a.unmuteSession))
}

// authorized rejects requests without the configured bearer token.
func (a *AdminHandler) authorized(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}

// deleteMessage removes a message by id and announces the removal to every
// connected client.
func (a *AdminHandler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	a.relay.DeleteMessage(id)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"deleted": id}); err != nil {
		log.Printf("admin: write delete response: %v", err)
	}
}

// muteSession silences a session. Duration comes from the "duration" query
// parameter (Go duration syntax); when absent the relay picks a default,
// longer for sessions with recent moderation history. Reason from "reason".
func (a *AdminHandler) muteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	var duration time.Duration
	if v := r.URL.Query().Get("duration"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "invalid duration", http.StatusBadRequest)
			return
		}
		duration = d
	} else {
		duration = a.relay.MuteDuration(r.Context(), sessionID)
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "moderator"
	}

	if err := a.relay.MuteSession(r.Context(), sessionID, duration, reason); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"muted":    sessionID,
		"duration": duration.String(),
	}); err != nil {
		log.Printf("admin: write mute response: %v", err)
	}
}

// unmuteSession lifts a mute immediately.
func (a *AdminHandler) unmuteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	if err := a.relay.UnmuteSession(r.Context(), sessionID); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listMessages returns the current in-memory chat log so a moderator can
// find the id to delete.
func (a *AdminHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.relay.msgs.History()); err != nil {
		log.Printf("admin: write list response: %v", err)
	}
}

// Package relay is the application layer of the presence server. It wires
// the session registry, the roster, the message log and the rate limiters to
// the wire protocol: every client event lands here after dispatch, mutates
// exactly one piece of shared state under its own lock, and fans out the
// resulting delta. Per connection, events are handled and broadcast in the
// order received; no global order across connections is promised.
package relay

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/portfolio/presence-relay/internal/ban"
	"github.com/portfolio/presence-relay/internal/chat"
	"github.com/portfolio/presence-relay/internal/geo"
	"github.com/portfolio/presence-relay/internal/metrics"
	"github.com/portfolio/presence-relay/internal/moderation"
	"github.com/portfolio/presence-relay/internal/presence"
	"github.com/portfolio/presence-relay/internal/protocol"
	"github.com/portfolio/presence-relay/internal/ratelimit"
	"github.com/portfolio/presence-relay/internal/report"
	"github.com/portfolio/presence-relay/internal/session"
	"github.com/portfolio/presence-relay/internal/ws"
)

// handlerTimeout bounds each session-store interaction so a slow Redis can
// never wedge the event path.
const handlerTimeout = 3 * time.Second

// MaxEmojiRunes caps the reaction emoji payload.
const MaxEmojiRunes = 8

// Sender delivers encoded server messages to connections. Implemented by
// *ws.ConnectionManager; tests substitute a fake.
type Sender interface {
	Send(socketID string, data []byte) error
	Broadcast(data []byte) int
	BroadcastExcept(socketID string, data []byte) int
}

// Archiver is the optional durable message store.
type Archiver interface {
	Enqueue(msg protocol.Message)
	EnqueueDelete(id int64)
}

// Publisher is the optional cross-instance event bridge.
type Publisher interface {
	Publish(data []byte) error
}

// Auditor durably records moderation actions and answers how many were
// taken against a session recently.
type Auditor interface {
	Record(ctx context.Context, a *report.Action) error
	CountRecent(ctx context.Context, sessionID string, window time.Duration) (int, error)
}

// Handler implements every relay operation. All methods are safe for
// concurrent use; shared state lives behind the roster's and log's locks.
type Handler struct {
	sessions *session.Registry
	roster   *presence.Roster
	msgs     *chat.Log
	sender   Sender
	limits   *ratelimit.Limiter // nil without Redis; nil fails open
	cursors  *ratelimit.BucketLimiter
	typing   *ratelimit.BucketLimiter
	filter   *moderation.Filter
	mutes    *ban.Store // nil without Redis; nil fails open
	archive  Archiver   // nil when persistence is disabled
	audit    Auditor    // nil when persistence is disabled
	bridge   Publisher  // nil when running single-instance
}

// New creates a Handler. archive, audit and bridge may be nil; limits and
// mutes may be nil when Redis is unavailable (both then fail open).
func New(sessions *session.Registry, roster *presence.Roster, msgs *chat.Log,
	sender Sender, limits *ratelimit.Limiter, mutes *ban.Store,
	archive Archiver, audit Auditor, bridge Publisher) *Handler {
	return &Handler{
		sessions: sessions,
		roster:   roster,
		msgs:     msgs,
		sender:   sender,
		limits:   limits,
		cursors:  ratelimit.NewBucketLimiter(rate.Limit(20), 5),  // one per 50ms sustained
		typing:   ratelimit.NewBucketLimiter(rate.Limit(0.5), 1), // one per 2s
		filter:   moderation.NewFilter(),
		mutes:    mutes,
		archive:  archive,
		audit:    audit,
		bridge:   bridge,
	}
}

// Register attaches all client event handlers to the dispatcher.
func (h *Handler) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeCursorChange, h.handleCursorChange)
	d.Register(protocol.TypeMsgSend, h.handleMsgSend)
	d.Register(protocol.TypeUpdateUser, h.handleUpdateUser)
	d.Register(protocol.TypeTypingSend, h.handleTypingSend)
	d.Register(protocol.TypeConfettiSend, h.handleConfettiSend)
}

// Close releases the handler's background limiters.
func (h *Handler) Close() {
	h.cursors.Close()
	h.typing.Close()
}

// ---------------------------------------------------------------------------
// Connect / disconnect
// ---------------------------------------------------------------------------

// HandleConnect runs the session handshake for a freshly upgraded
// connection. Delivery order is fixed: the session id first (so the client
// can persist it), then history replay, then the roster sync that announces
// the join. Nothing else may reach the client before the history that
// precedes it.
func (h *Handler) HandleConnect(conn *ws.Connection, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	presented := r.URL.Query().Get("sessionId")
	sess, isNew, err := h.sessions.Connect(ctx, presented)
	if err != nil {
		log.Printf("relay: session resolution failed socket=%s: %v", conn.ID, err)
		h.warn(conn.ID, "could not establish a session, please reconnect")
		return
	}
	conn.SessionID = sess.ID

	if isNew {
		metrics.SessionsResumed.WithLabelValues("new").Inc()
	} else {
		metrics.SessionsResumed.WithLabelValues("resumed").Inc()
	}

	// Geolocation comes from CDN headers on the upgrade request; refresh it
	// on every connect since visitors move.
	if g := geo.FromRequest(r); g.Country != "" {
		sess.Location = g.Country
		sess.Flag = g.Flag
		if err := h.sessions.SetLocation(ctx, sess.ID, g.Country, g.Flag); err != nil {
			log.Printf("relay: set location failed session=%s: %v", sess.ID, err)
		}
	}

	h.send(conn.ID, protocol.TypeSession, protocol.SessionMsg{SessionID: sess.ID})
	h.send(conn.ID, protocol.TypeMsgsReceiveInit, protocol.MsgsReceiveInitMsg{Msgs: h.msgs.History()})

	h.roster.Add(protocol.User{
		ID:        sess.ID,
		SocketID:  conn.ID,
		Name:      sess.Name,
		Avatar:    sess.Avatar,
		Color:     sess.Color,
		Location:  sess.Location,
		Flag:      sess.Flag,
		LastSeen:  sess.LastSeen,
		CreatedAt: sess.CreatedAt,
	})
	metrics.ConnectionsTotal.Set(float64(h.roster.Count()))

	h.broadcastRoster()
}

// HandleDisconnect removes the connection's user from the roster and
// announces the departure. The session record stays addressable for a later
// reconnect.
func (h *Handler) HandleDisconnect(conn *ws.Connection) {
	if _, ok := h.roster.Remove(conn.ID); !ok {
		return
	}
	h.cursors.Forget(conn.ID)
	h.typing.Forget(conn.ID)
	metrics.ConnectionsTotal.Set(float64(h.roster.Count()))

	if conn.SessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := h.sessions.Disconnect(ctx, conn.SessionID); err != nil {
			log.Printf("relay: disconnect touch failed session=%s: %v", conn.SessionID, err)
		}
	}

	h.broadcastRoster()
}

// ---------------------------------------------------------------------------
// Client events
// ---------------------------------------------------------------------------

// handleCursorChange updates the sender's position and relays the delta to
// everyone else. Updates beyond the per-connection rate are dropped, not
// queued: a stale cursor position is worthless.
func (h *Handler) handleCursorChange(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.CursorChangeMsg)
	if !ok {
		return
	}

	if !h.cursors.Allow(conn.ID) {
		metrics.EventsTotal.WithLabelValues(protocol.TypeCursorChange, "dropped").Inc()
		return
	}

	// The socket id in the payload is ignored; the connection itself is the
	// authority on who is moving.
	u, ok := h.roster.UpdateCursor(conn.ID, m.Pos.X, m.Pos.Y)
	if !ok {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeCursorChanged, protocol.CursorChangedMsg{
		SocketID: conn.ID,
		Pos:      protocol.Position{X: u.PosX, Y: u.PosY},
		Name:     u.Name,
		Avatar:   u.Avatar,
		Color:    u.Color,
		Flag:     u.Flag,
	})
	if err != nil {
		log.Printf("relay: build cursor-changed failed: %v", err)
		return
	}
	n := h.sender.BroadcastExcept(conn.ID, data)
	metrics.BroadcastFanout.Observe(float64(n))
	metrics.EventsTotal.WithLabelValues(protocol.TypeCursorChange, "relayed").Inc()
}

// handleMsgSend validates, stores and broadcasts a chat message. The sender
// receives the broadcast too: the client renders its own message from the
// echo rather than locally.
func (h *Handler) handleMsgSend(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.MsgSendMsg)
	if !ok {
		return
	}

	content, err := chat.ValidateContent(m.Content)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(protocol.TypeMsgSend, "rejected").Inc()
		// Whitespace-only submissions are a common misclick; drop silently.
		if strings.TrimSpace(m.Content) != "" {
			h.warn(conn.ID, err.Error())
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if muted, remaining, _, _ := h.mutes.IsMuted(ctx, conn.SessionID); muted {
		metrics.EventsTotal.WithLabelValues(protocol.TypeMsgSend, "rejected").Inc()
		h.warn(conn.ID, fmt.Sprintf("you are muted for another %ds", remaining))
		return
	}

	if r := h.filter.Check(content); r.Blocked {
		metrics.EventsTotal.WithLabelValues(protocol.TypeMsgSend, "rejected").Inc()
		log.Printf("relay: message blocked session=%s reason=%s term=%s", conn.SessionID, r.Reason, r.Term)
		if muted, duration, err := h.mutes.Strike(ctx, conn.SessionID, r.Reason); err == nil && muted {
			log.Printf("relay: session muted session=%s duration=%s", conn.SessionID, duration)
			h.recordAudit(&report.Action{
				Action:    report.ActionMute,
				SessionID: conn.SessionID,
				Moderator: "auto",
				Reason:    r.Reason,
				Detail:    map[string]string{"duration": duration.String(), "term": r.Term},
			})
			h.warn(conn.ID, fmt.Sprintf("message blocked; you are muted for %s", duration))
		} else {
			h.warn(conn.ID, "message blocked by content filter")
		}
		return
	}

	if allowed, _ := h.limits.Allow(ctx, conn.SessionID, ratelimit.RuleMessage); !allowed {
		metrics.EventsTotal.WithLabelValues(protocol.TypeMsgSend, "dropped").Inc()
		h.warn(conn.ID, "you are sending messages too quickly, slow down")
		return
	}

	u, ok := h.roster.Get(conn.ID)
	if !ok {
		return
	}

	stored := h.msgs.Append(protocol.Message{
		SessionID: conn.SessionID,
		Username:  u.Name,
		Avatar:    u.Avatar,
		Color:     u.Color,
		Content:   content,
		Flag:      u.Flag,
		Country:   u.Location,
		CreatedAt: time.Now().UnixMilli(),
	})

	if h.archive != nil {
		h.archive.Enqueue(stored)
		metrics.MessagesArchived.Inc()
	}

	data, err := protocol.NewServerMessage(protocol.TypeMsgReceive, stored)
	if err != nil {
		log.Printf("relay: build msg-receive failed: %v", err)
		return
	}
	n := h.sender.Broadcast(data)
	metrics.BroadcastFanout.Observe(float64(n))
	metrics.EventsTotal.WithLabelValues(protocol.TypeMsgSend, "relayed").Inc()
	h.publish(data)
}

// handleUpdateUser applies a partial profile edit to the session and the
// live roster, then syncs the roster to everyone.
func (h *Handler) handleUpdateUser(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.UpdateUserMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if muted, remaining, _, _ := h.mutes.IsMuted(ctx, conn.SessionID); muted {
		metrics.EventsTotal.WithLabelValues(protocol.TypeUpdateUser, "rejected").Inc()
		h.warn(conn.ID, fmt.Sprintf("you are muted for another %ds", remaining))
		return
	}

	if allowed, _ := h.limits.Allow(ctx, conn.SessionID, ratelimit.RuleProfile); !allowed {
		metrics.EventsTotal.WithLabelValues(protocol.TypeUpdateUser, "dropped").Inc()
		h.warn(conn.ID, "too many profile changes, slow down")
		return
	}

	if r := h.filter.Check(m.Username); r.Blocked {
		metrics.EventsTotal.WithLabelValues(protocol.TypeUpdateUser, "rejected").Inc()
		h.warn(conn.ID, "that name is not allowed")
		return
	}

	sess, err := h.sessions.UpdateProfile(ctx, conn.SessionID, session.ProfilePatch{
		Name:   m.Username,
		Avatar: m.Avatar,
		Color:  m.Color,
	})
	if err != nil {
		metrics.EventsTotal.WithLabelValues(protocol.TypeUpdateUser, "rejected").Inc()
		h.warn(conn.ID, "profile update rejected: name must not be empty")
		return
	}

	h.roster.UpdateProfile(conn.ID, sess.Name, sess.Avatar, sess.Color)
	metrics.EventsTotal.WithLabelValues(protocol.TypeUpdateUser, "relayed").Inc()
	h.broadcastRoster()
}

// handleTypingSend relays a typing signal to everyone else. The relay keeps
// no typing state: receivers expire the indicator on their own 3s timer.
func (h *Handler) handleTypingSend(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingSendMsg)
	if !ok {
		return
	}

	if !h.typing.Allow(conn.ID) {
		metrics.EventsTotal.WithLabelValues(protocol.TypeTypingSend, "dropped").Inc()
		return
	}

	username := m.Username
	if u, ok := h.roster.Get(conn.ID); ok && u.Name != "" {
		username = u.Name
	}

	data, err := protocol.NewServerMessage(protocol.TypeTypingReceive, protocol.TypingReceiveMsg{
		SocketID: conn.ID,
		Username: username,
	})
	if err != nil {
		log.Printf("relay: build typing-receive failed: %v", err)
		return
	}
	h.sender.BroadcastExcept(conn.ID, data)
	metrics.EventsTotal.WithLabelValues(protocol.TypeTypingSend, "relayed").Inc()
	h.publish(data)
}

// handleConfettiSend relays a reaction burst to everyone except the origin,
// which already rendered the effect locally. Excluding the sender here means
// clients never have to track their own burst ids, though the id is echoed
// for those that do.
func (h *Handler) handleConfettiSend(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ConfettiSendMsg)
	if !ok {
		return
	}

	if m.ID == "" || m.Emoji == "" || utf8.RuneCountInString(m.Emoji) > MaxEmojiRunes {
		metrics.EventsTotal.WithLabelValues(protocol.TypeConfettiSend, "rejected").Inc()
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeConfettiReceive, protocol.ConfettiReceiveMsg{
		ID:    m.ID,
		Emoji: m.Emoji,
		X:     m.X,
		Y:     m.Y,
	})
	if err != nil {
		log.Printf("relay: build confetti-receive failed: %v", err)
		return
	}
	n := h.sender.BroadcastExcept(conn.ID, data)
	metrics.BroadcastFanout.Observe(float64(n))
	metrics.EventsTotal.WithLabelValues(protocol.TypeConfettiSend, "relayed").Inc()
	h.publish(data)
}

// ---------------------------------------------------------------------------
// Moderation
// ---------------------------------------------------------------------------

// DeleteMessage removes a message by id and announces the deletion to all
// clients. Unknown ids are a no-op in the log; the announcement and the
// archive deletion are sent regardless so a message already trimmed from
// memory still disappears everywhere.
func (h *Handler) DeleteMessage(id int64) {
	var snapshot *protocol.Message
	for _, m := range h.msgs.History() {
		if m.ID == id {
			m := m
			snapshot = &m
			break
		}
	}

	removed := h.msgs.Delete(id)
	if h.archive != nil {
		h.archive.EnqueueDelete(id)
	}
	h.recordAudit(&report.Action{
		Action:    report.ActionDeleteMessage,
		SessionID: sessionOf(snapshot),
		Moderator: "admin",
		Detail:    snapshot,
	})

	data, err := protocol.NewServerMessage(protocol.TypeMsgDelete, protocol.MsgDeleteMsg{ID: id})
	if err != nil {
		log.Printf("relay: build msg-delete failed: %v", err)
		return
	}
	h.sender.Broadcast(data)
	h.publish(data)

	log.Printf("relay: moderation delete id=%d (in_memory=%v)", id, removed)
}

// MuteSession silences a session for the given duration. Returns an error
// when no mute store is configured (running without Redis).
func (h *Handler) MuteSession(ctx context.Context, sessionID string, duration time.Duration, reason string) error {
	if h.mutes == nil {
		return fmt.Errorf("relay: mute store not configured")
	}
	if err := h.mutes.Mute(ctx, sessionID, duration, reason); err != nil {
		return err
	}
	h.recordAudit(&report.Action{
		Action:    report.ActionMute,
		SessionID: sessionID,
		Moderator: "admin",
		Reason:    reason,
		Detail:    map[string]string{"duration": duration.String()},
	})
	log.Printf("relay: session muted session=%s duration=%s reason=%s", sessionID, duration, reason)
	return nil
}

// MuteDuration picks the default mute length for a session. A session with
// prior moderation actions in the last 24 hours gets the long mute;
// otherwise, or when no audit store is configured, the short one.
func (h *Handler) MuteDuration(ctx context.Context, sessionID string) time.Duration {
	if h.audit == nil {
		return ban.Mute1Hour
	}
	n, err := h.audit.CountRecent(ctx, sessionID, 24*time.Hour)
	if err != nil {
		log.Printf("relay: audit count failed session=%s: %v", sessionID, err)
		return ban.Mute1Hour
	}
	if n > 0 {
		return ban.Mute24Hour
	}
	return ban.Mute1Hour
}

// UnmuteSession lifts a mute immediately.
func (h *Handler) UnmuteSession(ctx context.Context, sessionID string) error {
	if h.mutes == nil {
		return fmt.Errorf("relay: mute store not configured")
	}
	if err := h.mutes.Unmute(ctx, sessionID); err != nil {
		return err
	}
	h.recordAudit(&report.Action{
		Action:    report.ActionUnmute,
		SessionID: sessionID,
		Moderator: "admin",
	})
	return nil
}

// ---------------------------------------------------------------------------
// Bridge
// ---------------------------------------------------------------------------

// HandleBridgeEvent forwards an event published by another relay instance to
// all local connections. The bridge already filtered out our own events.
func (h *Handler) HandleBridgeEvent(data []byte) {
	h.sender.Broadcast(data)
}

// publish hands an encoded broadcast to the cross-instance bridge, if any.
func (h *Handler) publish(data []byte) {
	if h.bridge == nil {
		return
	}
	if err := h.bridge.Publish(data); err != nil {
		log.Printf("relay: bridge publish failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// broadcastRoster syncs the full roster to every connection, the sender of
// the triggering event included: its own record is part of the roster.
func (h *Handler) broadcastRoster() {
	data, err := protocol.NewServerMessage(protocol.TypeUsersUpdated, protocol.UsersUpdatedMsg{
		Users: h.roster.Users(),
	})
	if err != nil {
		log.Printf("relay: build users-updated failed: %v", err)
		return
	}
	n := h.sender.Broadcast(data)
	metrics.BroadcastFanout.Observe(float64(n))
}

// recordAudit persists a moderation action when an audit store is
// configured. Audit failures are logged, never surfaced to clients.
func (h *Handler) recordAudit(a *report.Action) {
	if h.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := h.audit.Record(ctx, a); err != nil {
		log.Printf("relay: audit record failed action=%s: %v", a.Action, err)
	}
}

// sessionOf returns the session id of a message snapshot, or empty when the
// message was already trimmed from the log.
func sessionOf(m *protocol.Message) string {
	if m == nil {
		return ""
	}
	return m.SessionID
}

// send unicasts a typed message to one connection.
func (h *Handler) send(socketID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("relay: build %s failed: %v", msgType, err)
		return
	}
	if err := h.sender.Send(socketID, data); err != nil {
		log.Printf("relay: send %s to socket=%s failed: %v", msgType, socketID, err)
	}
}

// warn unicasts a system notice to the offending connection only.
func (h *Handler) warn(socketID, message string) {
	h.send(socketID, protocol.TypeWarning, protocol.WarningMsg{Message: message})
}

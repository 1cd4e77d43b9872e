package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/portfolio/presence-relay/internal/ban"
	"github.com/portfolio/presence-relay/internal/chat"
	"github.com/portfolio/presence-relay/internal/presence"
	"github.com/portfolio/presence-relay/internal/protocol"
	"github.com/portfolio/presence-relay/internal/report"
	"github.com/portfolio/presence-relay/internal/session"
	"github.com/portfolio/presence-relay/internal/ws"
)

// delivery records one message handed to the fake sender.
type delivery struct {
	kind     string // "unicast", "broadcast", "except"
	socketID string // target for unicast, excluded id for except
	data     []byte
}

// fakeSender records every delivery for inspection.
type fakeSender struct {
	deliveries []delivery
}

func (f *fakeSender) Send(socketID string, data []byte) error {
	f.deliveries = append(f.deliveries, delivery{kind: "unicast", socketID: socketID, data: data})
	return nil
}

func (f *fakeSender) Broadcast(data []byte) int {
	f.deliveries = append(f.deliveries, delivery{kind: "broadcast", data: data})
	return 1
}

func (f *fakeSender) BroadcastExcept(socketID string, data []byte) int {
	f.deliveries = append(f.deliveries, delivery{kind: "except", socketID: socketID, data: data})
	return 1
}

func (f *fakeSender) reset() {
	f.deliveries = nil
}

// msgType extracts the "type" field of an encoded server message.
func msgType(t *testing.T, data []byte) string {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal delivery: %v", err)
	}
	s, _ := m["type"].(string)
	return s
}

func newTestHandler(t *testing.T) (*Handler, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	h := New(
		session.NewRegistry(session.NewMemoryStore()),
		presence.NewRoster(),
		chat.NewLog(chat.DefaultMaxHistory),
		sender,
		nil, // no Redis window limits in tests; they fail open
		nil, // no mute store; mute checks fail open
		nil, // no archive
		nil, // no audit trail
		nil, // no bridge
	)
	t.Cleanup(h.Close)
	return h, sender
}

func connect(t *testing.T, h *Handler, socketID string) *ws.Connection {
	t.Helper()
	conn := &ws.Connection{ID: socketID}
	r := httptest.NewRequest("GET", "/ws", nil)
	h.HandleConnect(conn, r)
	if conn.SessionID == "" {
		t.Fatalf("connect did not assign a session id to socket %s", socketID)
	}
	return conn
}

func TestConnectDeliveryOrder(t *testing.T) {
	h, sender := newTestHandler(t)

	connect(t, h, "sock-1")

	if len(sender.deliveries) != 3 {
		t.Fatalf("expected 3 deliveries on connect, got %d", len(sender.deliveries))
	}
	want := []struct{ kind, msgType string }{
		{"unicast", protocol.TypeSession},
		{"unicast", protocol.TypeMsgsReceiveInit},
		{"broadcast", protocol.TypeUsersUpdated},
	}
	for i, w := range want {
		d := sender.deliveries[i]
		if d.kind != w.kind || msgType(t, d.data) != w.msgType {
			t.Errorf("delivery %d: got kind=%s type=%s, want kind=%s type=%s",
				i, d.kind, msgType(t, d.data), w.kind, w.msgType)
		}
	}
	if sender.deliveries[0].socketID != "sock-1" {
		t.Errorf("session message went to socket %s, want sock-1", sender.deliveries[0].socketID)
	}
}

func TestConnectReusesPresentedSession(t *testing.T) {
	h, sender := newTestHandler(t)

	conn := connect(t, h, "sock-1")
	first := conn.SessionID
	h.HandleDisconnect(conn)
	sender.reset()

	r := httptest.NewRequest("GET", "/ws?sessionId="+first, nil)
	conn2 := &ws.Connection{ID: "sock-2"}
	h.HandleConnect(conn2, r)

	if conn2.SessionID != first {
		t.Errorf("expected session %s to be reused, got %s", first, conn2.SessionID)
	}
}

func TestConnectHistoryReplay(t *testing.T) {
	h, sender := newTestHandler(t)

	conn := connect(t, h, "sock-1")
	h.handleMsgSend(conn, protocol.MsgSendMsg{Content: "hello"})
	h.handleMsgSend(conn, protocol.MsgSendMsg{Content: "world"})
	sender.reset()

	connect(t, h, "sock-2")

	var replay protocol.MsgsReceiveInitMsg
	found := false
	for _, d := range sender.deliveries {
		if d.kind == "unicast" && msgType(t, d.data) == protocol.TypeMsgsReceiveInit {
			if err := json.Unmarshal(d.data, &replay); err != nil {
				t.Fatalf("unmarshal history replay: %v", err)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("no history replay delivered on connect")
	}
	if len(replay.Msgs) != 2 {
		t.Fatalf("expected 2 replayed messages, got %d", len(replay.Msgs))
	}
	if replay.Msgs[0].Content != "hello" || replay.Msgs[1].Content != "world" {
		t.Errorf("replay out of order: %q, %q", replay.Msgs[0].Content, replay.Msgs[1].Content)
	}
}

func TestCursorChangeExcludesSender(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	sender.reset()

	h.handleCursorChange(conn, protocol.CursorChangeMsg{
		SocketID: "spoofed-id",
		Pos:      protocol.Position{X: 10, Y: 20},
	})

	if len(sender.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.deliveries))
	}
	d := sender.deliveries[0]
	if d.kind != "except" || d.socketID != "sock-1" {
		t.Errorf("cursor delta should exclude the sender, got kind=%s exclude=%s", d.kind, d.socketID)
	}
	var out protocol.CursorChangedMsg
	if err := json.Unmarshal(d.data, &out); err != nil {
		t.Fatalf("unmarshal cursor delta: %v", err)
	}
	if out.SocketID != "sock-1" {
		t.Errorf("relayed socket id %q, want the connection's own id", out.SocketID)
	}
	if out.Pos.X != 10 || out.Pos.Y != 20 {
		t.Errorf("relayed position (%v, %v), want (10, 20)", out.Pos.X, out.Pos.Y)
	}
}

func TestCursorChangeRateLimited(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	sender.reset()

	// The bucket allows a burst of 5; the rest of a rapid volley is dropped.
	for i := 0; i < 20; i++ {
		h.handleCursorChange(conn, protocol.CursorChangeMsg{Pos: protocol.Position{X: float64(i)}})
	}
	if len(sender.deliveries) != 5 {
		t.Errorf("expected 5 relayed cursor updates from a burst of 20, got %d", len(sender.deliveries))
	}
}

func TestMsgSendBroadcastsToAll(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	sender.reset()

	h.handleMsgSend(conn, protocol.MsgSendMsg{Content: "  hi there  "})

	if len(sender.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.deliveries))
	}
	d := sender.deliveries[0]
	if d.kind != "broadcast" {
		t.Errorf("chat messages must reach the sender too, got kind=%s", d.kind)
	}
	var out protocol.Message
	if err := json.Unmarshal(d.data, &out); err != nil {
		t.Fatalf("unmarshal msg-receive: %v", err)
	}
	if out.Content != "hi there" {
		t.Errorf("content %q, want trimmed %q", out.Content, "hi there")
	}
	if out.ID == 0 {
		t.Error("broadcast message has no assigned id")
	}
	if out.SessionID != conn.SessionID {
		t.Errorf("message session %q, want %q", out.SessionID, conn.SessionID)
	}
}

func TestMsgSendWhitespaceOnlyDroppedSilently(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	sender.reset()

	h.handleMsgSend(conn, protocol.MsgSendMsg{Content: "   \n\t  "})

	if len(sender.deliveries) != 0 {
		t.Errorf("whitespace-only content should produce no deliveries, got %d", len(sender.deliveries))
	}
}

func TestMsgSendOversizeWarnsSenderOnly(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	sender.reset()

	h.handleMsgSend(conn, protocol.MsgSendMsg{Content: strings.Repeat("a", chat.MaxContentChars+1)})

	if len(sender.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.deliveries))
	}
	d := sender.deliveries[0]
	if d.kind != "unicast" || d.socketID != "sock-1" || msgType(t, d.data) != protocol.TypeWarning {
		t.Errorf("oversize content should warn the sender only, got kind=%s target=%s type=%s",
			d.kind, d.socketID, msgType(t, d.data))
	}
}

func TestMsgSendBlockedContentWarnsSenderOnly(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	sender.reset()

	h.handleMsgSend(conn, protocol.MsgSendMsg{Content: "check out http://spam.example.com/win"})

	if len(sender.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.deliveries))
	}
	d := sender.deliveries[0]
	if d.kind != "unicast" || msgType(t, d.data) != protocol.TypeWarning {
		t.Errorf("blocked content should warn the sender only, got kind=%s type=%s",
			d.kind, msgType(t, d.data))
	}
	if h.msgs.Len() != 0 {
		t.Errorf("blocked message must not enter the log, have %d", h.msgs.Len())
	}
}

func TestUpdateUserBroadcastsRoster(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	sender.reset()

	h.handleUpdateUser(conn, protocol.UpdateUserMsg{Username: "Ada", Avatar: "42", Color: "#ff8800"})

	if len(sender.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.deliveries))
	}
	d := sender.deliveries[0]
	if d.kind != "broadcast" || msgType(t, d.data) != protocol.TypeUsersUpdated {
		t.Fatalf("expected a users-updated broadcast, got kind=%s type=%s", d.kind, msgType(t, d.data))
	}
	var out protocol.UsersUpdatedMsg
	if err := json.Unmarshal(d.data, &out); err != nil {
		t.Fatalf("unmarshal roster sync: %v", err)
	}
	if len(out.Users) != 1 || out.Users[0].Name != "Ada" || out.Users[0].Avatar != "42" {
		t.Errorf("roster after profile edit: %+v", out.Users)
	}
}

func TestUpdateUserEmptyNameWarns(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	sender.reset()

	h.handleUpdateUser(conn, protocol.UpdateUserMsg{Username: "   "})

	if len(sender.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.deliveries))
	}
	d := sender.deliveries[0]
	if d.kind != "unicast" || msgType(t, d.data) != protocol.TypeWarning {
		t.Errorf("empty name should warn the sender, got kind=%s type=%s", d.kind, msgType(t, d.data))
	}
}

func TestTypingRelayExcludesSender(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	sender.reset()

	h.handleTypingSend(conn, protocol.TypingSendMsg{Username: "ignored"})

	if len(sender.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.deliveries))
	}
	d := sender.deliveries[0]
	if d.kind != "except" || d.socketID != "sock-1" {
		t.Errorf("typing relay should exclude the sender, got kind=%s exclude=%s", d.kind, d.socketID)
	}
	var out protocol.TypingReceiveMsg
	if err := json.Unmarshal(d.data, &out); err != nil {
		t.Fatalf("unmarshal typing relay: %v", err)
	}
	if out.SocketID != "sock-1" {
		t.Errorf("typing socket id %q, want sock-1", out.SocketID)
	}
	// The roster name wins over whatever the client claims.
	if out.Username != "Anonymous" {
		t.Errorf("typing username %q, want roster name", out.Username)
	}

	// A second signal inside the 2s window is dropped.
	h.handleTypingSend(conn, protocol.TypingSendMsg{})
	if len(sender.deliveries) != 1 {
		t.Errorf("rapid repeat typing signal should be dropped, got %d deliveries", len(sender.deliveries))
	}
}

func TestConfettiRelayExcludesSender(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	sender.reset()

	h.handleConfettiSend(conn, protocol.ConfettiSendMsg{ID: "burst-1", Emoji: "🎉", X: 0.5, Y: 0.25})

	if len(sender.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.deliveries))
	}
	d := sender.deliveries[0]
	if d.kind != "except" || d.socketID != "sock-1" {
		t.Errorf("confetti relay should exclude the sender, got kind=%s exclude=%s", d.kind, d.socketID)
	}
	var out protocol.ConfettiReceiveMsg
	if err := json.Unmarshal(d.data, &out); err != nil {
		t.Fatalf("unmarshal confetti relay: %v", err)
	}
	if out.ID != "burst-1" || out.Emoji != "🎉" {
		t.Errorf("confetti payload id=%q emoji=%q, want echoed burst", out.ID, out.Emoji)
	}
}

func TestConfettiRejectsBadPayload(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	sender.reset()

	h.handleConfettiSend(conn, protocol.ConfettiSendMsg{ID: "", Emoji: "🎉"})
	h.handleConfettiSend(conn, protocol.ConfettiSendMsg{ID: "b", Emoji: ""})
	h.handleConfettiSend(conn, protocol.ConfettiSendMsg{ID: "b", Emoji: strings.Repeat("x", MaxEmojiRunes+1)})

	if len(sender.deliveries) != 0 {
		t.Errorf("invalid confetti payloads should be dropped, got %d deliveries", len(sender.deliveries))
	}
}

func TestDisconnectBroadcastsRoster(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	connect(t, h, "sock-2")
	sender.reset()

	h.HandleDisconnect(conn)

	if len(sender.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.deliveries))
	}
	var out protocol.UsersUpdatedMsg
	if err := json.Unmarshal(sender.deliveries[0].data, &out); err != nil {
		t.Fatalf("unmarshal roster sync: %v", err)
	}
	if len(out.Users) != 1 || out.Users[0].SocketID != "sock-2" {
		t.Errorf("roster after disconnect: %+v", out.Users)
	}

	// A second disconnect for the same socket is a no-op.
	h.HandleDisconnect(conn)
	if len(sender.deliveries) != 1 {
		t.Errorf("double disconnect should not rebroadcast, got %d deliveries", len(sender.deliveries))
	}
}

func TestDeleteMessageBroadcasts(t *testing.T) {
	h, sender := newTestHandler(t)
	conn := connect(t, h, "sock-1")
	h.handleMsgSend(conn, protocol.MsgSendMsg{Content: "delete me"})

	var stored protocol.Message
	if err := json.Unmarshal(sender.deliveries[len(sender.deliveries)-1].data, &stored); err != nil {
		t.Fatalf("unmarshal msg-receive: %v", err)
	}
	sender.reset()

	h.DeleteMessage(stored.ID)

	if len(sender.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.deliveries))
	}
	d := sender.deliveries[0]
	if d.kind != "broadcast" || msgType(t, d.data) != protocol.TypeMsgDelete {
		t.Fatalf("expected a msg-delete broadcast, got kind=%s type=%s", d.kind, msgType(t, d.data))
	}
	var out protocol.MsgDeleteMsg
	if err := json.Unmarshal(d.data, &out); err != nil {
		t.Fatalf("unmarshal msg-delete: %v", err)
	}
	if out.ID != stored.ID {
		t.Errorf("deleted id %d, want %d", out.ID, stored.ID)
	}

	// Deleting an id nobody has is still announced; downstream delete is
	// idempotent and the archive may hold messages the log already trimmed.
	sender.reset()
	h.DeleteMessage(99999)
	if len(sender.deliveries) != 1 {
		t.Errorf("unknown-id delete should still broadcast, got %d deliveries", len(sender.deliveries))
	}
}

func TestGeoHeaderSetsLocation(t *testing.T) {
	h, sender := newTestHandler(t)

	conn := &ws.Connection{ID: "sock-1"}
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("CF-IPCountry", "NL")
	h.HandleConnect(conn, r)

	var out protocol.UsersUpdatedMsg
	last := sender.deliveries[len(sender.deliveries)-1]
	if err := json.Unmarshal(last.data, &out); err != nil {
		t.Fatalf("unmarshal roster sync: %v", err)
	}
	if len(out.Users) != 1 || out.Users[0].Location != "NL" || out.Users[0].Flag == "" {
		t.Errorf("roster user location: %+v", out.Users)
	}
}

func TestBridgeEventForwardedLocally(t *testing.T) {
	h, sender := newTestHandler(t)
	connect(t, h, "sock-1")
	sender.reset()

	raw := []byte(`{"type":"msg-receive","content":"from elsewhere"}`)
	h.HandleBridgeEvent(raw)

	if len(sender.deliveries) != 1 || sender.deliveries[0].kind != "broadcast" {
		t.Fatalf("bridge events should be broadcast locally, got %+v", sender.deliveries)
	}
	if string(sender.deliveries[0].data) != string(raw) {
		t.Error("bridge payload should be forwarded verbatim")
	}
}

// fakeAuditor records actions in memory and reports a fixed count of
// recent ones.
type fakeAuditor struct {
	actions []*report.Action
	recent  int
}

func (f *fakeAuditor) Record(ctx context.Context, a *report.Action) error {
	f.actions = append(f.actions, a)
	return nil
}

func (f *fakeAuditor) CountRecent(ctx context.Context, sessionID string, window time.Duration) (int, error) {
	return f.recent, nil
}

func TestMuteDurationEscalatesForRepeatOffenders(t *testing.T) {
	audit := &fakeAuditor{}
	h := New(
		session.NewRegistry(session.NewMemoryStore()),
		presence.NewRoster(),
		chat.NewLog(chat.DefaultMaxHistory),
		&fakeSender{},
		nil, nil, nil,
		audit,
		nil,
	)
	t.Cleanup(h.Close)

	ctx := context.Background()
	if d := h.MuteDuration(ctx, "sess-1"); d != ban.Mute1Hour {
		t.Errorf("first offense should get the short mute, got %s", d)
	}

	audit.recent = 2
	if d := h.MuteDuration(ctx, "sess-1"); d != ban.Mute24Hour {
		t.Errorf("session with recent actions should get the long mute, got %s", d)
	}
}

func TestMuteDurationWithoutAuditStore(t *testing.T) {
	h, _ := newTestHandler(t)
	if d := h.MuteDuration(context.Background(), "sess-1"); d != ban.Mute1Hour {
		t.Errorf("no audit store should fall back to the short mute, got %s", d)
	}
}

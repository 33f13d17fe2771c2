package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

// ============================================================================
// Test Helpers
// ============================================================================

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// newTestAPI serves an empty history and confirms every send as srv-1.
func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/messages":
			writeResult(w, http.StatusOK, `{"ok":true,"data":[]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/messages":
			var req SendRequest
			json.NewDecoder(r.Body).Decode(&req)
			data, _ := json.Marshal(map[string]any{
				"id":             "srv-1",
				"localId":        req.LocalID,
				"conversationId": req.ConversationID,
				"kind":           req.Kind,
				"content":        req.Content,
				"author":         map[string]string{"id": "u1", "displayName": "Me"},
				"createdAt":      "2026-01-01T12:00:00Z",
			})
			writeResult(w, http.StatusOK, `{"ok":true,"data":`+string(data)+`}`)
		default:
			writeResult(w, http.StatusNotFound, `{"ok":false,"error":{"code":"NOT_FOUND","message":"no route"}}`)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func startTestSession(t *testing.T, opts ...Option) (*Session, *fakeDialer) {
	t.Helper()
	server := newTestAPI(t)
	creds := testCredentials()
	dialer := &fakeDialer{}
	opts = append(opts, WithLogger(zaptest.NewLogger(t)))
	session := NewSession(NewClient(server.URL, creds), dialer, creds, &SessionConfig{Connection: *fastReconnect()}, opts...)

	if err := session.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { session.Stop() })
	if _, err := session.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return session, dialer
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestSessionStartRequiresCredential(t *testing.T) {
	creds := NewStaticCredentials(Credential{})
	dialer := &fakeDialer{}
	session := NewSession(NewClient("http://localhost", creds), dialer, creds, nil)

	if err := session.Start(context.Background(), []string{"c1"}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("Expected ErrMissingCredential, got %v", err)
	}
	if dialer.dialCount() != 0 {
		t.Fatal("Expected no dial without a credential")
	}
}

func TestSessionIdentify(t *testing.T) {
	session, _ := startTestSession(t)

	self := session.Self()
	if self.ID != "u1" || self.DisplayName != "Me" {
		t.Fatalf("Unexpected self: %+v", self)
	}
	// the credential taught the resolver the handle
	if id, _ := session.Resolver().Resolve(IdentityHint{Handle: "@me"}); id != "u1" {
		t.Fatalf("Expected @me to resolve to u1, got %q", id)
	}
}

func TestSessionOpenJoinsAndLoads(t *testing.T) {
	session, dialer := startTestSession(t)

	if got := dialer.channel(0).commands(); !equalStrings(got, []string{"join:c1"}) {
		t.Fatalf("Expected [join:c1], got %v", got)
	}
	w := session.Store().Window("c1")
	if w.HasMoreOlder {
		t.Fatal("Expected an empty first page to end the history")
	}
}

func TestSessionOpenRefreshesCachedWindow(t *testing.T) {
	cache := openTestCache(t)
	if err := cache.Save("c1", []Message{textMessage("old", "c1", at(1), "before restart")}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		writeResult(w, http.StatusOK, `{"ok":true,"data":[
			{"id":"new","conversationId":"c1","senderId":"u2","content":"while offline","createdAt":"2026-01-01T12:00:05Z"}]}`)
	}))
	defer server.Close()

	creds := testCredentials()
	session := NewSession(NewClient(server.URL, creds), &fakeDialer{}, creds,
		&SessionConfig{Connection: *fastReconnect()}, WithCache(cache), WithLogger(zaptest.NewLogger(t)))
	if err := session.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Stop()

	if got := messageIDs(session.Store().Window("c1")); !equalStrings(got, []string{"old"}) {
		t.Fatalf("Expected the cached window first, got %v", got)
	}

	w, err := session.Open(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := messageIDs(w); !equalStrings(got, []string{"old", "new"}) {
		t.Fatalf("Expected [old new], got %v", got)
	}
	if !session.Store().Fetched("c1") {
		t.Fatal("Expected the window to be marked fetched")
	}

	// a second Open does not refetch
	session.Open(context.Background(), "c1")
	if n := fetches.Load(); n != 1 {
		t.Fatalf("Expected 1 history fetch, got %d", n)
	}
}

func TestSessionStop(t *testing.T) {
	session, _ := startTestSession(t)
	session.Typing().OnRemoteTypingEvent("c1", "u2", true)
	session.Store().MergeIncoming("c1", []Message{textMessage("a", "c1", at(1), "hi")})

	if err := session.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if session.Connection().State() != StateDisconnected {
		t.Fatalf("Expected disconnected, got %s", session.Connection().State())
	}
	if len(session.Typing().Typists("c1")) != 0 {
		t.Fatal("Expected typing cleared")
	}
	if _, ok := session.Store().Get("a"); ok {
		t.Fatal("Expected store reset")
	}
	if !session.SelfID().IsAnonymous() {
		t.Fatal("Expected anonymous self after Stop")
	}
}

// ============================================================================
// Event Routing
// ============================================================================

func TestSessionRoutesMessageEvents(t *testing.T) {
	session, dialer := startTestSession(t)
	ch := dialer.channel(0)
	store := session.Store()

	ch.send(t, EventMessageNew, raw(`{"conversationId":"c1","message":{
		"id":"m1","author":{"handle":"@ME"},"content":"from another device","createdAt":"2026-01-01T12:00:01Z"}}`))
	ch.send(t, EventMessageNew, raw(`{"conversationId":"c1","message":{
		"id":"m2","senderId":"u2","kind":"text","content":"hello","createdAt":1767268802000}}`))

	eventually(t, func() bool { return len(store.Window("c1").Messages) == 2 }, "two messages merged")
	w := store.Window("c1")
	if !equalStrings(messageIDs(w), []string{"m1", "m2"}) {
		t.Fatalf("Expected [m1 m2], got %v", messageIDs(w))
	}
	if !w.Messages[0].Outgoing || w.Messages[0].Author.ID != "u1" {
		t.Fatalf("Expected m1 attributed to the current user, got %+v", w.Messages[0].Author)
	}
	if w.Messages[1].Outgoing {
		t.Fatal("Expected m2 to be incoming")
	}

	ch.send(t, EventMessageUpdated, raw(`{"message":{"id":"m2","content":"hello, edited","reactions":[{"userId":"u1","kind":"like"}]}}`))
	eventually(t, func() bool {
		m, _ := store.Get("m2")
		return m.Payload.Text == "hello, edited"
	}, "edit applied")
	if m, _ := store.Get("m2"); len(m.Reactions) != 1 {
		t.Fatalf("Expected reactions replaced, got %v", m.Reactions)
	}

	ch.send(t, EventMessageRecalled, raw(`{"messageId":"m2","conversationId":"c1"}`))
	eventually(t, func() bool {
		m, _ := store.Get("m2")
		return m.State == DeliveryRecalled
	}, "recall applied")

	// a late update cannot undo the recall
	ch.send(t, EventMessageUpdated, raw(`{"message":{"id":"m2","content":"back","status":"sent"}}`))
	ch.send(t, EventMessageNew, raw(`{"conversationId":"c1","message":{"id":"m3","senderId":"u2","content":"marker","createdAt":1767268803000}}`))
	eventually(t, func() bool { return len(store.Window("c1").Messages) == 3 }, "marker merged")
	if m, _ := store.Get("m2"); m.State != DeliveryRecalled || m.Payload.Text != "" {
		t.Fatalf("Expected m2 to stay recalled, got %s %q", m.State, m.Payload.Text)
	}
}

func TestSessionRoutesTypingAndPresence(t *testing.T) {
	session, dialer := startTestSession(t)
	ch := dialer.channel(0)
	typing := session.Typing()

	ch.send(t, EventTyping, raw(`{"conversationId":"c1","user":{"id":"u1"},"isTyping":true}`))
	ch.send(t, EventTyping, raw(`{"conversationId":"c1","user":{"email":"Bob@Example.com"},"isTyping":true}`))
	ch.send(t, EventPresence, raw(`{"userId":"u2","isOnline":true}`))

	eventually(t, func() bool { return typing.Online("u2") }, "presence applied")
	got := typing.Typists("c1")
	if len(got) != 1 || got[0] != "@bob@example.com" {
		t.Fatalf("Expected only bob typing, got %v", got)
	}

	ch.send(t, EventTyping, raw(`{"conversationId":"c1","user":{"email":"bob@example.com"},"isTyping":false}`))
	eventually(t, func() bool { return len(typing.Typists("c1")) == 0 }, "typing stopped")
}

func TestSessionDropsMalformedEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	session, dialer := startTestSession(t, WithMetrics(m))
	ch := dialer.channel(0)

	ch.in <- frame{env: Envelope{Type: EventTyping, Payload: raw(`"oops"`)}}
	ch.send(t, EventMessageRecalled, raw(`{"conversationId":"c1"}`))
	ch.send(t, EventMessageNew, raw(`{"message":{"id":"x","content":"no conversation","createdAt":1}}`))
	ch.send(t, EventMessageNew, raw(`{"conversationId":"c1","message":{"content":"no id","createdAt":1}}`))
	ch.send(t, EventPresence, raw(`{"userId":"u2","isOnline":true}`))

	eventually(t, func() bool { return session.Typing().Online("u2") }, "later events still delivered")
	if v := testutil.ToFloat64(m.eventsDropped.WithLabelValues("malformed_payload")); v != 3 {
		t.Fatalf("Expected 3 dropped payloads, got %v", v)
	}
	if v := testutil.ToFloat64(m.eventsDropped.WithLabelValues("malformed_message")); v != 1 {
		t.Fatalf("Expected 1 dropped message, got %v", v)
	}
	if len(session.Store().Window("c1").Messages) != 0 {
		t.Fatal("Expected no message merged")
	}
	if session.Connection().State() != StateConnected {
		t.Fatalf("Expected to stay connected, got %s", session.Connection().State())
	}
}

func TestSessionClearsTypingOnDisconnect(t *testing.T) {
	session, dialer := startTestSession(t)
	session.Typing().OnRemoteTypingEvent("c1", "u2", true)

	dialer.channel(0).fail(ErrCredentialRejected)
	eventually(t, func() bool { return session.Connection().State() == StateDisconnected }, "terminal disconnect")
	eventually(t, func() bool { return len(session.Typing().Typists("c1")) == 0 }, "typing cleared")
}

// ============================================================================
// Sending
// ============================================================================

func TestSessionSendTextWithEcho(t *testing.T) {
	session, dialer := startTestSession(t)
	ch := dialer.channel(0)

	session.Typing().OnLocalTextChanged("c1")
	msg, err := session.SendText(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if session.Typing().LocallyTyping("c1") {
		t.Fatal("Expected sending to stop local typing")
	}
	session.Sender().Wait()

	ch.send(t, EventMessageNew, raw(`{"conversationId":"c1","message":{
		"id":"srv-1","author":{"id":"u1"},"content":"hello","createdAt":"2026-01-01T12:00:00Z"}}`))
	ch.send(t, EventPresence, raw(`{"userId":"u9","isOnline":true}`))
	eventually(t, func() bool { return session.Typing().Online("u9") }, "echo processed")

	w := session.Store().Window("c1")
	if len(w.Messages) != 1 {
		t.Fatalf("Expected a single message, got %v", messageIDs(w))
	}
	got := w.Messages[0]
	if got.ID != "srv-1" || got.LocalID != msg.LocalID || !got.Outgoing || got.State != DeliverySent {
		t.Fatalf("Unexpected message: %+v", got)
	}

	cmds := ch.commands()
	if len(cmds) < 3 || cmds[1] != CommandTyping || cmds[2] != CommandTyping {
		t.Fatalf("Expected typing start and stop after the join, got %v", cmds)
	}
}

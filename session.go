// Package chatsync keeps a chat client in sync with the server: message
// windows, optimistic sends, typing indicators and the event channel that
// feeds them.
//
// Example:
//
//	creds := chatsync.NewTokenCredentials(token)
//	api := chatsync.NewClient("https://chat.example.com/api", creds)
//	dialer := &chatsync.WebSocketDialer{URL: "wss://chat.example.com/ws"}
//
//	session := chatsync.NewSession(api, dialer, creds, nil)
//	if err := session.Start(ctx, []string{"c1"}); err != nil {
//		return err
//	}
//	defer session.Stop()
//
//	unsubscribe := session.Store().Subscribe("c1", func(w chatsync.WindowSnapshot) {
//		render(w.Messages)
//	})
//	defer unsubscribe()
//
//	session.SendText(ctx, "c1", "hi")
package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SessionConfig configures every component of a Session.
type SessionConfig struct {
	Connection ConnectionConfig
	Typing     TypingConfig
	Sender     SenderConfig
	// PageSize for history loads; zero means 30.
	PageSize int
}

// Session wires the components for one logged-in user. Create it on login
// with Start and tear it down on logout with Stop; dependents receive it
// explicitly.
type Session struct {
	api      *Client
	creds    CredentialProvider
	resolver *Resolver
	conn     *Connection
	store    *Store
	typing   *Typing
	sender   *Sender
	log      *zap.Logger
	metrics  *Metrics
	pageSize int

	mu   sync.RWMutex
	self UserRef
}

// NewSession builds the components on top of api. Inbound events from the
// channel opened by dialer are routed into the store and the typing
// coordinator.
func NewSession(api *Client, dialer Dialer, creds CredentialProvider, config *SessionConfig, opts ...Option) *Session {
	var cfg SessionConfig
	if config != nil {
		cfg = *config
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 30
	}
	o := buildOptions(opts)

	s := &Session{
		api:      api,
		creds:    creds,
		resolver: api.resolver,
		log:      o.log.Named("session"),
		metrics:  o.metrics,
		pageSize: cfg.PageSize,
		self:     AnonymousUser,
	}
	s.conn = NewConnection(creds, dialer, &cfg.Connection, opts...)
	s.store = NewStore(api, s.resolver, s.SelfID, opts...)
	s.typing = NewTyping(s.conn, s.SelfID, &cfg.Typing, opts...)
	s.sender = NewSender(s.store, api, s.Self, &cfg.Sender, opts...)

	s.conn.Subscribe(EventMessageNew, s.onMessageNew)
	s.conn.Subscribe(EventMessageUpdated, s.onMessageUpdated)
	s.conn.Subscribe(EventMessageRecalled, s.onMessageRecalled)
	s.conn.Subscribe(EventTyping, s.onTyping)
	s.conn.Subscribe(EventPresence, s.onPresence)
	s.conn.OnLifecycle(func(ev LifecycleEvent) {
		switch ev.Kind {
		case LifecycleDisconnected, LifecycleExhausted:
			s.typing.ClearAll()
		}
	})
	return s
}

func (s *Session) Connection() *Connection { return s.conn }
func (s *Session) Store() *Store           { return s.store }
func (s *Session) Typing() *Typing         { return s.typing }
func (s *Session) Sender() *Sender         { return s.sender }
func (s *Session) Resolver() *Resolver     { return s.resolver }

// Self returns the author snapshot of the logged-in user.
func (s *Session) Self() UserRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// SelfID returns the canonical ID of the logged-in user.
func (s *Session) SelfID() CanonicalUserID {
	return s.Self().ID
}

// Identify resolves the current user from the credential without
// connecting. Start calls it.
func (s *Session) Identify(ctx context.Context) error {
	if s.creds == nil {
		return ErrMissingCredential
	}
	cred, err := s.creds.Credential(ctx)
	if err != nil {
		return err
	}
	if _, err := s.resolver.Resolve(cred.User); err != nil {
		return fmt.Errorf("current user: %w", err)
	}

	s.mu.Lock()
	s.self = s.resolver.UserRef(cred.User)
	s.mu.Unlock()
	return nil
}

// Start identifies the current user and connects, joining
// initialConversationIDs.
func (s *Session) Start(ctx context.Context, initialConversationIDs []string) error {
	if err := s.Identify(ctx); err != nil {
		return err
	}
	s.typing.Start()
	if err := s.conn.Connect(ctx, initialConversationIDs); err != nil {
		s.typing.Stop()
		return err
	}
	s.log.Info("session_started", zap.String("user", string(s.SelfID())))
	return nil
}

// Stop disconnects and forgets all session state. Submissions still in
// flight complete in the background.
func (s *Session) Stop() error {
	err := s.conn.Disconnect()
	s.typing.Stop()
	s.typing.ClearAll()
	s.store.Reset()

	s.mu.Lock()
	s.self = AnonymousUser
	s.mu.Unlock()
	s.log.Info("session_stopped")
	return err
}

// Open joins conversationID and loads the newest page unless the window
// already holds one from the server. Cached messages alone do not count.
// The snapshot is returned even when the load fails.
func (s *Session) Open(ctx context.Context, conversationID string) (WindowSnapshot, error) {
	if err := s.conn.JoinConversation(ctx, conversationID); err != nil {
		return s.store.Window(conversationID), fmt.Errorf("join %s: %w", conversationID, err)
	}
	var err error
	if !s.store.Fetched(conversationID) {
		_, err = s.store.LoadOlder(ctx, conversationID, s.pageSize)
	}
	return s.store.Window(conversationID), err
}

// LoadOlder loads the next page of history.
func (s *Session) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	return s.store.LoadOlder(ctx, conversationID, s.pageSize)
}

// Leave leaves conversationID, clears its typing state and its window.
// An in-flight LoadOlder for it is discarded.
func (s *Session) Leave(ctx context.Context, conversationID string) error {
	err := s.conn.LeaveConversation(ctx, conversationID)
	s.typing.ClearConversation(conversationID)
	s.store.Clear(conversationID)
	s.store.Evict(conversationID)
	return err
}

// SendText stops local typing and sends text.
func (s *Session) SendText(ctx context.Context, conversationID, text string) (Message, error) {
	s.typing.OnLocalSend(conversationID)
	return s.sender.SendText(ctx, conversationID, text)
}

// SendFile stops local typing and sends file.
func (s *Session) SendFile(ctx context.Context, conversationID string, file FileRef, kind MessageKind) (Message, error) {
	s.typing.OnLocalSend(conversationID)
	return s.sender.SendFile(ctx, conversationID, file, kind)
}

// ── event routing ─────────────────────────────────────────

func (s *Session) drop(env Envelope, err error) {
	s.log.Warn("event_dropped", zap.String("type", env.Type), zap.Error(err))
	s.metrics.dropped("malformed_payload")
}

func decodePayload[T any](env Envelope) (T, error) {
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Type, err)
	}
	return p, nil
}

func (s *Session) onMessageNew(env Envelope) {
	p, err := decodePayload[messageNewPayload](env)
	if err != nil {
		s.drop(env, err)
		return
	}
	conv := p.ConversationID
	if conv == "" {
		conv = p.Message.ConversationID
	}
	if conv == "" {
		s.drop(env, fmt.Errorf("%w: no conversation", ErrMalformedMessage))
		return
	}
	// the store logs and counts invalid messages itself
	_, _ = s.store.MergeIncoming(conv, []Message{s.resolver.decodeMessage(p.Message)})
}

func (s *Session) onMessageUpdated(env Envelope) {
	p, err := decodePayload[messageUpdatedPayload](env)
	if err == nil && p.Message.ID == "" {
		err = fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if err != nil {
		s.drop(env, err)
		return
	}
	s.store.ApplyUpdate(p.Message.ID, s.resolver.patchFrom(p.Message))
}

func (s *Session) onMessageRecalled(env Envelope) {
	p, err := decodePayload[messageRecalledPayload](env)
	if err == nil && p.MessageID == "" {
		err = fmt.Errorf("%w: missing message id", ErrMalformedMessage)
	}
	if err != nil {
		s.drop(env, err)
		return
	}
	recalled := DeliveryRecalled
	s.store.ApplyUpdate(p.MessageID, Patch{State: &recalled})
}

func (s *Session) onTyping(env Envelope) {
	p, err := decodePayload[typingPayload](env)
	if err != nil {
		s.drop(env, err)
		return
	}
	user, err := s.resolver.Resolve(p.User)
	if err != nil {
		s.drop(env, err)
		return
	}
	s.typing.OnRemoteTypingEvent(p.ConversationID, user, p.IsTyping)
}

func (s *Session) onPresence(env Envelope) {
	p, err := decodePayload[presencePayload](env)
	if err != nil {
		s.drop(env, err)
		return
	}
	user, err := s.resolver.ResolveRaw(p.UserID)
	if err != nil {
		s.drop(env, err)
		return
	}
	s.typing.OnPresence(user, p.IsOnline)
}

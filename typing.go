package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TypingEmitter sends typing indicators for the current user. *Connection
// implements it.
type TypingEmitter interface {
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// TypingConfig configures the Typing coordinator.
type TypingConfig struct {
	// QuietPeriod after the last local keystroke before typing stops.
	QuietPeriod time.Duration
	// Expiry of a remote typing indicator that is not refreshed.
	Expiry        time.Duration
	SweepInterval time.Duration
	SendTimeout   time.Duration
}

func (c *TypingConfig) defaults() {
	if c.QuietPeriod == 0 {
		c.QuietPeriod = 3 * time.Second
	}
	if c.Expiry == 0 {
		c.Expiry = 5 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 1 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 5 * time.Second
	}
}

// TypingSnapshot lists the users currently typing in a conversation.
type TypingSnapshot struct {
	ConversationID string
	Users          []CanonicalUserID
}

// PresenceChange reports a user going online or offline.
type PresenceChange struct {
	User   CanonicalUserID
	Online bool
}

type localTyping struct {
	timer *time.Timer
	token uint64
}

// Typing tracks who is typing in each conversation and emits the current
// user's own typing indicators, debounced.
type Typing struct {
	cfg     TypingConfig
	emitter TypingEmitter
	self    func() CanonicalUserID
	log     *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	local  map[string]localTyping
	remote map[string]map[CanonicalUserID]time.Time
	online map[CanonicalUserID]bool
	token  uint64
	stop   chan struct{}

	// emitMu keeps start and stop indicators for the current user in order.
	emitMu sync.Mutex

	subsMu   sync.Mutex
	subs     map[string]*listeners[TypingSnapshot]
	presence listeners[PresenceChange]
}

// NewTyping creates a coordinator. self returns the current user; remote
// events attributed to it are ignored.
func NewTyping(emitter TypingEmitter, self func() CanonicalUserID, config *TypingConfig, opts ...Option) *Typing {
	var cfg TypingConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	o := buildOptions(opts)
	if self == nil {
		self = func() CanonicalUserID { return "" }
	}
	return &Typing{
		cfg:     cfg,
		emitter: emitter,
		self:    self,
		log:     o.log.Named("typing"),
		now:     o.now,
		local:   make(map[string]localTyping),
		remote:  make(map[string]map[CanonicalUserID]time.Time),
		online:  make(map[CanonicalUserID]bool),
		subs:    make(map[string]*listeners[TypingSnapshot]),
	}
}

// Start runs the expiry sweep every SweepInterval until Stop is called.
func (t *Typing) Start() {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.stop = stop
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.Sweep(t.now())
			}
		}
	}()
}

// Stop halts the sweep and cancels pending local stop timers.
func (t *Typing) Stop() {
	t.mu.Lock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	for conv, l := range t.local {
		l.timer.Stop()
		delete(t.local, conv)
	}
	t.mu.Unlock()
}

// ── local user ────────────────────────────────────────────

// OnLocalTextChanged records a keystroke in conversationID. The first one
// emits a typing start; every call restarts the quiet period after which a
// typing stop is emitted.
func (t *Typing) OnLocalTextChanged(conversationID string) {
	t.mu.Lock()
	prev, active := t.local[conversationID]
	if active {
		prev.timer.Stop()
	}
	t.token++
	token := t.token
	t.local[conversationID] = localTyping{
		token: token,
		timer: time.AfterFunc(t.cfg.QuietPeriod, func() { t.quiet(conversationID, token) }),
	}
	t.mu.Unlock()

	if !active {
		t.emit(conversationID, true)
	}
}

// OnLocalSend stops local typing in conversationID immediately.
func (t *Typing) OnLocalSend(conversationID string) {
	t.mu.Lock()
	l, active := t.local[conversationID]
	if active {
		l.timer.Stop()
		delete(t.local, conversationID)
	}
	t.mu.Unlock()

	if active {
		t.emit(conversationID, false)
	}
}

// LocallyTyping reports whether the current user is typing in conversationID.
func (t *Typing) LocallyTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.local[conversationID]
	return ok
}

func (t *Typing) quiet(conversationID string, token uint64) {
	t.mu.Lock()
	l, ok := t.local[conversationID]
	if !ok || l.token != token {
		t.mu.Unlock()
		return
	}
	delete(t.local, conversationID)
	t.mu.Unlock()

	t.emit(conversationID, false)
}

func (t *Typing) emit(conversationID string, isTyping bool) {
	if t.emitter == nil {
		return
	}
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SendTimeout)
	defer cancel()
	if err := t.emitter.SendTyping(ctx, conversationID, isTyping); err != nil {
		t.log.Debug("typing_not_sent",
			zap.String("conversation", conversationID),
			zap.Bool("typing", isTyping),
			zap.Error(err))
	}
}

// ── remote users ──────────────────────────────────────────

// OnRemoteTypingEvent applies a typing indicator received from the server.
func (t *Typing) OnRemoteTypingEvent(conversationID string, user CanonicalUserID, isTyping bool) {
	if user.IsAnonymous() || user == t.self() {
		return
	}

	t.mu.Lock()
	typists := t.remote[conversationID]
	_, present := typists[user]
	changed := false
	if isTyping {
		if typists == nil {
			typists = make(map[CanonicalUserID]time.Time)
			t.remote[conversationID] = typists
		}
		typists[user] = t.now().Add(t.cfg.Expiry)
		changed = !present
	} else if present {
		delete(typists, user)
		if len(typists) == 0 {
			delete(t.remote, conversationID)
		}
		changed = true
	}
	var snap TypingSnapshot
	if changed {
		snap = t.snapshotLocked(conversationID)
	}
	t.mu.Unlock()

	if changed {
		t.notify(snap)
	}
}

// Sweep removes remote indicators that expired at or before now.
func (t *Typing) Sweep(now time.Time) {
	t.mu.Lock()
	var snaps []TypingSnapshot
	for conv, typists := range t.remote {
		removed := false
		for user, expiry := range typists {
			if !now.Before(expiry) {
				delete(typists, user)
				removed = true
			}
		}
		if len(typists) == 0 {
			delete(t.remote, conv)
		}
		if removed {
			snaps = append(snaps, t.snapshotLocked(conv))
		}
	}
	t.mu.Unlock()

	for _, s := range snaps {
		t.notify(s)
	}
}

// Typists returns the users typing in conversationID, sorted.
func (t *Typing) Typists(conversationID string) []CanonicalUserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(conversationID).Users
}

// ClearConversation forgets all typing state of conversationID.
func (t *Typing) ClearConversation(conversationID string) {
	t.mu.Lock()
	if l, ok := t.local[conversationID]; ok {
		l.timer.Stop()
		delete(t.local, conversationID)
	}
	_, had := t.remote[conversationID]
	delete(t.remote, conversationID)
	t.mu.Unlock()

	if had {
		t.notify(TypingSnapshot{ConversationID: conversationID})
	}
}

// ClearAll forgets all typing and presence state.
func (t *Typing) ClearAll() {
	t.mu.Lock()
	for conv, l := range t.local {
		l.timer.Stop()
		delete(t.local, conv)
	}
	convs := make([]string, 0, len(t.remote))
	for conv := range t.remote {
		convs = append(convs, conv)
	}
	t.remote = make(map[string]map[CanonicalUserID]time.Time)
	t.online = make(map[CanonicalUserID]bool)
	t.mu.Unlock()

	sort.Strings(convs)
	for _, conv := range convs {
		t.notify(TypingSnapshot{ConversationID: conv})
	}
}

// Subscribe registers fn for typing changes in conversationID.
func (t *Typing) Subscribe(conversationID string, fn func(TypingSnapshot)) func() {
	t.subsMu.Lock()
	l, ok := t.subs[conversationID]
	if !ok {
		l = &listeners[TypingSnapshot]{}
		t.subs[conversationID] = l
	}
	t.subsMu.Unlock()
	return l.add(fn)
}

func (t *Typing) notify(snap TypingSnapshot) {
	t.subsMu.Lock()
	l := t.subs[snap.ConversationID]
	t.subsMu.Unlock()
	if l != nil {
		l.emit(t.log, "typing", snap)
	}
}

func (t *Typing) snapshotLocked(conversationID string) TypingSnapshot {
	snap := TypingSnapshot{ConversationID: conversationID}
	for user := range t.remote[conversationID] {
		snap.Users = append(snap.Users, user)
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i] < snap.Users[j] })
	return snap
}

// ── presence ──────────────────────────────────────────────

// OnPresence records a presence change received from the server.
func (t *Typing) OnPresence(user CanonicalUserID, online bool) {
	if user.IsAnonymous() {
		return
	}
	t.mu.Lock()
	changed := t.online[user] != online
	if online {
		t.online[user] = true
	} else {
		delete(t.online, user)
	}
	t.mu.Unlock()

	if changed {
		t.presence.emit(t.log, "presence", PresenceChange{User: user, Online: online})
	}
}

// Online reports whether user was last seen online.
func (t *Typing) Online(user CanonicalUserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[user]
}

// SubscribePresence registers fn for presence changes.
func (t *Typing) SubscribePresence(fn func(PresenceChange)) func() {
	return t.presence.add(fn)
}

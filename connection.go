package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnectionConfig configures the Connection reconnect policy.
type ConnectionConfig struct {
	// MaxReconnectAttempts is the number of attempts after an unexpected
	// closure before giving up; zero means 10.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// ReconnectJitter is the upper bound of the random delay added to each
	// attempt. It is clamped to ReconnectBaseDelay so that successive delays
	// never decrease.
	ReconnectJitter time.Duration
	// DisableReconnect turns unexpected closures into a plain disconnect.
	DisableReconnect bool
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
}

func (c *ConnectionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 1 * time.Second
	}
	if c.ReconnectJitter > c.ReconnectBaseDelay {
		c.ReconnectJitter = c.ReconnectBaseDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// LifecycleKind names a connection lifecycle transition.
type LifecycleKind string

const (
	LifecycleConnecting   LifecycleKind = "connecting"
	LifecycleConnected    LifecycleKind = "connected"
	LifecycleReconnecting LifecycleKind = "reconnecting"
	LifecycleDisconnected LifecycleKind = "disconnected"
	// LifecycleExhausted is terminal for the session; Err is
	// ErrReconnectExhausted.
	LifecycleExhausted LifecycleKind = "exhausted"
)

// LifecycleEvent is delivered to OnLifecycle handlers.
type LifecycleEvent struct {
	Kind    LifecycleKind
	Attempt int
	// Delay is the wait before the next attempt, for LifecycleReconnecting.
	Delay time.Duration
	Err   error
}

// ============================================================================
// Event Bus
// ============================================================================

// EventHandler receives inbound events of one type.
type EventHandler func(env Envelope)

type eventBus struct {
	mu        sync.Mutex
	topics    map[string]*listeners[Envelope]
	lifecycle listeners[LifecycleEvent]
	log       *zap.Logger
}

func newEventBus(log *zap.Logger) *eventBus {
	return &eventBus{
		topics: make(map[string]*listeners[Envelope]),
		log:    log,
	}
}

func (b *eventBus) topic(eventType string) *listeners[Envelope] {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.topics[eventType]
	if !ok {
		l = &listeners[Envelope]{}
		b.topics[eventType] = l
	}
	return l
}

func (b *eventBus) subscribe(eventType string, h EventHandler) func() {
	return b.topic(eventType).add(h)
}

func (b *eventBus) onLifecycle(h func(LifecycleEvent)) func() {
	return b.lifecycle.add(h)
}

// dispatch runs the handlers synchronously so that they observe events in
// receipt order.
func (b *eventBus) dispatch(env Envelope) {
	b.mu.Lock()
	l := b.topics[env.Type]
	b.mu.Unlock()
	if l != nil {
		l.emit(b.log, env.Type, env)
	}
}

func (b *eventBus) emitLifecycle(ev LifecycleEvent) {
	b.lifecycle.emit(b.log, string(ev.Kind), ev)
}

// ============================================================================
// Connection
// ============================================================================

// Connection owns the event channel: its lifecycle, the reconnect policy
// and room membership. Other components observe it through Subscribe and
// OnLifecycle and never touch the channel directly.
type Connection struct {
	cfg     ConnectionConfig
	creds   CredentialProvider
	dialer  Dialer
	log     *zap.Logger
	metrics *Metrics
	bus     *eventBus

	mu     sync.Mutex
	state  ConnState
	recon  *reconnector
	rooms  map[string]struct{}
	ch     Channel
	life   context.Context
	cancel context.CancelFunc
	// gen changes on every Connect and Disconnect; loops started for an
	// older generation exit without touching state.
	gen uint64
}

// NewConnection creates a disconnected Connection.
func NewConnection(creds CredentialProvider, dialer Dialer, config *ConnectionConfig, opts ...Option) *Connection {
	var cfg ConnectionConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	o := buildOptions(opts)
	log := o.log.Named("connection")

	c := &Connection{
		cfg:     cfg,
		creds:   creds,
		dialer:  dialer,
		log:     log,
		metrics: o.metrics,
		bus:     newEventBus(log),
		state:   StateDisconnected,
		recon:   newReconnector(&cfg),
		rooms:   make(map[string]struct{}),
	}
	c.metrics.state(StateDisconnected)
	return c
}

// Subscribe registers h for inbound events of eventType and returns a
// function that removes it. Handlers run on the read loop in receipt order
// and must not block.
func (c *Connection) Subscribe(eventType string, h EventHandler) func() {
	return c.bus.subscribe(eventType, h)
}

// OnLifecycle registers h for state transitions.
func (c *Connection) OnLifecycle(h func(LifecycleEvent)) func() {
	return c.bus.onLifecycle(h)
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the reconnect attempt counter.
func (c *Connection) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recon.attempt
}

// Rooms returns the joined conversations, sorted. While not connected these
// are the rooms that will be joined on the next connect.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Connect opens the channel and joins initialConversationIDs plus any rooms
// remembered from before. It returns ErrMissingCredential without touching
// the network when no credential is available. Connect is a no-op unless
// the connection is disconnected.
func (c *Connection) Connect(ctx context.Context, initialConversationIDs []string) error {
	if c.State() != StateDisconnected {
		return nil
	}
	cred, err := c.credential(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	for _, id := range initialConversationIDs {
		if id = strings.TrimSpace(id); id != "" {
			c.rooms[id] = struct{}{}
		}
	}
	c.gen++
	gen := c.gen
	c.life, c.cancel = context.WithCancel(context.Background())
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.bus.emitLifecycle(LifecycleEvent{Kind: LifecycleConnecting})

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	if err := c.open(dialCtx, cred, gen); err != nil {
		if c.abandon(gen) {
			c.bus.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, Err: err})
		}
		return err
	}
	return nil
}

// Disconnect tears down the channel, cancels pending reconnects and forgets
// all rooms. It is idempotent.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.gen++
	cancel, ch := c.cancel, c.ch
	c.cancel, c.ch = nil, nil
	c.rooms = make(map[string]struct{})
	prev := c.state
	c.setStateLocked(StateDisconnected)
	c.recon.reset()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ch != nil {
		err = ch.Close()
	}
	if prev != StateDisconnected {
		c.log.Info("disconnected")
		c.bus.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected})
	}
	return err
}

// JoinConversation joins a conversation room. While not connected the join
// is queued and applied on the next connected transition.
func (c *Connection) JoinConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.rooms[conversationID] = struct{}{}
	ch, connected := c.ch, c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.write(ctx, ch, roomCommand(CommandJoin, conversationID))
}

// LeaveConversation leaves a conversation room. While not connected it only
// removes the room from the set replayed on the next connect.
func (c *Connection) LeaveConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	delete(c.rooms, conversationID)
	ch, connected := c.ch, c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.write(ctx, ch, roomCommand(CommandLeave, conversationID))
}

// SendTyping sends a typing indicator for conversationID.
func (c *Connection) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	c.mu.Lock()
	ch, connected := c.ch, c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	return c.write(ctx, ch, Command{
		Type: CommandTyping,
		Payload: map[string]interface{}{
			"conversationId": conversationID,
			"isTyping":       isTyping,
		},
	})
}

// ── internals ─────────────────────────────────────────────

func roomCommand(typ, conversationID string) Command {
	return Command{Type: typ, Payload: map[string]string{"conversationId": conversationID}}
}

func (c *Connection) setStateLocked(s ConnState) {
	c.state = s
	c.metrics.state(s)
}

func (c *Connection) credential(ctx context.Context) (Credential, error) {
	if c.creds == nil {
		return Credential{}, ErrMissingCredential
	}
	cred, err := c.creds.Credential(ctx)
	if err != nil {
		if errors.Is(err, ErrMissingCredential) {
			return Credential{}, err
		}
		return Credential{}, fmt.Errorf("%w: %v", ErrMissingCredential, err)
	}
	if strings.TrimSpace(cred.Token) == "" {
		return Credential{}, ErrMissingCredential
	}
	return cred, nil
}

func (c *Connection) write(ctx context.Context, ch Channel, cmd Command) error {
	if ch == nil {
		return ErrNotConnected
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := ch.Write(wctx, cmd); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Type, err)
	}
	return nil
}

// abandon moves generation gen to disconnected. It reports false when gen
// was superseded in the meantime.
func (c *Connection) abandon(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.ch = nil
	c.setStateLocked(StateDisconnected)
	return true
}

var errSuperseded = errors.New("connection superseded")

// open dials, replays room membership and reports connected. Membership
// changes made while the replay runs are reconciled before the state
// becomes connected.
func (c *Connection) open(ctx context.Context, cred Credential, gen uint64) error {
	ch, err := c.dialer.Dial(ctx, cred)
	if err != nil {
		return err
	}

	sent := make(map[string]struct{})
	for {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			ch.Close()
			return errSuperseded
		}
		var join, leave []string
		for id := range c.rooms {
			if _, ok := sent[id]; !ok {
				join = append(join, id)
			}
		}
		for id := range sent {
			if _, ok := c.rooms[id]; !ok {
				leave = append(leave, id)
			}
		}
		if len(join) == 0 && len(leave) == 0 {
			c.ch = ch
			c.recon.reset()
			c.setStateLocked(StateConnected)
			life := c.life
			c.mu.Unlock()

			c.log.Info("connected", zap.Int("rooms", len(sent)))
			c.bus.emitLifecycle(LifecycleEvent{Kind: LifecycleConnected})
			go c.readLoop(life, gen, ch)
			return nil
		}
		c.mu.Unlock()

		sort.Strings(join)
		for _, id := range join {
			if err := c.write(ctx, ch, roomCommand(CommandJoin, id)); err != nil {
				ch.Close()
				return fmt.Errorf("rejoin %s: %w", id, err)
			}
			sent[id] = struct{}{}
		}
		for _, id := range leave {
			if err := c.write(ctx, ch, roomCommand(CommandLeave, id)); err != nil {
				ch.Close()
				return fmt.Errorf("leave %s: %w", id, err)
			}
			delete(sent, id)
		}
	}
}

func (c *Connection) readLoop(life context.Context, gen uint64, ch Channel) {
	for {
		env, err := ch.Read(life)
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) && life.Err() == nil {
				c.log.Warn("malformed_frame_dropped", zap.Error(err))
				c.metrics.dropped("malformed_frame")
				continue
			}
			c.handleClosure(gen, ch, err)
			return
		}
		c.metrics.eventReceived(env.Type)
		c.bus.dispatch(env)
	}
}

func (c *Connection) handleClosure(gen uint64, ch Channel, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.life == nil || c.life.Err() != nil {
		// intentional disconnect
		c.mu.Unlock()
		return
	}
	c.ch = nil
	terminal := c.cfg.DisableReconnect || errors.Is(cause, ErrCredentialRejected)
	if terminal {
		c.cancel()
		c.cancel = nil
		c.setStateLocked(StateDisconnected)
	} else {
		c.setStateLocked(StateReconnecting)
	}
	c.mu.Unlock()
	ch.Close()

	if terminal {
		c.log.Warn("channel_closed", zap.Error(cause))
		c.bus.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, Err: cause})
		return
	}
	c.log.Warn("channel_lost", zap.Error(cause))
	c.reconnectLoop(gen)
}

func (c *Connection) reconnectLoop(gen uint64) {
	for {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		if !c.recon.shouldReconnect() {
			attempts := c.recon.attempt
			c.cancel()
			c.cancel = nil
			c.setStateLocked(StateDisconnected)
			c.mu.Unlock()

			c.log.Error("reconnect_exhausted", zap.Int("attempts", attempts))
			c.metrics.exhausted()
			c.bus.emitLifecycle(LifecycleEvent{Kind: LifecycleExhausted, Attempt: attempts, Err: ErrReconnectExhausted})
			return
		}
		delay := c.recon.nextDelay()
		attempt := c.recon.attempt
		life := c.life
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()

		c.log.Info("reconnect_scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		c.metrics.reconnecting()
		c.bus.emitLifecycle(LifecycleEvent{Kind: LifecycleReconnecting, Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		cred, err := c.credential(life)
		if err != nil {
			if c.abandon(gen) {
				c.log.Error("reconnect_without_credential", zap.Error(err))
				c.bus.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, Attempt: attempt, Err: err})
			}
			return
		}

		dialCtx, cancel := context.WithTimeout(life, c.cfg.DialTimeout)
		err = c.open(dialCtx, cred, gen)
		cancel()
		switch {
		case err == nil, errors.Is(err, errSuperseded):
			return
		case errors.Is(err, ErrCredentialRejected):
			if c.abandon(gen) {
				c.bus.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, Attempt: attempt, Err: err})
			}
			return
		}
		c.log.Warn("reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errChannelClosed = errors.New("fake channel closed")

type frame struct {
	env Envelope
	err error
}

// fakeChannel is an in-memory Channel. Frames pushed with send or fail are
// returned by Read in order.
type fakeChannel struct {
	in        chan frame
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writes   []Command
	writeErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:     make(chan frame, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) Read(ctx context.Context) (Envelope, error) {
	select {
	case f := <-c.in:
		return f.env, f.err
	case <-c.closed:
		return Envelope{}, errChannelClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *fakeChannel) Write(ctx context.Context, cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, cmd)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) send(t *testing.T, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	c.in <- frame{env: Envelope{Type: eventType, Payload: data}}
}

func (c *fakeChannel) fail(err error) {
	c.in <- frame{err: err}
}

// commands returns "type:conversationId" for each room command written.
func (c *fakeChannel) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, cmd := range c.writes {
		s := cmd.Type
		if p, ok := cmd.Payload.(map[string]string); ok {
			s += ":" + p["conversationId"]
		}
		out = append(out, s)
	}
	return out
}

type dialResult struct {
	err error
}

// fakeDialer hands out fakeChannels. Queued results are consumed first;
// once the queue is empty every dial succeeds unless failAll is set.
type fakeDialer struct {
	mu       sync.Mutex
	queue    []dialResult
	failAll  error
	dials    int
	creds    []Credential
	channels []*fakeChannel
}

func (d *fakeDialer) Dial(ctx context.Context, cred Credential) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.creds = append(d.creds, cred)
	if len(d.queue) > 0 {
		r := d.queue[0]
		d.queue = d.queue[1:]
		if r.err != nil {
			return nil, r.err
		}
	} else if d.failAll != nil {
		return nil, d.failAll
	}
	ch := newFakeChannel()
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) setFailAll(err error) {
	d.mu.Lock()
	d.failAll = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i += len(d.channels)
	}
	if i < 0 || i >= len(d.channels) {
		return nil
	}
	return d.channels[i]
}

func testCredentials() *StaticCredentials {
	return NewStaticCredentials(Credential{
		Token: "tok-1",
		User:  IdentityHint{AccountID: "u1", Handle: "me", DisplayName: "Me"},
	})
}

// fastReconnect keeps reconnect tests in the millisecond range.
func fastReconnect() *ConnectionConfig {
	return &ConnectionConfig{
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   2 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		ReconnectJitter:      time.Millisecond,
		DialTimeout:          time.Second,
		WriteTimeout:         time.Second,
	}
}

type lifecycleRecorder struct {
	ch chan LifecycleEvent
}

func recordLifecycle(c *Connection) *lifecycleRecorder {
	r := &lifecycleRecorder{ch: make(chan LifecycleEvent, 256)}
	c.OnLifecycle(func(ev LifecycleEvent) { r.ch <- ev })
	return r
}

// waitFor returns the next event of kind, skipping others.
func (r *lifecycleRecorder) waitFor(t *testing.T, kind LifecycleKind) LifecycleEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return LifecycleEvent{}
		}
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// at returns baseTime plus n seconds.
func at(n int) time.Time {
	return baseTime.Add(time.Duration(n) * time.Second)
}

func textMessage(id, conv string, created time.Time, text string) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		Author:         UserRef{ID: "u2", DisplayName: "Other"},
		Kind:           KindText,
		Payload:        Payload{Text: text},
		CreatedAt:      created,
	}
}

func messageIDs(w WindowSnapshot) []string {
	out := make([]string, len(w.Messages))
	for i, m := range w.Messages {
		out[i] = m.Key()
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

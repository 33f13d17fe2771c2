package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// Inbound event types.
const (
	EventMessageNew      = "message:new"
	EventMessageUpdated  = "message:updated"
	EventMessageRecalled = "message:recalled"
	EventTyping          = "typing"
	EventPresence        = "presence"
)

// Outbound command types.
const (
	CommandJoin   = "join"
	CommandLeave  = "leave"
	CommandTyping = "typing"
)

// Envelope is the wire format for all inbound events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command.
type Command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ============================================================================
// Channel Abstraction
// ============================================================================

// Channel is one open event channel. Read is only called from a single
// goroutine; Write may be called concurrently with Read.
type Channel interface {
	// Read blocks for the next event. A frame that cannot be decoded is
	// reported as an error wrapping ErrMalformedMessage; the channel stays
	// usable after it.
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, cmd Command) error
	Close() error
}

// Dialer opens event channels.
type Dialer interface {
	Dial(ctx context.Context, cred Credential) (Channel, error)
}

// ============================================================================
// WebSocket Dialer
// ============================================================================

// closeStatusUnauthorized is the application close code for a rejected token.
const closeStatusUnauthorized websocket.StatusCode = 4001

// WebSocketDialer dials the event channel over WebSocket.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint. http(s) URLs are rewritten.
	URL string
	// HeartbeatInterval between pings; zero means 25s.
	HeartbeatInterval time.Duration
	// ReadLimit is the maximum frame size in bytes; zero means 1 MiB.
	ReadLimit  int64
	HTTPClient *http.Client
}

// Dial opens a WebSocket carrying the token and the user identifier.
func (d *WebSocketDialer) Dial(ctx context.Context, cred Credential) (Channel, error) {
	wsURL := strings.Replace(d.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse channel url: %w", err)
	}
	q := u.Query()
	q.Set("token", cred.Token)
	if cred.User.AccountID != "" {
		q.Set("userId", cred.User.AccountID)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + cred.Token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("websocket dial: %w", ErrCredentialRejected)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)

	interval := d.HeartbeatInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	ch := &wsChannel{conn: conn, cancel: cancel}
	go ch.heartbeatLoop(hbCtx, interval)
	return ch, nil
}

type wsChannel struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *wsChannel) Read(ctx context.Context) (Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusPolicyViolation, closeStatusUnauthorized:
			return Envelope{}, fmt.Errorf("%w: %v", ErrCredentialRejected, err)
		}
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing event type", ErrMalformedMessage)
	}
	return env, nil
}

func (c *wsChannel) Write(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return err
}

func (c *wsChannel) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// heartbeat failed, force the read loop to observe a closure
				c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

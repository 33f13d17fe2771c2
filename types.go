package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the request API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Status is the HTTP status of the response that carried the error.
	Status int `json:"-"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return e.Code + ": " + e.Message
}

// Result is the generic request API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Identity Types
// ============================================================================

// CanonicalUserID uniquely identifies one human account. Values are only
// produced by a Resolver. The zero value is the anonymous user.
type CanonicalUserID string

// IsAnonymous reports whether id is the anonymous user.
func (id CanonicalUserID) IsAnonymous() bool { return id == "" }

// UserRef is the author snapshot attached to a message. It is copied by
// value and never rewritten after it has been attached.
type UserRef struct {
	ID          CanonicalUserID `json:"id"`
	DisplayName string          `json:"displayName,omitempty"`
	AvatarRef   string          `json:"avatarRef,omitempty"`
}

// AnonymousUser is the UserRef rendered for unresolvable authors.
var AnonymousUser = UserRef{DisplayName: "Unknown"}

// ============================================================================
// Message Types
// ============================================================================

// MessageKind is the content kind of a message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindVideo  MessageKind = "video"
	KindFile   MessageKind = "file"
	KindVote   MessageKind = "vote"
	KindSystem MessageKind = "system"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindFile, KindVote, KindSystem:
		return true
	}
	return false
}

// IsMedia reports whether k is sent through the file endpoint.
func (k MessageKind) IsMedia() bool {
	return k == KindImage || k == KindVideo || k == KindFile
}

// DeliveryState is the delivery lifecycle of a message.
type DeliveryState string

const (
	DeliveryPending  DeliveryState = "pending"
	DeliverySent     DeliveryState = "sent"
	DeliveryFailed   DeliveryState = "failed"
	DeliveryRecalled DeliveryState = "recalled"
	DeliveryDeleted  DeliveryState = "deleted"
)

// terminal states are never overwritten by a later copy of the same message.
func (s DeliveryState) terminal() bool {
	return s == DeliveryRecalled || s == DeliveryDeleted
}

// Attachment describes the media carried by image, video and file messages.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Payload is the kind-specific body of a message.
type Payload struct {
	Text       string         `json:"text,omitempty"`
	Attachment *Attachment    `json:"attachment,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

func (p Payload) clone() Payload {
	c := p
	if p.Attachment != nil {
		a := *p.Attachment
		c.Attachment = &a
	}
	if p.Data != nil {
		c.Data = make(map[string]any, len(p.Data))
		for k, v := range p.Data {
			c.Data[k] = v
		}
	}
	return c
}

// Reaction is one user's reaction to a message.
type Reaction struct {
	UserID CanonicalUserID `json:"userId"`
	Kind   string          `json:"kind"`
}

// Progress tracks an in-flight upload.
type Progress struct {
	Sent  int64 `json:"sent"`
	Total int64 `json:"total"`
}

// SendFailure explains why a provisional message is in the failed state.
type SendFailure struct {
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// Message is a chat message as held by the Store.
//
// ID is assigned by the server and is authoritative once present. LocalID
// is assigned by the client when the message is created locally and is kept
// only so the provisional entry can be found and replaced.
type Message struct {
	ID             string        `json:"id,omitempty"`
	LocalID        string        `json:"localId,omitempty"`
	ConversationID string        `json:"conversationId"`
	Author         UserRef       `json:"author"`
	Kind           MessageKind   `json:"kind"`
	Payload        Payload       `json:"payload"`
	CreatedAt      time.Time     `json:"createdAt"`
	State          DeliveryState `json:"state"`
	Reactions      []Reaction    `json:"reactions,omitempty"`

	Outgoing bool         `json:"outgoing,omitempty"`
	Progress *Progress    `json:"progress,omitempty"`
	Failure  *SendFailure `json:"failure,omitempty"`

	seq uint64
}

// IsProvisional reports whether the message has not been acknowledged by the
// server yet.
func (m *Message) IsProvisional() bool { return m.ID == "" }

// Key returns the effective identity of the message.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return "local:" + m.LocalID
}

// Seq returns the arrival sequence number assigned by the Store.
func (m *Message) Seq() uint64 { return m.seq }

func (m Message) clone() Message {
	c := m
	if m.Reactions != nil {
		c.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	c.Payload = m.Payload.clone()
	if m.Progress != nil {
		p := *m.Progress
		c.Progress = &p
	}
	if m.Failure != nil {
		f := *m.Failure
		c.Failure = &f
	}
	return c
}

// Patch is a partial update applied to a loaded message.
type Patch struct {
	State          *DeliveryState
	Payload        *Payload
	AddReaction    *Reaction
	RemoveReaction *Reaction
	// Reactions replaces the whole reaction list when non-nil.
	Reactions []Reaction
}

// WindowSnapshot is a read-only copy of a conversation window.
type WindowSnapshot struct {
	ConversationID string
	Messages       []Message
	Cursor         string
	HasMoreOlder   bool
	// Version increases with every change to the window, so observers can
	// drop snapshots that arrive out of order.
	Version uint64
}
